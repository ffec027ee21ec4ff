// SPDX-License-Identifier: MPL-2.0

// Package mixer implements the central mix engine: a periodic, saturating
// sum of every enabled slot plus an optional injected file, with self-echo
// exclusion so a slot's tap never hears its own last contribution folded
// back in.
//
// Grounded on baresip's aumix/aumix.c (the auplay -> aumix -> ausrc pipeline)
// and sync_b2bua/device.c's aumix_frame_handler, which delivers the mixer's
// output to each source's tap. Unlike the float-domain, linked-list mixer in
// the retrieval pack's haivivi-giztoy/pkg/audio/pcm package, this mixer sums
// in the int32 domain over a mutex-protected slice snapshot — simpler to
// reason about for the handful of slots a B2BUA session actually carries.
package mixer

import (
	"errors"
	"math"
	"sync"
)

// Frame is one ptime's worth of mono PCM samples.
type Frame []int16

// Tap receives the mixed output (with the slot's own contribution excluded)
// once per period. It corresponds to a source's "capture" sink in the device
// package.
type Tap func(mixed Frame) error

// Slot is one mixer input. A slot is fed with Put (usually from a device's
// capture sink) and, once enabled, contributes its latest frame to every
// period's sum.
type Slot struct {
	id      string
	enabled bool

	mu           sync.Mutex
	frame        []int16 // latest contribution, raw
	contribution []int32 // latest contribution, widened, what was last summed in
}

func newSlot(id string, frameLen int) *Slot {
	return &Slot{
		id:           id,
		frame:        make([]int16, frameLen),
		contribution: make([]int32, frameLen),
	}
}

// Put stores the slot's latest frame. Mirrors the mix-slot device's
// single-frame, oldest-dropped semantics: a Put before the previous frame
// was consumed simply overwrites it.
func (s *Slot) Put(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(s.frame, frame)
	for i := n; i < len(s.frame); i++ {
		s.frame[i] = 0
	}
	return nil
}

func (s *Slot) ID() string { return s.id }

// Engine is the mixer singleton described in spec.md §3 "Mixer".
type Engine struct {
	sampleRate int
	frameLen   int

	mu    sync.Mutex
	slots []*Slot
	file  *FilePlayer
	taps  map[string]Tap
}

// NewEngine builds a mixer for the given sample rate and ptime. frameLen is
// derived as sampleRate*ptimeMs/1000, matching aumix_alloc's
// srate/channels/ptime triple.
func NewEngine(sampleRate, ptimeMs int) *Engine {
	return &Engine{
		sampleRate: sampleRate,
		frameLen:   sampleRate * ptimeMs / 1000,
		taps:       make(map[string]Tap),
	}
}

func (e *Engine) FrameLen() int   { return e.frameLen }
func (e *Engine) SampleRate() int { return e.sampleRate }

// AddSlot registers a new mixer input, disabled by default (mirrors
// sync_mixer_source_add allocating the source before any enable call).
func (e *Engine) AddSlot(id string) *Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := newSlot(id, e.frameLen)
	e.slots = append(e.slots, s)
	return s
}

// RemoveSlot detaches a slot and its tap.
func (e *Engine) RemoveSlot(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.slots {
		if s.id == id {
			e.slots = append(e.slots[:i], e.slots[i+1:]...)
			break
		}
	}
	delete(e.taps, id)
}

// Enable sets whether a slot contributes to, and receives, the mix.
func (e *Engine) Enable(id string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.slots {
		if s.id == id {
			s.mu.Lock()
			s.enabled = enabled
			s.mu.Unlock()
			return
		}
	}
}

// SetTap registers the callback that receives the mix (minus this slot's own
// contribution) once per period.
func (e *Engine) SetTap(id string, tap Tap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.taps[id] = tap
}

// SetFilePlayer installs (or clears, with nil) the file injected into every
// period's sum, used by the mixer_play command.
func (e *Engine) SetFilePlayer(fp *FilePlayer) {
	e.mu.Lock()
	e.file = fp
	e.mu.Unlock()
}

// Tick runs one mixing period: sum every enabled slot's latest frame plus any
// injected file audio, saturate to int16, then deliver to each enabled slot's
// tap with its own last contribution subtracted back out. Called by a
// dedicated ticker goroutine in production; exported directly so tests can
// drive it deterministically without sleeping.
func (e *Engine) Tick() error {
	e.mu.Lock()
	slots := make([]*Slot, len(e.slots))
	copy(slots, e.slots)
	taps := make(map[string]Tap, len(e.taps))
	for k, v := range e.taps {
		taps[k] = v
	}
	file := e.file
	e.mu.Unlock()

	sum := make([]int32, e.frameLen)
	type contribution struct {
		id   string
		vals []int32
	}
	contribs := make([]contribution, 0, len(slots))

	for _, s := range slots {
		s.mu.Lock()
		enabled := s.enabled
		var vals []int32
		if enabled {
			vals = make([]int32, e.frameLen)
			for i, v := range s.frame {
				vals[i] = int32(v)
				sum[i] += vals[i]
			}
			copy(s.contribution, vals)
		}
		s.mu.Unlock()

		if enabled {
			contribs = append(contribs, contribution{id: s.id, vals: vals})
		}
	}

	if file != nil {
		frame, err := file.Next()
		if err == nil {
			for i := 0; i < len(sum) && i < len(frame); i++ {
				sum[i] += int32(frame[i])
			}
		}
	}

	out := make([]int16, e.frameLen)
	for i, v := range sum {
		out[i] = saturate(v)
	}

	// Every enabled slot's tap runs exactly once per period regardless of
	// whether an earlier tap in this loop errored (a slot with no reader
	// attached yet, e.g. mid-setup in MixerSourceAdd, must not silently mute
	// every other already-enabled slot for the period).
	var tapErrs []error
	for _, c := range contribs {
		tap, ok := taps[c.id]
		if !ok {
			continue
		}
		excluded := make([]int16, e.frameLen)
		for i := range excluded {
			excluded[i] = saturate(sum[i] - c.vals[i])
		}
		if err := tap(excluded); err != nil {
			tapErrs = append(tapErrs, err)
		}
	}

	return errors.Join(tapErrs...)
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
