// SPDX-License-Identifier: MPL-2.0

package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// pollInterval is the worker's wake-up granularity. Grounded on baresip's
// sync_b2bua/mixer_auplay.c write_thread, which polls via sys_msleep(4)
// rather than sleeping the full ptime, so a Stop() call is noticed quickly.
const pollInterval = 4 * time.Millisecond

// Source produces one ptime's worth of samples for a playback endpoint, the
// Go shape of baresip's auplay write handler (auplay_prm.wh).
type Source func(frame []int16) error

// Pump drives one playback endpoint at a fixed cadence: every ptime it asks
// Source for a frame and writes it into a device. There is exactly one pump
// per playback endpoint, never one per mix slot or per bridge device itself
// (spec.md §4.C).
type Pump struct {
	ptime  time.Duration
	frame  []int16
	source Source
	dev    *Device
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// PumpOption configures a Pump at construction time.
type PumpOption func(*Pump)

// WithPumpLogger attaches the caller's logger, so a pump's dropped-frame
// warnings carry the same fields (sip_callid, nosip_call_id, ...) as the rest
// of that endpoint's logging.
func WithPumpLogger(l zerolog.Logger) PumpOption {
	return func(p *Pump) { p.log = l }
}

// NewPump constructs a pump that will call source once per ptime and forward
// the result into dev.Write. frameLen is the sample count per ptime
// (sampleRate * ptime / time.Second for mono PCM).
func NewPump(ptime time.Duration, frameLen int, source Source, dev *Device, opts ...PumpOption) *Pump {
	p := &Pump{
		ptime:  ptime,
		frame:  make([]int16, frameLen),
		source: source,
		dev:    dev,
		log:    log.Logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the pump goroutine. Calling Start twice is a no-op.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(p.stopCh, p.doneCh)
}

// Stop signals the pump to exit and waits for it to finish its current tick.
func (p *Pump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (p *Pump) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	start := time.Now()
	var ticks int64
	deadline := start

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		now := time.Now()
		if now.Before(deadline) {
			continue // skip-if-early: not yet time for the next frame
		}

		ticks++
		deadline = start.Add(time.Duration(ticks) * p.ptime)

		// Pump-thread failures are logged and the frame is dropped; a
		// transient decode or write error must not tear down the session.
		if err := p.source(p.frame); err != nil {
			p.log.Error().Err(err).Str("device", p.dev.Name()).Msg("pump source failed, dropping frame")
			continue
		}
		if err := p.dev.Write(p.frame); err != nil {
			p.log.Error().Err(err).Str("device", p.dev.Name()).Msg("pump write failed, dropping frame")
			continue
		}
	}
}
