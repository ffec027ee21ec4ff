// SPDX-License-Identifier: MPL-2.0

// Package device implements the virtual audio device registry: named,
// in-process pipes that move PCM frames between a signaling leg, a
// no-signaling call and the mixer, without ever touching a real sound card.
//
// It is the Go shape of baresip's sync_b2bua/device.c and the aumix module's
// ausrc/auplay pair: a device is looked up by name from either side and the
// two ends are connected purely in memory.
package device

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrExists   = errors.New("device: name already registered")
	ErrNotFound = errors.New("device: not found")
	ErrClosed   = errors.New("device: closed")
)

// Kind distinguishes the two device flavors described by the spec.
type Kind int

const (
	// KindBridge is a single-writer/single-reader synchronous pipe: one
	// frame in, the same frame delivered to exactly one reader, no queuing.
	KindBridge Kind = iota
	// KindMixSlot is a shallow, one-frame ring feeding a mixer.Slot:
	// the newest frame always wins, an unread frame is simply dropped.
	KindMixSlot
)

func (k Kind) String() string {
	if k == KindMixSlot {
		return "mixslot"
	}
	return "bridge"
}

// Sink receives frames written into a device. For a bridge device it is the
// paired reader's callback; for a mix-slot device it is mixer.Slot.Put.
type Sink func(frame []int16) error

// Device is one named entry in the Registry. The zero value is not usable;
// devices are created through Registry.OpenBridge/OpenMixSlot.
type Device struct {
	name string
	kind Kind

	mu     sync.Mutex
	sink   Sink // where Write() delivers frames
	closed bool
}

func (d *Device) Name() string { return d.name }
func (d *Device) Kind() Kind   { return d.kind }

// SetCapture installs the sink that receives frames passed to Write. This is
// the device's "capture" (ausrc) side: whatever produces frames for this
// device — a pump, a mixer tick, a file player — calls Write, and SetCapture
// is how a consumer (an encoder feeding RTP, or a mixer slot) registers to
// receive them.
func (d *Device) SetCapture(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.sink = sink
	return nil
}

// ClearCapture removes the current sink, e.g. before swapping it — mirrors
// sync_device_set_ausrc's disable-before-swap pattern in the original.
func (d *Device) ClearCapture() {
	d.mu.Lock()
	d.sink = nil
	d.mu.Unlock()
}

// Write delivers one frame into the device. For a bridge device this calls
// the paired reader's sink synchronously and returns its error; there is no
// queue, so a slow or absent reader simply means the write is a no-op (for
// mix slots) or returns an error (for a bridge with nothing attached).
func (d *Device) Write(frame []int16) error {
	d.mu.Lock()
	sink := d.sink
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if sink == nil {
		if d.kind == KindMixSlot {
			// No one has enabled this source yet; a dropped frame here
			// is expected during setup, not an error.
			return nil
		}
		return fmt.Errorf("device %q: %w", d.name, errBridgeHasNoReader)
	}
	return sink(frame)
}

func (d *Device) close() {
	d.mu.Lock()
	d.closed = true
	d.sink = nil
	d.mu.Unlock()
}

var errBridgeHasNoReader = errors.New("bridge device has no reader attached")

// Registry is the concurrent device hash table of spec.md §4.A. Main-thread
// code opens/closes devices; pump goroutines and mixer ticks call Write
// concurrently, which is why lookups go through sync.Map rather than a
// mutex-guarded map (grounded on dialog_cache.go's DialogsClientCache /
// DialogsServerCache pattern).
type Registry struct {
	devices sync.Map // name string -> *Device
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) open(name string, kind Kind) (*Device, error) {
	d := &Device{name: name, kind: kind}
	actual, loaded := r.devices.LoadOrStore(name, d)
	if loaded {
		return actual.(*Device), ErrExists
	}
	return d, nil
}

// OpenBridge creates a single-writer/single-reader device. Fails if the name
// is already taken.
func (r *Registry) OpenBridge(name string) (*Device, error) {
	return r.open(name, KindBridge)
}

// OpenMixSlot creates a device intended to feed a mixer slot.
func (r *Registry) OpenMixSlot(name string) (*Device, error) {
	return r.open(name, KindMixSlot)
}

// Find looks up a device by name.
func (r *Registry) Find(name string) (*Device, error) {
	v, ok := r.devices.Load(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return v.(*Device), nil
}

// Close removes a device from the registry and marks it closed so in-flight
// writers get ErrClosed instead of silently writing into the void.
func (r *Registry) Close(name string) error {
	v, ok := r.devices.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	v.(*Device).close()
	return nil
}

// Names returns a snapshot of currently registered device names. The status
// command does not include it in its report.
func (r *Registry) Names() []string {
	var names []string
	r.devices.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	return names
}
