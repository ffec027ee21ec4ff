// SPDX-License-Identifier: MPL-2.0

package mixer

import (
	"sync"
	"time"
)

// Runner drives Engine.Tick on its own ticker, the "single centralized
// ticker" option from spec.md §9 (as opposed to piggy-backing on the last
// pump to cross a ptime boundary).
type Runner struct {
	engine *Engine
	ptime  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRunner(e *Engine, ptimeMs int) *Runner {
	return &Runner{engine: e, ptime: time.Duration(ptimeMs) * time.Millisecond}
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)
}

func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (r *Runner) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(r.ptime)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.engine.Tick()
		}
	}
}
