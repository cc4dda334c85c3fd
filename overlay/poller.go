package overlay

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/telemetry"
)

// Poller drives "fetch a snapshot on an interval, notify only on change"
// for one overlay. The interval is measured from fetch completion, not a
// fixed wall clock, so a slow backend self-throttles instead of piling up
// concurrent requests. A single pending-fetch slot makes overlap and
// post-stop delivery structurally impossible.
type Poller[T any] struct {
	fetch    func(context.Context) (T, error)
	interval time.Duration
	log      *eventlog.Log

	// OnChange fires when a fetched snapshot differs structurally from the
	// last delivered one.
	OnChange func(T)
	// OnTick fires after every successful fetch, changed or not. It is the
	// lightweight path for snapshot-derived countdowns that must advance
	// even when nothing else did.
	OnTick func(T)

	mu      sync.Mutex
	running bool
	gen     int
	timer   *time.Timer
	last    T
	hasLast bool
}

// NewPoller returns a stopped poller. A non-positive interval falls back
// to one second.
func NewPoller[T any](fetch func(context.Context) (T, error), interval time.Duration, log *eventlog.Log) *Poller[T] {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller[T]{fetch: fetch, interval: interval, log: log}
}

// Start performs one immediate fetch and then reschedules after each fetch
// completes. Starting a running poller is a no-op.
func (p *Poller[T]) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()
	go p.cycle(ctx, gen)
}

// Stop clears the scheduled fetch and marks any fetch already in flight as
// stale: its result is discarded, not applied. Safe to call repeatedly.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Last returns the last-known-good snapshot, if any fetch has succeeded.
func (p *Poller[T]) Last() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// Running reports whether the poller is active.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller[T]) cycle(ctx context.Context, gen int) {
	snap, err := p.fetch(ctx)

	p.mu.Lock()
	if p.gen != gen {
		// Stopped (or restarted) while the fetch was in flight.
		p.mu.Unlock()
		return
	}
	var deliver, tick func(T)
	if err != nil {
		// Keep the last-known-good snapshot; the overlay must not blank
		// out over a transient fetch failure.
		p.mu.Unlock()
		p.log.Appendf("snapshot fetch failed, keeping last known good: %v", err)
	} else {
		changed := !p.hasLast || !reflect.DeepEqual(snap, p.last)
		p.last = snap
		p.hasLast = true
		if changed {
			deliver = p.OnChange
			telemetry.IncOverlayRenders()
		} else {
			telemetry.IncOverlayRendersSkipped()
		}
		tick = p.OnTick
		p.mu.Unlock()
	}
	if deliver != nil {
		deliver(snap)
	}
	if tick != nil {
		tick(snap)
	}
	p.reschedule(ctx, gen)
}

func (p *Poller[T]) reschedule(ctx context.Context, gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || ctx.Err() != nil {
		return
	}
	p.timer = time.AfterFunc(p.interval, func() { p.cycle(ctx, gen) })
}
