package pool

import (
	"sync/atomic"
	"time"
)

// Stats is the live statistics object for one pool materialization. A new
// instance is allocated each time the pool starts, so monitoring hooks can
// bind to a specific materialization.
type Stats struct {
	startedAt time.Time

	created            atomic.Int64
	destroyed          atomic.Int64
	borrowed           atomic.Int64
	returned           atomic.Int64
	validationFailures atomic.Int64
	waitTimeouts       atomic.Int64
}

func newStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

// StartedAt returns when this materialization began.
func (s *Stats) StartedAt() time.Time { return s.startedAt }

// Created returns the number of physical connections opened.
func (s *Stats) Created() int64 { return s.created.Load() }

// Destroyed returns the number of physical connections closed.
func (s *Stats) Destroyed() int64 { return s.destroyed.Load() }

// Borrowed returns the number of successful borrows.
func (s *Stats) Borrowed() int64 { return s.borrowed.Load() }

// Returned returns the number of connections handed back.
func (s *Stats) Returned() int64 { return s.returned.Load() }

// ValidationFailures returns the number of idle connections that failed
// their borrow-time ping.
func (s *Stats) ValidationFailures() int64 { return s.validationFailures.Load() }

// WaitTimeouts returns the number of borrows that gave up waiting.
func (s *Stats) WaitTimeouts() int64 { return s.waitTimeouts.Load() }

// Snapshot is a point-in-time view of pool state for monitoring.
type Snapshot struct {
	Open               int
	Idle               int
	Busy               int
	Created            int64
	Destroyed          int64
	Borrowed           int64
	Returned           int64
	ValidationFailures int64
	WaitTimeouts       int64
}

// Snapshot captures current gauges and counters. Gauges are zero when the
// pool is not materialized.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	open := p.active
	idle := 0
	if p.idle != nil {
		idle = len(p.idle)
	}
	s := p.stats
	p.mu.Unlock()

	snap := Snapshot{Open: open, Idle: idle, Busy: open - idle}
	if s != nil {
		snap.Created = s.created.Load()
		snap.Destroyed = s.destroyed.Load()
		snap.Borrowed = s.borrowed.Load()
		snap.Returned = s.returned.Load()
		snap.ValidationFailures = s.validationFailures.Load()
		snap.WaitTimeouts = s.waitTimeouts.Load()
	}
	return snap
}

// waitTimer wraps an optional borrow deadline. A zero or negative wait
// means borrowers wait as long as their context allows.
type waitTimer struct {
	t *time.Timer
}

func newWaitTimer(d time.Duration) waitTimer {
	if d <= 0 {
		return waitTimer{}
	}
	return waitTimer{t: time.NewTimer(d)}
}

func (w waitTimer) expired() <-chan time.Time {
	if w.t == nil {
		return nil
	}
	return w.t.C
}

func (w waitTimer) stop() {
	if w.t != nil {
		w.t.Stop()
	}
}
