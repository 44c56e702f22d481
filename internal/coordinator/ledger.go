// ============================================================================
// simfarm Task Ledger - replica accounting for one experiment
// ============================================================================
//
// Package: internal/coordinator
// File: ledger.go
//
// Replicas are interchangeable, so the ledger keeps counts instead of ids:
//
//   Pending
//      | acquire(n)
//   InFlight
//      | complete(k)          | release(k) after a timeout or session error
//   Completed               Pending
//
// pending + inflight + completed == target at all times. The experiment is
// done when pending and inflight are both zero. acquire blocks while nothing
// is pending but another worker still holds tasks, since a failure there
// hands them back.
//
// ============================================================================

package coordinator

import (
	"context"
	"sync"
)

type ledger struct {
	mu        sync.Mutex
	target    int
	pending   int
	inflight  int
	completed int
	changed   chan struct{} // closed and replaced on every transition
}

func newLedger(target int) *ledger {
	return &ledger{target: target, pending: target, changed: make(chan struct{})}
}

func (l *ledger) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// acquire moves up to n pending tasks in flight. It returns 0 once the
// experiment is done.
func (l *ledger) acquire(ctx context.Context, n int) (int, error) {
	if n < 1 {
		n = 1
	}
	for {
		l.mu.Lock()
		if l.pending > 0 {
			got := min(n, l.pending)
			l.pending -= got
			l.inflight += got
			l.notify()
			l.mu.Unlock()
			return got, nil
		}
		if l.inflight == 0 {
			l.mu.Unlock()
			return 0, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wait:
		}
	}
}

// release returns k in-flight tasks to pending
func (l *ledger) release(k int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k = min(k, l.inflight)
	l.inflight -= k
	l.pending += k
	l.notify()
}

// complete marks k in-flight tasks done
func (l *ledger) complete(k int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k = min(k, l.inflight)
	l.inflight -= k
	l.completed += k
	l.notify()
}

func (l *ledger) done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending == 0 && l.inflight == 0
}

// counts returns pending, inflight and completed
func (l *ledger) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending, l.inflight, l.completed
}
