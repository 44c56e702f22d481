package coordinator

import (
	"time"

	"github.com/ChuLiYu/simfarm/internal/workerstate"
)

// WorkerStatus is the observable state of one worker
type WorkerStatus struct {
	workerstate.Snapshot
	Samples int64         // batches in the latency histogram
	P50     time.Duration // per task RTT percentiles
	P99     time.Duration
}

// Status is a point in time view of the coordinator
type Status struct {
	RunID     string // current run, or the last one when idle
	Running   bool
	Model     string
	Target    int
	Collected int
	Pending   int
	InFlight  int
	Workers   []WorkerStatus
}

// Status reports the worker windows and the progress of the current or last run
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	r, running := c.current, true
	if r == nil {
		r, running = c.last, false
	}
	c.mu.Unlock()

	var st Status
	if r != nil {
		pending, inflight, _ := r.ledger.counts()
		st = Status{
			RunID:     r.id,
			Running:   running,
			Model:     r.exp.Model.Name(),
			Target:    r.exp.Replicas,
			Collected: r.collected(),
			Pending:   pending,
			InFlight:  inflight,
		}
	}
	for _, snap := range c.reg.Snapshots() {
		ws := WorkerStatus{Snapshot: snap}
		if p, ok := c.latency.Percentiles(snap.Endpoint.Key()); ok {
			ws.Samples, ws.P50, ws.P99 = p.Count, p.P50, p.P99
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}
