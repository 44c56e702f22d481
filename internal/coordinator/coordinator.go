// ============================================================================
// simfarm Coordinator - experiment scheduling across workers
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
//
// Run starts one control loop per active worker under an errgroup:
//
//   loop:
//     n := window (halved when it cannot finish under MaxRunningTime)
//     acquire n tasks from the ledger      (0 means the experiment is done)
//     DATA + NetworkTask, race the reply against the worker's timeout
//     ok     -> merge into the aggregate, complete tasks, update the window
//     failed -> release tasks, mark timed out, drop the session, re-probe
//               PONG          -> halve window, migrate, continue
//               no answer or
//               too many fails -> remove worker, exit
//
// The ledger and the aggregate are the only state shared between loops.
// When every loop has exited and tasks remain, Run reports exhaustion with
// the partial result. Sessions outlive a run and are reused by the next run
// of the same model; Close says goodbye to them.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/simfarm/internal/codec"
	"github.com/ChuLiYu/simfarm/internal/compress"
	"github.com/ChuLiYu/simfarm/internal/metrics"
	"github.com/ChuLiYu/simfarm/internal/protocol"
	"github.com/ChuLiYu/simfarm/internal/registry"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/workerstate"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Coordinator distributes experiments over the workers of its registry
type Coordinator struct {
	cfg     Config
	reg     *registry.Registry      // workers and their adaptive state
	clock   clockwork.Clock         // fake in tests
	comp    *compress.Compressor    // must match the workers' compressor
	metrics Metrics                 // optional
	latency *metrics.LatencyTracker // per worker exchange latency
	log     *slog.Logger

	mu      sync.Mutex
	idle    map[string]*session // sessions parked between runs, by worker key
	current *run                // nil when idle
	last    *run                // most recently finished, for Status

	discMu sync.Mutex
	disc   *transport.Discoverer // opened on the first discovery round
}

// New creates a coordinator with an empty registry
func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:     cfg,
		reg:     registry.New(),
		clock:   cfg.Clock,
		comp:    cfg.Compressor,
		metrics: cfg.Metrics,
		latency: metrics.NewLatencyTracker(),
		log:     cfg.Logger.With("component", "coordinator"),
		idle:    make(map[string]*session),
	}
}

// Registry exposes the worker set
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// AddWorkers registers static endpoints and returns how many were new
func (c *Coordinator) AddWorkers(eps ...types.Endpoint) int {
	added := c.reg.AddAll(eps)
	for _, st := range added {
		c.log.Info("worker registered", "worker", st.Endpoint())
	}
	return len(added)
}

// run is the shared state of one experiment
type run struct {
	id          string
	exp         Experiment
	resultBatch int
	ledger      *ledger
	g           *errgroup.Group
	started     time.Time

	mu       sync.Mutex
	result   types.ComputationResult
	live     int
	over     bool
	finished chan struct{}
}

// spawn starts a control loop unless the run is already over
func (r *run) spawn(loop func()) bool {
	r.mu.Lock()
	if r.over {
		r.mu.Unlock()
		return false
	}
	r.live++
	r.mu.Unlock()

	r.g.Go(func() error {
		defer r.exit()
		loop()
		return nil
	})
	return true
}

func (r *run) exit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live--
	if r.live == 0 && !r.over {
		r.over = true
		close(r.finished)
	}
}

// commit merges a batch into the aggregate and settles its tasks
func (r *run) commit(tasks int, res types.ComputationResult) {
	r.mu.Lock()
	r.result.Merge(res)
	r.mu.Unlock()
	r.ledger.complete(tasks)
}

func (r *run) aggregate() types.ComputationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.ComputationResult{Trajectories: append([]types.Trajectory(nil), r.result.Trajectories...)}
}

func (r *run) collected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Len()
}

// Run executes exp and returns its trajectories. When the workers run out
// before exp.Replicas trajectories arrived the partial result is returned
// with an error matching ErrWorkersExhausted.
func (c *Coordinator) Run(ctx context.Context, exp Experiment) (types.ComputationResult, error) {
	if err := exp.validate(); err != nil {
		return types.ComputationResult{}, err
	}
	workers := c.reg.Active()
	if len(workers) == 0 {
		return types.ComputationResult{}, ErrNoWorkers
	}
	batch := exp.ResultBatchSize
	if batch <= 0 {
		batch = c.cfg.ResultBatchSize
	}

	g, gctx := errgroup.WithContext(ctx)
	r := &run{
		id:          uuid.NewString(),
		exp:         exp,
		resultBatch: batch,
		ledger:      newLedger(exp.Replicas),
		g:           g,
		started:     c.clock.Now(),
		live:        1, // held while the initial loops are spawned
		finished:    make(chan struct{}),
	}
	c.mu.Lock()
	c.current = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current, c.last = nil, r
		c.mu.Unlock()
	}()

	log := c.log.With("run", r.id)
	log.Info("experiment started", "model", exp.Model.Name(), "replicas", exp.Replicas,
		"workers", len(workers), "result_batch", batch)

	for _, st := range workers {
		r.spawn(func() { c.loop(gctx, r, st) })
	}
	if c.cfg.DiscoverEvery > 0 {
		g.Go(func() error {
			c.rediscover(gctx, r)
			return nil
		})
	}
	r.exit()
	_ = g.Wait()

	res := r.aggregate()
	elapsed := c.clock.Since(r.started)
	switch {
	case r.ledger.done():
		log.Info("experiment completed", "trajectories", res.Len(), "failed", res.Failed(), "elapsed", elapsed)
		return res, nil
	case ctx.Err() != nil:
		log.Warn("experiment cancelled", "trajectories", res.Len(), "error", ctx.Err())
		return res, ctx.Err()
	default:
		log.Error("experiment stalled, no workers left", "trajectories", res.Len(), "target", exp.Replicas)
		return res, &ExhaustedError{Collected: res.Len(), Target: exp.Replicas}
	}
}

// loop is the control loop of one worker for one run
func (c *Coordinator) loop(ctx context.Context, r *run, st *workerstate.State) {
	ep := st.Endpoint()
	key := ep.Key()
	log := c.log.With("run", r.id, "worker", key)
	model := r.exp.Model

	sess := c.takeIdle(ep, model)
	defer func() {
		if sess != nil {
			c.park(ep, sess)
		}
	}()

	failures := 0
	for ctx.Err() == nil {
		if sess == nil {
			openCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			s, err := c.open(openCtx, ep, model)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("session failed", "error", err)
				c.metrics.RecordBatchFailure(key, failureReason(err))
				if sess = c.reprobe(ctx, st, model, &failures, log); sess == nil {
					return
				}
				continue
			}
			sess = s
			log.Debug("session opened", "model", model.Name())
		}

		n := st.ExpectedTasks()
		if !st.CanCompleteTask(n) {
			n = max(1, n/2)
		}
		got, err := r.ledger.acquire(ctx, n)
		if err != nil || got == 0 {
			return
		}

		timeout := st.Timeout()
		if !st.Calibrated() {
			timeout = c.cfg.GraceTimeout
		}
		c.metrics.RecordBatchSent(key, got)
		res, elapsed, err := c.exchange(ctx, sess, got, r.resultBatch, timeout)
		if err != nil {
			r.ledger.release(got)
			sess.abort()
			sess = nil
			if ctx.Err() != nil {
				return
			}
			log.Warn("batch failed", "tasks", got, "timeout", timeout, "error", err)
			c.metrics.RecordBatchFailure(key, failureReason(err))
			if sess = c.reprobe(ctx, st, model, &failures, log); sess == nil {
				return
			}
			continue
		}

		failures = 0
		r.commit(got, res)
		st.Update(elapsed, got)
		snap := st.Snapshot()
		c.latency.Record(key, elapsed/time.Duration(got))
		c.metrics.RecordBatch(key, res.Len(), res.Failed(), elapsed.Seconds())
		c.metrics.SetWindow(key, snap.ExpectedTasks, snap.EstimatedRTT)
		log.Debug("batch completed", "state", snap.String())
	}
}

// reprobe handles a failed batch. It returns a fresh session when the
// worker answered the re-probe, nil when the worker was removed.
func (c *Coordinator) reprobe(ctx context.Context, st *workerstate.State, m Model, failures *int, log *slog.Logger) *session {
	ep := st.Endpoint()
	st.MarkTimedOut()
	*failures++
	if *failures >= c.cfg.MaxConsecutiveFailures {
		c.remove(st, log, fmt.Sprintf("%d consecutive failures", *failures))
		return nil
	}

	s, err := c.probe(ctx, ep, m)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("re-probe failed", "error", err)
		c.remove(st, log, "no answer to re-probe")
		return nil
	}
	st.ExpireTimeLimit()
	st.Migrate(ep)
	c.metrics.RecordReconnect(ep.Key())
	log.Info("worker reconnected", "window", st.ExpectedTasks())
	return s
}

func (c *Coordinator) remove(st *workerstate.State, log *slog.Logger, reason string) {
	st.Remove()
	c.metrics.RecordRemoval(st.Endpoint().Key())
	log.Warn("worker removed", "reason", reason)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, codec.ErrDecode), errors.Is(err, codec.ErrSchemaMismatch):
		return "decode"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"
	case errors.Is(err, transport.ErrTransport):
		return "transport"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "other"
}

// takeIdle returns the parked session for ep if it serves m.
// A session for another model is closed.
func (c *Coordinator) takeIdle(ep types.Endpoint, m Model) *session {
	c.mu.Lock()
	s, ok := c.idle[ep.Key()]
	delete(c.idle, ep.Key())
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if s.model.Name() == m.Name() {
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingTimeout)
	defer cancel()
	if err := s.close(ctx); err != nil {
		c.log.Debug("closing stale session", "worker", ep.Key(), "error", err)
	}
	return nil
}

func (c *Coordinator) park(ep types.Endpoint, s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.idle[ep.Key()]; ok && old != s {
		old.abort()
	}
	c.idle[ep.Key()] = s
}

// Close sends CLOSE_CONNECTION on every parked session and releases the
// discovery socket. It must not be called while Run is in progress.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	sessions := c.idle
	c.idle = make(map[string]*session)
	c.mu.Unlock()

	var (
		mu     sync.Mutex
		result error
		wg     sync.WaitGroup
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := s.close(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	c.discMu.Lock()
	if c.disc != nil {
		if err := c.disc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.disc = nil
	}
	c.discMu.Unlock()

	if result != nil {
		c.log.Warn("close finished with errors", "error", result)
	}
	return result
}
