// ============================================================================
// simfarm Worker Executor - replica scheduling strategies
// ============================================================================
//
// Package: internal/worker
// File: executor.go
//
//   sequential         replicas in order on the session goroutine, one payload
//                      per NetworkTask.ChunkSize trajectories
//   single_trajectory  as sequential with one trajectory per payload
//   concurrent         every replica submitted to the Pool, all joined, sorted
//                      by index, then chunked like sequential
//
// A failed or panicking replica is an unsuccessful trajectory and the batch
// continues. Only an emit error or a pool submission error stops a batch.
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Strategy selects how a batch's replicas are scheduled on the worker.
// It never changes what goes on the wire.
type Strategy string

const (
	Sequential       Strategy = "sequential"        // one after another, chunked replies
	SingleTrajectory Strategy = "single_trajectory" // one reply per trajectory
	Concurrent       Strategy = "concurrent"        // fan out on the pool, join, chunked replies
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", Sequential:
		return Sequential, nil
	case SingleTrajectory, Concurrent:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown execution strategy %q", s)
}

// Emit ships one chunk of a batch back to the coordinator
type Emit func(types.ComputationResult) error

// Metrics receives per replica outcomes
type Metrics interface {
	RecordReplica(successful bool, seconds float64)
}

// Executor runs NetworkTasks with one injected Strategy
type Executor struct {
	strategy Strategy
	pool     *Pool        // only used by Concurrent
	seed     int64        // base of every replica seed
	next     atomic.Int64 // replicas seeded so far
	metrics  Metrics      // optional
}

// NewExecutor builds an executor; the concurrent strategy needs a started pool
func NewExecutor(strategy Strategy, pool *Pool, seed int64, metrics Metrics) (*Executor, error) {
	if strategy == Concurrent && (pool == nil || !pool.IsStarted()) {
		return nil, errors.New("concurrent strategy requires a started pool")
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{strategy: strategy, pool: pool, seed: seed, metrics: metrics}, nil
}

func (e *Executor) Strategy() Strategy { return e.strategy }

// seedFor spreads replica seeds so consecutive replicas get unrelated streams
func (e *Executor) seedFor() int64 {
	return e.seed + e.next.Add(1)*6364136223846793005
}

// Execute runs task.TaskCount replicas of m and emits them in chunks of
// task.DesiredResultBatchSize (one at a time for SingleTrajectory). Exactly
// TaskCount trajectories are emitted unless emit or the pool fails.
func (e *Executor) Execute(task types.NetworkTask, m sim.Model, emit Emit) error {
	if task.TaskCount <= 0 {
		return nil
	}
	switch e.strategy {
	case SingleTrajectory:
		return e.runSequential(task.TaskCount, 1, m, emit)
	case Concurrent:
		return e.runConcurrent(task, m, emit)
	default:
		return e.runSequential(task.TaskCount, task.ChunkSize(), m, emit)
	}
}

func (e *Executor) record(res Result) {
	if res.Err != nil {
		slog.Warn("replica failed", "component", "executor", "replica", res.Index, "error", res.Err)
	}
	if e.metrics != nil {
		e.metrics.RecordReplica(res.Err == nil, res.Duration.Seconds())
	}
}

func (e *Executor) runSequential(count, size int, m sim.Model, emit Emit) error {
	chunk := make([]types.Trajectory, 0, size)
	for i := 0; i < count; i++ {
		res := runReplica(m, i, e.seedFor())
		e.record(res)
		chunk = append(chunk, res.Trajectory)
		if len(chunk) == size {
			if err := emit(types.ComputationResult{Trajectories: chunk}); err != nil {
				return err
			}
			chunk = make([]types.Trajectory, 0, size)
		}
	}
	if len(chunk) > 0 {
		return emit(types.ComputationResult{Trajectories: chunk})
	}
	return nil
}

func (e *Executor) runConcurrent(task types.NetworkTask, m sim.Model, emit Emit) error {
	reply := make(chan Result, task.TaskCount)
	for i := 0; i < task.TaskCount; i++ {
		if err := e.pool.Submit(Task{Index: i, Seed: e.seedFor(), Model: m, Reply: reply}); err != nil {
			return fmt.Errorf("submit replica %d: %w", i, err)
		}
	}

	results := make([]Result, 0, task.TaskCount)
	for len(results) < task.TaskCount {
		res := <-reply
		e.record(res)
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	size := task.ChunkSize()
	for start := 0; start < len(results); start += size {
		end := min(start+size, len(results))
		chunk := make([]types.Trajectory, 0, end-start)
		for _, r := range results[start:end] {
			chunk = append(chunk, r.Trajectory)
		}
		if err := emit(types.ComputationResult{Trajectories: chunk}); err != nil {
			return err
		}
	}
	return nil
}
