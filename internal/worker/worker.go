package worker

// ============================================================================
// simfarm Worker - replica execution goroutine
// ============================================================================

import (
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Worker pulls tasks from the pool's channel and runs them one at a time
type Worker struct {
	id     int         // index within the pool, used in logs
	taskCh <-chan Task // shared task channel (read-only)
}

func newWorker(id int, taskCh <-chan Task) *Worker {
	return &Worker{id: id, taskCh: taskCh}
}

// Run executes tasks until the task channel closes
func (w *Worker) Run() {
	for task := range w.taskCh {
		res := runReplica(task.Model, task.Index, task.Seed)
		task.Reply <- res
	}
}

// runReplica executes one replica. Errors and panics become an unsuccessful
// trajectory; the batch carrying it is never aborted.
func runReplica(m sim.Model, index int, seed int64) (res Result) {
	start := time.Now()
	res.Index = index
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("replica %d panicked: %v", index, r)
			res.Trajectory = types.Trajectory{Successful: false}
			if h, ok := m.(sim.Horizon); ok {
				res.Trajectory.Start, res.Trajectory.End = h.Horizon()
			}
			slog.Error("replica panic", "component", "worker", "model", m.Name(),
				"replica", index, "panic", r, "stack", string(debug.Stack()))
		}
		res.Duration = time.Since(start)
		res.Trajectory.GenerationTime = res.Duration
	}()

	tr, err := m.RunReplica(rand.New(rand.NewSource(seed)))
	if err != nil {
		tr.Successful = false
		res.Err = err
	}
	res.Trajectory = tr
	return res
}
