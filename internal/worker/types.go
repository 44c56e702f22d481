package worker

import (
	"time"

	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Task is one replica to execute
type Task struct {
	Index int           // position within the batch
	Seed  int64         // seed of the replica's random source
	Model sim.Model     // model to run
	Reply chan<- Result // receives exactly one Result
}

// Result is the outcome of one replica. A failed replica still carries a
// trajectory, marked unsuccessful.
type Result struct {
	Index      int
	Trajectory types.Trajectory
	Err        error
	Duration   time.Duration
}
