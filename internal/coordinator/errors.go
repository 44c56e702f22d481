package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

var (
	// ErrTimeout matches a batch that missed its deadline
	ErrTimeout = errors.New("coordinator: batch deadline exceeded")

	// ErrWorkersExhausted is returned when every worker left before the target was met
	ErrWorkersExhausted = errors.New("coordinator: workers exhausted")

	// ErrNoWorkers is returned by Run when the registry holds no active worker
	ErrNoWorkers = errors.New("coordinator: no active workers")
)

// TimeoutError reports the batch that was abandoned
type TimeoutError struct {
	Worker  types.Endpoint
	Tasks   int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("coordinator: %s did not return %d tasks within %s", e.Worker, e.Tasks, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExhaustedError carries how far the experiment got
type ExhaustedError struct {
	Collected int
	Target    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("coordinator: workers exhausted after %d of %d trajectories", e.Collected, e.Target)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrWorkersExhausted }
