// ============================================================================
// simfarm AdaptiveWindowController - per worker batch sizing
// ============================================================================
//
// Package: internal/workerstate
// File: state.go
//
// A TCP style estimator decides how many tasks a worker receives next.
//
//   sampleRTT   = elapsed / tasksSent
//   first:        estimatedRTT = sampleRTT, devRTT = 2*sampleRTT, window = 2
//   afterwards:   window against the prior estimate
//                   elapsed >= timeLimit(window) -> halve (floor 1)
//                   window < Threshold           -> double
//                   otherwise                    -> +1
//                 estimatedRTT = a*sample + (1-a)*estimatedRTT
//                 devRTT       = b*|sample - estimatedRTT| + (1-b)*devRTT
//
//   timeLimit(n) = n*estimatedRTT + n*devRTT
//   timeout(n)   = n*estimatedRTT + 4*n*devRTT   (UncalibratedTimeout before the first sample)
//
// The worker's control loop is the only writer. Readers on other goroutines
// use the accessors or Snapshot, which share the write lock.
//
// ============================================================================

package workerstate

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

const (
	Alpha     = 0.125
	Beta      = 0.25
	Threshold = 256

	// MaxRunningTime is the ceiling a batch's time limit must stay under
	MaxRunningTime = time.Hour

	// UncalibratedTimeout bounds the first batch sent to a worker
	UncalibratedTimeout = time.Hour
)

// State is the adaptive window of one worker
type State struct {
	mu sync.RWMutex

	endpoint      types.Endpoint
	expectedTasks int
	estimatedRTT  float64 // ns per task
	devRTT        float64 // ns per task
	samples       int     // completed batches observed

	sampleRTT   float64
	lastTasks   int
	lastElapsed time.Duration

	removed  bool
	timedOut bool
	timeouts int
}

// New returns an uncalibrated state with a window of 1
func New(ep types.Endpoint) *State {
	return &State{endpoint: ep, expectedTasks: 1}
}

// Update records a completed batch of tasksSent tasks that took elapsed
func (s *State) Update(elapsed time.Duration, tasksSent int) {
	if tasksSent <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTasks = tasksSent
	s.lastElapsed = elapsed
	sample := float64(elapsed.Nanoseconds()) / float64(tasksSent)
	s.sampleRTT = sample

	if s.samples == 0 {
		s.estimatedRTT = sample
		s.devRTT = 2 * sample
		s.expectedTasks = 2
		s.samples++
		return
	}

	switch {
	case float64(elapsed.Nanoseconds()) >= s.timeLimit(s.expectedTasks):
		s.expectedTasks = halve(s.expectedTasks)
	case s.expectedTasks < Threshold:
		s.expectedTasks *= 2
	default:
		s.expectedTasks++
	}

	s.estimatedRTT = Alpha*sample + (1-Alpha)*s.estimatedRTT
	s.devRTT = Beta*math.Abs(sample-s.estimatedRTT) + (1-Beta)*s.devRTT
	s.samples++
}

// ExpireTimeLimit halves the window after a missed deadline
func (s *State) ExpireTimeLimit() {
	s.mu.Lock()
	s.expectedTasks = halve(s.expectedTasks)
	s.mu.Unlock()
}

// MarkTimedOut flags the worker as unresponsive pending a re-probe
func (s *State) MarkTimedOut() {
	s.mu.Lock()
	s.timedOut = true
	s.timeouts++
	s.mu.Unlock()
}

// Remove excludes the worker from scheduling. It is terminal unless Migrate is called.
func (s *State) Remove() {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
}

// Migrate moves the state to a fresh endpoint after a successful re-probe
func (s *State) Migrate(ep types.Endpoint) {
	s.mu.Lock()
	s.endpoint = ep
	s.removed = false
	s.timedOut = false
	s.mu.Unlock()
}

func halve(n int) int {
	if n <= 1 {
		return 1
	}
	return n / 2
}

func (s *State) timeLimit(n int) float64 {
	return float64(n)*s.estimatedRTT + float64(n)*s.devRTT
}

// TimeLimit is the time n tasks may take before the window halves
func (s *State) TimeLimit(n int) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return toDuration(s.timeLimit(n))
}

// Timeout is how long the coordinator waits for the current window
func (s *State) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout()
}

func (s *State) timeout() time.Duration {
	if s.samples == 0 {
		return UncalibratedTimeout
	}
	n := float64(s.expectedTasks)
	return toDuration(n*s.estimatedRTT + 4*n*s.devRTT)
}

// CanCompleteTask reports whether n tasks fit under MaxRunningTime
func (s *State) CanCompleteTask(n int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeLimit(n) < float64(MaxRunningTime.Nanoseconds())
}

func (s *State) ExpectedTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expectedTasks
}

func (s *State) Endpoint() types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *State) Removed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.removed
}

func (s *State) TimedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timedOut
}

// Calibrated reports whether at least one batch has completed
func (s *State) Calibrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples > 0
}

// Snapshot is a consistent copy of a State for reporting
type Snapshot struct {
	Endpoint      types.Endpoint
	ExpectedTasks int
	EstimatedRTT  time.Duration
	DevRTT        time.Duration
	SampleRTT     time.Duration
	LastTasks     int
	LastElapsed   time.Duration
	TimeLimit     time.Duration
	Timeout       time.Duration
	Batches       int
	Timeouts      int
	Removed       bool
	TimedOut      bool
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Endpoint:      s.endpoint,
		ExpectedTasks: s.expectedTasks,
		EstimatedRTT:  toDuration(s.estimatedRTT),
		DevRTT:        toDuration(s.devRTT),
		SampleRTT:     toDuration(s.sampleRTT),
		LastTasks:     s.lastTasks,
		LastElapsed:   s.lastElapsed,
		TimeLimit:     toDuration(s.timeLimit(s.expectedTasks)),
		Timeout:       s.timeout(),
		Batches:       s.samples,
		Timeouts:      s.timeouts,
		Removed:       s.removed,
		TimedOut:      s.timedOut,
	}
}

func (s Snapshot) String() string {
	switch {
	case s.Removed:
		return fmt.Sprintf("%s removed", s.Endpoint)
	case s.TimedOut:
		return fmt.Sprintf("%s timed out, reconnecting", s.Endpoint)
	}
	return fmt.Sprintf("%s window=%d tasks=%d elapsed=%s sampleRTT=%s estimatedRTT=%s devRTT=%s limit=%s timeout=%s",
		s.Endpoint, s.ExpectedTasks, s.LastTasks, s.LastElapsed, s.SampleRTT, s.EstimatedRTT, s.DevRTT, s.TimeLimit, s.Timeout)
}

func toDuration(ns float64) time.Duration {
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if ns <= 0 {
		return 0
	}
	return time.Duration(ns)
}
