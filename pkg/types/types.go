// Package types defines the core domain model shared by the simfarm coordinator and workers.
package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// TransportKind selects the wire style used to reach an endpoint
type TransportKind string

const (
	TransportPlain  TransportKind = "plain"  // gob framed TCP stream
	TransportSecure TransportKind = "secure" // mutual TLS with length prefixed frames
)

// ParseTransportKind validates a configured transport name. Empty means plain.
func ParseTransportKind(s string) (TransportKind, error) {
	switch TransportKind(s) {
	case "", TransportPlain:
		return TransportPlain, nil
	case TransportSecure:
		return TransportSecure, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", s)
}

// Endpoint is an immutable network address of a coordinator or worker.
// Two endpoints are the same node when Key() matches; Kind does not take part.
type Endpoint struct {
	Address string        `json:"address"`
	Port    int           `json:"port"`
	Kind    TransportKind `json:"kind"`
}

// Key identifies the endpoint by (address, port)
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Key(), e.Kind)
}

// Equal reports whether both endpoints name the same node
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Address == o.Address && e.Port == o.Port
}

// Sample is one time-stamped state of a trajectory.
// State has the fixed width declared by the model's state codec.
type Sample struct {
	Time  float64 // simulated time of the observation
	State []byte  // encoded model state
}

// Trajectory is the output of a single simulation replica
type Trajectory struct {
	Start          float64       // simulated start time
	End            float64       // simulated end time
	GenerationTime time.Duration // wall time spent producing the replica
	Successful     bool          // false when the replica failed
	Samples        []Sample      // ordered observations
}

// ComputationResult is an unordered batch of trajectories
type ComputationResult struct {
	Trajectories []Trajectory
}

// Merge appends the trajectories of other to r
func (r *ComputationResult) Merge(other ComputationResult) {
	r.Trajectories = append(r.Trajectories, other.Trajectories...)
}

// Len returns the number of trajectories held
func (r ComputationResult) Len() int {
	return len(r.Trajectories)
}

// Failed counts trajectories marked unsuccessful
func (r ComputationResult) Failed() int {
	n := 0
	for _, t := range r.Trajectories {
		if !t.Successful {
			n++
		}
	}
	return n
}

// NetworkTask is a batch request sent from the coordinator to a worker
type NetworkTask struct {
	TaskCount              int `json:"task_count"`                // replicas to execute
	DesiredResultBatchSize int `json:"desired_result_batch_size"` // trajectories per reply payload
}

// ChunkSize is the number of trajectories per reply payload. An unset or
// oversized batch size means the whole task travels in one payload.
func (t NetworkTask) ChunkSize() int {
	if t.DesiredResultBatchSize <= 0 || t.DesiredResultBatchSize > t.TaskCount {
		return t.TaskCount
	}
	return t.DesiredResultBatchSize
}
