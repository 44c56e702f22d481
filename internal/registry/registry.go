// Package registry keeps the coordinator's set of known workers, one
// adaptive window state per (address, port).
package registry

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/simfarm/internal/workerstate"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Registry deduplicates worker endpoints discovered from any source
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*workerstate.State
	order   []string // insertion order
}

func New() *Registry {
	return &Registry{workers: make(map[string]*workerstate.State)}
}

// Add registers ep unless a worker with the same key is already known.
// It returns the worker's state and whether it was newly added.
func (r *Registry) Add(ep types.Endpoint) (*workerstate.State, bool) {
	key := ep.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.workers[key]; ok {
		return s, false
	}
	s := workerstate.New(ep)
	r.workers[key] = s
	r.order = append(r.order, key)
	return s, true
}

// AddAll registers every endpoint and returns the states that were new
func (r *Registry) AddAll(eps []types.Endpoint) []*workerstate.State {
	var added []*workerstate.State
	for _, ep := range eps {
		if s, ok := r.Add(ep); ok {
			added = append(added, s)
		}
	}
	return added
}

func (r *Registry) Get(ep types.Endpoint) (*workerstate.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.workers[ep.Key()]
	return s, ok
}

// All returns every state in insertion order
func (r *Registry) All() []*workerstate.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workerstate.State, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.workers[k])
	}
	return out
}

// Active returns the workers that are not removed
func (r *Registry) Active() []*workerstate.State {
	var out []*workerstate.State
	for _, s := range r.All() {
		if !s.Removed() {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshots returns a snapshot of every worker sorted by endpoint key
func (r *Registry) Snapshots() []workerstate.Snapshot {
	all := r.All()
	out := make([]workerstate.Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.Key() < out[j].Endpoint.Key() })
	return out
}
