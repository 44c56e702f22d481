// ============================================================================
// simfarm Worker Pool - bounded replica executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// A fixed number of Worker goroutines share one buffered task channel.
// Every Task names its own reply channel, so batches from several
// coordinator sessions can run on the same pool without mixing results.
//
//   Executor --Submit(task)--> taskCh --> Worker 1..n --> task.Reply
//
// Lifecycle: NewPool -> Start(n) -> Submit... -> Stop
// Stop closes the task channel and waits for in-flight replicas.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit after Stop
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs replicas on a fixed set of goroutines
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.RWMutex // held for reading while sending on taskCh
}

// NewPool creates a pool whose task channel buffers bufferSize tasks
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches workerCount workers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a task, blocking while the buffer is full. The read lock
// keeps Stop from closing taskCh under a pending send.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop rejects new tasks, lets workers drain the channel and waits for them
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	// Submit holds the read lock across its send, so no send is pending here
	p.mu.Lock()
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Size is the number of started replica goroutines
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
