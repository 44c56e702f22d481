package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/simfarm/internal/codec"
	"github.com/ChuLiYu/simfarm/internal/compress"
	"github.com/ChuLiYu/simfarm/internal/protocol"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/worker"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel is the coordinator side view of the scripted worker's model
type fakeModel struct{}

func (fakeModel) Name() string    { return "fake" }
func (fakeModel) StateWidth() int { return 1 }

// action decides what a scripted worker does with one DATA request
type action int

const (
	reply action = iota // return every trajectory
	hang                // accept the batch and never answer
	drop                // close the connection
)

// fakeWorker speaks the worker protocol with scripted batch outcomes
type fakeWorker struct {
	ln     *transport.Listener
	script func(batch int, task types.NetworkTask) action
	delay  time.Duration

	refusePing atomic.Bool
	refuseBye  atomic.Bool

	batches atomic.Int32
	inits   atomic.Int32
	pings   atomic.Int32
	byes    atomic.Int32

	mu    sync.Mutex
	conns []transport.Conn
	wg    sync.WaitGroup
}

func startFake(t *testing.T, script func(batch int, task types.NetworkTask) action) *fakeWorker {
	t.Helper()
	return startSlowFake(t, script, 0)
}

// startSlowFake sleeps delay before answering each batch
func startSlowFake(t *testing.T, script func(batch int, task types.NetworkTask) action, delay time.Duration) *fakeWorker {
	t.Helper()
	ln, err := transport.Listen(types.TransportPlain, "127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	f := &fakeWorker{ln: ln, script: script, delay: delay}
	f.wg.Add(1)
	go f.serve()
	t.Cleanup(f.stop)
	return f
}

func always(a action) func(int, types.NetworkTask) action {
	return func(int, types.NetworkTask) action { return a }
}

func (f *fakeWorker) endpoint() types.Endpoint { return f.ln.Endpoint() }

func (f *fakeWorker) serve() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer conn.Close()
			f.handle(conn)
		}()
	}
}

func (f *fakeWorker) handle(conn transport.Conn) {
	for {
		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			return
		}
		switch cmd {
		case protocol.Init:
			if _, err := conn.Receive(); err != nil {
				return
			}
			f.inits.Add(1)
			protocol.Reply(conn, cmd)
		case protocol.Ping:
			f.pings.Add(1)
			if f.refusePing.Load() {
				return
			}
			protocol.Reply(conn, cmd)
		case protocol.Data:
			var task types.NetworkTask
			if err := protocol.ReadJSON(conn, &task); err != nil {
				return
			}
			n := int(f.batches.Add(1))
			switch f.script(n, task) {
			case drop:
				return
			case hang:
				protocol.Reply(conn, cmd)
				conn.Receive() // until the coordinator gives up
				return
			}
			protocol.Reply(conn, cmd)
			time.Sleep(f.delay)
			if err := f.send(conn, task); err != nil {
				return
			}
		case protocol.CloseConnection:
			if _, err := conn.Receive(); err != nil {
				return
			}
			if f.refuseBye.Load() {
				return
			}
			f.byes.Add(1)
			protocol.Reply(conn, cmd)
			return
		}
	}
}

func (f *fakeWorker) send(conn transport.Conn, task types.NetworkTask) error {
	size := task.DesiredResultBatchSize
	if size <= 0 || size > task.TaskCount {
		size = task.TaskCount
	}
	for sent := 0; sent < task.TaskCount; sent += size {
		var res types.ComputationResult
		for i := sent; i < min(sent+size, task.TaskCount); i++ {
			res.Trajectories = append(res.Trajectories, types.Trajectory{
				End:        1,
				Successful: true,
				Samples:    []types.Sample{{Time: 0, State: []byte{byte(i)}}},
			})
		}
		b, err := codec.EncodeResult(res, fakeModel{})
		if err != nil {
			return err
		}
		z, err := compress.Compress(b)
		if err != nil {
			return err
		}
		if err := conn.Send(z); err != nil {
			return err
		}
	}
	return nil
}

// stop closes the listener and every session then waits for the handlers
func (f *fakeWorker) stop() {
	f.ln.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// startWorker runs a real worker server with a birth/death model
func startWorker(t *testing.T, model sim.Model) (*worker.Server, types.Endpoint) {
	t.Helper()
	pool := worker.NewPool(64)
	require.NoError(t, pool.Start(4))
	t.Cleanup(pool.Stop)

	exec, err := worker.NewExecutor(worker.Concurrent, pool, 11, nil)
	require.NoError(t, err)
	srv, err := worker.NewServer(worker.ServerConfig{}, sim.NewCatalog(model), exec)
	require.NoError(t, err)

	ln, err := transport.Listen(types.TransportPlain, "127.0.0.1:0", transport.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return srv, ln.Endpoint()
}

func birthDeath(t *testing.T, cfg sim.ModelConfig) *sim.BirthDeath {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "bd"
	}
	m, err := sim.NewBirthDeath(cfg)
	require.NoError(t, err)
	return m
}

// recordingMetrics counts coordinator events
type recordingMetrics struct {
	mu         sync.Mutex
	sent       map[string]int
	completed  map[string]int
	failures   map[string][]string
	reconnects map[string]int
	removals   map[string]int
	windows    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		sent:       map[string]int{},
		completed:  map[string]int{},
		failures:   map[string][]string{},
		reconnects: map[string]int{},
		removals:   map[string]int{},
		windows:    map[string]int{},
	}
}

func (m *recordingMetrics) RecordBatchSent(w string, tasks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[w] += tasks
}

func (m *recordingMetrics) RecordBatch(w string, trajectories, failed int, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[w] += trajectories
}

func (m *recordingMetrics) RecordBatchFailure(w, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[w] = append(m.failures[w], reason)
}

func (m *recordingMetrics) RecordReconnect(w string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects[w]++
}

func (m *recordingMetrics) RecordRemoval(w string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removals[w]++
}

func (m *recordingMetrics) SetWindow(w string, window int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w] = window
}

func (m *recordingMetrics) failuresOf(w string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failures[w]...)
}

func (m *recordingMetrics) count(field map[string]int, w string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return field[w]
}
