package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/worker"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = time.Second
	}
	c := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCollectsEveryReplica(t *testing.T) {
	model := birthDeath(t, sim.ModelConfig{Initial: 10, Birth: 1, Death: 1, Samples: 5, Delay: time.Millisecond})
	srv1, ep1 := startWorker(t, model)
	srv2, ep2 := startWorker(t, model)

	m := newRecordingMetrics()
	c := newCoordinator(t, Config{Metrics: m})
	assert.Equal(t, 2, c.AddWorkers(ep1, ep2, ep1))

	res, err := c.Run(runCtx(t), Experiment{Model: model, Replicas: 300, ResultBatchSize: 16})
	require.NoError(t, err)
	assert.Equal(t, 300, res.Len())
	assert.Zero(t, res.Failed())
	for _, tr := range res.Trajectories {
		require.Len(t, tr.Samples, 5)
		assert.Len(t, tr.Samples[0].State, sim.PopulationWidth)
	}

	assert.Positive(t, srv1.Batches()+srv2.Batches())
	assert.Equal(t, 300, m.count(m.completed, ep1.Key())+m.count(m.completed, ep2.Key()))

	st := c.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 300, st.Collected)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.InFlight)
	require.Len(t, st.Workers, 2)
	for _, w := range st.Workers {
		assert.False(t, w.Removed)
		assert.GreaterOrEqual(t, w.ExpectedTasks, 1)
	}
}

func TestRunWindowGrows(t *testing.T) {
	f := startSlowFake(t, always(reply), 10*time.Millisecond)
	c := newCoordinator(t, Config{})
	c.AddWorkers(f.endpoint())

	res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 63})
	require.NoError(t, err)
	assert.Equal(t, 63, res.Len())

	st, ok := c.Registry().Get(f.endpoint())
	require.True(t, ok)
	assert.True(t, st.Calibrated())
	assert.Greater(t, st.ExpectedTasks(), 2)
	// 1 + 2 + 4 + 8 + 16 + 32 when every batch is on time
	assert.LessOrEqual(t, int(f.batches.Load()), 63)
}

func TestRunRecoversAfterTimeout(t *testing.T) {
	f := startSlowFake(t, func(batch int, _ types.NetworkTask) action {
		if batch == 1 {
			return hang
		}
		return reply
	}, 20*time.Millisecond)
	m := newRecordingMetrics()
	c := newCoordinator(t, Config{Metrics: m, GraceTimeout: 200 * time.Millisecond})
	c.AddWorkers(f.endpoint())

	res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Len())

	key := f.endpoint().Key()
	assert.Equal(t, []string{"timeout"}, m.failuresOf(key))
	assert.Equal(t, 1, m.count(m.reconnects, key))
	assert.Zero(t, m.count(m.removals, key))
	assert.GreaterOrEqual(t, f.pings.Load(), int32(1))
	assert.Equal(t, int32(2), f.inits.Load(), "initial session and the re-probe")

	st := c.Status()
	require.Len(t, st.Workers, 1)
	assert.Equal(t, 1, st.Workers[0].Timeouts)
	assert.False(t, st.Workers[0].TimedOut)
	assert.False(t, st.Workers[0].Removed)
}

func TestDeadWorkerIsRemovedAndNeverRescheduled(t *testing.T) {
	model := birthDeath(t, sim.ModelConfig{Initial: 3, Birth: 1, Death: 1, Samples: 2, Delay: time.Millisecond})
	_, good := startWorker(t, model)
	dead := startFake(t, always(drop))
	dead.refusePing.Store(true)

	m := newRecordingMetrics()
	c := newCoordinator(t, Config{Metrics: m})
	c.AddWorkers(dead.endpoint(), good)

	res, err := c.Run(runCtx(t), Experiment{Model: model, Replicas: 50})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Len())

	assert.Equal(t, int32(1), dead.batches.Load())
	assert.Equal(t, 1, m.count(m.removals, dead.endpoint().Key()))
	st, _ := c.Registry().Get(dead.endpoint())
	assert.True(t, st.Removed())
	assert.Len(t, c.Registry().Active(), 1)

	// a removed worker takes no part in later runs
	res, err = c.Run(runCtx(t), Experiment{Model: model, Replicas: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Len())
	assert.Equal(t, int32(1), dead.batches.Load())
}

func TestRunReportsExhaustion(t *testing.T) {
	f := startFake(t, always(hang))
	m := newRecordingMetrics()
	c := newCoordinator(t, Config{Metrics: m, GraceTimeout: 100 * time.Millisecond, MaxConsecutiveFailures: 3})
	c.AddWorkers(f.endpoint())

	res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkersExhausted)
	assert.Zero(t, res.Len())

	var ee *ExhaustedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 4, ee.Target)
	assert.Equal(t, 3, len(m.failuresOf(f.endpoint().Key())))
	assert.Equal(t, 2, m.count(m.reconnects, f.endpoint().Key()))
	assert.Equal(t, int32(3), f.batches.Load())

	_, err = c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 4})
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestRunReturnsPartialResult(t *testing.T) {
	f := startFake(t, func(batch int, _ types.NetworkTask) action {
		if batch == 1 {
			return reply
		}
		return hang
	})
	c := newCoordinator(t, Config{GraceTimeout: 100 * time.Millisecond})
	c.AddWorkers(f.endpoint())

	res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 20})
	require.ErrorIs(t, err, ErrWorkersExhausted)
	assert.Equal(t, 1, res.Len())

	var ee *ExhaustedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.Collected)
}

func TestRunWithFailedReplicas(t *testing.T) {
	model := birthDeath(t, sim.ModelConfig{Initial: 3, Birth: 1, Death: 1, FailureRate: 1})
	_, ep := startWorker(t, model)
	c := newCoordinator(t, Config{})
	c.AddWorkers(ep)

	res, err := c.Run(runCtx(t), Experiment{Model: model, Replicas: 12})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Len())
	assert.Equal(t, 12, res.Failed())
}

func TestRunWithoutWorkers(t *testing.T) {
	c := newCoordinator(t, Config{})
	_, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 1})
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = c.Run(runCtx(t), Experiment{Model: fakeModel{}})
	assert.Error(t, err)
	_, err = c.Run(runCtx(t), Experiment{Replicas: 1})
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	f := startFake(t, always(hang))
	c := newCoordinator(t, Config{})
	c.AddWorkers(f.endpoint())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := c.Run(ctx, Experiment{Model: fakeModel{}, Replicas: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, _ := c.Registry().Get(f.endpoint())
	assert.False(t, st.Removed(), "cancellation is not a worker failure")
}

func TestTimeoutFollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := startFake(t, func(batch int, _ types.NetworkTask) action {
		if batch == 1 {
			return hang
		}
		return reply
	})
	c := newCoordinator(t, Config{Clock: clock, GraceTimeout: time.Minute})
	c.AddWorkers(f.endpoint())

	type outcome struct {
		res types.ComputationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 1})
		done <- outcome{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case <-done:
		t.Fatal("run finished before the deadline passed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Minute)
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, 1, out.res.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the deadline")
	}
	assert.Equal(t, int32(2), f.batches.Load())
}

func TestSessionsAreReusedAndClosed(t *testing.T) {
	f := startFake(t, always(reply))
	c := New(Config{Logger: quietLogger(), PingTimeout: time.Second})
	c.AddWorkers(f.endpoint())

	for i := 0; i < 3; i++ {
		res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 5})
		require.NoError(t, err)
		assert.Equal(t, 5, res.Len())
	}
	assert.Equal(t, int32(1), f.inits.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	assert.Eventually(t, func() bool { return f.byes.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCloseAggregatesErrors(t *testing.T) {
	a := startFake(t, always(reply))
	b := startFake(t, always(reply))
	ok := startFake(t, always(reply))
	a.refuseBye.Store(true)
	b.refuseBye.Store(true)

	c := New(Config{Logger: quietLogger(), PingTimeout: time.Second})
	c.AddWorkers(a.endpoint(), b.endpoint(), ok.endpoint())
	_, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 30})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Close(ctx)
	require.Error(t, err)

	var me *multierror.Error
	require.True(t, errors.As(err, &me))
	assert.Len(t, me.Errors, 2)
	assert.ErrorIs(t, err, transport.ErrTransport)
}

func TestDiscoverRegistersWorkers(t *testing.T) {
	r, err := transport.ListenResponder("127.0.0.1:0")
	require.NoError(t, err)
	announcer := worker.NewAnnouncer(
		types.Endpoint{Port: 8082, Kind: types.TransportPlain},
		types.Endpoint{Address: "127.0.0.2", Port: 8083, Kind: types.TransportSecure},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go announcer.Serve(ctx, r)
	defer r.Close()

	self := types.Endpoint{Address: "127.0.0.1", Port: 10001, Kind: types.TransportPlain}
	c := newCoordinator(t, Config{
		Self:            self,
		DiscoveryAddrs:  []string{r.LocalAddr().String()},
		DiscoveryLocal:  "127.0.0.1:0",
		DiscoveryWindow: 300 * time.Millisecond,
	})

	found, err := c.Discover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Endpoint{
		{Address: "127.0.0.1", Port: 8082, Kind: types.TransportPlain},
		{Address: "127.0.0.2", Port: 8083, Kind: types.TransportSecure},
	}, found)
	assert.Equal(t, 2, c.Registry().Len())
	assert.Equal(t, []types.Endpoint{self}, announcer.Masters())

	// a second round finds nothing new
	found, err = c.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverIgnoresBadReplies(t *testing.T) {
	r, err := transport.ListenResponder("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx, func(_ *net.UDPAddr, _ []byte) ([]byte, error) {
		return []byte(`[{"address":"127.0.0.1","port":0}]`), nil
	})
	defer r.Close()

	c := newCoordinator(t, Config{
		DiscoveryAddrs:  []string{r.LocalAddr().String()},
		DiscoveryLocal:  "127.0.0.1:0",
		DiscoveryWindow: 200 * time.Millisecond,
	})
	found, err := c.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestPeriodicDiscoveryJoinsRunningExperiment(t *testing.T) {
	slow := startSlowFake(t, always(reply), 100*time.Millisecond)
	late := startFake(t, always(reply))

	r, err := transport.ListenResponder("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.NewAnnouncer(late.endpoint()).Serve(ctx, r)
	defer r.Close()

	c := newCoordinator(t, Config{
		DiscoveryAddrs:  []string{r.LocalAddr().String()},
		DiscoveryLocal:  "127.0.0.1:0",
		DiscoveryWindow: 50 * time.Millisecond,
		DiscoverEvery:   100 * time.Millisecond,
	})
	c.AddWorkers(slow.endpoint())

	res, err := c.Run(runCtx(t), Experiment{Model: fakeModel{}, Replicas: 200})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Len())
	assert.Positive(t, late.batches.Load())
	assert.Equal(t, 2, c.Registry().Len())
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "timeout", failureReason(&TimeoutError{}))
	assert.Equal(t, "transport", failureReason(&transport.Error{Op: "receive", Err: io.EOF}))
	assert.Equal(t, "other", failureReason(errors.New("boom")))
}
