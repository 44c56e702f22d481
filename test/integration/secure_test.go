package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/simfarm/internal/coordinator"
	"github.com/ChuLiYu/simfarm/internal/metrics"
	"github.com/ChuLiYu/simfarm/internal/server"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/transport/transporttest"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func tlsOptions(t *testing.T, pki *transporttest.PKI, name string, srv bool) transport.Options {
	t.Helper()
	f := pki.Issue(t, name)
	cfg := transport.TLSConfig{CertFile: f.CertFile, KeyFile: f.KeyFile, CAFile: f.CAFile}
	build := cfg.ClientConfig
	if srv {
		build = cfg.ServerConfig
	}
	tc, err := build()
	require.NoError(t, err)
	return transport.Options{TLS: tc, HandshakeTimeout: 2 * time.Second}
}

func TestSecureFarm(t *testing.T) {
	pki := transporttest.NewPKI(t)
	nodes := []*node{
		startNode(t, types.TransportSecure, tlsOptions(t, pki, "worker-1", true), time.Millisecond),
		startNode(t, types.TransportSecure, tlsOptions(t, pki, "worker-2", true), time.Millisecond),
	}
	c := newCoordinator(t, coordinator.Config{
		Self:           types.Endpoint{Port: 10001, Kind: types.TransportSecure},
		Transport:      tlsOptions(t, pki, "master", false),
		DiscoveryAddrs: discoveryAddrs(nodes),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	found, err := c.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 2)
	for _, ep := range found {
		assert.Equal(t, types.TransportSecure, ep.Kind)
		assert.Equal(t, "127.0.0.1", ep.Address)
	}

	m, err := sim.Build(modelConfig(time.Millisecond))
	require.NoError(t, err)
	for rep := 0; rep < 2; rep++ {
		res, err := c.Run(ctx, coordinator.Experiment{Model: m, Replicas: 300})
		require.NoError(t, err)
		requireComplete(t, res, 300)
	}
}

func TestSecureFarmRejectsForeignMaster(t *testing.T) {
	pki := transporttest.NewPKI(t)
	foreign := transporttest.NewPKI(t)
	n := startNode(t, types.TransportSecure, tlsOptions(t, pki, "worker", true), time.Millisecond)

	c := newCoordinator(t, coordinator.Config{
		Transport:   tlsOptions(t, foreign, "intruder", false),
		PingTimeout: time.Second,
	})
	c.AddWorkers(n.ep)

	m, err := sim.Build(modelConfig(time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := c.Run(ctx, coordinator.Experiment{Model: m, Replicas: 10})
	require.ErrorIs(t, err, coordinator.ErrWorkersExhausted)
	assert.Zero(t, res.Len())
	assert.Zero(t, n.srv.Batches())
}

func TestObservability(t *testing.T) {
	nodes := []*node{
		startNode(t, types.TransportPlain, transport.Options{}, time.Millisecond),
		startNode(t, types.TransportPlain, transport.Options{}, time.Millisecond),
	}
	reg := prometheus.NewRegistry()
	c := newCoordinator(t, coordinator.Config{Metrics: metrics.NewCollector(reg)})
	for _, n := range nodes {
		c.AddWorkers(n.ep)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, lis, server.NewServer(c)) }()

	m, err := sim.Build(modelConfig(time.Millisecond))
	require.NoError(t, err)
	res, err := c.Run(ctx, coordinator.Experiment{Model: m, Replicas: 400})
	require.NoError(t, err)
	requireComplete(t, res, 400)

	count, err := testutil.GatherAndCount(reg, "simfarm_batches_completed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per worker")

	client, err := server.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer client.Close()

	var fields map[string]any
	require.Eventually(t, func() bool {
		rpcCtx, rpcCancel := context.WithTimeout(ctx, time.Second)
		defer rpcCancel()
		st, err := client.Status(rpcCtx)
		if err != nil {
			return false
		}
		fields = st.AsMap()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, float64(400), fields["collected"])
	assert.Equal(t, false, fields["running"])
	workers, ok := fields["workers"].([]any)
	require.True(t, ok)
	assert.Len(t, workers, 2)

	cancel()
	assert.NoError(t, <-served)
}
