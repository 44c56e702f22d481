package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector(nil)
	assert.NotNil(t, collector)
	assert.NotNil(t, collector.batchesCompleted)
	assert.NotNil(t, collector.window)
	assert.NotNil(t, collector.replicas)
}

func TestRecordBatch(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordBatchSent("w1", 10)
	collector.RecordBatchSent("w1", 4)
	collector.RecordBatch("w1", 10, 3, 0.25)
	collector.RecordBatch("w1", 4, 0, 0.1)
	collector.RecordBatch("w2", 1, 1, 0.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchesSent.WithLabelValues("w1")))
	assert.Equal(t, 14.0, testutil.ToFloat64(collector.tasksSent.WithLabelValues("w1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchesCompleted.WithLabelValues("w1")))
	assert.Equal(t, 15.0, testutil.ToFloat64(collector.trajectories))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.trajectoriesBad))
}

func TestRecordFailuresAndRemovals(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordBatchFailure("w1", "timeout")
	collector.RecordBatchFailure("w1", "timeout")
	collector.RecordBatchFailure("w1", "decode")
	collector.RecordReconnect("w1")
	collector.RecordRemoval("w1")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchFailures.WithLabelValues("w1", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchFailures.WithLabelValues("w1", "decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.reconnects.WithLabelValues("w1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.removals.WithLabelValues("w1")))
}

func TestSetWindow(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SetWindow("w1", 64, 250*time.Millisecond)
	assert.Equal(t, 64.0, testutil.ToFloat64(collector.window.WithLabelValues("w1")))
	assert.Equal(t, 0.25, testutil.ToFloat64(collector.estimatedRTT.WithLabelValues("w1")))

	collector.SetWindow("w1", 32, time.Second)
	assert.Equal(t, 32.0, testutil.ToFloat64(collector.window.WithLabelValues("w1")))
}

func TestRecordReplica(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 5; i++ {
		collector.RecordReplica(i%5 != 0, 0.01)
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.replicas.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.replicas.WithLabelValues("failure")))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func(i int) {
			worker := fmt.Sprintf("w%d", i%4)
			collector.RecordBatch(worker, 2, 0, 0.1)
			collector.SetWindow(worker, i, time.Millisecond)
			collector.RecordReplica(true, 0.001)
			done <- true
		}(i)
	}
	for i := 0; i < 100; i++ {
		<-done
	}
	assert.Equal(t, 200.0, testutil.ToFloat64(collector.trajectories))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// a second collector on the same registry collides
	assert.Panics(t, func() {
		NewCollector(reg)
	})
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.RecordBatch("w1", 3, 0, 0.2)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `simfarm_batches_completed_total{worker="w1"} 1`)

	cancel()
	assert.NoError(t, <-done)
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker()
	_, ok := lt.Percentiles("w1")
	assert.False(t, ok)

	for i := 1; i <= 100; i++ {
		lt.Record("w1", time.Duration(i)*time.Millisecond)
	}
	lt.Record("w1", 0)
	lt.Record("w1", 2*time.Hour)

	p, ok := lt.Percentiles("w1")
	require.True(t, ok)
	assert.Equal(t, int64(102), p.Count)
	assert.InDelta(t, float64(50*time.Millisecond), float64(p.P50), float64(2*time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(p.P99), float64(2*time.Millisecond))
	assert.InDelta(t, float64(time.Hour), float64(p.Max), float64(time.Second))
}
