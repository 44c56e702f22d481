// ============================================================================
// simfarm Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Coordinator side:
//   simfarm_batches_sent_total{worker}             DATA requests issued
//   simfarm_tasks_sent_total{worker}               replicas requested
//   simfarm_batches_completed_total{worker}        batches returned in time
//   simfarm_batch_failures_total{worker,reason}    timeout, transport, decode, protocol
//   simfarm_trajectories_received_total            merged into the aggregate
//   simfarm_trajectories_failed_total              received with successful=false
//   simfarm_worker_reconnects_total{worker}        re-probes answered with PONG
//   simfarm_worker_removals_total{worker}          workers given up on
//   simfarm_worker_window{worker}                  current expectedTasks
//   simfarm_worker_estimated_rtt_seconds{worker}   smoothed per task RTT
//   simfarm_batch_duration_seconds                 send to last chunk
//
// Worker side:
//   simfarm_replicas_total{outcome}                success / failure
//   simfarm_replica_duration_seconds
//
// Served on /metrics by Serve.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics of one process
type Collector struct {
	batchesSent      *prometheus.CounterVec
	tasksSent        *prometheus.CounterVec
	batchesCompleted *prometheus.CounterVec
	batchFailures    *prometheus.CounterVec
	trajectories     prometheus.Counter
	trajectoriesBad  prometheus.Counter
	reconnects       *prometheus.CounterVec
	removals         *prometheus.CounterVec
	window           *prometheus.GaugeVec
	estimatedRTT     *prometheus.GaugeVec
	batchDuration    prometheus.Histogram

	replicas        *prometheus.CounterVec
	replicaDuration prometheus.Histogram
}

// NewCollector creates and registers every metric on reg (nil means the default registerer)
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_batches_sent_total",
			Help: "Batches sent to a worker",
		}, []string{"worker"}),
		tasksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_tasks_sent_total",
			Help: "Replicas requested from a worker",
		}, []string{"worker"}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_batches_completed_total",
			Help: "Batches returned by a worker before their deadline",
		}, []string{"worker"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_batch_failures_total",
			Help: "Batches lost to a timeout or a session error",
		}, []string{"worker", "reason"}),
		trajectories: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simfarm_trajectories_received_total",
			Help: "Trajectories merged into experiment results",
		}),
		trajectoriesBad: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simfarm_trajectories_failed_total",
			Help: "Received trajectories whose replica failed",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_worker_reconnects_total",
			Help: "Workers that answered a re-probe after a failed batch",
		}, []string{"worker"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_worker_removals_total",
			Help: "Workers removed from scheduling",
		}, []string{"worker"}),
		window: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simfarm_worker_window",
			Help: "Tasks the next batch to a worker may carry",
		}, []string{"worker"}),
		estimatedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simfarm_worker_estimated_rtt_seconds",
			Help: "Smoothed per task round trip time",
		}, []string{"worker"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simfarm_batch_duration_seconds",
			Help:    "Time from sending a batch to receiving its last chunk",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
		}),
		replicas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simfarm_replicas_total",
			Help: "Replicas executed by this worker",
		}, []string{"outcome"}),
		replicaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simfarm_replica_duration_seconds",
			Help:    "Wall time of a single replica",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.batchesSent,
		c.tasksSent,
		c.batchesCompleted,
		c.batchFailures,
		c.trajectories,
		c.trajectoriesBad,
		c.reconnects,
		c.removals,
		c.window,
		c.estimatedRTT,
		c.batchDuration,
		c.replicas,
		c.replicaDuration,
	)
	return c
}

// RecordBatchSent records a DATA request of tasks replicas
func (c *Collector) RecordBatchSent(worker string, tasks int) {
	c.batchesSent.WithLabelValues(worker).Inc()
	c.tasksSent.WithLabelValues(worker).Add(float64(tasks))
}

// RecordBatch records a completed batch
func (c *Collector) RecordBatch(worker string, trajectories, failed int, seconds float64) {
	c.batchesCompleted.WithLabelValues(worker).Inc()
	c.trajectories.Add(float64(trajectories))
	c.trajectoriesBad.Add(float64(failed))
	c.batchDuration.Observe(seconds)
}

// RecordBatchFailure records a lost batch
func (c *Collector) RecordBatchFailure(worker, reason string) {
	c.batchFailures.WithLabelValues(worker, reason).Inc()
}

func (c *Collector) RecordReconnect(worker string) {
	c.reconnects.WithLabelValues(worker).Inc()
}

func (c *Collector) RecordRemoval(worker string) {
	c.removals.WithLabelValues(worker).Inc()
}

// SetWindow publishes a worker's window and RTT estimate
func (c *Collector) SetWindow(worker string, window int, estimatedRTT time.Duration) {
	c.window.WithLabelValues(worker).Set(float64(window))
	c.estimatedRTT.WithLabelValues(worker).Set(estimatedRTT.Seconds())
}

// RecordReplica records one replica on the worker side
func (c *Collector) RecordReplica(successful bool, seconds float64) {
	outcome := "success"
	if !successful {
		outcome = "failure"
	}
	c.replicas.WithLabelValues(outcome).Inc()
	c.replicaDuration.Observe(seconds)
}

// Serve exposes g on addr under /metrics until ctx is cancelled
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
