package coordinator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/simfarm/internal/codec"
	"github.com/ChuLiYu/simfarm/internal/compress"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/workerstate"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultDiscoveryPort          = 59119
	DefaultDiscoveryWindow        = 2 * time.Second
	DefaultPingTimeout            = 5 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultResultBatchSize        = 100
)

// Config tunes a Coordinator
type Config struct {
	Self      types.Endpoint    // advertised in discovery requests
	Transport transport.Options // dial options for worker sessions

	DiscoveryPort   int           // port workers answer discovery on
	DiscoveryAddrs  []string      // explicit targets; broadcast addresses when empty
	DiscoveryLocal  string        // local UDP bind address, ephemeral when empty
	DiscoveryWindow time.Duration // how long Discover collects replies
	DiscoverEvery   time.Duration // re-discovery period during Run, 0 disables

	PingTimeout            time.Duration // bound on a re-probe (dial, INIT, PING)
	MaxConsecutiveFailures int           // failed batches before a worker is removed
	ResultBatchSize        int           // default trajectories per result payload
	GraceTimeout           time.Duration // deadline of a batch to an uncalibrated worker

	Compressor *compress.Compressor
	Clock      clockwork.Clock
	Metrics    Metrics
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = DefaultDiscoveryWindow
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.ResultBatchSize <= 0 {
		c.ResultBatchSize = DefaultResultBatchSize
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = workerstate.UncalibratedTimeout
	}
	if c.Compressor == nil {
		c.Compressor = compress.Default
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Self.Kind == "" {
		c.Self.Kind = types.TransportPlain
	}
}

// Model is what the coordinator needs to know about a simulation model:
// the name workers look it up by and the width of its encoded state.
type Model interface {
	Name() string
	codec.StateCodec
}

// Experiment is one request for Replicas trajectories of Model
type Experiment struct {
	Model           Model
	Replicas        int
	ResultBatchSize int // 0 uses Config.ResultBatchSize
}

func (e Experiment) validate() error {
	if e.Model == nil {
		return errors.New("coordinator: experiment has no model")
	}
	if e.Model.StateWidth() <= 0 {
		return &codec.SchemaMismatchError{Expected: e.Model.StateWidth(), Actual: e.Model.StateWidth()}
	}
	if e.Replicas <= 0 {
		return errors.New("coordinator: replicas must be positive")
	}
	return nil
}

// Metrics receives coordinator events; *metrics.Collector implements it
type Metrics interface {
	RecordBatchSent(worker string, tasks int)
	RecordBatch(worker string, trajectories, failed int, seconds float64)
	RecordBatchFailure(worker, reason string)
	RecordReconnect(worker string)
	RecordRemoval(worker string)
	SetWindow(worker string, window int, estimatedRTT time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordBatchSent(string, int)           {}
func (nopMetrics) RecordBatch(string, int, int, float64) {}
func (nopMetrics) RecordBatchFailure(string, string)     {}
func (nopMetrics) RecordReconnect(string)                {}
func (nopMetrics) RecordRemoval(string)                  {}
func (nopMetrics) SetWindow(string, int, time.Duration)  {}
