package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/simfarm/internal/coordinator"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/worker"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config represents the complete simfarm configuration
// Maps config file fields through YAML tags
type Config struct {
	Coordinator CoordinatorConfig   `yaml:"coordinator"`
	Worker      WorkerConfig        `yaml:"worker"`
	TLS         transport.TLSConfig `yaml:"tls"`
	Experiment  ExperimentConfig    `yaml:"experiment"`
	Log         LogConfig           `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Status struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"status"`
}

// CoordinatorConfig is the master side of the farm
type CoordinatorConfig struct {
	Address         string           `yaml:"address"` // advertised to workers; empty lets them use the packet source
	Port            int              `yaml:"port"`
	Transport       string           `yaml:"transport"`
	Discovery       bool             `yaml:"discovery"`
	DiscoveryPort   int              `yaml:"discovery_port"`  // remote, where workers answer
	DiscoveryLocal  string           `yaml:"discovery_local"` // local UDP bind
	DiscoveryAddrs  []string         `yaml:"discovery_addrs"`
	DiscoveryWindow time.Duration    `yaml:"discovery_window"`
	DiscoverEvery   time.Duration    `yaml:"discover_every"`
	Workers         []types.Endpoint `yaml:"workers"` // static worker list
	PingTimeout     time.Duration    `yaml:"ping_timeout"`
	GraceTimeout    time.Duration    `yaml:"grace_timeout"`
	MaxFailures     int              `yaml:"max_failures"`
	ResultBatchSize int              `yaml:"result_batch_size"`
	Compression     int              `yaml:"compression"` // gzip level, 0 is default
}

// WorkerConfig is one simulation node
type WorkerConfig struct {
	Address        string            `yaml:"address"`   // listen address
	Advertise      string            `yaml:"advertise"` // address put in discovery replies
	Port           int               `yaml:"port"`
	Transport      string            `yaml:"transport"`
	DiscoveryPort  int               `yaml:"discovery_port"`
	Strategy       string            `yaml:"strategy"`
	PoolSize       int               `yaml:"pool_size"`
	QueueSize      int               `yaml:"queue_size"`
	MaxConnections int               `yaml:"max_connections"`
	Seed           int64             `yaml:"seed"` // 0 seeds from the clock
	Compression    int               `yaml:"compression"`
	Models         []sim.ModelConfig `yaml:"models"`
}

// ExperimentConfig is what `simfarm master` runs
type ExperimentConfig struct {
	Model           sim.ModelConfig `yaml:"model"`
	Replicas        int             `yaml:"replicas"`
	Repetitions     int             `yaml:"repetitions"`
	ResultBatchSize int             `yaml:"result_batch_size"`
	Timeout         time.Duration   `yaml:"timeout"` // 0 means no limit
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Coordinator = CoordinatorConfig{
		Port:            10001,
		Transport:       string(types.TransportPlain),
		Discovery:       true,
		DiscoveryPort:   coordinator.DefaultDiscoveryPort,
		DiscoveryLocal:  ":10000",
		DiscoveryWindow: coordinator.DefaultDiscoveryWindow,
		PingTimeout:     coordinator.DefaultPingTimeout,
		MaxFailures:     coordinator.DefaultMaxConsecutiveFailures,
		ResultBatchSize: coordinator.DefaultResultBatchSize,
	}
	cfg.Worker = WorkerConfig{
		Address:        "0.0.0.0",
		Port:           8082,
		Transport:      string(types.TransportPlain),
		DiscoveryPort:  coordinator.DefaultDiscoveryPort,
		Strategy:       string(worker.Concurrent),
		QueueSize:      256,
		MaxConnections: 64,
	}
	cfg.Experiment = ExperimentConfig{Replicas: 1000, Repetitions: 1}
	cfg.Log = LogConfig{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28}
	cfg.Metrics.Addr = ":9090"
	cfg.Status.Addr = "127.0.0.1:50051"
	return cfg
}

// loadConfig reads path over the defaults; a missing default path is not an error
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(cfg.Worker.Models) == 0 {
		cfg.Worker.Models = []sim.ModelConfig{cfg.Experiment.Model}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var result error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			result = multierror.Append(result, fmt.Errorf(format, args...))
		}
	}

	coordKind, err := types.ParseTransportKind(c.Coordinator.Transport)
	check(err == nil, "coordinator.transport: %v", err)
	workerKind, err := types.ParseTransportKind(c.Worker.Transport)
	check(err == nil, "worker.transport: %v", err)
	_, err = worker.ParseStrategy(c.Worker.Strategy)
	check(err == nil, "worker.strategy: %v", err)

	check(validPort(c.Coordinator.Port), "coordinator.port %d out of range", c.Coordinator.Port)
	check(validPort(c.Coordinator.DiscoveryPort), "coordinator.discovery_port %d out of range", c.Coordinator.DiscoveryPort)
	check(validPort(c.Worker.Port) || c.Worker.Port == 0, "worker.port %d out of range", c.Worker.Port)
	check(validPort(c.Worker.DiscoveryPort), "worker.discovery_port %d out of range", c.Worker.DiscoveryPort)
	check(c.Coordinator.MaxFailures >= 1, "coordinator.max_failures must be at least 1")
	check(c.Coordinator.ResultBatchSize >= 1, "coordinator.result_batch_size must be at least 1")
	check(c.Coordinator.Compression >= -2 && c.Coordinator.Compression <= 9, "coordinator.compression must be within [-2,9]")
	check(c.Worker.Compression >= -2 && c.Worker.Compression <= 9, "worker.compression must be within [-2,9]")
	check(c.Worker.PoolSize >= 0, "worker.pool_size must not be negative")
	check(c.Experiment.Replicas >= 1, "experiment.replicas must be at least 1")
	check(c.Experiment.Repetitions >= 1, "experiment.repetitions must be at least 1")

	secure := coordKind == types.TransportSecure || workerKind == types.TransportSecure
	for i, w := range c.Coordinator.Workers {
		check(validPort(w.Port), "coordinator.workers[%d].port %d out of range", i, w.Port)
		kind, err := types.ParseTransportKind(string(w.Kind))
		check(err == nil, "coordinator.workers[%d].kind: %v", i, err)
		secure = secure || kind == types.TransportSecure
	}
	check(!secure || c.TLS.Enabled(), "secure transport requires tls.cert_file, tls.key_file and tls.ca_file")

	if _, err := sim.Build(c.Experiment.Model); err != nil {
		result = multierror.Append(result, fmt.Errorf("experiment.model: %w", err))
	}
	for i, m := range c.Worker.Models {
		if _, err := sim.Build(m); err != nil {
			result = multierror.Append(result, fmt.Errorf("worker.models[%d]: %w", i, err))
		}
	}
	if result != nil {
		return fmt.Errorf("invalid config: %w", result)
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// staticWorkers applies the default transport to workers listed without one
func (c *Config) staticWorkers() []types.Endpoint {
	out := make([]types.Endpoint, 0, len(c.Coordinator.Workers))
	for _, w := range c.Coordinator.Workers {
		if w.Kind == "" {
			w.Kind = types.TransportKind(c.Coordinator.Transport)
		}
		out = append(out, w)
	}
	return out
}
