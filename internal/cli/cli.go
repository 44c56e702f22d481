// ============================================================================
// simfarm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command Structure:
//   simfarm                        # Root command
//   ├── master                     # Discover workers, run the experiment, print a summary
//   │   ├── --replicas            # Override experiment.replicas
//   │   └── --worker              # Extra static worker host:port (repeatable)
//   ├── worker                     # Serve simulations and answer discovery
//   ├── discover                   # One discovery round, print the workers found
//   ├── status                     # Query a running master's gRPC status service
//   │   └── --addr                # Override status.addr
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --version
//
// master and worker run until finished or interrupted (SIGINT, SIGTERM).
// Both optionally expose Prometheus metrics on metrics.addr; the master also
// serves simfarm.v1.Coordinator/Status on status.addr.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/simfarm/internal/compress"
	"github.com/ChuLiYu/simfarm/internal/coordinator"
	"github.com/ChuLiYu/simfarm/internal/metrics"
	"github.com/ChuLiYu/simfarm/internal/server"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/worker"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultConfigPath = "configs/default.yaml"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simfarm",
		Short: "simfarm: a distributed stochastic simulation farm",
		Long: `simfarm spreads independent simulation replicas over worker nodes:
- UDP discovery of workers
- plain or mutual TLS sessions
- TCP style adaptive batch sizing per worker
- Prometheus metrics and a gRPC status service`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildMasterCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildDiscoverCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the config and installs the process logger
func setup(cmd *cobra.Command) (*Config, *slog.Logger, io.Closer, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, closer, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func buildMasterCommand() *cobra.Command {
	var replicas int
	var extra []string

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Start a master and run the configured experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closer, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()
			if replicas > 0 {
				cfg.Experiment.Replicas = replicas
			}
			for _, w := range extra {
				ep, err := parseEndpoint(w, types.TransportKind(cfg.Coordinator.Transport))
				if err != nil {
					return err
				}
				cfg.Coordinator.Workers = append(cfg.Coordinator.Workers, ep)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runMaster(ctx, cfg, log, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&replicas, "replicas", 0, "Trajectories to collect (overrides experiment.replicas)")
	cmd.Flags().StringArrayVar(&extra, "worker", nil, "Static worker host:port, repeatable")
	return cmd
}

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closer, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorker(ctx, cfg, log, nil)
		},
	}
}

func buildDiscoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Broadcast one discovery request and list the workers that answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closer, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			coord, err := newCoordinator(cfg, log, nil)
			if err != nil {
				return err
			}
			defer coord.Close(context.Background())

			found, err := coord.Discover(ctx)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d worker(s) answered\n", len(found))
			for _, ep := range found {
				fmt.Fprintf(out, "  %s\n", ep)
			}
			return nil
		},
	}
}

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running master",
		Long:  "Call simfarm.v1.Coordinator/Status and print the worker windows and run progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = cfg.Status.Addr
			}
			creds, err := grpcClientCredentials(cfg)
			if err != nil {
				return err
			}
			client, err := server.Dial(addr, grpc.WithTransportCredentials(creds))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			b, err := client.StatusJSON(ctx)
			if err != nil {
				return fmt.Errorf("status %s: %w", addr, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Status service address (overrides status.addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC timeout")
	return cmd
}

// parseEndpoint reads host:port
func parseEndpoint(s string, kind types.TransportKind) (types.Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("worker %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || !validPort(p) {
		return types.Endpoint{}, fmt.Errorf("worker %q: invalid port", s)
	}
	if kind == "" {
		kind = types.TransportPlain
	}
	return types.Endpoint{Address: host, Port: p, Kind: kind}, nil
}

func transportOptions(cfg *Config, listening bool) (transport.Options, error) {
	if !cfg.TLS.Enabled() {
		return transport.Options{}, nil
	}
	build := cfg.TLS.ClientConfig
	if listening {
		build = cfg.TLS.ServerConfig
	}
	tc, err := build()
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{TLS: tc}, nil
}

func grpcClientCredentials(cfg *Config) (credentials.TransportCredentials, error) {
	if !cfg.TLS.Enabled() {
		return insecure.NewCredentials(), nil
	}
	tc, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tc), nil
}

func grpcServerOptions(cfg *Config) ([]grpc.ServerOption, error) {
	if !cfg.TLS.Enabled() {
		return nil, nil
	}
	tc, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, err
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tc))}, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newCoordinator(cfg *Config, log *slog.Logger, m coordinator.Metrics) (*coordinator.Coordinator, error) {
	opts, err := transportOptions(cfg, false)
	if err != nil {
		return nil, err
	}
	comp, err := compress.New(cfg.Coordinator.Compression)
	if err != nil {
		return nil, err
	}
	cc := cfg.Coordinator
	if !cc.Discovery {
		cc.DiscoverEvery = 0
	}
	return coordinator.New(coordinator.Config{
		Self: types.Endpoint{
			Address: cc.Address,
			Port:    cc.Port,
			Kind:    types.TransportKind(cc.Transport),
		},
		Transport:              opts,
		DiscoveryPort:          cc.DiscoveryPort,
		DiscoveryAddrs:         cc.DiscoveryAddrs,
		DiscoveryLocal:         cc.DiscoveryLocal,
		DiscoveryWindow:        cc.DiscoveryWindow,
		DiscoverEvery:          cc.DiscoverEvery,
		PingTimeout:            cc.PingTimeout,
		MaxConsecutiveFailures: cc.MaxFailures,
		ResultBatchSize:        cc.ResultBatchSize,
		GraceTimeout:           cc.GraceTimeout,
		Compressor:             comp,
		Metrics:                m,
		Logger:                 log,
	}), nil
}

// runMaster discovers workers, runs every repetition of the experiment and
// prints a summary per repetition
func runMaster(ctx context.Context, cfg *Config, log *slog.Logger, out io.Writer) error {
	model, err := sim.Build(cfg.Experiment.Model)
	if err != nil {
		return err
	}

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	coord, err := newCoordinator(cfg, log, collector)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			log.Warn("closing worker sessions", "error", err)
		}
	}()

	coord.AddWorkers(cfg.staticWorkers()...)
	if cfg.Coordinator.Discovery {
		found, err := coord.Discover(ctx)
		if err != nil {
			log.Warn("discovery failed", "error", err)
		} else {
			log.Info("discovery finished", "found", len(found))
		}
	}

	svcCtx, cancelSvc := context.WithCancel(ctx)
	services, err := startMasterServices(svcCtx, cfg, reg, coord, log)
	if err != nil {
		cancelSvc()
		services.Wait()
		return err
	}
	defer func() {
		cancelSvc()
		if err := services.Wait(); err != nil {
			log.Warn("service stopped with error", "error", err)
		}
	}()

	for rep := 1; rep <= cfg.Experiment.Repetitions; rep++ {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Experiment.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.Experiment.Timeout)
		}
		start := time.Now()
		res, err := coord.Run(runCtx, coordinator.Experiment{
			Model:           model,
			Replicas:        cfg.Experiment.Replicas,
			ResultBatchSize: cfg.Experiment.ResultBatchSize,
		})
		cancel()
		printSummary(out, rep, res, cfg.Experiment.Replicas, time.Since(start), coord.Status())
		if err != nil {
			return fmt.Errorf("repetition %d: %w", rep, err)
		}
	}
	return nil
}

func startMasterServices(ctx context.Context, cfg *Config, reg *prometheus.Registry, provider server.StatusProvider, log *slog.Logger) (*errgroup.Group, error) {
	var g errgroup.Group
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Addr, reg) })
		log.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}
	if cfg.Status.Enabled {
		opts, err := grpcServerOptions(cfg)
		if err != nil {
			return &g, err
		}
		lis, err := net.Listen("tcp", cfg.Status.Addr)
		if err != nil {
			return &g, fmt.Errorf("failed to listen on %s: %w", cfg.Status.Addr, err)
		}
		g.Go(func() error { return server.Serve(ctx, lis, server.NewServer(provider), opts...) })
	}
	return &g, nil
}

func printSummary(out io.Writer, rep int, res types.ComputationResult, target int, elapsed time.Duration, st coordinator.Status) {
	fmt.Fprintf(out, "\nRepetition %d: %d/%d trajectories (%d failed) in %s\n",
		rep, res.Len(), target, res.Failed(), elapsed.Round(time.Millisecond))
	for _, w := range st.Workers {
		fmt.Fprintf(out, "  %s", w.Snapshot)
		if w.Samples > 0 {
			fmt.Fprintf(out, " p50=%s p99=%s", w.P50, w.P99)
		}
		fmt.Fprintln(out)
	}
}

// runWorker serves simulations until ctx is cancelled. ready, when set,
// receives the simulation endpoint once the listeners are up.
func runWorker(ctx context.Context, cfg *Config, log *slog.Logger, ready chan<- types.Endpoint) error {
	wc := cfg.Worker
	catalog := sim.NewCatalog()
	for _, mc := range wc.Models {
		m, err := sim.Build(mc)
		if err != nil {
			return err
		}
		catalog.Register(m)
	}

	strategy, err := worker.ParseStrategy(wc.Strategy)
	if err != nil {
		return err
	}
	size := wc.PoolSize
	if size == 0 {
		size = runtime.NumCPU()
	}
	pool := worker.NewPool(wc.QueueSize)
	if err := pool.Start(size); err != nil {
		return err
	}
	defer pool.Stop()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	exec, err := worker.NewExecutor(strategy, pool, wc.Seed, collector)
	if err != nil {
		return err
	}
	comp, err := compress.New(wc.Compression)
	if err != nil {
		return err
	}
	srv, err := worker.NewServer(worker.ServerConfig{MaxConnections: wc.MaxConnections, Compressor: comp}, catalog, exec)
	if err != nil {
		return err
	}

	opts, err := transportOptions(cfg, true)
	if err != nil {
		return err
	}
	kind := types.TransportKind(wc.Transport)
	ln, err := transport.Listen(kind, net.JoinHostPort(wc.Address, strconv.Itoa(wc.Port)), opts)
	if err != nil {
		return err
	}
	responder, err := transport.ListenResponder(fmt.Sprintf(":%d", wc.DiscoveryPort))
	if err != nil {
		ln.Close()
		return err
	}

	self := ln.Endpoint()
	self.Address = wc.Advertise
	announcer := worker.NewAnnouncer(self)
	log.Info("worker started", "node", srv.ID(), "endpoint", ln.Endpoint(), "discovery", responder.LocalAddr(),
		"strategy", strategy, "pool", pool.Size(), "models", catalog.Names())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return announcer.Serve(gctx, responder) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}
	if ready != nil {
		ready <- ln.Endpoint()
	}

	err = g.Wait()
	log.Info("worker stopped", "batches", srv.Batches())
	return err
}

