package main

// In-process farm on loopback: N workers, one master, one experiment.
// With -kill the first worker is stopped mid-run to show its batch being
// released and picked up by the others.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/simfarm/internal/coordinator"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/worker"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

type node struct {
	ep     types.Endpoint
	cancel context.CancelFunc
	done   chan error
}

func startNode(ctx context.Context, cfg sim.ModelConfig, poolSize int) (*node, error) {
	m, err := sim.Build(cfg)
	if err != nil {
		return nil, err
	}
	pool := worker.NewPool(256)
	if err := pool.Start(poolSize); err != nil {
		return nil, err
	}
	exec, err := worker.NewExecutor(worker.Concurrent, pool, 0, nil)
	if err != nil {
		pool.Stop()
		return nil, err
	}
	srv, err := worker.NewServer(worker.ServerConfig{}, sim.NewCatalog(m), exec)
	if err != nil {
		pool.Stop()
		return nil, err
	}
	ln, err := transport.Listen(types.TransportPlain, "127.0.0.1:0", transport.Options{})
	if err != nil {
		pool.Stop()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &node{ep: ln.Endpoint(), cancel: cancel, done: make(chan error, 1)}
	go func() {
		defer pool.Stop()
		n.done <- srv.Serve(ctx, ln)
	}()
	return n, nil
}

func main() {
	workers := flag.Int("workers", 3, "number of in-process workers")
	replicas := flag.Int("replicas", 5000, "trajectories to collect")
	delay := flag.Duration("delay", 2*time.Millisecond, "artificial cost of one replica")
	kill := flag.Bool("kill", false, "stop the first worker halfway through")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelCfg := sim.ModelConfig{Name: "birth_death", Initial: 10, Birth: 1, Death: 1.1, Samples: 11, Delay: *delay}
	model, err := sim.Build(modelCfg)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}

	var nodes []*node
	for i := 0; i < *workers; i++ {
		n, err := startNode(ctx, modelCfg, 4)
		if err != nil {
			log.Fatalf("Failed to start worker: %v", err)
		}
		nodes = append(nodes, n)
		fmt.Printf("✓ Worker %d listening on %s\n", i+1, n.ep)
	}

	coord := coordinator.New(coordinator.Config{PingTimeout: time.Second, GraceTimeout: 10 * time.Second})
	for _, n := range nodes {
		coord.AddWorkers(n.ep)
	}

	type outcome struct {
		res types.ComputationResult
		err error
	}
	out := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := coord.Run(ctx, coordinator.Experiment{Model: model, Replicas: *replicas})
		out <- outcome{res, err}
	}()

	killed := false
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case o := <-out:
			printFinal(o.res, o.err, time.Since(start), coord.Status())
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := coord.Close(closeCtx); err != nil {
				fmt.Printf("⚠️  close: %v\n", err)
			}
			cancel()
			for _, n := range nodes {
				n.cancel()
				<-n.done
			}
			fmt.Println("✓ Farm stopped")
			return
		case <-ticker.C:
			st := coord.Status()
			fmt.Printf("📊 Collected=%d/%d Pending=%d In-Flight=%d\n", st.Collected, st.Target, st.Pending, st.InFlight)
			if *kill && !killed && st.Collected >= st.Target/2 && len(nodes) > 1 {
				killed = true
				nodes[0].cancel()
				fmt.Printf("\n💥 Stopped worker %s\n\n", nodes[0].ep)
			}
		}
	}
}

func printFinal(res types.ComputationResult, err error, elapsed time.Duration, st coordinator.Status) {
	fmt.Printf("\n📊 Final Status (%s):\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Trajectories: %d\n", res.Len())
	fmt.Printf("  Failed:       %d\n", res.Failed())
	if err != nil {
		fmt.Printf("  Error:        %v\n", err)
	}
	for _, w := range st.Workers {
		fmt.Printf("  %s\n", w.Snapshot)
	}
}
