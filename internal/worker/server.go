// ============================================================================
// simfarm Worker Server - command loop per coordinator connection
// ============================================================================
//
// Package: internal/worker
// File: server.go
//
// Each accepted connection runs on the ants goroutine pool. A secure
// connection first completes its TLS handshake there, so a peer stalling in
// the handshake occupies one pool slot and never the accept loop.
//
//   INIT             read model name, look it up, INIT_RESPONSE (unknown model closes)
//   PING             PONG
//   DATA             read NetworkTask, DATA_RESPONSE, execute, send chunks
//   CLOSE_CONNECTION read model name, CLOSE_CONNECTION, close
//
// Every chunk is codec encoded then compressed. A batch keeps running
// after its coordinator stops listening; sends then fail and the session ends.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/simfarm/internal/codec"
	"github.com/ChuLiYu/simfarm/internal/compress"
	"github.com/ChuLiYu/simfarm/internal/protocol"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// ServerConfig tunes a worker server
type ServerConfig struct {
	MaxConnections int                  // concurrent coordinator sessions, default 64
	Compressor     *compress.Compressor // default gzip level when nil
}

// Server answers coordinator sessions
type Server struct {
	id       string
	catalog  *sim.Catalog
	exec     *Executor
	comp     *compress.Compressor
	sessions *ants.Pool // one goroutine per connection, capped at MaxConnections
	log      *slog.Logger

	mu   sync.Mutex
	open map[transport.Conn]struct{} // closed on shutdown
	wg   sync.WaitGroup

	batches atomic.Int64 // DATA requests served
}

func NewServer(cfg ServerConfig, catalog *sim.Catalog, exec *Executor) (*Server, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.Compressor == nil {
		cfg.Compressor = compress.Default
	}
	sessions, err := ants.NewPool(cfg.MaxConnections, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create session pool: %w", err)
	}
	id := uuid.NewString()
	return &Server{
		id:       id,
		catalog:  catalog,
		exec:     exec,
		comp:     cfg.Compressor,
		sessions: sessions,
		log:      slog.With("component", "worker-server", "node", id),
		open:     make(map[transport.Conn]struct{}),
	}, nil
}

// ID is this server's node identifier
func (s *Server) ID() string { return s.id }

// Batches counts DATA requests served
func (s *Server) Batches() int64 { return s.batches.Load() }

// Serve accepts sessions on ln until ctx is cancelled or ln is closed
func (s *Server) Serve(ctx context.Context, ln *transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log.Info("worker server listening", "endpoint", ln.Endpoint(), "strategy", s.exec.Strategy(),
		"models", s.catalog.Names())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return nil
			}
			s.shutdown()
			return err
		}

		// tracked before the handshake so shutdown also aborts stalled peers
		s.track(conn, true)
		s.wg.Add(1)
		err = s.sessions.Submit(func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(ctx, conn)
		})
		if err != nil {
			s.wg.Done()
			s.track(conn, false)
			s.log.Warn("session refused", "master", conn.Endpoint().Key(), "error", err)
			conn.Close()
		}
	}
}

func (s *Server) track(c transport.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.open[c] = struct{}{}
	} else {
		delete(s.open, c)
	}
}

// shutdown closes every open session and waits for their handlers
func (s *Server) shutdown() {
	s.mu.Lock()
	for c := range s.open {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.sessions.Release()
	s.log.Info("worker server stopped", "batches", s.batches.Load())
}

func (s *Server) handle(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	log := s.log.With("master", conn.Endpoint().Key())
	if err := transport.Handshake(ctx, conn); err != nil {
		log.Warn("rejected connection", "error", err)
		return
	}
	log.Debug("session opened", "peer", transport.PeerCommonName(conn))

	var model sim.Model
	for {
		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				log.Warn("protocol violation, closing", "error", err)
			} else {
				log.Debug("session ended", "error", err)
			}
			return
		}

		switch cmd {
		case protocol.Init:
			name, err := conn.Receive()
			if err != nil {
				log.Warn("INIT without model name", "error", err)
				return
			}
			m, err := s.catalog.Lookup(string(name))
			if err != nil {
				log.Warn("refusing session", "error", err)
				return
			}
			model = m
			if err := protocol.Reply(conn, cmd); err != nil {
				return
			}
			log.Info("session initialised", "model", m.Name())

		case protocol.Ping:
			if err := protocol.Reply(conn, cmd); err != nil {
				return
			}

		case protocol.Data:
			var task types.NetworkTask
			if err := protocol.ReadJSON(conn, &task); err != nil {
				log.Warn("bad task", "error", err)
				return
			}
			if model == nil {
				log.Warn("DATA before INIT, closing")
				return
			}
			if err := protocol.Reply(conn, cmd); err != nil {
				return
			}
			s.batches.Add(1)
			log.Debug("batch received", "tasks", task.TaskCount, "result_batch", task.DesiredResultBatchSize)
			emit := func(res types.ComputationResult) error { return s.ship(conn, model, res) }
			if err := s.exec.Execute(task, model, emit); err != nil {
				log.Warn("batch abandoned", "tasks", task.TaskCount, "error", err)
				return
			}

		case protocol.CloseConnection:
			if _, err := conn.Receive(); err != nil {
				return
			}
			protocol.Reply(conn, cmd)
			log.Info("session closed by master")
			return
		}
	}
}

func (s *Server) ship(conn transport.Conn, m sim.Model, res types.ComputationResult) error {
	b, err := codec.EncodeResult(res, m)
	if err != nil {
		return err
	}
	z, err := s.comp.Compress(b)
	if err != nil {
		return err
	}
	return conn.Send(z)
}
