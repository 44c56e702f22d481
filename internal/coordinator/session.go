// ============================================================================
// simfarm Coordinator Session - one model bound connection to a worker
// ============================================================================
//
// Package: internal/coordinator
// File: session.go
//
// A session is created by open and owned by exactly one control loop:
//
//   open      dial + INIT(model)               -> INIT_RESPONSE
//   probe     open + PING under PingTimeout    -> PONG
//   exchange  DATA + NetworkTask               -> DATA_RESPONSE, n trajectories
//   close     CLOSE_CONNECTION(model)          -> CLOSE_CONNECTION, conn closed
//   abort     conn closed, no goodbye
//
// Blocking calls are bounded by closing the connection when their context
// or timer fires; a session that saw any error is aborted, never reused.
//
// ============================================================================

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/simfarm/internal/codec"
	"github.com/ChuLiYu/simfarm/internal/protocol"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// session is one initialised connection to a worker for a given model.
// Only the owning control loop uses it.
type session struct {
	conn  transport.Conn // INIT already acknowledged
	model Model          // decodes the worker's payloads
}

// open dials ep and sends INIT for m. ctx bounds the whole handshake.
func (c *Coordinator) open(ctx context.Context, ep types.Endpoint, m Model) (*session, error) {
	conn, err := transport.Dial(ctx, ep, c.cfg.Transport)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := protocol.Call(conn, protocol.Init, []byte(m.Name())); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("init %s: %w", ep, ctx.Err())
		}
		return nil, fmt.Errorf("init %s: %w", ep, err)
	}
	return &session{conn: conn, model: m}, nil
}

// probe re-establishes a session and checks liveness with PING, all within PingTimeout
func (c *Coordinator) probe(ctx context.Context, ep types.Endpoint, m Model) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	s, err := c.open(ctx, ep, m)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	if err := protocol.Call(s.conn, protocol.Ping, nil); err != nil {
		s.abort()
		return nil, fmt.Errorf("ping %s: %w", ep, err)
	}
	return s, nil
}

// collected is what the reader goroutine of exchange hands back
type collected struct {
	res types.ComputationResult
	err error
}

// exchange sends one DATA batch of n tasks and waits for n trajectories or
// the deadline. On timeout or cancellation the connection is closed, which
// unblocks the reader; the session must not be reused after an error.
func (c *Coordinator) exchange(ctx context.Context, s *session, n, resultBatch int, timeout time.Duration) (types.ComputationResult, time.Duration, error) {
	task := types.NetworkTask{TaskCount: n, DesiredResultBatchSize: resultBatch}
	if err := protocol.SendCommand(s.conn, protocol.Data); err != nil {
		return types.ComputationResult{}, 0, err
	}
	if err := protocol.SendJSON(s.conn, task); err != nil {
		return types.ComputationResult{}, 0, err
	}
	start := c.clock.Now()

	done := make(chan collected, 1)
	go func() {
		res, err := c.collect(s, n)
		done <- collected{res: res, err: err}
	}()

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, c.clock.Since(start), out.err
	case <-timer.Chan():
		s.abort()
		<-done
		return types.ComputationResult{}, 0, &TimeoutError{Worker: s.conn.Endpoint(), Tasks: n, Timeout: timeout}
	case <-ctx.Done():
		s.abort()
		<-done
		return types.ComputationResult{}, 0, ctx.Err()
	}
}

// collect reads DATA_RESPONSE then result payloads until n trajectories arrived
func (c *Coordinator) collect(s *session, n int) (types.ComputationResult, error) {
	if err := protocol.Expect(s.conn, protocol.DataResponse); err != nil {
		return types.ComputationResult{}, err
	}
	var res types.ComputationResult
	for res.Len() < n {
		p, err := s.conn.Receive()
		if err != nil {
			return types.ComputationResult{}, err
		}
		raw, err := c.comp.Decompress(p)
		if err != nil {
			return types.ComputationResult{}, &codec.DecodeError{Field: "payload", Cause: err}
		}
		batch, err := codec.DecodeResult(raw, s.model)
		if err != nil {
			return types.ComputationResult{}, err
		}
		if res.Len()+batch.Len() > n {
			return types.ComputationResult{}, &protocol.Error{
				Expected: fmt.Sprintf("%d trajectories", n),
				Got:      fmt.Sprintf("%d", res.Len()+batch.Len()),
			}
		}
		res.Merge(batch)
	}
	return res, nil
}

// close ends the session with CLOSE_CONNECTION; ctx bounds the wait for the reply
func (s *session) close(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	err := protocol.Call(s.conn, protocol.CloseConnection, []byte(s.model.Name()))
	if cerr := s.conn.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", s.conn.Endpoint(), err)
	}
	return nil
}

// abort drops the connection without a goodbye
func (s *session) abort() {
	s.conn.Close()
}
