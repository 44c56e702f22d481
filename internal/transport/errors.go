package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

var (
	// ErrTransport matches every connection level failure
	ErrTransport = errors.New("transport: failure")

	// ErrFrameTooLarge is returned for a secure frame above MaxFrameSize
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrClosed is returned by operations on a closed connection, and
	// also matches a blocked call aborted by a concurrent Close
	ErrClosed = errors.New("transport: connection closed")
)

// Error wraps an I/O failure with the operation and the peer
type Error struct {
	Op       string         // dial, handshake, send, receive, accept, close
	Endpoint types.Endpoint // remote peer, zero when unknown
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint.Address == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransport }

func wrap(op string, ep types.Endpoint, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, net.ErrClosed) && !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return &Error{Op: op, Endpoint: ep, Err: err}
}
