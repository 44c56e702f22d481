// ============================================================================
// simfarm Transport - connection oriented byte channels
// ============================================================================
//
// Package: internal/transport
// File: transport.go
//
// Two wire styles behind one Conn interface, selected by types.TransportKind:
//   plain  - encoding/gob stream, one Send is one Receive on the peer
//   secure - mutual TLS, [int32 length][payload] frames, handshake at construction
//            (dial side) or in Handshake on the serving goroutine (accept side)
//
// Every I/O failure is returned as *Error (errors.Is(err, ErrTransport)).
// A failed Conn is not reusable; callers dial a fresh one.
//
// ============================================================================

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Conn is a bidirectional message channel to one peer
type Conn interface {
	Send(p []byte) error
	Receive() ([]byte, error)
	Close() error
	// Endpoint is the remote peer
	Endpoint() types.Endpoint
	Kind() types.TransportKind
}

// Options configures dialing and accepting
type Options struct {
	TLS              *tls.Config   // required for secure connections
	DialTimeout      time.Duration // 0 means no timeout beyond ctx
	HandshakeTimeout time.Duration // 0 means DefaultHandshakeTimeout
}

const DefaultHandshakeTimeout = 10 * time.Second

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Dial opens a connection of ep.Kind to ep
func Dial(ctx context.Context, ep types.Endpoint, opts Options) (Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", ep.Key())
	if err != nil {
		return nil, wrap("dial", ep, err)
	}

	switch ep.Kind {
	case types.TransportSecure:
		if opts.TLS == nil {
			raw.Close()
			return nil, wrap("dial", ep, fmt.Errorf("secure transport requires a TLS config"))
		}
		cfg := opts.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = ep.Address
		}
		return clientSecure(ctx, raw, ep, cfg, opts.handshakeTimeout())
	case types.TransportPlain, "":
		ep.Kind = types.TransportPlain
		return newPlain(raw, ep), nil
	default:
		raw.Close()
		return nil, wrap("dial", ep, fmt.Errorf("unknown transport kind %q", ep.Kind))
	}
}

// Listener accepts connections of one transport kind
type Listener struct {
	ln   net.Listener
	kind types.TransportKind
	opts Options
}

// Listen binds addr ("host:port") for kind
func Listen(kind types.TransportKind, addr string, opts Options) (*Listener, error) {
	if kind == types.TransportSecure && opts.TLS == nil {
		return nil, wrap("listen", types.Endpoint{}, fmt.Errorf("secure transport requires a TLS config"))
	}
	if kind == "" {
		kind = types.TransportPlain
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, wrap("listen", types.Endpoint{}, err)
	}
	return &Listener{ln: ln, kind: kind, opts: opts}, nil
}

// Accept waits for the next peer and returns without any I/O on it. Secure
// connections still owe their TLS handshake: the caller runs Handshake on the
// goroutine that serves the connection.
func (l *Listener) Accept() (Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, wrap("accept", types.Endpoint{}, err)
	}
	ep := endpointOf(raw.RemoteAddr(), l.kind)
	if l.kind == types.TransportSecure {
		return serverSecure(raw, ep, l.opts.TLS, l.opts.handshakeTimeout())
	}
	return newPlain(raw, ep), nil
}

// Handshake completes the setup of an accepted Conn. Secure connections run
// the TLS handshake, bounded by ctx and the listener's HandshakeTimeout; on
// failure the connection is closed and an *Error with Op "handshake" is
// returned. Plain and already established connections return nil at once.
func Handshake(ctx context.Context, c Conn) error {
	if sc, ok := c.(*secureConn); ok {
		return sc.handshake(ctx)
	}
	return nil
}

// Endpoint returns the bound address as an endpoint
func (l *Listener) Endpoint() types.Endpoint {
	return endpointOf(l.ln.Addr(), l.kind)
}

func (l *Listener) Kind() types.TransportKind { return l.kind }

func (l *Listener) Close() error { return l.ln.Close() }

func endpointOf(addr net.Addr, kind types.TransportKind) types.Endpoint {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return types.Endpoint{Address: addr.String(), Kind: kind}
	}
	p, _ := strconv.Atoi(port)
	return types.Endpoint{Address: host, Port: p, Kind: kind}
}
