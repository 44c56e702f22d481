package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// MaxFrameSize bounds a single secure frame
const MaxFrameSize = 256 << 20

// secureConn carries [int32 length][payload] frames over TLS
type secureConn struct {
	tc      *tls.Conn
	ep      types.Endpoint
	timeout time.Duration // bound of the TLS handshake

	wmu sync.Mutex    // serializes frame writes
	bw  *bufio.Writer // header and payload flushed together
	br  *bufio.Reader

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func newSecure(tc *tls.Conn, ep types.Endpoint, timeout time.Duration) *secureConn {
	return &secureConn{
		tc:      tc,
		ep:      ep,
		timeout: timeout,
		bw:      bufio.NewWriter(tc),
		br:      bufio.NewReader(tc),
	}
}

// clientSecure handshakes before returning; a failure is fatal for the dial
func clientSecure(ctx context.Context, raw net.Conn, ep types.Endpoint, cfg *tls.Config, timeout time.Duration) (Conn, error) {
	c := newSecure(tls.Client(raw, cfg), ep, timeout)
	if err := c.handshake(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// serverSecure wraps an accepted socket. The handshake is left to the
// session goroutine (see Handshake) so a stalled peer never holds up Accept.
func serverSecure(raw net.Conn, ep types.Endpoint, cfg *tls.Config, timeout time.Duration) *secureConn {
	return newSecure(tls.Server(raw, cfg), ep, timeout)
}

// handshake runs the TLS handshake once; later calls return at once
func (c *secureConn) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.tc.HandshakeContext(ctx); err != nil {
		c.Close()
		return wrap("handshake", c.ep, err)
	}
	return nil
}

func (c *secureConn) Send(p []byte) error {
	if c.closed.Load() {
		return wrap("send", c.ep, ErrClosed)
	}
	if len(p) > MaxFrameSize {
		return wrap("send", c.ep, ErrFrameTooLarge)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return wrap("send", c.ep, err)
	}
	if _, err := c.bw.Write(p); err != nil {
		return wrap("send", c.ep, err)
	}
	return wrap("send", c.ep, c.bw.Flush())
}

func (c *secureConn) Receive() ([]byte, error) {
	if c.closed.Load() {
		return nil, wrap("receive", c.ep, ErrClosed)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, wrap("receive", c.ep, err)
	}
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 {
		return nil, wrap("receive", c.ep, fmt.Errorf("negative frame length %d", n))
	}
	if int(n) > MaxFrameSize {
		return nil, wrap("receive", c.ep, ErrFrameTooLarge)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(c.br, p); err != nil {
		return nil, wrap("receive", c.ep, err)
	}
	return p, nil
}

func (c *secureConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = wrap("close", c.ep, c.tc.Close())
	})
	return c.closeErr
}

func (c *secureConn) Endpoint() types.Endpoint { return c.ep }

func (c *secureConn) Kind() types.TransportKind { return types.TransportSecure }

// PeerCommonName returns the verified client certificate's subject CN
func PeerCommonName(c Conn) string {
	sc, ok := c.(*secureConn)
	if !ok {
		return ""
	}
	certs := sc.tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	return certs[0].Subject.CommonName
}
