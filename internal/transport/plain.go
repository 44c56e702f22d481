package transport

import (
	"bufio"
	"encoding/gob"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// plainConn frames messages with gob; the stream carries its own lengths
type plainConn struct {
	raw net.Conn
	ep  types.Endpoint

	wmu sync.Mutex
	bw  *bufio.Writer
	enc *gob.Encoder
	dec *gob.Decoder

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func newPlain(raw net.Conn, ep types.Endpoint) *plainConn {
	bw := bufio.NewWriter(raw)
	return &plainConn{
		raw: raw,
		ep:  ep,
		bw:  bw,
		enc: gob.NewEncoder(bw),
		dec: gob.NewDecoder(bufio.NewReader(raw)),
	}
}

func (c *plainConn) Send(p []byte) error {
	if c.closed.Load() {
		return wrap("send", c.ep, ErrClosed)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if p == nil {
		p = []byte{}
	}
	if err := c.enc.Encode(p); err != nil {
		return wrap("send", c.ep, err)
	}
	return wrap("send", c.ep, c.bw.Flush())
}

func (c *plainConn) Receive() ([]byte, error) {
	if c.closed.Load() {
		return nil, wrap("receive", c.ep, ErrClosed)
	}
	var p []byte
	if err := c.dec.Decode(&p); err != nil {
		return nil, wrap("receive", c.ep, err)
	}
	return p, nil
}

func (c *plainConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = wrap("close", c.ep, c.raw.Close())
	})
	return c.closeErr
}

func (c *plainConn) Endpoint() types.Endpoint { return c.ep }

func (c *plainConn) Kind() types.TransportKind { return types.TransportPlain }
