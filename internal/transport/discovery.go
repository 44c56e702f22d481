package transport

// ============================================================================
// Discovery - connectionless UDP request/reply
// ============================================================================
//
// The requester sends one datagram (its serialized endpoint) to each target
// address, typically the interface broadcast addresses on the well known port.
// Responders answer to the datagram's source with their endpoint list.
// Request returns on the first reply; Collect gathers replies for a window.

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// MaxDatagram is the largest discovery payload accepted
const MaxDatagram = 64 << 10

// Reply is one discovery answer
type Reply struct {
	From    *net.UDPAddr
	Payload []byte
}

// Discoverer sends discovery requests from a local UDP socket
type Discoverer struct {
	conn *net.UDPConn
}

// NewDiscoverer binds laddr ("" or ":0" picks an ephemeral port)
func NewDiscoverer(laddr string) (*Discoverer, error) {
	if laddr == "" {
		laddr = ":0"
	}
	ua, err := net.ResolveUDPAddr("udp4", laddr)
	if err != nil {
		return nil, wrap("listen", types.Endpoint{}, err)
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, wrap("listen", types.Endpoint{}, err)
	}
	return &Discoverer{conn: conn}, nil
}

func (d *Discoverer) send(payload []byte, dsts []*net.UDPAddr) error {
	var sent int
	var lastErr error
	for _, dst := range dsts {
		if _, err := d.conn.WriteToUDP(payload, dst); err != nil {
			lastErr = err
			slog.Debug("discovery send failed", "component", "discovery", "dst", dst, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return wrap("send", types.Endpoint{}, lastErr)
	}
	if sent == 0 {
		return wrap("send", types.Endpoint{}, errors.New("no discovery targets"))
	}
	return nil
}

// Request broadcasts payload once and returns the first reply
func (d *Discoverer) Request(ctx context.Context, payload []byte, dsts []*net.UDPAddr) (Reply, error) {
	if err := d.send(payload, dsts); err != nil {
		return Reply{}, err
	}
	// deadline first: the cancel hook must be the last writer
	deadline, _ := ctx.Deadline()
	d.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { d.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, MaxDatagram)
	n, from, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, wrap("receive", types.Endpoint{}, ctx.Err())
		}
		return Reply{}, wrap("receive", types.Endpoint{}, err)
	}
	return Reply{From: from, Payload: append([]byte(nil), buf[:n]...)}, nil
}

// Collect broadcasts payload once and returns every reply that arrives within window
func (d *Discoverer) Collect(ctx context.Context, payload []byte, dsts []*net.UDPAddr, window time.Duration) ([]Reply, error) {
	if err := d.send(payload, dsts); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	deadline, _ := ctx.Deadline()
	d.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { d.conn.SetReadDeadline(time.Now()) })
	defer stop()

	var replies []Reply
	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
				return replies, nil
			}
			return replies, wrap("receive", types.Endpoint{}, err)
		}
		replies = append(replies, Reply{From: from, Payload: append([]byte(nil), buf[:n]...)})
	}
}

// LocalAddr is the bound socket address
func (d *Discoverer) LocalAddr() *net.UDPAddr { return d.conn.LocalAddr().(*net.UDPAddr) }

func (d *Discoverer) Close() error { return d.conn.Close() }

// Handler answers one discovery request; a nil reply sends nothing
type Handler func(from *net.UDPAddr, payload []byte) ([]byte, error)

// Responder answers discovery requests on a well known port
type Responder struct {
	conn *net.UDPConn
}

// ListenResponder binds addr, e.g. ":59119"
func ListenResponder(addr string) (*Responder, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, wrap("listen", types.Endpoint{}, err)
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, wrap("listen", types.Endpoint{}, err)
	}
	return &Responder{conn: conn}, nil
}

// Serve answers requests until ctx is cancelled or the responder is closed
func (r *Responder) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return wrap("receive", types.Endpoint{}, err)
		}
		reply, err := h(from, append([]byte(nil), buf[:n]...))
		if err != nil {
			slog.Warn("discovery request rejected", "component", "discovery", "from", from, "error", err)
			continue
		}
		if reply == nil {
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, from); err != nil {
			slog.Warn("discovery reply failed", "component", "discovery", "to", from, "error", err)
		}
	}
}

// LocalAddr is the bound socket address
func (r *Responder) LocalAddr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

func (r *Responder) Close() error { return r.conn.Close() }

// BroadcastAddresses returns the IPv4 broadcast address of every up,
// broadcast capable, non loopback interface, each with the given port.
// It falls back to the limited broadcast address when none is found.
func BroadcastAddresses(port int) []*net.UDPAddr {
	var out []*net.UDPAddr
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagBroadcast == 0 || ifc.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := ifc.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipn, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				if b := broadcastOf(ipn); b != nil {
					out = append(out, &net.UDPAddr{IP: b, Port: port})
				}
			}
		}
	}
	if len(out) == 0 {
		out = append(out, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}
	return out
}

func broadcastOf(n *net.IPNet) net.IP {
	ip4 := n.IP.To4()
	if ip4 == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	b := make(net.IP, net.IPv4len)
	for i := range ip4 {
		b[i] = ip4[i] | ^n.Mask[i]
	}
	return b
}
