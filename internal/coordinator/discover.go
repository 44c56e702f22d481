// ============================================================================
// simfarm Coordinator Discovery - UDP broadcast of the master endpoint
// ============================================================================
//
// Package: internal/coordinator
// File: discover.go
//
// One round sends the coordinator's own endpoint as JSON to every
// destination and collects replies for DiscoveryWindow. Each reply is a
// JSON list of worker endpoints; an empty or unspecified address is taken
// from the datagram source. Malformed replies are logged and skipped, and
// endpoints already in the registry are not added twice.
//
// Rounds are serialized on discMu because they share one socket. During a
// run, rediscover repeats the round every DiscoverEvery and starts a control
// loop for each newly found worker.
//
// ============================================================================

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/internal/workerstate"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Discover broadcasts this coordinator's endpoint and registers every worker
// endpoint received within DiscoveryWindow. It returns the newly added endpoints.
func (c *Coordinator) Discover(ctx context.Context) ([]types.Endpoint, error) {
	added, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	eps := make([]types.Endpoint, 0, len(added))
	for _, st := range added {
		eps = append(eps, st.Endpoint())
	}
	return eps, nil
}

func (c *Coordinator) discover(ctx context.Context) ([]*workerstate.State, error) {
	dsts, err := c.destinations()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(c.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("encode discovery request: %w", err)
	}

	c.discMu.Lock()
	defer c.discMu.Unlock()
	if c.disc == nil {
		d, err := transport.NewDiscoverer(c.cfg.DiscoveryLocal)
		if err != nil {
			return nil, err
		}
		c.disc = d
	}
	replies, err := c.disc.Collect(ctx, payload, dsts, c.cfg.DiscoveryWindow)
	if err != nil && len(replies) == 0 {
		return nil, err
	}

	var found []types.Endpoint
	for _, rep := range replies {
		eps, err := decodeReply(rep)
		if err != nil {
			c.log.Warn("ignoring discovery reply", "from", rep.From, "error", err)
			continue
		}
		found = append(found, eps...)
	}
	added := c.reg.AddAll(found)
	for _, st := range added {
		c.log.Info("worker discovered", "worker", st.Endpoint())
	}
	c.log.Debug("discovery round finished", "replies", len(replies), "endpoints", len(found), "new", len(added))
	return added, nil
}

// decodeReply parses a worker's endpoint list. An empty address means the
// worker's simulation port listens on the address it answered from.
func decodeReply(rep transport.Reply) ([]types.Endpoint, error) {
	var eps []types.Endpoint
	if err := json.Unmarshal(rep.Payload, &eps); err != nil {
		return nil, fmt.Errorf("decode discovery reply: %w", err)
	}
	out := eps[:0]
	for _, ep := range eps {
		if ep.Port <= 0 || ep.Port > 65535 {
			return nil, fmt.Errorf("decode discovery reply: invalid port %d", ep.Port)
		}
		kind, err := types.ParseTransportKind(string(ep.Kind))
		if err != nil {
			return nil, fmt.Errorf("decode discovery reply: %w", err)
		}
		ep.Kind = kind
		if ep.Address == "" || isUnspecified(ep.Address) {
			ep.Address = rep.From.IP.String()
		}
		out = append(out, ep)
	}
	return out, nil
}

func isUnspecified(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsUnspecified()
}

// destinations resolves DiscoveryAddrs, defaulting to every interface broadcast address
func (c *Coordinator) destinations() ([]*net.UDPAddr, error) {
	if len(c.cfg.DiscoveryAddrs) == 0 {
		dsts := transport.BroadcastAddresses(c.cfg.DiscoveryPort)
		if len(dsts) == 0 {
			return nil, fmt.Errorf("no broadcast capable interface, configure discovery addresses")
		}
		return dsts, nil
	}
	dsts := make([]*net.UDPAddr, 0, len(c.cfg.DiscoveryAddrs))
	for _, a := range c.cfg.DiscoveryAddrs {
		if _, _, err := net.SplitHostPort(a); err != nil {
			a = net.JoinHostPort(a, strconv.Itoa(c.cfg.DiscoveryPort))
		}
		ua, err := net.ResolveUDPAddr("udp4", a)
		if err != nil {
			return nil, fmt.Errorf("resolve discovery address %q: %w", a, err)
		}
		dsts = append(dsts, ua)
	}
	return dsts, nil
}

// rediscover periodically looks for new workers and adds them to r until r ends
func (c *Coordinator) rediscover(ctx context.Context, r *run) {
	ticker := c.clock.NewTicker(c.cfg.DiscoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.finished:
			return
		case <-ticker.Chan():
		}
		added, err := c.discover(ctx)
		if err != nil {
			c.log.Debug("periodic discovery failed", "run", r.id, "error", err)
			continue
		}
		for _, st := range added {
			if !r.spawn(func() { c.loop(ctx, r, st) }) {
				return
			}
			c.log.Info("worker joined running experiment", "run", r.id, "worker", st.Endpoint())
		}
	}
}
