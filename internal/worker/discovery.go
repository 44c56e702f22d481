package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Announcer answers coordinator discovery broadcasts with this node's
// simulation endpoints and remembers the coordinators that asked.
type Announcer struct {
	endpoints []types.Endpoint

	mu      sync.Mutex
	masters map[string]types.Endpoint
}

func NewAnnouncer(endpoints ...types.Endpoint) *Announcer {
	return &Announcer{endpoints: endpoints, masters: make(map[string]types.Endpoint)}
}

// Handle decodes the coordinator's endpoint and replies with ours
func (a *Announcer) Handle(from *net.UDPAddr, payload []byte) ([]byte, error) {
	var master types.Endpoint
	if err := json.Unmarshal(payload, &master); err != nil {
		return nil, fmt.Errorf("decode discovery request: %w", err)
	}
	if master.Address == "" {
		master.Address = from.IP.String()
	}
	a.mu.Lock()
	if _, seen := a.masters[master.Key()]; !seen {
		slog.Info("discovered by master", "component", "announcer", "master", master)
	}
	a.masters[master.Key()] = master
	a.mu.Unlock()
	return json.Marshal(a.endpoints)
}

// Masters lists every coordinator seen so far
func (a *Announcer) Masters() []types.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Endpoint, 0, len(a.masters))
	for _, m := range a.masters {
		out = append(out, m)
	}
	return out
}

// Serve answers requests on r until ctx is cancelled
func (a *Announcer) Serve(ctx context.Context, r *transport.Responder) error {
	return r.Serve(ctx, a.Handle)
}
