package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/simfarm/internal/coordinator"
	"github.com/ChuLiYu/simfarm/internal/sim"
	"github.com/ChuLiYu/simfarm/internal/transport"
	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/stretchr/testify/require"
)

func BenchmarkThroughput(b *testing.B) {
	for _, workers := range []int{1, 4} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			c := newCoordinator(b, coordinator.Config{})
			for i := 0; i < workers; i++ {
				c.AddWorkers(startNode(b, types.TransportPlain, transport.Options{}, 100*time.Microsecond).ep)
			}
			m, err := sim.Build(modelConfig(100 * time.Microsecond))
			require.NoError(b, err)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				res, err := c.Run(ctx, coordinator.Experiment{Model: m, Replicas: 1000})
				require.NoError(b, err)
				require.Equal(b, 1000, res.Len())
			}
			b.ReportMetric(float64(b.N*1000)/b.Elapsed().Seconds(), "trajectories/s")
		})
	}
}
