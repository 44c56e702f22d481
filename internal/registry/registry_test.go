package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/simfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDeduplicates(t *testing.T) {
	r := New()
	a := types.Endpoint{Address: "10.0.0.1", Port: 1, Kind: types.TransportPlain}
	b := types.Endpoint{Address: "10.0.0.1", Port: 1, Kind: types.TransportSecure}

	s1, added := r.Add(a)
	require.True(t, added)
	s2, added := r.Add(b)
	assert.False(t, added)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.Len())

	_, added = r.Add(types.Endpoint{Address: "10.0.0.1", Port: 2})
	assert.True(t, added)
	assert.Equal(t, 2, r.Len())
}

func TestAddAllAndActive(t *testing.T) {
	r := New()
	eps := []types.Endpoint{
		{Address: "a", Port: 1},
		{Address: "b", Port: 1},
		{Address: "a", Port: 1},
	}
	added := r.AddAll(eps)
	assert.Len(t, added, 2)

	added[0].Remove()
	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Endpoint().Address)
	assert.Len(t, r.All(), 2)
}

func TestConcurrentAdd(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Add(types.Endpoint{Address: fmt.Sprintf("10.0.0.%d", i), Port: 9000})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
	assert.Len(t, r.Snapshots(), 50)
}
