package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// PopulationWidth is the state width of BirthDeath: one big endian int32
const PopulationWidth = 4

// ErrReplicaFailed is the injected failure of a BirthDeath replica
var ErrReplicaFailed = errors.New("sim: replica failed")

// BirthDeath is a linear birth/death process sampled with Gillespie's direct method
type BirthDeath struct {
	name        string
	initial     int32
	birth       float64 // per individual
	death       float64 // per individual
	deadline    float64
	samples     int
	failureRate float64
	delay       time.Duration
}

func NewBirthDeath(cfg ModelConfig) (*BirthDeath, error) {
	if cfg.Name == "" {
		cfg.Name = "birth_death"
	}
	if cfg.Samples == 0 {
		cfg.Samples = 10
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 10
	}
	switch {
	case cfg.Initial < 0 || cfg.Initial > math.MaxInt32:
		return nil, fmt.Errorf("sim: initial population %d out of range", cfg.Initial)
	case cfg.Birth < 0 || cfg.Death < 0:
		return nil, errors.New("sim: rates must be non-negative")
	case cfg.Deadline < 0:
		return nil, errors.New("sim: deadline must be non-negative")
	case cfg.Samples < 1:
		return nil, errors.New("sim: samples must be positive")
	case cfg.FailureRate < 0 || cfg.FailureRate > 1:
		return nil, errors.New("sim: failure_rate must be within [0,1]")
	}
	return &BirthDeath{
		name:        cfg.Name,
		initial:     int32(cfg.Initial),
		birth:       cfg.Birth,
		death:       cfg.Death,
		deadline:    cfg.Deadline,
		samples:     cfg.Samples,
		failureRate: cfg.FailureRate,
		delay:       cfg.Delay,
	}, nil
}

func (m *BirthDeath) Name() string { return m.name }

func (m *BirthDeath) StateWidth() int { return PopulationWidth }

func (m *BirthDeath) Horizon() (start, end float64) { return 0, m.deadline }

// RunReplica simulates one path on [0, deadline] and samples it at evenly spaced times
func (m *BirthDeath) RunReplica(rng *rand.Rand) (types.Trajectory, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	start, end := m.Horizon()
	tr := types.Trajectory{Start: start, End: end}
	if m.failureRate > 0 && rng.Float64() < m.failureRate {
		return tr, ErrReplicaFailed
	}

	pop := m.initial
	now := 0.0
	step := 0.0
	if m.samples > 1 {
		step = m.deadline / float64(m.samples-1)
	}
	tr.Samples = make([]types.Sample, 0, m.samples)
	for i := 0; i < m.samples; i++ {
		at := step * float64(i)
		for {
			rate := (m.birth + m.death) * float64(pop)
			if rate == 0 {
				now = math.Inf(1)
				break
			}
			next := now + rng.ExpFloat64()/rate
			if next > at {
				// memoryless: the pending event is redrawn from the new sample time
				now = at
				break
			}
			now = next
			if rng.Float64()*(m.birth+m.death) < m.birth {
				if pop < math.MaxInt32 {
					pop++
				}
			} else {
				pop--
			}
		}
		tr.Samples = append(tr.Samples, types.Sample{Time: at, State: EncodePopulation(pop)})
	}
	tr.Successful = true
	return tr, nil
}

func EncodePopulation(n int32) []byte {
	b := make([]byte, PopulationWidth)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func DecodePopulation(b []byte) int32 {
	if len(b) != PopulationWidth {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}
