// Package sim holds the simulation collaborators the farm executes: the
// Model contract, a name indexed Catalog, and a demo birth/death model.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// Model runs independent replicas of one stochastic model.
// StateWidth is the fixed byte width of every sample state it emits.
type Model interface {
	Name() string
	StateWidth() int
	RunReplica(rng *rand.Rand) (types.Trajectory, error)
}

// Horizon is implemented by models with a fixed simulated time window. The
// worker uses it to label replicas that died before returning a trajectory.
type Horizon interface {
	Horizon() (start, end float64)
}

var ErrUnknownModel = errors.New("sim: unknown model")

// Catalog indexes models by name; a worker only runs models it knows
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
}

func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{models: make(map[string]Model)}
	for _, m := range models {
		c.Register(m)
	}
	return c
}

// Register adds or replaces m
func (c *Catalog) Register(m Model) {
	c.mu.Lock()
	c.models[m.Name()] = m
	c.mu.Unlock()
}

func (c *Catalog) Lookup(name string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for n := range c.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ModelConfig describes a model in YAML configuration
type ModelConfig struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"` // birth_death
	Initial     int           `yaml:"initial"`
	Birth       float64       `yaml:"birth"`
	Death       float64       `yaml:"death"`
	Deadline    float64       `yaml:"deadline"`
	Samples     int           `yaml:"samples"`
	FailureRate float64       `yaml:"failure_rate"`
	Delay       time.Duration `yaml:"delay"`
}

// Build constructs the model described by cfg
func Build(cfg ModelConfig) (Model, error) {
	switch cfg.Kind {
	case "", "birth_death":
		return NewBirthDeath(cfg)
	}
	return nil, fmt.Errorf("sim: unknown model kind %q", cfg.Kind)
}
