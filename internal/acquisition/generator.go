package acquisition

import (
	"math"
	"math/rand"
	"sync"
)

// Generator produces one value per channel for the sample taken at t seconds.
type Generator interface {
	Generate(t float64, channels []string) map[string]float64
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(t float64, channels []string) map[string]float64

func (f GeneratorFunc) Generate(t float64, channels []string) map[string]float64 {
	return f(t, channels)
}

// SyntheticGenerator simulates sensors as uniform noise in [0,5) on top of a sine whose
// frequency grows with the channel position. Values are rounded to two decimals.
type SyntheticGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSyntheticGenerator creates a generator with a deterministic seed.
func NewSyntheticGenerator(seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *SyntheticGenerator) Generate(t float64, channels []string) map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	values := make(map[string]float64, len(channels))
	for i, ch := range channels {
		v := g.rnd.Float64()*5 + math.Sin(t*float64(i+1))
		values[ch] = math.Round(v*100) / 100
	}
	return values
}
