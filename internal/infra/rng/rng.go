// Package rng implements the domain.Random source on math/rand/v2.
// A fixed seed yields a fully deterministic draw sequence, which the
// simulator tests depend on.
package rng

import (
	"math/rand/v2"

	"github.com/hydrotwin/hydrotwin/internal/domain"
)

// truncAttempts bounds rejection sampling before falling back to clamping.
const truncAttempts = 64

// Source implements domain.Random.
type Source struct {
	r *rand.Rand
}

// New returns a Source seeded from the OS entropy pool.
func New() *Source {
	return &Source{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a deterministic Source for the given seed.
func NewSeeded(seed uint64) *Source {
	return &Source{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Uniform returns a draw from U[lo, hi).
func (s *Source) Uniform(lo, hi float64) float64 {
	return lo + s.r.Float64()*(hi-lo)
}

// Gaussian returns a draw from N(mean, std).
func (s *Source) Gaussian(mean, std float64) float64 {
	return mean + s.r.NormFloat64()*std
}

// TruncNormal returns a draw from N(mean, std) truncated to [lo, hi].
// Degenerate inputs (std <= 0) return mean clamped to the bounds. Draws
// are rejection-sampled; after truncAttempts misses the last draw is
// clamped so the bound always holds.
func (s *Source) TruncNormal(mean, std, lo, hi float64) float64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	if std <= 0 {
		return clamp(mean, lo, hi)
	}

	var v float64
	for i := 0; i < truncAttempts; i++ {
		v = s.Gaussian(mean, std)
		if v >= lo && v <= hi {
			return v
		}
	}
	return clamp(v, lo, hi)
}

// Sample returns k items drawn uniformly without replacement via a partial
// Fisher-Yates shuffle. k >= len(items) returns a copy of all items.
func (s *Source) Sample(items []string, k int) []string {
	if k <= 0 {
		return nil
	}
	pool := make([]string, len(items))
	copy(pool, items)
	if k >= len(pool) {
		return pool
	}

	for i := 0; i < k; i++ {
		j := i + s.r.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ domain.Random = (*Source)(nil)
