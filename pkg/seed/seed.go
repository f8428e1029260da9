// Package seed owns the random number generators of a run.
package seed

import (
	"math/rand"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Source bundles the numeric generator used for shuffling and dither with the
// tensor generator used for weight initialisation.
type Source struct {
	seed    int64
	Numeric *rand.Rand
	Tensor  *xrand.Rand
}

// New seeds both generators with seed.
func New(seed int64) *Source {
	return &Source{
		seed:    seed,
		Numeric: rand.New(rand.NewSource(seed)),
		Tensor:  xrand.New(xrand.NewSource(uint64(seed))),
	}
}

// Seed returns the value the generators were seeded with.
func (s *Source) Seed() int64 {
	return s.seed
}

// Normal returns a normal distribution drawing from the tensor generator.
func (s *Source) Normal(mu, sigma float64) distuv.Normal {
	return distuv.Normal{Mu: mu, Sigma: sigma, Src: s.Tensor}
}

// Uniform returns a uniform distribution over [min, max) drawing from the
// tensor generator.
func (s *Source) Uniform(min, max float64) distuv.Uniform {
	return distuv.Uniform{Min: min, Max: max, Src: s.Tensor}
}

// Fork derives an independent generator for worker i so that parallel
// workers stay reproducible regardless of scheduling.
func (s *Source) Fork(i int) *rand.Rand {
	return rand.New(rand.NewSource(s.seed*1_000_003 + int64(i) + 1))
}
