package seed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func draw(s *Source) ([]int64, []float64) {
	ints := make([]int64, 8)
	floats := make([]float64, 8)
	n := s.Normal(0, 1)
	for i := range ints {
		ints[i] = s.Numeric.Int63()
		floats[i] = n.Rand()
	}
	return ints, floats
}

func TestSameSeedSameStreams(t *testing.T) {
	for _, seed := range []int64{0, 1, 42, -7} {
		i1, f1 := draw(New(seed))
		i2, f2 := draw(New(seed))
		assert.Equal(t, i1, i2, "numeric stream for seed %d", seed)
		assert.Equal(t, f1, f2, "tensor stream for seed %d", seed)
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	i1, f1 := draw(New(1))
	i2, f2 := draw(New(2))
	assert.NotEqual(t, i1, i2)
	assert.NotEqual(t, f1, f2)
}

func TestForkIsDeterministic(t *testing.T) {
	a, b := New(3), New(3)
	assert.Equal(t, a.Fork(2).Int63(), b.Fork(2).Int63())
	assert.NotEqual(t, a.Fork(1).Int63(), a.Fork(2).Int63())
	assert.Equal(t, int64(3), a.Seed())
}

func TestUniformRange(t *testing.T) {
	u := New(5).Uniform(-0.1, 0.1)
	for i := 0; i < 100; i++ {
		v := u.Rand()
		assert.GreaterOrEqual(t, v, -0.1)
		assert.Less(t, v, 0.1)
	}
}
