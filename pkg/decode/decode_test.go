package decode

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/e2easr/pkg/text"
)

// frames builds (T, V) log probabilities from per frame probability rows.
func frames(rows ...[]float64) ([]float32, int, int) {
	V := len(rows[0])
	out := make([]float32, 0, len(rows)*V)
	for _, r := range rows {
		for _, p := range r {
			out = append(out, float32(math.Log(p)))
		}
	}
	return out, len(rows), V
}

func TestGreedyCollapses(t *testing.T) {
	// vocab: 0 blank, 1 eos, 2 unk, 3 a, 4 b
	lp, T, V := frames(
		[]float64{0.1, 0.05, 0.05, 0.7, 0.1},
		[]float64{0.1, 0.05, 0.05, 0.7, 0.1},
		[]float64{0.7, 0.05, 0.05, 0.1, 0.1},
		[]float64{0.1, 0.05, 0.05, 0.7, 0.1},
		[]float64{0.1, 0.05, 0.05, 0.1, 0.7},
		[]float64{0.1, 0.6, 0.1, 0.1, 0.1},
	)
	assert.Equal(t, []int32{3, 3, 4}, Greedy(lp, T, V))
}

func TestBeamPrefersMergedPaths(t *testing.T) {
	// greedy reads blank,blank but "a" collects more mass across paths
	lp, T, V := frames(
		[]float64{0.6, 0.0001, 0.0001, 0.3998},
		[]float64{0.6, 0.0001, 0.0001, 0.3998},
	)
	assert.Empty(t, Greedy(lp, T, V))
	hyps := Beam[struct{}](lp, T, V, Options{BeamSize: 4}, nil)
	require.NotEmpty(t, hyps)
	assert.Equal(t, []int32{3}, hyps[0].Tokens)
	// p(a) = 0.4*0.4 + 0.4*0.6 + 0.6*0.4
	assert.InDelta(t, math.Log(0.3998*0.3998+2*0.3998*0.6), hyps[0].CTC, 1e-3)
	assert.InDelta(t, math.Log(0.36), hyps[1].CTC, 1e-3)
}

func TestBeamSizeOneMatchesGreedyOnPeakedInput(t *testing.T) {
	lp, T, V := frames(
		[]float64{0.02, 0.01, 0.01, 0.9, 0.06},
		[]float64{0.9, 0.01, 0.01, 0.02, 0.06},
		[]float64{0.02, 0.01, 0.01, 0.06, 0.9},
	)
	hyps := Beam[struct{}](lp, T, V, Options{BeamSize: 1}, nil)
	require.Len(t, hyps, 1)
	assert.Equal(t, Greedy(lp, T, V), hyps[0].Tokens)
}

// bigram prefers b after a.
type bigram struct{ calls int }

func (b *bigram) InitState() int32 { return -1 }

func (b *bigram) Score(_ int32, token int32) ([]float32, int32) {
	b.calls++
	probs := []float64{1e-6, 0.1, 1e-6, 0.45, 0.45}
	if token == 3 {
		probs = []float64{1e-6, 0.01, 1e-6, 0.01, 0.98}
	}
	out := make([]float32, len(probs))
	for i, p := range probs {
		out[i] = float32(math.Log(p))
	}
	return out, token
}

func TestBeamShallowFusion(t *testing.T) {
	// acoustics slightly prefer "aa" over "ab"
	lp, T, V := frames(
		[]float64{0.01, 0.01, 0.01, 0.96, 0.01},
		[]float64{0.9, 0.01, 0.01, 0.04, 0.04},
		[]float64{0.01, 0.01, 0.01, 0.5, 0.47},
	)
	plain := Beam[struct{}](lp, T, V, Options{BeamSize: 3}, nil)
	assert.Equal(t, []int32{3, 3}, plain[0].Tokens)

	lm := &bigram{}
	fused := Beam[int32](lp, T, V, Options{BeamSize: 3, LMWeight: 1}, lm)
	assert.Equal(t, []int32{3, 4}, fused[0].Tokens)
	assert.Greater(t, lm.calls, 0)
	assert.InDelta(t, fused[0].CTC+fused[0].LM, fused[0].Score, 1e-9)

	lm.calls = 0
	Beam[int32](lp, T, V, Options{BeamSize: 3}, lm)
	assert.Zero(t, lm.calls, "zero weight disables the lm")
}

func TestBeamSkipsEOS(t *testing.T) {
	lp, T, V := frames([]float64{0.1, 0.8, 0.05, 0.05})
	hyps := Beam[struct{}](lp, T, V, Options{BeamSize: 2}, nil)
	for _, h := range hyps {
		assert.NotContains(t, h.Tokens, text.EOSIdx)
	}
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, EditDistance([]string{"a", "b"}, []string{"a", "b"}))
	assert.Equal(t, 1, EditDistance([]string{"a", "b"}, []string{"a"}))
	assert.Equal(t, 2, EditDistance([]string{}, []string{"a", "b"}))
	assert.Equal(t, 3, EditDistance([]rune("kitten"), []rune("sitting")))
}

func TestScore(t *testing.T) {
	var s Score
	s.Add("the cat sat", "the cat sat")
	assert.Zero(t, s.WER.Rate())
	assert.Zero(t, s.CER.Rate())

	s.Add("a dog", "a dig")
	assert.Equal(t, ErrorRate{Errors: 1, Total: 5}, s.WER)
	assert.Equal(t, ErrorRate{Errors: 1, Total: 13}, s.CER)

	var total ErrorRate
	total.Merge(s.WER)
	total.Merge(ErrorRate{Errors: 1, Total: 5})
	assert.InDelta(t, 0.2, total.Rate(), 1e-9)
	assert.Zero(t, ErrorRate{}.Rate())
}

func TestParallel(t *testing.T) {
	var sum atomic.Int64
	require.NoError(t, Parallel(context.Background(), 100, 4, func(i int) { sum.Add(int64(i)) }))
	assert.Equal(t, int64(4950), sum.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Parallel(ctx, 100, 2, func(int) {}), context.Canceled)
}
