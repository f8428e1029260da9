package torch

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func TestMatmulForwardBackward(t *testing.T) {
	// (2,3) @ (2,3)^T + b
	inp := []float32{1, 2, 3, 4, 5, 6}
	weight := []float32{1, 0, -1, 0.5, 0.5, 0.5}
	bias := []float32{1, -1}
	out := make([]float32, 4)
	MatmulForward(out, inp, weight, bias, 2, 3, 2)
	assert.Equal(t, []float32{-1, 2, -1, 6.5}, out)

	dout := []float32{1, 0, 0, 1}
	dinp := make([]float32, 6)
	dweight := make([]float32, 6)
	dbias := make([]float32, 2)
	MatmulBackward(dinp, dweight, dbias, dout, inp, weight, 2, 3, 2)
	assert.Equal(t, []float32{1, 0, -1, 0.5, 0.5, 0.5}, dinp)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, dweight)
	assert.Equal(t, []float32{1, 1}, dbias)
}

func TestSoftmaxAndLogSoftmax(t *testing.T) {
	logits := []float32{1, 2, 3, 0, 0, 0}
	probs := make([]float32, 6)
	logp := make([]float32, 6)
	SoftmaxForward(probs, logits, 2, 3)
	LogSoftmaxForward(logp, logits, 2, 3)
	for n := 0; n < 2; n++ {
		var sum float32
		for i := 0; i < 3; i++ {
			sum += probs[n*3+i]
			assert.InDelta(t, Log(probs[n*3+i]), logp[n*3+i], 1e-5)
		}
		assert.InDelta(t, 1, sum, 1e-6)
	}
	assert.InDelta(t, 1.0/3, probs[4], 1e-6)
}

func TestCrossEntropyIgnoresPadding(t *testing.T) {
	probs := []float32{0.5, 0.25, 0.25, 0.1, 0.1, 0.8}
	targets := []int32{1, 0}
	losses := make([]float32, 2)
	CrossEntropyForward(losses, probs, targets, 0, 2, 3)
	assert.InDelta(t, -math.Log(0.25), losses[0], 1e-6)
	assert.Equal(t, float32(0), losses[1])

	dlogits := make([]float32, 6)
	CrossentropySoftmaxBackward(dlogits, []float32{1, 1}, probs, targets, 0, 2, 3)
	assert.InDeltaSlice(t, []float32{0.5, -0.75, 0.25, 0, 0, 0}, dlogits, 1e-6)
}

func TestLayernormGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const N, C = 2, 4
	inp := randSlice(rng, N*C)
	weight := randSlice(rng, C)
	bias := randSlice(rng, C)
	dout := randSlice(rng, N*C)

	loss := func(x []float32) float64 {
		out := make([]float32, N*C)
		LayernormForward(out, make([]float32, N), make([]float32, N), x, weight, bias, N, C)
		var s float64
		for i := range out {
			s += float64(out[i] * dout[i])
		}
		return s
	}
	out := make([]float32, N*C)
	mean, rstd := make([]float32, N), make([]float32, N)
	LayernormForward(out, mean, rstd, inp, weight, bias, N, C)
	dinp := make([]float32, N*C)
	LayernormBackward(dinp, make([]float32, C), make([]float32, C), dout, inp, weight, mean, rstd, N, C)

	const h = 1e-2
	for i := range inp {
		x := append([]float32(nil), inp...)
		x[i] += h
		up := loss(x)
		x[i] -= 2 * h
		down := loss(x)
		assert.InDelta(t, (up-down)/(2*h), dinp[i], 2e-2, "input %d", i)
	}
}

func TestEmbedding(t *testing.T) {
	table := []float32{0, 0, 1, 2, 3, 4}
	out := make([]float32, 4)
	EmbeddingForward(out, []int32{2, 1}, table, 2, 2)
	assert.Equal(t, []float32{3, 4, 1, 2}, out)

	dtable := make([]float32, 6)
	EmbeddingBackward(dtable, []float32{1, 1, 2, 2}, []int32{1, 1}, 2, 2)
	assert.Equal(t, []float32{0, 0, 3, 3, 0, 0}, dtable)
}

func TestActivations(t *testing.T) {
	inp := []float32{-1, 0, 2}
	out := make([]float32, 3)
	TanhForward(out, inp, 3)
	assert.InDelta(t, math.Tanh(2), out[2], 1e-6)
	dinp := make([]float32, 3)
	TanhBackward(dinp, out, []float32{1, 1, 1}, 3)
	assert.InDelta(t, 1, dinp[1], 1e-6)

	GeluForward(out, inp, 3)
	assert.Equal(t, float32(0), out[1])
	assert.InDelta(t, 1.9546, out[2], 1e-3)

	mask := make([]float32, 3)
	DropoutForward(out, mask, inp, 0, nil, 3)
	assert.Equal(t, inp, out)
	DropoutForward(out, mask, []float32{1, 1, 1}, 0.5, rand.New(rand.NewSource(2)), 3)
	for i, m := range mask {
		assert.Contains(t, []float32{0, 2}, m)
		assert.Equal(t, m, out[i])
	}
}

func TestCTCSingleFrame(t *testing.T) {
	logits := []float32{0.1, 0.7, 0.2}
	logp := make([]float32, 3)
	LogSoftmaxForward(logp, logits, 1, 3)
	loss := CTCLoss(nil, logp, []int32{1}, 0, 1, 3, 1)
	assert.InDelta(t, -logp[1], loss, 1e-6)
}

func TestCTCInfeasible(t *testing.T) {
	logp := make([]float32, 2*3)
	LogSoftmaxForward(logp, make([]float32, 6), 2, 3)
	grad := make([]float32, 6)
	// a repeated label needs a blank in between: three frames minimum
	loss := CTCLoss(grad, logp, []int32{1, 1}, 0, 2, 3, 1)
	assert.True(t, math.IsInf(float64(loss), 1))
	assert.Equal(t, make([]float32, 6), grad)
}

func TestCTCGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const T, V = 6, 4
	labels := []int32{1, 2, 2}
	logits := randSlice(rng, T*V)

	loss := func(l []float32) float64 {
		lp := make([]float32, T*V)
		LogSoftmaxForward(lp, l, T, V)
		return float64(CTCLoss(nil, lp, labels, 0, T, V, 1))
	}
	lp := make([]float32, T*V)
	LogSoftmaxForward(lp, logits, T, V)
	grad := make([]float32, T*V)
	base := CTCLoss(grad, lp, labels, 0, T, V, 1)
	require.False(t, math.IsInf(float64(base), 0))

	const h = 1e-2
	for i := range logits {
		x := append([]float32(nil), logits...)
		x[i] += h
		up := loss(x)
		x[i] -= 2 * h
		down := loss(x)
		assert.InDelta(t, (up-down)/(2*h), grad[i], 1e-2, "logit %d", i)
	}
}

func TestAdamWMovesAgainstGradient(t *testing.T) {
	opt := &AdamW{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	params := []float32{1, 1, 1}
	opt.Update(params, []float32{1, -1, 0}, []bool{false, false, true})
	assert.InDelta(t, 0.9, params[0], 1e-5)
	assert.InDelta(t, 1.1, params[1], 1e-5)
	assert.Equal(t, float32(1), params[2])
	assert.Equal(t, 1, opt.Step)
	assert.Len(t, opt.FirstMomentEstimates, 3)
}

func TestClipGradNorm(t *testing.T) {
	g := []float32{3, 4}
	norm := ClipGradNorm(g, 1)
	assert.InDelta(t, 5, norm, 1e-6)
	assert.InDelta(t, 0.6, g[0], 1e-5)
	assert.InDelta(t, 0.8, g[1], 1e-5)

	g = []float32{0.3, 0.4}
	ClipGradNorm(g, 1)
	assert.Equal(t, []float32{0.3, 0.4}, g)
}

func TestWarmupLR(t *testing.T) {
	assert.Equal(t, float32(1), WarmupLR(1, 10, 0))
	assert.InDelta(t, 1, WarmupLR(1, 100, 100), 1e-6)
	assert.Less(t, WarmupLR(1, 10, 100), WarmupLR(1, 50, 100))
	assert.Less(t, WarmupLR(1, 400, 100), float32(1))
}
