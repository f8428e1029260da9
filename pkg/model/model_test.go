package model

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/e2easr/pkg/data"
	"github.com/conneroisu/e2easr/pkg/device"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/text"
	"github.com/conneroisu/e2easr/pkg/torch"
	"github.com/conneroisu/e2easr/pkg/upstream"
)

func tinyBatch() *data.Batch {
	b := &data.Batch{B: 2, T: 6, D: 3, FeatLens: []int{6, 4}}
	b.Feats = make([]float32, b.B*b.T*b.D)
	for i := range b.Feats {
		b.Feats[i] = float32(math.Sin(float64(i) * 0.7))
	}
	b.Labels = [][]int32{{3, 4, text.EOSIdx}, {4, text.EOSIdx}}
	return b
}

func tinyASR(t *testing.T, trainable bool) *ASR {
	front := upstream.Layer{In: 3, Out: 2, W: []float32{0.3, -0.2, 0.1, 0.05, 0.4, -0.3}, B: []float32{0.1, -0.1}}
	m, err := NewASR(ASRConfig{
		InputDim: 3, Frontend: []upstream.Layer{front}, FrontendTrainable: trainable,
		Stack: 2, Hidden: 4, VocabSize: 5,
	}, nil, seed.New(3))
	require.NoError(t, err)
	return m
}

func TestASRShapes(t *testing.T) {
	m := tinyASR(t, false)
	assert.Equal(t, 3, m.OutputLen(6))
	assert.Equal(t, 2, m.OutputLen(3))
	lp := m.Forward(tinyBatch().Feats, 2, 6, nil)
	require.Len(t, lp, 2*3*5)
	for n := 0; n < 6; n++ {
		var sum float64
		for v := 0; v < 5; v++ {
			sum += math.Exp(float64(lp[n*5+v]))
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
	assert.Equal(t, []float32{0.3, -0.2, 0.1, 0.05, 0.4, -0.3}, m.Params.FrontW[0].data)
	assert.True(t, m.Frozen[0])
	assert.False(t, m.Frozen[len(m.Frozen)-1])
}

func TestASRGradientMatchesFiniteDifference(t *testing.T) {
	m := tinyASR(t, true)
	batch := tinyBatch()
	m.ZeroGradient()
	_, skipped := m.Loss(batch, nil, true)
	require.Zero(t, skipped)
	grads := append([]float32(nil), m.Gradients.Memory...)

	const h = 1e-2
	for _, i := range []int{0, 4, 7, 9, 15, 30, len(m.Params.Memory) - 1} {
		orig := m.Params.Memory[i]
		m.Params.Memory[i] = orig + h
		up, _ := m.Loss(batch, nil, false)
		m.Params.Memory[i] = orig - h
		down, _ := m.Loss(batch, nil, false)
		m.Params.Memory[i] = orig
		assert.InDelta(t, (up-down)/(2*h), grads[i], 2e-2, "param %d", i)
	}
}

func TestASRFrozenFrontendGetsNoGradient(t *testing.T) {
	m := tinyASR(t, false)
	m.ZeroGradient()
	m.Loss(tinyBatch(), nil, true)
	for i := 0; i < m.Params.frontendLen(); i++ {
		assert.Zero(t, m.Gradients.Memory[i])
	}
}

func TestASRTrainingReducesLoss(t *testing.T) {
	m := tinyASR(t, true)
	opt := &torch.AdamW{LR: 0.05, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	batch := tinyBatch()
	first, _ := m.Loss(batch, nil, false)
	for step := 0; step < 60; step++ {
		m.ZeroGradient()
		m.Loss(batch, nil, true)
		opt.Update(m.Params.Memory, m.Gradients.Memory, m.Frozen)
	}
	last, _ := m.Loss(batch, nil, false)
	assert.Less(t, last, first/2)
}

func TestASRSkipsUnalignableUtterances(t *testing.T) {
	m := tinyASR(t, false)
	batch := tinyBatch()
	batch.Labels[1] = []int32{3, 3, 3, text.EOSIdx}
	loss, skipped := m.Loss(batch, nil, true)
	assert.Equal(t, 1, skipped)
	assert.False(t, math.IsInf(float64(loss), 0))

	batch.Labels[0] = []int32{3, 3, 3, 3, text.EOSIdx}
	loss, skipped = m.Loss(batch, nil, false)
	assert.Equal(t, 2, skipped)
	assert.True(t, math.IsInf(float64(loss), 1))
}

func TestNewASRRejectsBadConfig(t *testing.T) {
	_, err := NewASR(ASRConfig{InputDim: 3, Stack: 0, Hidden: 4, VocabSize: 5}, nil, nil)
	assert.Error(t, err)
	_, err = NewASR(ASRConfig{InputDim: 3, Stack: 1, Hidden: 4, VocabSize: 5, Frontend: []upstream.Layer{{In: 2, Out: 2}}}, nil, nil)
	assert.Error(t, err)
}

func tinyLM(t *testing.T, tying bool) *LM {
	m, err := NewLM(LMConfig{VocabSize: 6, EmbDim: 4, Hidden: 4, NLayers: 2, Tying: tying}, nil, seed.New(5))
	require.NoError(t, err)
	return m
}

func TestLMGradientMatchesFiniteDifference(t *testing.T) {
	for _, tying := range []bool{false, true} {
		m := tinyLM(t, tying)
		inputs := []int32{3, 4, 5, 1, 4, 3}
		targets := []int32{4, 5, 1, 0, 3, 5}
		m.ZeroGradient()
		m.Forward(inputs, targets, 2, 3, nil)
		require.NoError(t, m.Backward())
		grads := append([]float32(nil), m.Gradients.Memory...)

		const h = 1e-2
		for _, i := range []int{3 * 4, 5*4 + 1, 30, 50, 70, len(m.Params.Memory) - 2} {
			orig := m.Params.Memory[i]
			m.Params.Memory[i] = orig + h
			up := m.Forward(inputs, targets, 2, 3, nil)
			m.Params.Memory[i] = orig - h
			down := m.Forward(inputs, targets, 2, 3, nil)
			m.Params.Memory[i] = orig
			assert.InDelta(t, (up-down)/(2*h), grads[i], 1e-2, "tying %v param %d", tying, i)
		}
	}
}

func TestLMBackwardBeforeForward(t *testing.T) {
	assert.Error(t, tinyLM(t, false).Backward())
}

func TestLMScoreMatchesForward(t *testing.T) {
	m := tinyLM(t, false)
	inputs := []int32{3, 4, 5}
	targets := []int32{4, 5, 1}
	loss := m.Forward(inputs, targets, 1, 3, nil)

	state := m.InitState()
	var total float64
	for i, tok := range inputs {
		var lp []float32
		lp, state = m.Score(state, tok)
		total -= float64(lp[targets[i]])
	}
	assert.InDelta(t, loss, total/3, 1e-4)
	assert.InDelta(t, math.Exp(float64(loss)), Perplexity(loss), 1e-4)
}

func TestLMTrainingReducesLoss(t *testing.T) {
	m := tinyLM(t, true)
	opt := &torch.AdamW{LR: 0.02, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	inputs := []int32{3, 4, 5, 3, 4, 5, 3, 4}
	targets := []int32{4, 5, 3, 4, 5, 3, 4, 5}
	first := m.Forward(inputs, targets, 2, 4, nil)
	for step := 0; step < 100; step++ {
		m.ZeroGradient()
		m.Forward(inputs, targets, 2, 4, nil)
		require.NoError(t, m.Backward())
		opt.Update(m.Params.Memory, m.Gradients.Memory, nil)
	}
	assert.Less(t, m.Forward(inputs, targets, 2, 4, nil), first/2)
}

func TestNewLMRejectsBadTying(t *testing.T) {
	_, err := NewLM(LMConfig{VocabSize: 6, EmbDim: 3, Hidden: 4, NLayers: 1, Tying: true}, nil, nil)
	assert.Error(t, err)
}

func TestParamsComeFromReservedArena(t *testing.T) {
	dev := device.Select(false, 0)
	dev.Reserve(4e-6)
	m, err := NewLM(LMConfig{VocabSize: 6, EmbDim: 4, Hidden: 4, NLayers: 1}, dev, nil)
	require.NoError(t, err)
	_, used := dev.Reserved()
	assert.Equal(t, m.Params.Len()+m.Gradients.Len(), used)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := tinyASR(t, true)
	opt := &torch.AdamW{LR: 0.01, Beta1: 0.9, Beta2: 0.999}
	m.Loss(tinyBatch(), nil, true)
	opt.Update(m.Params.Memory, m.Gradients.Memory, m.Frozen)
	path := filepath.Join(t.TempDir(), "exp", "latest.ckpt")
	require.NoError(t, Save(path, m.Checkpoint(12, 0.25, true, opt)))

	ck, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, KindASR, ck.Kind)
	assert.True(t, ck.Distributed)
	assert.Equal(t, 12, ck.Step)
	assert.Equal(t, float32(0.25), ck.Metric)
	require.NotNil(t, ck.Optimizer)
	assert.Equal(t, 1, ck.Optimizer.Step)
	assert.Equal(t, opt.SecondMomentEstimates, ck.Optimizer.SecondMomentEstimates)

	cfg, err := ASRConfigFromDims(ck.Dims)
	require.NoError(t, err)
	restored, err := NewASR(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ck))
	assert.Equal(t, m.Params.Memory, restored.Params.Memory)

	ck, err = Load(path, false)
	require.NoError(t, err)
	assert.Nil(t, ck.Optimizer)

	lm := tinyLM(t, false)
	assert.ErrorContains(t, lm.Restore(ck), "holds a asr model")
}

func TestCheckpointLM(t *testing.T) {
	m := tinyLM(t, true)
	path := filepath.Join(t.TempDir(), "best_ppx.ckpt")
	require.NoError(t, Save(path, m.Checkpoint(3, 9.5, false, nil)))
	ck, err := Load(path, true)
	require.NoError(t, err)
	assert.Nil(t, ck.Optimizer)
	cfg, err := LMConfigFromDims(ck.Dims)
	require.NoError(t, err)
	assert.True(t, cfg.Tying)
	other, err := NewLM(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, other.Restore(ck))
	assert.Equal(t, m.Params.Memory, other.Params.Memory)

	_, err = ASRConfigFromDims(ck.Dims[:2])
	assert.Error(t, err)
}

func TestCheckDistributed(t *testing.T) {
	ddp := &Checkpoint{Distributed: true}
	plain := &Checkpoint{}
	assert.True(t, errors.Is(ddp.CheckDistributed(false, false, false), ErrDistributedMismatch))
	assert.NoError(t, ddp.CheckDistributed(false, true, false))
	assert.NoError(t, ddp.CheckDistributed(true, false, false))
	assert.True(t, errors.Is(plain.CheckDistributed(true, false, false), ErrDistributedMismatch))
	assert.NoError(t, plain.CheckDistributed(true, false, true))
	assert.NoError(t, plain.CheckDistributed(false, false, false))
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ckpt"), true)
	assert.Error(t, err)
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	lm := tinyLM(t, false)
	ck := lm.Checkpoint(0, 0, false, nil)
	require.NoError(t, Save(path, ck))
	ck2, err := Load(path, true)
	require.NoError(t, err)
	ck2.Params = ck2.Params[:3]
	assert.Error(t, lm.Restore(ck2))
}

func TestLoadRejectsOversizedParamCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.ckpt")
	require.NoError(t, Save(path, tinyLM(t, false).Checkpoint(0, 0, false, nil)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[hdrNumParams*4:], math.MaxInt32)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Load(path, true)
	assert.ErrorContains(t, err, "parameters")
}
