package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/conneroisu/e2easr/pkg/data"
	"github.com/conneroisu/e2easr/pkg/device"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/text"
	"github.com/conneroisu/e2easr/pkg/torch"
	"github.com/conneroisu/e2easr/pkg/upstream"
)

// ASRConfig is the architecture of the acoustic model.
type ASRConfig struct {
	// InputDim is the dimension of the features handed to Forward.
	InputDim int
	// Frontend are pretrained tanh projections applied to every frame
	// before stacking.
	Frontend []upstream.Layer
	// FrontendTrainable fine-tunes Frontend with the rest of the model.
	FrontendTrainable bool
	// Stack is the number of consecutive frames merged into one encoder step.
	Stack int
	// Hidden is the encoder dimension.
	Hidden int
	// VocabSize includes the blank at text.PadIdx.
	VocabSize int
	Dropout   float32
}

func (c ASRConfig) frameDim() int {
	if n := len(c.Frontend); n > 0 {
		return c.Frontend[n-1].Out
	}
	return c.InputDim
}

func (c ASRConfig) validate() error {
	if c.InputDim < 1 || c.Stack < 1 || c.Hidden < 1 || c.VocabSize < 2 {
		return fmt.Errorf("invalid asr config: input %d, stack %d, hidden %d, vocab %d", c.InputDim, c.Stack, c.Hidden, c.VocabSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be within [0, 1), got %g", c.Dropout)
	}
	in := c.InputDim
	for i, l := range c.Frontend {
		if l.In != in {
			return fmt.Errorf("frontend layer %d expects %d inputs, got %d", i, l.In, in)
		}
		in = l.Out
	}
	return nil
}

// ASRParams are the parameters of the acoustic model.
type ASRParams struct {
	Memory []float32
	FrontW []tensor // (Out_l, In_l) - Pretrained frontend projections.
	FrontB []tensor // (Out_l)
	InW    tensor   // (H, S*F) - Projection of S stacked frames of F features.
	InB    tensor   // (H)
	LnW    tensor   // (H) - Encoder layer normalization weights.
	LnB    tensor   // (H)
	OutW   tensor   // (V, H) - Output projection onto the vocabulary.
	OutB   tensor   // (V)
}

// Init lays the parameters out in one buffer allocated on dev.
func (p *ASRParams) Init(cfg ASRConfig, dev *device.Device) {
	var l layout
	p.FrontW = make([]tensor, len(cfg.Frontend))
	p.FrontB = make([]tensor, len(cfg.Frontend))
	for i, f := range cfg.Frontend {
		l.add(&p.FrontW[i], f.Out, f.In)
		l.add(&p.FrontB[i], f.Out)
	}
	l.add(&p.InW, cfg.Hidden, cfg.Stack*cfg.frameDim())
	l.add(&p.InB, cfg.Hidden)
	l.add(&p.LnW, cfg.Hidden)
	l.add(&p.LnB, cfg.Hidden)
	l.add(&p.OutW, cfg.VocabSize, cfg.Hidden)
	l.add(&p.OutB, cfg.VocabSize)
	p.Memory = l.carve(dev)
}

// Len returns the length of the memory slice.
func (p *ASRParams) Len() int {
	return len(p.Memory)
}

// frontendLen is the number of leading parameters owned by the frontend.
func (p *ASRParams) frontendLen() int {
	n := 0
	for i := range p.FrontW {
		n += p.FrontW[i].Len() + p.FrontB[i].Len()
	}
	return n
}

type asrActivations struct {
	B, T, TOut int
	input      []float32   // (B, T, D)
	front      [][]float32 // (B, T, Out_l)
	stacked    []float32   // (B, T', S*F)
	hidden     []float32   // (B, T', H)
	norm       []float32   // (B, T', H)
	normMean   []float32   // (B, T')
	normRstd   []float32   // (B, T')
	gelu       []float32   // (B, T', H)
	dropMask   []float32   // (B, T', H)
	dropped    []float32   // (B, T', H)
	logits     []float32   // (B, T', V)
	logProbs   []float32   // (B, T', V)
}

// ASR is a CTC acoustic model: optional pretrained frontend, frame stacking,
// Linear, LayerNorm, GELU, dropout and a vocabulary projection.
type ASR struct {
	Config    ASRConfig
	Params    ASRParams
	Gradients ASRParams
	// Frozen marks parameters the optimizer must not touch.
	Frozen []bool
	acts   asrActivations
}

// NewASR builds a freshly initialised acoustic model. Frontend weights are
// copied from cfg.Frontend.
func NewASR(cfg ASRConfig, dev *device.Device, src *seed.Source) (*ASR, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &ASR{Config: cfg}
	m.Params.Init(cfg, dev)
	m.Gradients.Init(cfg, dev)
	for i, f := range cfg.Frontend {
		copy(m.Params.FrontW[i].data, f.W)
		copy(m.Params.FrontB[i].data, f.B)
	}
	inBound := 1 / math.Sqrt(float64(m.Params.InW.dims[1]))
	outBound := 1 / math.Sqrt(float64(cfg.Hidden))
	if src != nil {
		in, out := src.Uniform(-inBound, inBound), src.Uniform(-outBound, outBound)
		initWith(m.Params.InW, in.Rand)
		initWith(m.Params.InB, in.Rand)
		initWith(m.Params.OutW, out.Rand)
		initWith(m.Params.OutB, out.Rand)
	}
	fill(m.Params.LnW, 1)
	m.Frozen = make([]bool, m.Params.Len())
	if !cfg.FrontendTrainable {
		for i := 0; i < m.Params.frontendLen(); i++ {
			m.Frozen[i] = true
		}
	}
	return m, nil
}

// OutputLen is the number of encoder steps produced for n input frames.
func (m *ASR) OutputLen(n int) int {
	return (n + m.Config.Stack - 1) / m.Config.Stack
}

// ZeroGradient clears the accumulated gradients.
func (m *ASR) ZeroGradient() {
	zero(m.Gradients.Memory)
}

// Forward computes per step log probabilities (B, T', V) for features
// (B, T, D). Dropout is active only when rng is non-nil.
func (m *ASR) Forward(feats []float32, B, T int, rng *rand.Rand) []float32 {
	cfg := m.Config
	S, H, V, F := cfg.Stack, cfg.Hidden, cfg.VocabSize, cfg.frameDim()
	TOut := m.OutputLen(T)
	N := B * TOut
	a := &m.acts
	a.B, a.T, a.TOut = B, T, TOut
	a.input = feats

	x, in := feats, cfg.InputDim
	if len(a.front) != len(cfg.Frontend) {
		a.front = make([][]float32, len(cfg.Frontend))
	}
	for l := range cfg.Frontend {
		out := cfg.Frontend[l].Out
		a.front[l] = grow(a.front[l], B*T*out)
		torch.MatmulForward(a.front[l], x, m.Params.FrontW[l].data, m.Params.FrontB[l].data, B*T, in, out)
		torch.TanhForward(a.front[l], a.front[l], B*T*out)
		x, in = a.front[l], out
	}

	a.stacked = grow(a.stacked, N*S*F)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := a.stacked[(b*TOut+t/S)*S*F+(t%S)*F:]
			copy(dst[:F], x[(b*T+t)*F:(b*T+t+1)*F])
		}
	}

	a.hidden = grow(a.hidden, N*H)
	a.norm = grow(a.norm, N*H)
	a.normMean = grow(a.normMean, N)
	a.normRstd = grow(a.normRstd, N)
	a.gelu = grow(a.gelu, N*H)
	a.dropMask = grow(a.dropMask, N*H)
	a.dropped = grow(a.dropped, N*H)
	a.logits = grow(a.logits, N*V)
	a.logProbs = grow(a.logProbs, N*V)

	torch.MatmulForward(a.hidden, a.stacked, m.Params.InW.data, m.Params.InB.data, N, S*F, H)
	torch.LayernormForward(a.norm, a.normMean, a.normRstd, a.hidden, m.Params.LnW.data, m.Params.LnB.data, N, H)
	torch.GeluForward(a.gelu, a.norm, N*H)
	torch.DropoutForward(a.dropped, a.dropMask, a.gelu, cfg.Dropout, rng, N*H)
	torch.MatmulForward(a.logits, a.dropped, m.Params.OutW.data, m.Params.OutB.data, N, H, V)
	torch.LogSoftmaxForward(a.logProbs, a.logits, N, V)
	return a.logProbs
}

// Backward accumulates parameter gradients given the gradient of the loss
// with respect to the logits of the last Forward.
func (m *ASR) Backward(dlogits []float32) {
	cfg := m.Config
	a := &m.acts
	S, H, V, F := cfg.Stack, cfg.Hidden, cfg.VocabSize, cfg.frameDim()
	B, T, TOut := a.B, a.T, a.TOut
	N := B * TOut
	g := &m.Gradients

	ddropped := make([]float32, N*H)
	torch.MatmulBackward(ddropped, g.OutW.data, g.OutB.data, dlogits, a.dropped, m.Params.OutW.data, N, H, V)
	dgelu := make([]float32, N*H)
	torch.DropoutBackward(dgelu, a.dropMask, ddropped, N*H)
	dnorm := make([]float32, N*H)
	torch.GeluBackward(dnorm, a.norm, dgelu, N*H)
	dhidden := make([]float32, N*H)
	torch.LayernormBackward(dhidden, g.LnW.data, g.LnB.data, dnorm, a.hidden, m.Params.LnW.data, a.normMean, a.normRstd, N, H)

	trainFront := cfg.FrontendTrainable && len(cfg.Frontend) > 0
	var dstacked []float32
	if trainFront {
		dstacked = make([]float32, N*S*F)
	}
	torch.MatmulBackward(dstacked, g.InW.data, g.InB.data, dhidden, a.stacked, m.Params.InW.data, N, S*F, H)
	if !trainFront {
		return
	}

	dx := make([]float32, B*T*F)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			src := dstacked[(b*TOut+t/S)*S*F+(t%S)*F:]
			copy(dx[(b*T+t)*F:(b*T+t+1)*F], src[:F])
		}
	}
	for l := len(cfg.Frontend) - 1; l >= 0; l-- {
		layer := cfg.Frontend[l]
		dpre := make([]float32, B*T*layer.Out)
		torch.TanhBackward(dpre, a.front[l], dx, B*T*layer.Out)
		input := a.input
		if l > 0 {
			input = a.front[l-1]
		}
		var dinput []float32
		if l > 0 {
			dinput = make([]float32, B*T*layer.In)
		}
		torch.MatmulBackward(dinput, g.FrontW[l].data, g.FrontB[l].data, dpre, input, m.Params.FrontW[l].data, B*T, layer.In, layer.Out)
		dx = dinput
	}
}

// ctcTargets drops the end of sentence and padding tokens CTC cannot emit.
func ctcTargets(labels []int32) []int32 {
	out := make([]int32, 0, len(labels))
	for _, l := range labels {
		if l != text.EOSIdx && l != text.PadIdx {
			out = append(out, l)
		}
	}
	return out
}

// Loss runs Forward on batch, computes the mean CTC loss over utterances
// whose labels fit their output length and accumulates its gradient.
// Utterances that cannot be aligned are skipped and counted.
func (m *ASR) Loss(batch *data.Batch, rng *rand.Rand, backward bool) (loss float32, skipped int) {
	logProbs := m.Forward(batch.Feats, batch.B, batch.T, rng)
	V, TOut := m.Config.VocabSize, m.acts.TOut
	var dlogits []float32
	if backward {
		dlogits = make([]float32, len(logProbs))
	}
	var total float64
	valid := 0
	for b := 0; b < batch.B; b++ {
		outLen := m.OutputLen(batch.FeatLens[b])
		lp := logProbs[b*TOut*V : (b*TOut+outLen)*V]
		var grad []float32
		if backward {
			grad = dlogits[b*TOut*V : (b*TOut+outLen)*V]
		}
		l := torch.CTCLoss(grad, lp, ctcTargets(batch.Labels[b]), text.PadIdx, outLen, V, 1)
		if math.IsInf(float64(l), 1) {
			skipped++
			continue
		}
		total += float64(l)
		valid++
	}
	if valid == 0 {
		return float32(math.Inf(1)), skipped
	}
	if backward {
		scale := 1 / float32(valid)
		for i := range dlogits {
			dlogits[i] *= scale
		}
		m.Backward(dlogits)
	}
	return float32(total / float64(valid)), skipped
}

// Dims are the architecture fields stored in a checkpoint header.
func (m *ASR) Dims() []int32 {
	cfg := m.Config
	dims := []int32{int32(cfg.InputDim), int32(cfg.Stack), int32(cfg.Hidden), int32(cfg.VocabSize), int32(len(cfg.Frontend))}
	for _, f := range cfg.Frontend {
		dims = append(dims, int32(f.Out))
	}
	return dims
}

// ASRConfigFromDims rebuilds the architecture recorded by Dims. Frontend
// weights are left empty; they are restored with the rest of the parameters.
func ASRConfigFromDims(dims []int32) (ASRConfig, error) {
	if len(dims) < 5 || len(dims) < 5+int(dims[4]) {
		return ASRConfig{}, fmt.Errorf("checkpoint does not describe an acoustic model")
	}
	cfg := ASRConfig{InputDim: int(dims[0]), Stack: int(dims[1]), Hidden: int(dims[2]), VocabSize: int(dims[3])}
	in := cfg.InputDim
	for i := 0; i < int(dims[4]); i++ {
		out := int(dims[5+i])
		cfg.Frontend = append(cfg.Frontend, upstream.Layer{In: in, Out: out})
		in = out
	}
	return cfg, cfg.validate()
}
