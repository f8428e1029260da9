package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/conneroisu/e2easr/pkg/device"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/text"
	"github.com/conneroisu/e2easr/pkg/torch"
)

// LMConfig is the architecture of the RNN language model.
type LMConfig struct {
	VocabSize int
	EmbDim    int
	Hidden    int
	NLayers   int
	Dropout   float32
	// Tying shares the embedding table with the output projection.
	Tying bool
}

func (c LMConfig) validate() error {
	if c.VocabSize < 2 || c.EmbDim < 1 || c.Hidden < 1 || c.NLayers < 1 {
		return fmt.Errorf("invalid lm config: vocab %d, emb %d, hidden %d, layers %d", c.VocabSize, c.EmbDim, c.Hidden, c.NLayers)
	}
	if c.Tying && c.EmbDim != c.Hidden {
		return fmt.Errorf("emb_tying requires emb_dim (%d) == dim (%d)", c.EmbDim, c.Hidden)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be within [0, 1), got %g", c.Dropout)
	}
	return nil
}

// LMParams are the parameters of the language model.
type LMParams struct {
	Memory []float32
	Emb    tensor   // (V, E) - Token embedding table.
	WIH    []tensor // (H, In_l) - Input to hidden weights per layer.
	WHH    []tensor // (H, H) - Hidden to hidden weights per layer.
	BH     []tensor // (H)
	OutW   tensor   // (V, H) - Output projection, aliases Emb when tied.
	OutB   tensor   // (V)
}

// Init lays the parameters out in one buffer allocated on dev.
func (p *LMParams) Init(cfg LMConfig, dev *device.Device) {
	var l layout
	l.add(&p.Emb, cfg.VocabSize, cfg.EmbDim)
	p.WIH = make([]tensor, cfg.NLayers)
	p.WHH = make([]tensor, cfg.NLayers)
	p.BH = make([]tensor, cfg.NLayers)
	in := cfg.EmbDim
	for i := 0; i < cfg.NLayers; i++ {
		l.add(&p.WIH[i], cfg.Hidden, in)
		l.add(&p.WHH[i], cfg.Hidden, cfg.Hidden)
		l.add(&p.BH[i], cfg.Hidden)
		in = cfg.Hidden
	}
	if !cfg.Tying {
		l.add(&p.OutW, cfg.VocabSize, cfg.Hidden)
	}
	l.add(&p.OutB, cfg.VocabSize)
	p.Memory = l.carve(dev)
	if cfg.Tying {
		p.OutW = p.Emb
	}
}

// Len returns the length of the memory slice.
func (p *LMParams) Len() int {
	return len(p.Memory)
}

type lmActivations struct {
	B, T    int
	ids     []int32     // (T, B)
	targets []int32     // (T, B)
	emb     []float32   // (T, B, E)
	hidden  [][]float32 // (L, T, B, H) - tanh outputs
	mask    [][]float32 // (L, T, B, H)
	dropped [][]float32 // (L, T, B, H)
	logits  []float32   // (T, B, V)
	probs   []float32   // (T, B, V)
	losses  []float32   // (T, B)
	count   int
}

// LM is an Elman RNN language model.
type LM struct {
	Config    LMConfig
	Params    LMParams
	Gradients LMParams
	MeanLoss  float32
	acts      lmActivations
}

// NewLM builds a freshly initialised language model.
func NewLM(cfg LMConfig, dev *device.Device, src *seed.Source) (*LM, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &LM{Config: cfg, MeanLoss: -1}
	m.Params.Init(cfg, dev)
	m.Gradients.Init(cfg, dev)
	if src != nil {
		emb := src.Uniform(-0.1, 0.1)
		initWith(m.Params.Emb, emb.Rand)
		bound := 1 / math.Sqrt(float64(cfg.Hidden))
		rec := src.Uniform(-bound, bound)
		for i := 0; i < cfg.NLayers; i++ {
			initWith(m.Params.WIH[i], rec.Rand)
			initWith(m.Params.WHH[i], rec.Rand)
			initWith(m.Params.BH[i], rec.Rand)
		}
		if !cfg.Tying {
			initWith(m.Params.OutW, rec.Rand)
		}
	}
	return m, nil
}

// ZeroGradient clears the accumulated gradients.
func (m *LM) ZeroGradient() {
	zero(m.Gradients.Memory)
}

// Forward runs the model over (B, T) inputs from a zero initial state and
// returns the mean cross entropy against targets, ignoring padding targets.
// Dropout is active only when rng is non-nil.
func (m *LM) Forward(inputs, targets []int32, B, T int, rng *rand.Rand) float32 {
	cfg := m.Config
	E, H, V, L := cfg.EmbDim, cfg.Hidden, cfg.VocabSize, cfg.NLayers
	a := &m.acts
	a.B, a.T = B, T

	a.ids = make([]int32, T*B)
	a.targets = make([]int32, T*B)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			a.ids[t*B+b] = inputs[b*T+t]
			a.targets[t*B+b] = targets[b*T+t]
		}
	}
	a.emb = grow(a.emb, T*B*E)
	torch.EmbeddingForward(a.emb, a.ids, m.Params.Emb.data, T*B, E)

	if len(a.hidden) != L {
		a.hidden = make([][]float32, L)
		a.mask = make([][]float32, L)
		a.dropped = make([][]float32, L)
	}
	x, in := a.emb, E
	for l := 0; l < L; l++ {
		h := grow(a.hidden[l], T*B*H)
		rec := make([]float32, B*H)
		for t := 0; t < T; t++ {
			ht := h[t*B*H : (t+1)*B*H]
			torch.MatmulForward(ht, x[t*B*in:(t+1)*B*in], m.Params.WIH[l].data, m.Params.BH[l].data, B, in, H)
			if t > 0 {
				torch.MatmulForward(rec, h[(t-1)*B*H:t*B*H], m.Params.WHH[l].data, nil, B, H, H)
				for i := range ht {
					ht[i] += rec[i]
				}
			}
			torch.TanhForward(ht, ht, B*H)
		}
		a.hidden[l] = h
		a.mask[l] = grow(a.mask[l], T*B*H)
		a.dropped[l] = grow(a.dropped[l], T*B*H)
		torch.DropoutForward(a.dropped[l], a.mask[l], h, cfg.Dropout, rng, T*B*H)
		x, in = a.dropped[l], H
	}

	N := T * B
	a.logits = grow(a.logits, N*V)
	a.probs = grow(a.probs, N*V)
	a.losses = grow(a.losses, N)
	torch.MatmulForward(a.logits, x, m.Params.OutW.data, m.Params.OutB.data, N, H, V)
	torch.SoftmaxForward(a.probs, a.logits, N, V)
	torch.CrossEntropyForward(a.losses, a.probs, a.targets, text.PadIdx, N, V)
	var sum float64
	a.count = 0
	for n, l := range a.losses {
		if a.targets[n] != text.PadIdx {
			sum += float64(l)
			a.count++
		}
	}
	if a.count == 0 {
		m.MeanLoss = 0
		return 0
	}
	m.MeanLoss = float32(sum / float64(a.count))
	return m.MeanLoss
}

// Backward performs a backward pass through time for the last Forward.
func (m *LM) Backward() error {
	if m.MeanLoss == -1.0 {
		return fmt.Errorf("error: must forward before backward")
	}
	a := &m.acts
	if a.count == 0 {
		return nil
	}
	cfg := m.Config
	E, H, V, L := cfg.EmbDim, cfg.Hidden, cfg.VocabSize, cfg.NLayers
	B, T := a.B, a.T
	N := T * B
	g := &m.Gradients

	dlosses := make([]float32, N)
	dlossMean := 1.0 / float32(a.count)
	for i := range dlosses {
		dlosses[i] = dlossMean
	}
	dlogits := make([]float32, N*V)
	torch.CrossentropySoftmaxBackward(dlogits, dlosses, a.probs, a.targets, text.PadIdx, N, V)
	dx := make([]float32, N*H)
	torch.MatmulBackward(dx, g.OutW.data, g.OutB.data, dlogits, a.dropped[L-1], m.Params.OutW.data, N, H, V)

	for l := L - 1; l >= 0; l-- {
		dh := make([]float32, N*H)
		torch.DropoutBackward(dh, a.mask[l], dx, N*H)
		input, in := a.emb, E
		if l > 0 {
			input, in = a.dropped[l-1], H
		}
		dinput := make([]float32, N*in)
		dpre := make([]float32, B*H)
		h := a.hidden[l]
		for t := T - 1; t >= 0; t-- {
			zero(dpre)
			torch.TanhBackward(dpre, h[t*B*H:(t+1)*B*H], dh[t*B*H:(t+1)*B*H], B*H)
			torch.MatmulBackward(dinput[t*B*in:(t+1)*B*in], g.WIH[l].data, g.BH[l].data, dpre, input[t*B*in:(t+1)*B*in], m.Params.WIH[l].data, B, in, H)
			if t > 0 {
				torch.MatmulBackward(dh[(t-1)*B*H:t*B*H], g.WHH[l].data, nil, dpre, h[(t-1)*B*H:t*B*H], m.Params.WHH[l].data, B, H, H)
			}
		}
		dx = dinput
	}

	torch.EmbeddingBackward(g.Emb.data, dx, a.ids, N, E)
	return nil
}

// Perplexity is exp of the mean cross entropy.
func Perplexity(meanLoss float32) float32 {
	return float32(math.Exp(float64(meanLoss)))
}

// State is the recurrent state of a decoding hypothesis.
type State struct {
	h [][]float32 // (L, H)
}

// InitState returns the all-zero state that precedes the first token.
func (m *LM) InitState() *State {
	s := &State{h: make([][]float32, m.Config.NLayers)}
	return s
}

// Score feeds token after state and returns the log probabilities of the
// next token together with the new state. state is not modified.
func (m *LM) Score(state *State, token int32) ([]float32, *State) {
	cfg := m.Config
	H, V := cfg.Hidden, cfg.VocabSize
	x := make([]float32, cfg.EmbDim)
	torch.EmbeddingForward(x, []int32{token}, m.Params.Emb.data, 1, cfg.EmbDim)
	next := &State{h: make([][]float32, cfg.NLayers)}
	in := cfg.EmbDim
	rec := make([]float32, H)
	for l := 0; l < cfg.NLayers; l++ {
		h := make([]float32, H)
		torch.MatmulForward(h, x, m.Params.WIH[l].data, m.Params.BH[l].data, 1, in, H)
		if prev := state.h[l]; prev != nil {
			torch.MatmulForward(rec, prev, m.Params.WHH[l].data, nil, 1, H, H)
			for i := range h {
				h[i] += rec[i]
			}
		}
		torch.TanhForward(h, h, H)
		next.h[l] = h
		x, in = h, H
	}
	logits := make([]float32, V)
	torch.MatmulForward(logits, x, m.Params.OutW.data, m.Params.OutB.data, 1, H, V)
	torch.LogSoftmaxForward(logits, logits, 1, V)
	return logits, next
}

// Dims are the architecture fields stored in a checkpoint header.
func (m *LM) Dims() []int32 {
	cfg := m.Config
	tying := int32(0)
	if cfg.Tying {
		tying = 1
	}
	return []int32{int32(cfg.VocabSize), int32(cfg.EmbDim), int32(cfg.Hidden), int32(cfg.NLayers), tying}
}

// LMConfigFromDims rebuilds the architecture recorded by Dims.
func LMConfigFromDims(dims []int32) (LMConfig, error) {
	if len(dims) < 5 {
		return LMConfig{}, fmt.Errorf("checkpoint does not describe a language model")
	}
	cfg := LMConfig{
		VocabSize: int(dims[0]),
		EmbDim:    int(dims[1]),
		Hidden:    int(dims[2]),
		NLayers:   int(dims[3]),
		Tying:     dims[4] == 1,
	}
	return cfg, cfg.validate()
}
