// Package upstream provides named pretrained front-ends. An upstream is an
// acoustic feature extractor optionally followed by a stack of pretrained
// tanh projections whose weights are fetched through the hub.
package upstream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/e2easr/pkg/audio"
	"github.com/conneroisu/e2easr/pkg/hub"
)

// CommonFrameShift is the stride in milliseconds every upstream is resampled
// to when same-stride is requested.
const CommonFrameShift = 10

// LastHiddenState selects the output of the final projection.
const LastHiddenState = "last_hidden_state"

const hiddenStatePrefix = "hidden_state_"

// Entry describes a registered upstream.
type Entry struct {
	// FeatType and Dim configure the acoustic front-end.
	FeatType string
	Dim      int
	// FrameShift is the native stride in milliseconds.
	FrameShift float64
	// NeedsCkpt marks upstreams whose projections come from --upstream_ckpt.
	NeedsCkpt bool
}

var (
	mu       sync.RWMutex
	registry = map[string]Entry{
		"fbank":       {FeatType: "fbank", Dim: 80, FrameShift: 10},
		"mfcc":        {FeatType: "mfcc", Dim: 13, FrameShift: 10},
		"spectrogram": {FeatType: "spectrogram", FrameShift: 10},
		"apc":         {FeatType: "fbank", Dim: 80, FrameShift: 10, NeedsCkpt: true},
		"wav2vec2":    {FeatType: "fbank", Dim: 80, FrameShift: 20, NeedsCkpt: true},
	}
)

// Register adds or replaces an upstream entry.
func Register(name string, e Entry) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = e
}

// List returns the registered upstream names in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options mirror the --upstream* command line flags.
type Options struct {
	Name             string
	FeatureSelection string
	Refresh          bool
	Ckpt             string
	Trainable        bool
	SameStride       bool
}

// Upstream is a resolved front-end ready to featurize audio.
type Upstream struct {
	name      string
	extractor *audio.Extractor
	layers    []Layer
	trainable bool
	shift     float64
}

// New resolves opts against the registry. base supplies the sample rate,
// dither, CMVN and delta settings of the experiment.
func New(ctx context.Context, opts Options, base audio.FeatureConfig, fetch *hub.Fetcher) (*Upstream, error) {
	mu.RLock()
	entry, ok := registry[opts.Name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown upstream %q, available: %s", opts.Name, strings.Join(List(), ", "))
	}
	if entry.NeedsCkpt && opts.Ckpt == "" {
		return nil, fmt.Errorf("upstream %s requires --upstream_ckpt", opts.Name)
	}

	cfg := base
	cfg.Type = entry.FeatType
	if entry.Dim > 0 {
		cfg.Dim = entry.Dim
	}
	cfg.FrameShift = entry.FrameShift
	if opts.SameStride {
		cfg.FrameShift = CommonFrameShift
	}
	extractor, err := audio.NewExtractor(cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", opts.Name, err)
	}

	u := &Upstream{name: opts.Name, extractor: extractor, trainable: opts.Trainable, shift: cfg.FrameShift}
	if opts.Ckpt != "" {
		path, err := fetch.Resolve(ctx, opts.Ckpt, opts.Refresh)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", opts.Name, err)
		}
		layers, err := LoadLayers(path)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", opts.Name, err)
		}
		if layers[0].In != extractor.Dim() {
			return nil, fmt.Errorf("upstream %s: checkpoint expects %d dim features, front-end gives %d", opts.Name, layers[0].In, extractor.Dim())
		}
		u.layers = layers
	}
	n, err := selectLayers(opts.FeatureSelection, len(u.layers))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", opts.Name, err)
	}
	u.layers = u.layers[:n]
	log.Info("upstream ready", "name", u.name, "layers", len(u.layers), "dim", u.Dim(), "stride_ms", u.shift, "trainable", u.trainable)
	return u, nil
}

// selectLayers maps a feature selection to the number of projections applied.
func selectLayers(selection string, available int) (int, error) {
	switch {
	case selection == "" || selection == LastHiddenState:
		return available, nil
	case strings.HasPrefix(selection, hiddenStatePrefix):
		k, err := strconv.Atoi(strings.TrimPrefix(selection, hiddenStatePrefix))
		if err != nil || k < 0 || k > available {
			return 0, fmt.Errorf("feature selection %q out of range [0, %d]", selection, available)
		}
		return k, nil
	default:
		return 0, fmt.Errorf("unknown feature selection %q", selection)
	}
}

// Name is the registry name.
func (u *Upstream) Name() string { return u.name }

// Extractor computes the input features of the first projection.
func (u *Upstream) Extractor() *audio.Extractor { return u.extractor }

// Layers are the selected pretrained projections, in application order.
func (u *Upstream) Layers() []Layer { return u.layers }

// Trainable reports whether the projections are fine-tuned.
func (u *Upstream) Trainable() bool { return u.trainable }

// FrameShift is the stride of the representation in milliseconds.
func (u *Upstream) FrameShift() float64 { return u.shift }

// Dim is the dimension of the selected representation.
func (u *Upstream) Dim() int {
	if len(u.layers) == 0 {
		return u.extractor.Dim()
	}
	return u.layers[len(u.layers)-1].Out
}
