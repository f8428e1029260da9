package data

import (
	"fmt"
	"math/rand"
	"sort"
)

// Loader is an interface for data loaders.
type Loader[B any] interface {
	NextBatch() B
	Reset()
	NumBatches() int
}

var (
	_ Loader[*Batch]    = (*ASRLoader)(nil)
	_ Loader[TextBatch] = (*TextLoader)(nil)
)

// Batch is a zero padded minibatch of acoustic samples.
type Batch struct {
	IDs   []string
	Texts []string
	// Feats is (B, T, D) with T the longest sample of the batch.
	Feats    []float32
	FeatLens []int
	Labels   [][]int32
	B, T, D  int
}

// Options control how an ASRLoader orders samples.
type Options struct {
	BatchSize int
	// Shuffle reorders batches every epoch. Nil keeps corpus order.
	Shuffle *rand.Rand
	// Bucketing groups samples of similar length into the same batch.
	Bucketing bool
	// DryRun serves batches longest first without shuffling, so that the
	// largest allocation happens on the first step.
	DryRun bool
	// Prefetch assembles the next batch in the background.
	Prefetch bool
}

// ASRLoader is a DataLoader over featurized samples.
type ASRLoader struct {
	samples []Sample
	dim     int
	opts    Options
	batches [][]int
	order   []int
	curPos  int
	served  int
	pending chan *Batch
}

// NewASRLoader groups samples into batches according to opts.
func NewASRLoader(samples []Sample, dim int, opts Options) (*ASRLoader, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to load")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	if opts.Bucketing || opts.DryRun {
		sort.SliceStable(idx, func(a, b int) bool {
			return samples[idx[a]].Len() > samples[idx[b]].Len()
		})
	}
	loader := &ASRLoader{samples: samples, dim: dim, opts: opts}
	for lo := 0; lo < len(idx); lo += opts.BatchSize {
		loader.batches = append(loader.batches, idx[lo:min(lo+opts.BatchSize, len(idx))])
	}
	loader.order = make([]int, len(loader.batches))
	for i := range loader.order {
		loader.order[i] = i
	}
	loader.shuffle()
	return loader, nil
}

// NumBatches is the number of batches in one epoch.
func (loader *ASRLoader) NumBatches() int { return len(loader.batches) }

// Dim is the feature dimension of every batch.
func (loader *ASRLoader) Dim() int { return loader.dim }

func (loader *ASRLoader) shuffle() {
	if loader.opts.Shuffle == nil || loader.opts.DryRun {
		return
	}
	loader.opts.Shuffle.Shuffle(len(loader.order), func(i, j int) {
		loader.order[i], loader.order[j] = loader.order[j], loader.order[i]
	})
}

// Reset rewinds the loader to the start of the current epoch order.
func (loader *ASRLoader) Reset() {
	if loader.pending != nil {
		<-loader.pending
		loader.pending = nil
	}
	loader.curPos = 0
	loader.served = 0
}

// EpochDone reports whether the next call to NextBatch starts a new epoch.
func (loader *ASRLoader) EpochDone() bool {
	return loader.served >= len(loader.order)
}

func (loader *ASRLoader) advance() []int {
	if loader.curPos >= len(loader.order) {
		loader.curPos = 0
		loader.shuffle()
	}
	batch := loader.batches[loader.order[loader.curPos]]
	loader.curPos++
	return batch
}

// NextBatch returns the next batch, wrapping around at the end of an epoch.
func (loader *ASRLoader) NextBatch() *Batch {
	var b *Batch
	if loader.pending != nil {
		b = <-loader.pending
		loader.pending = nil
	} else {
		b = loader.assemble(loader.advance())
	}
	if loader.opts.Prefetch {
		next := loader.advance()
		ch := make(chan *Batch, 1)
		go func() { ch <- loader.assemble(next) }()
		loader.pending = ch
	}
	if loader.served++; loader.served > len(loader.order) {
		loader.served = 1
	}
	return b
}

func (loader *ASRLoader) assemble(idx []int) *Batch {
	b := &Batch{B: len(idx), D: loader.dim}
	for _, i := range idx {
		b.T = max(b.T, loader.samples[i].Len())
	}
	b.Feats = make([]float32, b.B*b.T*b.D)
	for n, i := range idx {
		s := &loader.samples[i]
		b.IDs = append(b.IDs, s.ID)
		b.Texts = append(b.Texts, s.Text)
		b.FeatLens = append(b.FeatLens, s.Len())
		b.Labels = append(b.Labels, s.Labels)
		for t, frame := range s.Feats {
			copy(b.Feats[(n*b.T+t)*b.D:], frame)
		}
	}
	return b
}

// TextBatch is a window of the token stream and its next-token targets.
type TextBatch struct {
	Inputs  []int32
	Targets []int32
}

// TextLoader serves (B, T) windows of a token stream for language modelling.
type TextLoader struct {
	batchSize int
	seqLength int
	curPos    int
	data      []int32
}

// NewTextLoader returns a loader over tokens.
func NewTextLoader(tokens []int32, batchSize, seqLength int) (*TextLoader, error) {
	if batchSize < 1 || seqLength < 1 {
		return nil, fmt.Errorf("batch size and sequence length must be positive, got %d and %d", batchSize, seqLength)
	}
	if len(tokens) < batchSize*seqLength+1 {
		return nil, fmt.Errorf("token stream of %d is too small for batch size %d and sequence length %d", len(tokens), batchSize, seqLength)
	}
	return &TextLoader{
		batchSize: batchSize,
		seqLength: seqLength,
		data:      tokens,
	}, nil
}

// NumBatches is the number of full windows in the stream.
func (loader *TextLoader) NumBatches() int {
	return (len(loader.data) - 1) / (loader.batchSize * loader.seqLength)
}

// Reset resets the loader to the beginning of the stream.
func (loader *TextLoader) Reset() {
	loader.curPos = 0
}

// NextBatch returns the next batch of data.
func (loader *TextLoader) NextBatch() TextBatch {
	nextPos := loader.curPos + loader.batchSize*loader.seqLength
	if nextPos+1 > len(loader.data) {
		loader.Reset()
		nextPos = loader.curPos + loader.batchSize*loader.seqLength
	}
	batch := TextBatch{
		Inputs:  loader.data[loader.curPos:nextPos],
		Targets: loader.data[loader.curPos+1 : nextPos+1],
	}
	loader.curPos = nextPos
	return batch
}
