package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/e2easr/pkg/torch"
)

const (
	ckptMagic   = 20241017
	ckptVersion = 1
	headerLen   = 256
)

// header slots
const (
	hdrMagic = iota
	hdrVersion
	hdrKind
	hdrDistributed
	hdrStep
	hdrMetric
	hdrHasOptimizer
	hdrOptimizerStep
	hdrNumParams
	hdrNumDims
	hdrDims
)

const maxDims = headerLen - hdrDims

// Kind tells acoustic and language model checkpoints apart.
type Kind int32

const (
	KindASR Kind = 1
	KindLM  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindASR:
		return "asr"
	case KindLM:
		return "lm"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// ErrDistributedMismatch is returned when a checkpoint trained with and a
// run without distributed training (or the reverse) meet without the
// matching conversion flag.
var ErrDistributedMismatch = errors.New("checkpoint distributed mode does not match the run")

// Checkpoint is the on-disk state of a model.
//
// The file is little endian: a 256 int32 header (magic, version, kind,
// distributed flag, step, best metric bits, optimizer flag, optimizer step,
// parameter count, architecture dims), the parameters, then the AdamW first
// and second moments when the optimizer flag is set.
type Checkpoint struct {
	Kind        Kind
	Distributed bool
	Step        int
	// Metric is the best validation metric seen so far.
	Metric float32
	Dims   []int32
	Params []float32
	// Optimizer carries the AdamW moments and step, or nil.
	Optimizer *torch.AdamW
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Save writes ck to path through a temporary file so that readers never see
// a partial checkpoint.
func Save(path string, ck *Checkpoint) error {
	if len(ck.Dims) > maxDims {
		return fmt.Errorf("too many architecture dims: %d", len(ck.Dims))
	}
	header := make([]int32, headerLen)
	header[hdrMagic] = ckptMagic
	header[hdrVersion] = ckptVersion
	header[hdrKind] = int32(ck.Kind)
	header[hdrDistributed] = boolInt(ck.Distributed)
	header[hdrStep] = int32(ck.Step)
	header[hdrMetric] = int32(math.Float32bits(ck.Metric))
	header[hdrNumParams] = int32(len(ck.Params))
	header[hdrNumDims] = int32(len(ck.Dims))
	copy(header[hdrDims:], ck.Dims)
	if ck.Optimizer != nil && len(ck.Optimizer.FirstMomentEstimates) == len(ck.Params) {
		header[hdrHasOptimizer] = 1
		header[hdrOptimizerStep] = int32(ck.Optimizer.Step)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	err = binary.Write(w, binary.LittleEndian, header)
	if err == nil {
		err = binary.Write(w, binary.LittleEndian, ck.Params)
	}
	if err == nil && header[hdrHasOptimizer] == 1 {
		err = binary.Write(w, binary.LittleEndian, ck.Optimizer.FirstMomentEstimates)
		if err == nil {
			err = binary.Write(w, binary.LittleEndian, ck.Optimizer.SecondMomentEstimates)
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the checkpoint at path. Optimizer moments are skipped when
// withOptimizer is false.
func Load(path string, withOptimizer bool) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint: %w", err)
	}
	ck, err := Decode(bufio.NewReader(f), info.Size(), withOptimizer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ck, nil
}

// Decode reads a checkpoint of size bytes from r. The header must describe
// a payload that fits in size.
func Decode(r io.Reader, size int64, withOptimizer bool) (*Checkpoint, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[hdrMagic] != ckptMagic || header[hdrVersion] != ckptVersion {
		return nil, fmt.Errorf("invalid checkpoint header")
	}
	nDims := int(header[hdrNumDims])
	nParams := int(header[hdrNumParams])
	if nDims < 0 || nDims > maxDims || nParams < 0 {
		return nil, fmt.Errorf("invalid checkpoint header")
	}
	tensors := int64(1)
	if header[hdrHasOptimizer] == 1 {
		tensors = 3
	}
	if want := headerLen*4 + tensors*int64(nParams)*4; want > size {
		return nil, fmt.Errorf("checkpoint header claims %d parameters but the file has %d bytes", nParams, size)
	}
	ck := &Checkpoint{
		Kind:        Kind(header[hdrKind]),
		Distributed: header[hdrDistributed] == 1,
		Step:        int(header[hdrStep]),
		Metric:      math.Float32frombits(uint32(header[hdrMetric])),
		Dims:        append([]int32(nil), header[hdrDims:hdrDims+nDims]...),
		Params:      make([]float32, nParams),
	}
	if err := binary.Read(r, binary.LittleEndian, ck.Params); err != nil {
		return nil, fmt.Errorf("error reading model: %w", err)
	}
	if withOptimizer && header[hdrHasOptimizer] == 1 {
		opt := &torch.AdamW{
			FirstMomentEstimates:  make([]float32, nParams),
			SecondMomentEstimates: make([]float32, nParams),
			Step:                  int(header[hdrOptimizerStep]),
		}
		if err := binary.Read(r, binary.LittleEndian, opt.FirstMomentEstimates); err != nil {
			return nil, fmt.Errorf("error reading optimizer: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, opt.SecondMomentEstimates); err != nil {
			return nil, fmt.Errorf("error reading optimizer: %w", err)
		}
		ck.Optimizer = opt
	}
	return ck, nil
}

// CheckDistributed decides whether ck may be loaded into a run whose
// distributed mode is running. A checkpoint from the other mode needs the
// matching conversion flag.
func (ck *Checkpoint) CheckDistributed(running, ddpToNonDDP, nonDDPToDDP bool) error {
	switch {
	case ck.Distributed && !running && !ddpToNonDDP:
		return fmt.Errorf("%w: trained with ddp, pass --load_ddp_to_nonddp", ErrDistributedMismatch)
	case !ck.Distributed && running && !nonDDPToDDP:
		return fmt.Errorf("%w: trained without ddp, pass --load_nonddp_to_ddp", ErrDistributedMismatch)
	case ddpToNonDDP && !(ck.Distributed && !running):
		log.Warn("--load_ddp_to_nonddp has no effect for this checkpoint")
	case nonDDPToDDP && !(!ck.Distributed && running):
		log.Warn("--load_nonddp_to_ddp has no effect for this checkpoint")
	}
	return nil
}

// restore copies ck into params after checking the architecture.
func (ck *Checkpoint) restore(kind Kind, dims []int32, params []float32) error {
	if ck.Kind != kind {
		return fmt.Errorf("checkpoint holds a %s model, want %s", ck.Kind, kind)
	}
	if len(ck.Params) != len(params) || !slices.Equal(ck.Dims, dims) {
		return fmt.Errorf("checkpoint architecture %v does not match model %v", ck.Dims, dims)
	}
	copy(params, ck.Params)
	return nil
}

// Checkpoint snapshots the acoustic model.
func (m *ASR) Checkpoint(step int, metric float32, distributed bool, opt *torch.AdamW) *Checkpoint {
	return &Checkpoint{
		Kind: KindASR, Distributed: distributed, Step: step, Metric: metric,
		Dims: m.Dims(), Params: m.Params.Memory, Optimizer: opt,
	}
}

// Restore loads the parameters of ck into m.
func (m *ASR) Restore(ck *Checkpoint) error {
	return ck.restore(KindASR, m.Dims(), m.Params.Memory)
}

// Checkpoint snapshots the language model.
func (m *LM) Checkpoint(step int, metric float32, distributed bool, opt *torch.AdamW) *Checkpoint {
	return &Checkpoint{
		Kind: KindLM, Distributed: distributed, Step: step, Metric: metric,
		Dims: m.Dims(), Params: m.Params.Memory, Optimizer: opt,
	}
}

// Restore loads the parameters of ck into m.
func (m *LM) Restore(ck *Checkpoint) error {
	return ck.restore(KindLM, m.Dims(), m.Params.Memory)
}
