// Package option holds the command line options of an experiment and the
// rules that turn them into a runnable mode.
package option

import (
	"errors"
	"fmt"
)

// ErrTestWithLoad is returned when testing is requested together with a
// pre-trained model to load; a tester restores its model from the config.
var ErrTestWithLoad = errors.New("load option is mutually exclusive to --test")

// NoLocalRank marks a process that was not started by a distributed launcher.
const NoLocalRank = -1

// Paras are the parsed command line options of a single run.
type Paras struct {
	// Config is the path to the experiment YAML file.
	Config string
	// Name is the experiment name used for log, checkpoint and output dirs.
	Name string
	// LogDir is the root of the per experiment log dirs.
	LogDir string
	// CkpDir is the root of the per experiment checkpoint dirs.
	CkpDir string
	// OutDir is the root of the decode output dirs.
	OutDir string
	// Load is a pre-trained checkpoint to continue training from.
	Load string
	// Seed seeds every random number generator of the run.
	Seed int64
	// CudnnCTC requests the cudnn CTC backend.
	CudnnCTC bool
	// NJobs is the number of workers for data loading and decoding.
	NJobs int
	// CPU disables accelerator training.
	CPU bool
	// NoPin disables batch prefetching in the data loader.
	NoPin bool
	// Test tests an ASR model instead of training one.
	Test bool
	// NoMsg hides all messages.
	NoMsg bool
	// LM trains an RNN language model.
	LM bool
	// AMP requests automatic mixed precision.
	AMP bool
	// ReserveGPU is the amount of device memory in GB to reserve up front.
	ReserveGPU float64
	// JIT requests graph compilation.
	JIT bool

	Upstream                 string
	UpstreamFeatureSelection string
	UpstreamRefresh          bool
	UpstreamCkpt             string
	UpstreamTrainable        bool
	UpstreamSameStride       bool

	// CacheDir overrides the directory for downloaded upstream checkpoints.
	CacheDir string
	// LocalRank is the device this process drives under distributed
	// training, or NoLocalRank.
	LocalRank int
	// Backend is the process group backend.
	Backend string

	LoadDDPToNonDDP bool
	LoadNonDDPToDDP bool
	// DryRun iterates the dataset by descending length to surface OOMs early.
	DryRun bool
	// ReinitOptimizer loads model weights without optimizer state.
	ReinitOptimizer bool

	// GPU is derived: !CPU.
	GPU bool
	// PinMemory is derived: !NoPin.
	PinMemory bool
	// Verbose is derived: !NoMsg.
	Verbose bool
}

// Finalize computes the derived fields from their negated flags.
func (p *Paras) Finalize() {
	p.GPU = !p.CPU
	p.PinMemory = !p.NoPin
	p.Verbose = !p.NoMsg
}

// Distributed reports whether the process was started by a distributed launcher.
func (p *Paras) Distributed() bool {
	return p.LocalRank != NoLocalRank
}

// Validate checks the option combinations that can never form a valid run.
func (p *Paras) Validate() error {
	if p.Test && p.Load != "" {
		return ErrTestWithLoad
	}
	if p.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if p.NJobs < 1 {
		return fmt.Errorf("--njobs must be positive, got %d", p.NJobs)
	}
	if p.ReserveGPU < 0 {
		return fmt.Errorf("--reserve-gpu must not be negative, got %g", p.ReserveGPU)
	}
	if p.LoadDDPToNonDDP && p.LoadNonDDPToDDP {
		return fmt.Errorf("--load_ddp_to_nonddp and --load_nonddp_to_ddp are mutually exclusive")
	}
	return nil
}

// Kind is the solver family selected for a run.
type Kind int

const (
	// TrainASR trains an acoustic model.
	TrainASR Kind = iota
	// TestASR decodes with a trained acoustic model.
	TestASR
	// TrainLM trains an RNN language model.
	TrainLM
)

// String returns the name used in logs.
func (k Kind) String() string {
	switch k {
	case TrainASR:
		return "train-asr"
	case TestASR:
		return "test-asr"
	case TrainLM:
		return "train-lm"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mode values passed to solvers.
const (
	ModeTrain = "train"
	ModeTest  = "test"
)

// Select picks the solver kind and its mode. --lm takes precedence over --test.
func (p *Paras) Select() (Kind, string, error) {
	if p.LM {
		return TrainLM, ModeTrain, nil
	}
	if p.Test {
		if p.Load != "" {
			return TestASR, ModeTest, ErrTestWithLoad
		}
		return TestASR, ModeTest, nil
	}
	return TrainASR, ModeTrain, nil
}
