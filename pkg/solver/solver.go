// Package solver implements the three experiment drivers: acoustic model
// training, acoustic model testing and language model training.
package solver

import (
	"context"
	"fmt"
	"io"

	"github.com/conneroisu/e2easr/pkg/config"
	"github.com/conneroisu/e2easr/pkg/device"
	"github.com/conneroisu/e2easr/pkg/dist"
	"github.com/conneroisu/e2easr/pkg/hub"
	"github.com/conneroisu/e2easr/pkg/option"
	"github.com/conneroisu/e2easr/pkg/seed"
)

// Solver runs an experiment in three phases, always called in order.
type Solver interface {
	// LoadData reads and featurizes the corpus.
	LoadData(ctx context.Context) error
	// SetModel builds the model and optimizer and restores checkpoints.
	SetModel(ctx context.Context) error
	// Exec trains or tests.
	Exec(ctx context.Context) error
}

// Env is the runtime prepared by the entry point.
type Env struct {
	Device *device.Device
	// Group is the process group, nil when not launched distributed.
	Group   *dist.Group
	Seed    *seed.Source
	Fetcher *hub.Fetcher
	// Out receives the progress line. Nil writes to stdout.
	Out io.Writer
}

// New builds the solver for kind.
func New(kind option.Kind, mode string, cfg *config.Config, paras *option.Paras, env Env) (Solver, error) {
	b, err := newBase(kind, mode, cfg, paras, env)
	if err != nil {
		return nil, err
	}
	switch kind {
	case option.TrainASR:
		return &TrainASR{base: b}, nil
	case option.TestASR:
		return &TestASR{base: b}, nil
	case option.TrainLM:
		return &TrainLM{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown solver %s", kind)
	}
}
