package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/e2easr/pkg/model"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/torch"
)

// smokeArgs are the smoke command arguments.
type smokeArgs struct {
	steps     int
	batchSize int
	seqLength int
	vocab     int
	seed      int64
}

// NewSmokeCmd returns a command that checks the training kernels by fitting
// a tiny language model to a periodic token stream.
func NewSmokeCmd() *cobra.Command {
	var args smokeArgs
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check that the host kernels can fit a tiny model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			losses, err := smoke(args)
			if err != nil {
				return err
			}
			first, last := losses[0], losses[len(losses)-1]
			if last >= first {
				return fmt.Errorf("loss did not decrease: %f -> %f", first, last)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loss ok: %f -> %f\n", first, last)
			return nil
		},
	}
	cmd.Flags().IntVarP(&args.steps, "steps", "n", 20, "Number of optimizer steps")
	cmd.Flags().IntVarP(&args.batchSize, "batch-size", "b", 4, "Batch size")
	cmd.Flags().IntVarP(&args.seqLength, "seq-length", "l", 16, "Sequence length")
	cmd.Flags().IntVarP(&args.vocab, "vocab", "v", 12, "Vocabulary size")
	cmd.Flags().Int64VarP(&args.seed, "seed", "s", 0, "Seed for random number generator")
	return cmd
}

// smoke trains on a periodic stream and returns the loss of every step.
func smoke(args smokeArgs) ([]float32, error) {
	if args.steps < 2 || args.vocab < 4 {
		return nil, fmt.Errorf("smoke needs at least 2 steps and 4 tokens")
	}
	m, err := model.NewLM(model.LMConfig{VocabSize: args.vocab, EmbDim: 16, Hidden: 16, NLayers: 1, Tying: true}, nil, seed.New(args.seed))
	if err != nil {
		return nil, err
	}
	B, T := args.batchSize, args.seqLength
	x, y := make([]int32, B*T), make([]int32, B*T)
	for i := range x {
		x[i] = int32(3 + i%(args.vocab-3))
		y[i] = int32(3 + (i+1)%(args.vocab-3))
	}
	opt := &torch.AdamW{LR: 1e-2, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01}
	var losses []float32
	for step := 0; step < args.steps; step++ {
		start := time.Now()
		m.ZeroGradient()
		loss := m.Forward(x, y, B, T, nil)
		if err := m.Backward(); err != nil {
			return nil, err
		}
		opt.Update(m.Params.Memory, m.Gradients.Memory, nil)
		log.Debug("smoke", "step", step, "loss", loss, "took", time.Since(start))
		losses = append(losses, loss)
	}
	return losses, nil
}
