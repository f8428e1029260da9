// Package cmd contains the root command for the e2easr CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/e2easr/pkg/config"
	"github.com/conneroisu/e2easr/pkg/device"
	"github.com/conneroisu/e2easr/pkg/dist"
	"github.com/conneroisu/e2easr/pkg/hub"
	"github.com/conneroisu/e2easr/pkg/option"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/solver"
)

// newSolver constructs the solver of a run.
var newSolver = solver.New

// NewRootCmd returns the root command bound to a fresh set of options.
func NewRootCmd() *cobra.Command {
	var paras option.Paras
	cmd := &cobra.Command{
		Use:   "e2easr",
		Short: "Train and test end-to-end speech recognition models",
		Long: `
Train and test end-to-end speech recognition models.

Trains a CTC acoustic model by default, tests one with --test and trains an
RNN language model with --lm. Experiments are described by a YAML config.
	`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			paras.Finalize()
			switch {
			case !paras.Verbose:
				log.SetLevel(log.ErrorLevel)
			default:
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &paras)
		},
	}

	f := cmd.Flags()
	f.StringVar(&paras.Config, "config", "", "Path to experiment config.")
	f.StringVar(&paras.Name, "name", "", "Name for logging.")
	f.StringVar(&paras.LogDir, "logdir", "log/", "Logging path.")
	f.StringVar(&paras.CkpDir, "ckpdir", "ckpt/", "Checkpoint path.")
	f.StringVar(&paras.OutDir, "outdir", "result/", "Decode output path.")
	f.StringVar(&paras.Load, "load", "", "Load pre-trained model (for training only)")
	f.Int64Var(&paras.Seed, "seed", 0, "Random seed for reproducable results.")
	f.BoolVar(&paras.CudnnCTC, "cudnn-ctc", false, "Switches CTC backend from torch to cudnn")
	f.IntVar(&paras.NJobs, "njobs", 6, "Number of threads for dataloader/decoding.")
	f.BoolVar(&paras.CPU, "cpu", false, "Disable GPU training.")
	f.BoolVar(&paras.NoPin, "no-pin", false, "Disable pin-memory for dataloader")
	f.BoolVar(&paras.Test, "test", false, "Test the model.")
	f.BoolVar(&paras.NoMsg, "no-msg", false, "Hide all messages.")
	f.BoolVar(&paras.LM, "lm", false, "Option for training RNNLM.")
	f.BoolVar(&paras.AMP, "amp", false, "Option to enable AMP.")
	f.Float64Var(&paras.ReserveGPU, "reserve-gpu", 0, "Option to reserve GPU ram for training.")
	f.BoolVar(&paras.JIT, "jit", false, "Option for enabling jit.")
	f.StringVar(&paras.Upstream, "upstream", "", "Specify the upstream variant, one of the registered front-ends")
	f.StringVar(&paras.UpstreamFeatureSelection, "upstream_feature_selection", "", "Specify the layer to be extracted as the representation")
	f.BoolVar(&paras.UpstreamRefresh, "upstream_refresh", false, "Re-download cached ckpts for on-the-fly upstream variants")
	f.StringVar(&paras.UpstreamCkpt, "upstream_ckpt", "", "{PATH,URL,GOOGLE_DRIVE_ID} of the upstream checkpoint")
	f.BoolVarP(&paras.UpstreamTrainable, "upstream_trainable", "f", false, "To fine-tune the whole upstream model")
	f.BoolVar(&paras.UpstreamSameStride, "upstream_same_stride", false, "Make sure all upstream features are projected to the same stride in waveform seconds.")
	f.StringVar(&paras.CacheDir, "cache_dir", "", "Explicitly set the dir for upstream checkpoints")
	f.IntVar(&paras.LocalRank, "local_rank", option.NoLocalRank, "The device this process should use while distributed training. Unset when not launched distributed")
	f.StringVar(&paras.Backend, "backend", "nccl", "The backend for distributed training")
	f.BoolVar(&paras.LoadDDPToNonDDP, "load_ddp_to_nonddp", false, "The checkpoint is trained with ddp but loaded to a non-ddp model")
	f.BoolVar(&paras.LoadNonDDPToDDP, "load_nonddp_to_ddp", false, "The checkpoint is trained without ddp but loaded to a ddp model")
	f.BoolVar(&paras.DryRun, "dryrun", false, "Iterate the dataset decendingly by sequence length to make sure the training will not OOM")
	f.BoolVar(&paras.ReinitOptimizer, "reinit_optimizer", false, "Load model without loading optimizer")

	cmd.AddCommand(NewSmokeCmd())
	return cmd
}

// run prepares the runtime of an experiment and drives its solver.
func run(ctx context.Context, paras *option.Paras) error {
	paras.Finalize()
	if err := paras.Validate(); err != nil {
		return err
	}
	cfg, err := config.Load(paras.Config)
	if err != nil {
		return err
	}

	if paras.CacheDir != "" {
		if err := hub.SetDir(paras.CacheDir); err != nil {
			return err
		}
	}

	dev := device.Select(paras.GPU, max(paras.LocalRank, 0))
	log.Debug("host", "cpu", device.Describe(), "device", dev)
	var group *dist.Group
	if paras.Distributed() {
		env, err := dist.FromEnv(paras.LocalRank)
		if err != nil {
			return err
		}
		if group, err = dist.Init(ctx, paras.Backend, env); err != nil {
			return fmt.Errorf("failed to init process group: %w", err)
		}
		defer group.Close()
		log.Info("process group ready", "rank", group.Rank(), "world", group.WorldSize(), "backend", group.Backend())
	}

	src := seed.New(paras.Seed)

	if paras.GPU && paras.ReserveGPU > 0 {
		n := dev.Reserve(paras.ReserveGPU)
		log.Info("reserved device memory", "gb", paras.ReserveGPU, "floats", n)
	}

	kind, mode, err := paras.Select()
	if err != nil {
		return err
	}
	s, err := newSolver(kind, mode, cfg, paras, solver.Env{
		Device:  dev,
		Group:   group,
		Seed:    src,
		Fetcher: hub.NewFetcher(),
	})
	if err != nil {
		return err
	}
	if err := s.LoadData(ctx); err != nil {
		return fmt.Errorf("failed to load data: %w", err)
	}
	if err := s.SetModel(ctx); err != nil {
		return fmt.Errorf("failed to set model: %w", err)
	}
	if err := s.Exec(ctx); err != nil {
		return fmt.Errorf("%s failed: %w", kind, err)
	}
	return nil
}

// Execute runs the root command and exits non-zero on failure.
// This is called by main.main(). It only needs to happen once.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
