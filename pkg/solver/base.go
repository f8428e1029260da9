package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"

	"github.com/conneroisu/e2easr/pkg/audio"
	"github.com/conneroisu/e2easr/pkg/config"
	"github.com/conneroisu/e2easr/pkg/data"
	"github.com/conneroisu/e2easr/pkg/hub"
	"github.com/conneroisu/e2easr/pkg/model"
	"github.com/conneroisu/e2easr/pkg/option"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/text"
	"github.com/conneroisu/e2easr/pkg/torch"
	"github.com/conneroisu/e2easr/pkg/tracker"
	"github.com/conneroisu/e2easr/pkg/upstream"
)

// progressStep is how often the training progress line and curves are
// refreshed.
const progressStep = 100

// vocabFile is written next to the checkpoints when the config names none.
const vocabFile = "vocab.txt"

type base struct {
	kind  option.Kind
	mode  string
	cfg   *config.Config
	paras *option.Paras
	env   Env

	name   string
	ckpdir string
	logdir string
	outdir string

	step    int
	maxStep int
	opt     *torch.AdamW
	tracker tracker.Tracker
	timer   time.Time

	info *color.Color
	warn *color.Color
}

func newBase(kind option.Kind, mode string, cfg *config.Config, paras *option.Paras, env Env) (base, error) {
	if cfg == nil || paras == nil {
		return base{}, fmt.Errorf("solver needs a config and options")
	}
	if env.Seed == nil {
		env.Seed = seed.New(paras.Seed)
	}
	if env.Fetcher == nil {
		env.Fetcher = hub.NewFetcher()
	}
	if env.Out == nil {
		env.Out = color.Output
	}
	name := paras.Name
	if name == "" {
		name = expName(paras.Config, paras.Seed)
	}
	b := base{
		kind: kind, mode: mode, cfg: cfg, paras: paras, env: env,
		name:    name,
		ckpdir:  filepath.Join(paras.CkpDir, name),
		logdir:  filepath.Join(paras.LogDir, name),
		outdir:  filepath.Join(paras.OutDir, name),
		maxStep: cfg.Hparas.MaxStep,
		tracker: tracker.Nop{},
		info:    color.New(color.FgCyan),
		warn:    color.New(color.FgYellow, color.Bold),
	}
	if paras.AMP {
		log.Warn("--amp has no effect on host kernels")
	}
	if paras.JIT {
		log.Warn("--jit has no effect on host kernels")
	}
	if paras.CudnnCTC {
		log.Warn("--cudnn-ctc has no effect on host kernels")
	}
	log.Info("solver ready", "kind", kind, "mode", mode, "name", name, "device", env.Device, "rank", b.rank(), "world", b.world())
	return b, nil
}

// expName names an experiment after its config file and seed.
func expName(configPath string, seed int64) string {
	stem := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	return fmt.Sprintf("%s_sd%d", stem, seed)
}

func (b *base) rank() int {
	if b.env.Group == nil {
		return 0
	}
	return b.env.Group.Rank()
}

func (b *base) world() int {
	if b.env.Group == nil {
		return 1
	}
	return b.env.Group.WorldSize()
}

// master reports whether this process writes checkpoints, logs and outputs.
func (b *base) master() bool {
	return b.rank() == 0
}

func (b *base) distributed() bool {
	return b.env.Group != nil
}

// progress rewrites the progress line of a verbose master process.
func (b *base) progress(format string, args ...any) {
	if !b.paras.Verbose || !b.master() {
		return
	}
	b.info.Fprintf(b.env.Out, "\r[%s] %s", b.kind, fmt.Sprintf(format, args...))
}

// progressDone ends the progress line.
func (b *base) progressDone() {
	if b.paras.Verbose && b.master() {
		fmt.Fprintln(b.env.Out)
	}
}

func (b *base) warning(format string, args ...any) {
	if !b.paras.Verbose || !b.master() {
		return
	}
	b.warn.Fprintf(b.env.Out, "\n[WARN] %s\n", fmt.Sprintf(format, args...))
}

// openTracker starts experiment tracking on the master process.
func (b *base) openTracker(ctx context.Context) error {
	if !b.master() {
		return nil
	}
	t, err := tracker.Open(ctx, tracker.NewRun(b.name, b.kind.String()), b.logdir, b.cfg.Tracking)
	if err != nil {
		return err
	}
	b.tracker = t
	return nil
}

func (b *base) scalar(ctx context.Context, tag string, v float64) {
	if err := b.tracker.Scalar(ctx, b.step, tag, v); err != nil {
		log.Warn("tracking failed", "tag", tag, "err", err)
	}
}

func (b *base) sample(ctx context.Context, tag, s string) {
	if err := b.tracker.Text(ctx, b.step, tag, s); err != nil {
		log.Warn("tracking failed", "tag", tag, "err", err)
	}
}

func (b *base) closeTracker() {
	if err := b.tracker.Close(); err != nil {
		log.Warn("closing tracker", "err", err)
	}
}

// featureConfig converts the audio section of a config.
func featureConfig(a config.Audio) audio.FeatureConfig {
	return audio.FeatureConfig{
		Type:        a.FeatType,
		Dim:         a.FeatDim,
		FrameLength: a.FrameLength,
		FrameShift:  a.FrameShift,
		SampleRate:  a.SampleRate,
		Dither:      a.Dither,
		CMVN:        a.ApplyCMVN,
		DeltaOrder:  a.DeltaOrder,
		DeltaWindow: a.DeltaWindowSize,
	}
}

// frontEnd builds the feature extractor, through the upstream named on the
// command line when there is one.
func (b *base) frontEnd(ctx context.Context, a config.Audio) (*audio.Extractor, *upstream.Upstream, error) {
	fc := featureConfig(a)
	if b.paras.Upstream == "" {
		fe, err := audio.NewExtractor(fc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build front-end: %w", err)
		}
		return fe, nil, nil
	}
	up, err := upstream.New(ctx, upstream.Options{
		Name:             b.paras.Upstream,
		FeatureSelection: b.paras.UpstreamFeatureSelection,
		Refresh:          b.paras.UpstreamRefresh,
		Ckpt:             b.paras.UpstreamCkpt,
		Trainable:        b.paras.UpstreamTrainable,
		SameStride:       b.paras.UpstreamSameStride,
	}, fc, b.env.Fetcher)
	if err != nil {
		return nil, nil, err
	}
	return up.Extractor(), up, nil
}

// encoder loads the vocabulary named by t, or builds one from transcripts
// and stores it in the checkpoint dir.
func (b *base) encoder(t config.Text, transcripts []string) (text.Encoder, error) {
	if t.VocabFile != "" {
		return text.Load(t.Mode, t.VocabFile)
	}
	enc, err := text.Build(t.Mode, transcripts)
	if err != nil {
		return nil, err
	}
	if b.master() {
		if err := os.MkdirAll(b.ckpdir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
		if err := text.Save(enc, filepath.Join(b.ckpdir, vocabFile)); err != nil {
			return nil, err
		}
	}
	log.Info("built vocabulary", "mode", t.Mode, "size", enc.VocabSize())
	return enc, nil
}

// dropoutRNG is the per rank stream for dropout masks and shuffling.
func (b *base) dropoutRNG() *rand.Rand {
	return b.env.Seed.Fork(1<<20 + b.rank())
}

// newOptimizer builds the optimizer described by the hyper-parameters.
func (b *base) newOptimizer() *torch.AdamW {
	h := b.cfg.Hparas
	wd := float32(h.WeightDecay)
	if h.Optimizer == "adam" && wd != 0 {
		log.Warn("weight decay is decoupled as in adamw", "weight_decay", wd)
	}
	return &torch.AdamW{
		LR:          float32(h.LR),
		Beta1:       float32(h.Beta1),
		Beta2:       float32(h.Beta2),
		Eps:         float32(h.Eps),
		WeightDecay: wd,
	}
}

// lr is the learning rate for the current step.
func (b *base) lr() float32 {
	h := b.cfg.Hparas
	if h.LRScheduler == "warmup" {
		return torch.WarmupLR(float32(h.LR), b.step+1, h.WarmupStep)
	}
	return float32(h.LR)
}

// update averages gradients across ranks, clips them and takes an optimizer
// step. A NaN gradient norm skips the step.
func (b *base) update(ctx context.Context, params, grads []float32, frozen []bool) (float32, error) {
	if b.world() > 1 {
		if err := b.env.Group.AllReduce(ctx, grads); err != nil {
			return 0, fmt.Errorf("failed to average gradients: %w", err)
		}
		scale := 1 / float32(b.world())
		for i := range grads {
			grads[i] *= scale
		}
	}
	norm := torch.ClipGradNorm(grads, float32(b.cfg.Hparas.GradClip))
	if torch.IsNaN(norm) {
		b.warning("grad norm is NaN at step %d, skipping update", b.step)
		return norm, nil
	}
	b.opt.LR = b.lr()
	b.opt.Update(params, grads, frozen)
	return norm, nil
}

// syncParams makes every rank start from the parameters of rank 0.
func (b *base) syncParams(ctx context.Context, params []float32) error {
	if b.world() <= 1 {
		return nil
	}
	if err := b.env.Group.Broadcast(ctx, params); err != nil {
		return fmt.Errorf("failed to broadcast parameters: %w", err)
	}
	return nil
}

// loadInit restores the checkpoint given with --load into a training run and
// returns the best metric it recorded.
func (b *base) loadInit(restore func(*model.Checkpoint) error, numParams int) (float32, bool, error) {
	if b.paras.Load == "" {
		return 0, false, nil
	}
	ck, err := model.Load(b.paras.Load, !b.paras.ReinitOptimizer)
	if err != nil {
		return 0, false, err
	}
	if err := ck.CheckDistributed(b.distributed(), b.paras.LoadDDPToNonDDP, b.paras.LoadNonDDPToDDP); err != nil {
		return 0, false, err
	}
	if err := restore(ck); err != nil {
		return 0, false, err
	}
	if ck.Optimizer != nil && len(ck.Optimizer.FirstMomentEstimates) == numParams {
		b.opt.FirstMomentEstimates = ck.Optimizer.FirstMomentEstimates
		b.opt.SecondMomentEstimates = ck.Optimizer.SecondMomentEstimates
		b.opt.Step = ck.Optimizer.Step
	}
	b.step = ck.Step
	log.Info("loaded checkpoint", "path", b.paras.Load, "step", b.step, "optimizer", ck.Optimizer != nil)
	return ck.Metric, true, nil
}

// save writes a checkpoint named name in the experiment checkpoint dir.
// Only the master process writes.
func (b *base) save(name string, ck *model.Checkpoint) error {
	if !b.master() {
		return nil
	}
	path := filepath.Join(b.ckpdir, name+".ckpt")
	if err := model.Save(path, ck); err != nil {
		return err
	}
	log.Debug("saved checkpoint", "path", path, "step", ck.Step, "metric", ck.Metric)
	return nil
}

// barrier waits for every rank.
func (b *base) barrier(ctx context.Context) error {
	if b.world() <= 1 {
		return nil
	}
	return b.env.Group.Barrier(ctx)
}

// asrLoader wraps a featurized split with the loader options of a run.
func (b *base) asrLoader(samples []data.Sample, dim int, train bool) (*data.ASRLoader, error) {
	opts := data.Options{
		BatchSize: b.cfg.Data.Corpus.BatchSize,
		Prefetch:  b.paras.PinMemory,
	}
	if train {
		opts.Bucketing = b.cfg.Data.Corpus.Bucketing
		opts.DryRun = b.paras.DryRun
		if !b.paras.DryRun {
			opts.Shuffle = b.dropoutRNG()
		}
	}
	return data.NewASRLoader(samples, dim, opts)
}

func elapsed(since time.Time) string {
	return time.Since(since).Round(time.Millisecond).String()
}

func finite(v float32) bool {
	return !math.IsInf(float64(v), 0) && !math.IsNaN(float64(v))
}
