package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/e2easr/pkg/audio"
	"github.com/conneroisu/e2easr/pkg/data"
	"github.com/conneroisu/e2easr/pkg/decode"
	"github.com/conneroisu/e2easr/pkg/model"
	"github.com/conneroisu/e2easr/pkg/text"
	"github.com/conneroisu/e2easr/pkg/upstream"
)

// TrainASR trains a CTC acoustic model.
type TrainASR struct {
	base

	extractor *audio.Extractor
	up        *upstream.Upstream
	enc       text.Encoder
	train     data.Loader[*data.Batch]
	dev       data.Loader[*data.Batch]
	model     *model.ASR
	rng       *rand.Rand
	// best is the lowest dev error rate seen so far.
	best float32
}

// LoadData featurizes the train split of this rank and the whole dev split.
func (s *TrainASR) LoadData(ctx context.Context) error {
	corpus := s.cfg.Data.Corpus
	var err error
	s.extractor, s.up, err = s.frontEnd(ctx, s.cfg.Data.Audio)
	if err != nil {
		return err
	}
	trainUtts, err := data.ReadCorpus(corpus.Path, corpus.TrainSplit)
	if err != nil {
		return fmt.Errorf("failed to read train split: %w", err)
	}
	devUtts, err := data.ReadCorpus(corpus.Path, corpus.DevSplit)
	if err != nil {
		return fmt.Errorf("failed to read dev split: %w", err)
	}
	transcripts := make([]string, len(trainUtts))
	for i, u := range trainUtts {
		transcripts[i] = u.Text
	}
	if s.enc, err = s.encoder(s.cfg.Data.Text, transcripts); err != nil {
		return err
	}

	trainUtts = data.Shard(trainUtts, s.rank(), s.world())
	start := time.Now()
	trainSet, err := data.Featurize(ctx, trainUtts, s.extractor, s.enc, s.paras.NJobs, s.env.Seed)
	if err != nil {
		return err
	}
	devSet, err := data.Featurize(ctx, devUtts, s.extractor, s.enc, s.paras.NJobs, s.env.Seed)
	if err != nil {
		return err
	}
	if s.train, err = s.asrLoader(trainSet, s.extractor.Dim(), true); err != nil {
		return err
	}
	if s.dev, err = s.asrLoader(devSet, s.extractor.Dim(), false); err != nil {
		return err
	}
	log.Info("data loaded",
		"corpus", corpus.Name, "train", len(trainSet), "dev", len(devSet),
		"feat", s.cfg.Data.Audio.FeatType, "dim", s.extractor.Dim(),
		"vocab", s.enc.VocabSize(), "took", elapsed(start))
	return nil
}

// SetModel builds the acoustic model and optimizer and restores --load.
func (s *TrainASR) SetModel(ctx context.Context) error {
	m := s.cfg.Model
	if m.CTCWeight < 1 {
		log.Warn("attention decoder is not available, training with ctc only", "ctc_weight", m.CTCWeight)
	}
	cfg := model.ASRConfig{
		InputDim:  s.extractor.Dim(),
		Stack:     m.Encoder.SampleRate,
		Hidden:    m.Encoder.Dim,
		VocabSize: s.enc.VocabSize(),
		Dropout:   float32(m.Encoder.Dropout),
	}
	if s.up != nil {
		cfg.Frontend = s.up.Layers()
		cfg.FrontendTrainable = s.up.Trainable()
	}
	var err error
	if s.model, err = model.NewASR(cfg, s.env.Device, s.env.Seed); err != nil {
		return fmt.Errorf("failed to build acoustic model: %w", err)
	}
	s.opt = s.newOptimizer()
	s.rng = s.dropoutRNG()
	s.best = float32(math.Inf(1))
	best, loaded, err := s.loadInit(s.model.Restore, len(s.model.Params.Memory))
	if err != nil {
		return err
	}
	if loaded && !math.IsNaN(float64(best)) {
		s.best = best
	}
	if err := s.syncParams(ctx, s.model.Params.Memory); err != nil {
		return err
	}
	log.Info("model ready", "params", s.model.Params.Len(), "stack", cfg.Stack, "hidden", cfg.Hidden, "frontend", len(cfg.Frontend))
	return s.openTracker(ctx)
}

// Exec trains until max_step, validating every valid_step.
func (s *TrainASR) Exec(ctx context.Context) error {
	defer s.closeTracker()
	if s.paras.DryRun {
		return s.dryRun(ctx)
	}
	log.Info("training", "from_step", s.step, "max_step", s.maxStep, "batches", s.train.NumBatches())
	s.timer = time.Now()
	for s.step < s.maxStep {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := s.train.NextBatch()
		s.model.ZeroGradient()
		loss, skipped := s.model.Loss(batch, s.rng, true)
		if skipped > 0 {
			log.Debug("skipped unalignable utterances", "step", s.step, "n", skipped)
		}
		if !finite(loss) {
			// every rank has to join the collective even without a gradient
			loss = 0
		}
		norm, err := s.update(ctx, s.model.Params.Memory, s.model.Gradients.Memory, s.model.Frozen)
		if err != nil {
			return err
		}
		s.step++

		if s.step%progressStep == 0 || s.step == 1 {
			s.progress("step %d | ctc %.3f | grad %.2f | lr %.2e | %s", s.step, loss, norm, s.opt.LR, elapsed(s.timer))
			s.scalar(ctx, "train/ctc_loss", float64(loss))
			s.scalar(ctx, "train/grad_norm", float64(norm))
			s.scalar(ctx, "train/lr", float64(s.opt.LR))
		}
		if s.step%s.cfg.Hparas.ValidStep == 0 || s.step == s.maxStep {
			s.progressDone()
			if err := s.validate(ctx); err != nil {
				return err
			}
		}
	}
	s.progressDone()
	log.Info("training done", "step", s.step, "best", s.best, "took", elapsed(s.timer))
	return nil
}

// dryRun pushes every batch through forward and backward once, longest
// first, without updating the model.
func (s *TrainASR) dryRun(ctx context.Context) error {
	start := time.Now()
	for i := 0; i < s.train.NumBatches(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := s.train.NextBatch()
		s.model.ZeroGradient()
		loss, _ := s.model.Loss(batch, s.rng, true)
		s.progress("dry run %d/%d | frames %d | ctc %.3f", i+1, s.train.NumBatches(), batch.T, loss)
	}
	s.progressDone()
	log.Info("dry run done", "batches", s.train.NumBatches(), "took", elapsed(start))
	return nil
}

// metricName is the dev error rate the best checkpoint is chosen by.
func (s *TrainASR) metricName() string {
	if s.enc.Mode() == "character" {
		return "cer"
	}
	return "wer"
}

// validate decodes the dev split greedily on the master, saves the latest
// checkpoint and the best one by error rate.
func (s *TrainASR) validate(ctx context.Context) error {
	if s.master() {
		var score decode.Score
		var lossSum float64
		var lossN int
		var example string
		s.dev.Reset()
		for i := 0; i < s.dev.NumBatches(); i++ {
			batch := s.dev.NextBatch()
			if loss, _ := s.model.Loss(batch, nil, false); finite(loss) {
				lossSum += float64(loss)
				lossN++
			}
			hyps := greedyBatch(s.model, s.enc, batch)
			for b, hyp := range hyps {
				score.Add(text.Normalize(batch.Texts[b]), hyp)
			}
			if example == "" && len(hyps) > 0 {
				example = fmt.Sprintf("%s | %s", text.Normalize(batch.Texts[0]), hyps[0])
			}
		}
		rate := score.CER
		if s.metricName() == "wer" {
			rate = score.WER
		}
		metric := float32(rate.Rate())
		devLoss := math.Inf(1)
		if lossN > 0 {
			devLoss = lossSum / float64(lossN)
		}
		log.Info("validation", "step", s.step, "ctc_loss", devLoss, s.metricName(), metric)
		s.scalar(ctx, "dev/ctc_loss", devLoss)
		s.scalar(ctx, "dev/"+s.metricName(), float64(metric))
		s.sample(ctx, "dev/hypothesis", example)

		if metric < s.best {
			s.best = metric
			if err := s.save("best_ctc", s.model.Checkpoint(s.step, metric, s.distributed(), s.opt)); err != nil {
				return err
			}
			log.Info("new best", s.metricName(), metric, "step", s.step)
		}
		if err := s.save("latest", s.model.Checkpoint(s.step, s.best, s.distributed(), s.opt)); err != nil {
			return err
		}
	}
	return s.barrier(ctx)
}

// greedyBatch decodes every utterance of batch with greedy CTC.
func greedyBatch(m *model.ASR, enc text.Encoder, batch *data.Batch) []string {
	lp := m.Forward(batch.Feats, batch.B, batch.T, nil)
	V := m.Config.VocabSize
	tOut := m.OutputLen(batch.T)
	out := make([]string, batch.B)
	for b := 0; b < batch.B; b++ {
		n := m.OutputLen(batch.FeatLens[b])
		ids := decode.Greedy(lp[b*tOut*V:(b*tOut+n)*V], n, V)
		out[b] = enc.Decode(ids, false)
	}
	return out
}
