package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/e2easr/pkg/data"
	"github.com/conneroisu/e2easr/pkg/model"
	"github.com/conneroisu/e2easr/pkg/text"
)

// TrainLM trains an RNN language model on transcripts or plain text.
type TrainLM struct {
	base

	enc   text.Encoder
	train data.Loader[data.TextBatch]
	dev   data.Loader[data.TextBatch]
	model *model.LM
	rng   *rand.Rand
	// best is the lowest dev perplexity seen so far.
	best float32
}

// LoadData tokenizes the train and dev text.
func (s *TrainLM) LoadData(ctx context.Context) error {
	corpus := s.cfg.Data.Corpus
	trainLines, err := data.ReadText(corpus.Path, corpus.TrainSplit)
	if err != nil {
		return fmt.Errorf("failed to read train text: %w", err)
	}
	devLines, err := data.ReadText(corpus.Path, corpus.DevSplit)
	if err != nil {
		return fmt.Errorf("failed to read dev text: %w", err)
	}
	if s.enc, err = s.encoder(s.cfg.Data.Text, trainLines); err != nil {
		return err
	}
	seqLen := s.cfg.Hparas.SeqLen
	trainTokens := data.TokenStream(data.Shard(trainLines, s.rank(), s.world()), s.enc)
	if s.train, err = data.NewTextLoader(trainTokens, corpus.BatchSize, seqLen); err != nil {
		return err
	}
	devTokens := data.TokenStream(devLines, s.enc)
	if len(devTokens) < 2 {
		return fmt.Errorf("dev text has %d tokens", len(devTokens))
	}
	if s.dev, err = data.NewTextLoader(devTokens, 1, min(seqLen, len(devTokens)-1)); err != nil {
		return err
	}
	log.Info("data loaded", "train_tokens", len(trainTokens), "dev_tokens", len(devTokens), "vocab", s.enc.VocabSize(), "seq_len", seqLen)
	return nil
}

// SetModel builds the language model and optimizer and restores --load.
func (s *TrainLM) SetModel(ctx context.Context) error {
	m := s.cfg.Model
	cfg := model.LMConfig{
		VocabSize: s.enc.VocabSize(),
		EmbDim:    m.EmbDim,
		Hidden:    m.Dim,
		NLayers:   m.NLayers,
		Dropout:   float32(m.Dropout),
		Tying:     m.EmbTying,
	}
	var err error
	if s.model, err = model.NewLM(cfg, s.env.Device, s.env.Seed); err != nil {
		return fmt.Errorf("failed to build language model: %w", err)
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
	log.Info("model ready", "params", s.model.Params.Len(), "layers", cfg.NLayers, "hidden", cfg.Hidden, "tying", cfg.Tying)
	return s.openTracker(ctx)
}

// Exec trains until max_step, validating every valid_step.
func (s *TrainLM) Exec(ctx context.Context) error {
	defer s.closeTracker()
	B, T := s.cfg.Data.Corpus.BatchSize, s.cfg.Hparas.SeqLen
	log.Info("training", "from_step", s.step, "max_step", s.maxStep, "batches", s.train.NumBatches())
	s.timer = time.Now()
	for s.step < s.maxStep {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := s.train.NextBatch()
		s.model.ZeroGradient()
		loss := s.model.Forward(batch.Inputs, batch.Targets, B, T, s.rng)
		if err := s.model.Backward(); err != nil {
			return fmt.Errorf("failed to backward: %w", err)
		}
		norm, err := s.update(ctx, s.model.Params.Memory, s.model.Gradients.Memory, nil)
		if err != nil {
			return err
		}
		s.step++

		if s.step%progressStep == 0 || s.step == 1 {
			s.progress("step %d | loss %.3f | ppx %.2f | grad %.2f | %s", s.step, loss, model.Perplexity(loss), norm, elapsed(s.timer))
			s.scalar(ctx, "train/loss", float64(loss))
			s.scalar(ctx, "train/perplexity", float64(model.Perplexity(loss)))
			s.scalar(ctx, "train/grad_norm", float64(norm))
		}
		if s.step%s.cfg.Hparas.ValidStep == 0 || s.step == s.maxStep {
			s.progressDone()
			if err := s.validate(ctx); err != nil {
				return err
			}
		}
	}
	s.progressDone()
	log.Info("training done", "step", s.step, "best_perplexity", s.best, "took", elapsed(s.timer))
	return nil
}

// validate measures dev perplexity on the master and keeps the best and
// latest checkpoints.
func (s *TrainLM) validate(ctx context.Context) error {
	if s.master() {
		s.dev.Reset()
		var sum float64
		n := s.dev.NumBatches()
		for i := 0; i < n; i++ {
			batch := s.dev.NextBatch()
			sum += float64(s.model.Forward(batch.Inputs, batch.Targets, 1, len(batch.Inputs), nil))
		}
		ppx := model.Perplexity(float32(sum / float64(n)))
		log.Info("validation", "step", s.step, "perplexity", ppx)
		s.scalar(ctx, "dev/perplexity", float64(ppx))
		if ppx < s.best {
			s.best = ppx
			if err := s.save("best_ppx", s.model.Checkpoint(s.step, ppx, s.distributed(), s.opt)); err != nil {
				return err
			}
		}
		if err := s.save("latest", s.model.Checkpoint(s.step, s.best, s.distributed(), s.opt)); err != nil {
			return err
		}
	}
	return s.barrier(ctx)
}
