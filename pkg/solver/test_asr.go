package solver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/e2easr/pkg/audio"
	"github.com/conneroisu/e2easr/pkg/config"
	"github.com/conneroisu/e2easr/pkg/data"
	"github.com/conneroisu/e2easr/pkg/decode"
	"github.com/conneroisu/e2easr/pkg/model"
	"github.com/conneroisu/e2easr/pkg/reference"
	"github.com/conneroisu/e2easr/pkg/text"
)

// TestASR decodes test splits with a trained acoustic model.
type TestASR struct {
	base

	src       *config.Config
	extractor *audio.Extractor
	enc       text.Encoder
	splits    []testSplit
	model     *model.ASR
	lm        *model.LM
	ref       *reference.Recognizer
}

type testSplit struct {
	name    string
	utts    []data.Utterance
	samples []data.Sample
}

// LoadData reads the experiment that produced the model and featurizes the
// test splits the same way it featurized its training data.
func (s *TestASR) LoadData(ctx context.Context) error {
	if s.cfg.Src.Config == "" || s.cfg.Src.Ckpt == "" {
		return fmt.Errorf("test config needs src.config and src.ckpt")
	}
	var err error
	if s.src, err = config.Load(s.cfg.Src.Config); err != nil {
		return fmt.Errorf("failed to load source experiment: %w", err)
	}
	if s.extractor, _, err = s.frontEnd(ctx, s.src.Data.Audio); err != nil {
		return err
	}
	vocab := s.src.Data.Text
	if vocab.VocabFile == "" {
		vocab.VocabFile = filepath.Join(filepath.Dir(s.cfg.Src.Ckpt), vocabFile)
	}
	if s.enc, err = text.Load(vocab.Mode, vocab.VocabFile); err != nil {
		return err
	}

	root := s.cfg.Data.Corpus.Path
	if root == "" {
		root = s.src.Data.Corpus.Path
	}
	names := s.cfg.Decode.TestSplit
	if len(names) == 0 {
		names = s.src.Data.Corpus.DevSplit
	}
	if len(names) == 0 {
		return fmt.Errorf("no test split configured")
	}
	for _, name := range names {
		utts, err := data.ReadCorpus(root, []string{name})
		if err != nil {
			return fmt.Errorf("failed to read split %s: %w", name, err)
		}
		samples, err := data.Featurize(ctx, utts, s.extractor, s.enc, s.paras.NJobs, s.env.Seed)
		if err != nil {
			return err
		}
		s.splits = append(s.splits, testSplit{name: name, utts: utts, samples: samples})
		log.Info("test split loaded", "split", name, "utterances", len(samples))
	}
	return nil
}

// SetModel restores the acoustic model, the optional language model and the
// optional reference recognizer.
func (s *TestASR) SetModel(ctx context.Context) error {
	ck, err := model.Load(s.cfg.Src.Ckpt, false)
	if err != nil {
		return err
	}
	if err := ck.CheckDistributed(s.distributed(), s.paras.LoadDDPToNonDDP, s.paras.LoadNonDDPToDDP); err != nil {
		return err
	}
	cfg, err := model.ASRConfigFromDims(ck.Dims)
	if err != nil {
		return err
	}
	if cfg.InputDim != s.extractor.Dim() {
		return fmt.Errorf("model expects %d dim features, front-end gives %d", cfg.InputDim, s.extractor.Dim())
	}
	if cfg.VocabSize != s.enc.VocabSize() {
		return fmt.Errorf("model vocabulary has %d tokens, vocab file %d", cfg.VocabSize, s.enc.VocabSize())
	}
	if s.model, err = model.NewASR(cfg, s.env.Device, nil); err != nil {
		return err
	}
	if err := s.model.Restore(ck); err != nil {
		return err
	}
	log.Info("model restored", "ckpt", s.cfg.Src.Ckpt, "step", ck.Step)

	d := s.cfg.Decode
	if d.CTCWeight < 1 {
		log.Warn("attention decoder is not available, decoding with ctc only", "ctc_weight", d.CTCWeight)
	}
	log.Debug("length ratios do not constrain ctc decoding", "min_len_ratio", d.MinLenRatio, "max_len_ratio", d.MaxLenRatio)
	if d.LMPath != "" && d.LMWeight > 0 {
		if s.lm, err = loadLM(d.LMPath); err != nil {
			return err
		}
		if s.lm.Config.VocabSize != cfg.VocabSize {
			return fmt.Errorf("language model vocabulary has %d tokens, acoustic model %d", s.lm.Config.VocabSize, cfg.VocabSize)
		}
		log.Info("language model restored", "ckpt", d.LMPath, "weight", d.LMWeight)
	}

	if s.cfg.Reference.Enabled() {
		if s.ref, err = reference.New(s.cfg.Reference, s.src.Data.Audio.SampleRate); err != nil {
			return fmt.Errorf("failed to load reference model: %w", err)
		}
	}
	return s.openTracker(ctx)
}

// loadLM restores a language model checkpoint.
func loadLM(path string) (*model.LM, error) {
	ck, err := model.Load(path, false)
	if err != nil {
		return nil, err
	}
	cfg, err := model.LMConfigFromDims(ck.Dims)
	if err != nil {
		return nil, err
	}
	lm, err := model.NewLM(cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	return lm, lm.Restore(ck)
}

// Exec decodes every split on the master and writes one tsv per split.
func (s *TestASR) Exec(ctx context.Context) error {
	defer s.closeTracker()
	if s.ref != nil {
		defer s.ref.Close()
	}
	if !s.master() {
		log.Info("decoding runs on rank 0")
		return s.barrier(ctx)
	}
	for _, split := range s.splits {
		if err := s.decodeSplit(ctx, split); err != nil {
			return err
		}
		if s.ref != nil {
			if err := s.referenceSplit(ctx, split); err != nil {
				return err
			}
		}
	}
	return s.barrier(ctx)
}

func (s *TestASR) method() string {
	if s.cfg.Decode.BeamSize > 1 {
		return "beam"
	}
	return "greedy"
}

// decodeSplit runs the acoustic model batch by batch, then searches every
// utterance on njobs workers.
func (s *TestASR) decodeSplit(ctx context.Context, split testSplit) error {
	start := time.Now()
	loader, err := s.asrLoader(split.samples, s.extractor.Dim(), false)
	if err != nil {
		return err
	}
	V := s.model.Config.VocabSize
	var posts [][]float32
	var lens []int
	var refs []string
	var ids []string
	for i := 0; i < loader.NumBatches(); i++ {
		batch := loader.NextBatch()
		lp := s.model.Forward(batch.Feats, batch.B, batch.T, nil)
		tOut := s.model.OutputLen(batch.T)
		for b := 0; b < batch.B; b++ {
			n := s.model.OutputLen(batch.FeatLens[b])
			posts = append(posts, append([]float32(nil), lp[b*tOut*V:(b*tOut+n)*V]...))
			lens = append(lens, n)
			refs = append(refs, text.Normalize(batch.Texts[b]))
			ids = append(ids, batch.IDs[b])
		}
		s.progress("%s: forward %d/%d", split.name, i+1, loader.NumBatches())
	}

	hyps := make([]string, len(posts))
	opts := decode.Options{BeamSize: s.cfg.Decode.BeamSize, LMWeight: float32(s.cfg.Decode.LMWeight)}
	err = decode.Parallel(ctx, len(posts), s.paras.NJobs, func(i int) {
		var tokens []int32
		switch {
		case s.method() == "greedy":
			tokens = decode.Greedy(posts[i], lens[i], V)
		case s.lm != nil:
			tokens = decode.Beam[*model.State](posts[i], lens[i], V, opts, s.lm)[0].Tokens
		default:
			tokens = decode.Beam[*model.State](posts[i], lens[i], V, opts, nil)[0].Tokens
		}
		hyps[i] = s.enc.Decode(tokens, false)
	})
	if err != nil {
		return err
	}
	s.progressDone()

	var score decode.Score
	for i := range hyps {
		score.Add(refs[i], hyps[i])
	}
	path := filepath.Join(s.outdir, fmt.Sprintf("%s_%s.tsv", split.name, s.method()))
	if err := writeTSV(path, ids, hyps, refs); err != nil {
		return err
	}
	log.Info("decoded", "split", split.name, "method", s.method(), "utterances", len(hyps),
		"wer", score.WER.Rate(), "cer", score.CER.Rate(), "output", path, "took", elapsed(start))
	s.scalar(ctx, fmt.Sprintf("test/%s/wer", split.name), score.WER.Rate())
	s.scalar(ctx, fmt.Sprintf("test/%s/cer", split.name), score.CER.Rate())
	if len(hyps) > 0 {
		s.sample(ctx, fmt.Sprintf("test/%s/hypothesis", split.name), hyps[0])
	}
	return nil
}

// referenceSplit decodes the raw audio of split with the reference model.
func (s *TestASR) referenceSplit(ctx context.Context, split testSplit) error {
	hyps := make([]string, len(split.utts))
	errs := make([]error, len(split.utts))
	err := decode.Parallel(ctx, len(split.utts), s.paras.NJobs, func(i int) {
		w, err := audio.ReadFile(split.utts[i].Audio)
		if err != nil {
			errs[i] = err
			return
		}
		hyps[i], errs[i] = s.ref.Transcribe(w)
	})
	if err != nil {
		return err
	}
	ids := make([]string, len(split.utts))
	refs := make([]string, len(split.utts))
	var score decode.Score
	for i, u := range split.utts {
		if errs[i] != nil {
			return fmt.Errorf("reference on utterance %s: %w", u.ID, errs[i])
		}
		ids[i], refs[i] = u.ID, text.Normalize(u.Text)
		score.Add(refs[i], hyps[i])
	}
	path := filepath.Join(s.outdir, split.name+"_reference.tsv")
	if err := writeTSV(path, ids, hyps, refs); err != nil {
		return err
	}
	log.Info("reference decoded", "split", split.name, "wer", score.WER.Rate(), "cer", score.CER.Rate(), "output", path)
	s.scalar(ctx, fmt.Sprintf("test/%s/reference_wer", split.name), score.WER.Rate())
	return nil
}

// writeTSV writes one idx, hypothesis, truth row per utterance.
func writeTSV(path string, ids, hyps, refs []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "idx\thyp\ttruth")
	for i := range ids {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ids[i], hyps[i], refs[i])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
