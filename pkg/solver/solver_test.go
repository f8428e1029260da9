package solver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/e2easr/pkg/config"
	"github.com/conneroisu/e2easr/pkg/data/datatest"
	"github.com/conneroisu/e2easr/pkg/device"
	"github.com/conneroisu/e2easr/pkg/model"
	"github.com/conneroisu/e2easr/pkg/option"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/upstream"
)

var (
	trainText = map[string]string{
		"19-198-0000": "a cab",
		"19-198-0001": "bad cab",
		"19-198-0002": "a bead",
		"19-198-0003": "dab a bed",
	}
	devText = map[string]string{
		"19-198-0100": "a bad cab",
		"19-198-0101": "bead",
	}
)

// workspace holds a synthetic corpus and the experiment dirs of a test.
type workspace struct {
	dir    string
	corpus string
}

func newWorkspace(t *testing.T) workspace {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus")
	datatest.Write(t, corpus, "train", trainText)
	datatest.Write(t, corpus, "dev", devText)
	return workspace{dir: dir, corpus: corpus}
}

func (w workspace) config(t *testing.T, name, body string) string {
	path := filepath.Join(w.dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (w workspace) asrConfig(t *testing.T, maxStep int) string {
	return w.config(t, "asr", fmt.Sprintf(`
data:
  corpus: {name: synthetic, path: %s, train_split: [train], dev_split: [dev], batch_size: 2, bucketing: true}
  audio: {feat_type: fbank, feat_dim: 8, frame_length: 25, frame_shift: 10, sample_rate: %d, apply_cmvn: true}
  text: {mode: character}
hparas: {valid_step: 5, max_step: %d, lr: 0.01, lr_scheduler: warmup, warmup_step: 4}
model:
  ctc_weight: 1.0
  encoder: {sample_rate: 2, dim: 16}
`, w.corpus, datatest.SampleRate, maxStep))
}

func (w workspace) paras(cfgPath, name string) *option.Paras {
	p := &option.Paras{
		Config:    cfgPath,
		Name:      name,
		LogDir:    filepath.Join(w.dir, "log"),
		CkpDir:    filepath.Join(w.dir, "ckpt"),
		OutDir:    filepath.Join(w.dir, "result"),
		NJobs:     2,
		CPU:       true,
		NoMsg:     true,
		LocalRank: option.NoLocalRank,
		Backend:   "nccl",
	}
	p.Finalize()
	return p
}

func run(t *testing.T, p *option.Paras) (Solver, error) {
	t.Helper()
	require.NoError(t, p.Validate())
	cfg, err := config.Load(p.Config)
	require.NoError(t, err)
	kind, mode, err := p.Select()
	require.NoError(t, err)
	s, err := New(kind, mode, cfg, p, Env{Device: device.Select(p.GPU, 0), Seed: seed.New(p.Seed), Out: io.Discard})
	require.NoError(t, err)
	ctx := context.Background()
	if err := s.LoadData(ctx); err != nil {
		return s, err
	}
	if err := s.SetModel(ctx); err != nil {
		return s, err
	}
	return s, s.Exec(ctx)
}

func readLines(t *testing.T, path string) []string {
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestTrainASRWritesCheckpointsAndMetrics(t *testing.T) {
	w := newWorkspace(t)
	p := w.paras(w.asrConfig(t, 10), "asr")
	s, err := run(t, p)
	require.NoError(t, err)
	assert.IsType(t, &TrainASR{}, s)

	ckdir := filepath.Join(w.dir, "ckpt", "asr")
	for _, f := range []string{"best_ctc.ckpt", "latest.ckpt", "vocab.txt"} {
		assert.FileExists(t, filepath.Join(ckdir, f))
	}
	latest, err := model.Load(filepath.Join(ckdir, "latest.ckpt"), true)
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Step)
	assert.Equal(t, model.KindASR, latest.Kind)
	assert.False(t, latest.Distributed)
	require.NotNil(t, latest.Optimizer)
	assert.Equal(t, 10, latest.Optimizer.Step)

	metrics := strings.Join(readLines(t, filepath.Join(w.dir, "log", "asr", "metrics.log")), "\n")
	assert.Contains(t, metrics, "tag=train/ctc_loss")
	assert.Contains(t, metrics, "tag=dev/cer")
}

func TestTrainASRResumesFromLoad(t *testing.T) {
	w := newWorkspace(t)
	_, err := run(t, w.paras(w.asrConfig(t, 5), "first"))
	require.NoError(t, err)

	p := w.paras(w.asrConfig(t, 8), "second")
	p.Load = filepath.Join(w.dir, "ckpt", "first", "latest.ckpt")
	_, err = run(t, p)
	require.NoError(t, err)
	latest, err := model.Load(filepath.Join(w.dir, "ckpt", "second", "latest.ckpt"), true)
	require.NoError(t, err)
	assert.Equal(t, 8, latest.Step)
	assert.Equal(t, 8, latest.Optimizer.Step)

	p = w.paras(w.asrConfig(t, 8), "third")
	p.Load = filepath.Join(w.dir, "ckpt", "first", "latest.ckpt")
	p.ReinitOptimizer = true
	_, err = run(t, p)
	require.NoError(t, err)
	latest, err = model.Load(filepath.Join(w.dir, "ckpt", "third", "latest.ckpt"), true)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Optimizer.Step)
}

func TestTrainASRResumeKeepsPerfectBest(t *testing.T) {
	w := newWorkspace(t)
	_, err := run(t, w.paras(w.asrConfig(t, 5), "first"))
	require.NoError(t, err)
	ck, err := model.Load(filepath.Join(w.dir, "ckpt", "first", "latest.ckpt"), true)
	require.NoError(t, err)
	ck.Metric = 0
	perfect := filepath.Join(w.dir, "perfect.ckpt")
	require.NoError(t, model.Save(perfect, ck))

	p := w.paras(w.asrConfig(t, 8), "resumed")
	p.Load = perfect
	s, err := run(t, p)
	require.NoError(t, err)
	assert.Equal(t, float32(0), s.(*TrainASR).best)
	latest, err := model.Load(filepath.Join(w.dir, "ckpt", "resumed", "latest.ckpt"), false)
	require.NoError(t, err)
	assert.Equal(t, float32(0), latest.Metric)
	assert.NoFileExists(t, filepath.Join(w.dir, "ckpt", "resumed", "best_ctc.ckpt"))
}

func TestTrainASRRejectsDistributedCheckpoint(t *testing.T) {
	w := newWorkspace(t)
	_, err := run(t, w.paras(w.asrConfig(t, 5), "plain"))
	require.NoError(t, err)
	path := filepath.Join(w.dir, "ckpt", "plain", "latest.ckpt")
	ck, err := model.Load(path, true)
	require.NoError(t, err)
	ck.Distributed = true
	ddp := filepath.Join(w.dir, "ddp.ckpt")
	require.NoError(t, model.Save(ddp, ck))

	p := w.paras(w.asrConfig(t, 6), "convert")
	p.Load = ddp
	_, err = run(t, p)
	assert.ErrorIs(t, err, model.ErrDistributedMismatch)

	p.LoadDDPToNonDDP = true
	_, err = run(t, p)
	assert.NoError(t, err)
}

func TestTrainASRDryRun(t *testing.T) {
	w := newWorkspace(t)
	p := w.paras(w.asrConfig(t, 10), "dry")
	p.DryRun = true
	_, err := run(t, p)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(w.dir, "ckpt", "dry", "latest.ckpt"))
}

func TestTrainLMThenDecodeWithFusion(t *testing.T) {
	w := newWorkspace(t)
	_, err := run(t, w.paras(w.asrConfig(t, 10), "asr"))
	require.NoError(t, err)
	ckdir := filepath.Join(w.dir, "ckpt")

	lmCfg := w.config(t, "lm", fmt.Sprintf(`
data:
  corpus: {path: %s, train_split: [train], dev_split: [dev], batch_size: 2}
  text: {mode: character, vocab_file: %s}
hparas: {valid_step: 4, max_step: 8, lr: 0.01, seq_len: 6}
model: {emb_dim: 8, dim: 8, n_layers: 1, emb_tying: true}
`, w.corpus, filepath.Join(ckdir, "asr", "vocab.txt")))
	lmParas := w.paras(lmCfg, "lm")
	lmParas.LM = true
	s, err := run(t, lmParas)
	require.NoError(t, err)
	assert.IsType(t, &TrainLM{}, s)
	best, err := model.Load(filepath.Join(ckdir, "lm", "best_ppx.ckpt"), false)
	require.NoError(t, err)
	assert.Equal(t, model.KindLM, best.Kind)
	assert.Greater(t, best.Metric, float32(1))

	testCfg := w.config(t, "decode", fmt.Sprintf(`
src: {config: %s, ckpt: %s}
decode: {beam_size: 3, lm_path: %s, lm_weight: 0.3, test_split: [dev]}
`, filepath.Join(w.dir, "asr.yaml"), filepath.Join(ckdir, "asr", "best_ctc.ckpt"), filepath.Join(ckdir, "lm", "best_ppx.ckpt")))
	testParas := w.paras(testCfg, "decode")
	testParas.Test = true
	s, err = run(t, testParas)
	require.NoError(t, err)
	assert.IsType(t, &TestASR{}, s)

	lines := readLines(t, filepath.Join(w.dir, "result", "decode", "dev_beam.tsv"))
	require.Len(t, lines, 1+len(devText))
	assert.Equal(t, "idx\thyp\ttruth", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "19-198-0100\t"))
	assert.True(t, strings.HasSuffix(lines[1], "\ta bad cab"))
}

func TestTestASRGreedy(t *testing.T) {
	w := newWorkspace(t)
	_, err := run(t, w.paras(w.asrConfig(t, 5), "asr"))
	require.NoError(t, err)
	testCfg := w.config(t, "greedy", fmt.Sprintf(`
src: {config: %s, ckpt: %s}
`, filepath.Join(w.dir, "asr.yaml"), filepath.Join(w.dir, "ckpt", "asr", "latest.ckpt")))
	p := w.paras(testCfg, "greedy")
	p.Test = true
	_, err = run(t, p)
	require.NoError(t, err)
	lines := readLines(t, filepath.Join(w.dir, "result", "greedy", "dev_greedy.tsv"))
	assert.Len(t, lines, 1+len(devText))
}

// projection writes a one layer upstream stack from feat to out dims.
func projection(t *testing.T, dir string, feat, out int) (string, upstream.Layer) {
	l := upstream.Layer{In: feat, Out: out, W: make([]float32, feat*out), B: make([]float32, out)}
	for j := range l.W {
		l.W[j] = float32(j%5-2) * 0.1
	}
	path := filepath.Join(dir, "proj.ckpt")
	require.NoError(t, upstream.SaveLayers(path, []upstream.Layer{l}))
	return path, l
}

func TestTrainAndTestThroughUpstream(t *testing.T) {
	upstream.Register("tiny-proj", upstream.Entry{FeatType: "fbank", FrameShift: 10, NeedsCkpt: true})
	w := newWorkspace(t)
	ckpt, layer := projection(t, w.dir, 8, 6)
	asrCfg := w.asrConfig(t, 5)

	frozen := w.paras(asrCfg, "frozen")
	frozen.Upstream, frozen.UpstreamCkpt = "tiny-proj", ckpt
	s, err := run(t, frozen)
	require.NoError(t, err)
	m := s.(*TrainASR).model
	require.Len(t, m.Config.Frontend, 1)
	assert.True(t, m.Frozen[0])
	assert.False(t, m.Frozen[len(m.Frozen)-1])
	ck, err := model.Load(filepath.Join(w.dir, "ckpt", "frozen", "latest.ckpt"), false)
	require.NoError(t, err)
	assert.Equal(t, layer.W, ck.Params[:len(layer.W)], "frozen projection is not updated")

	tuned := w.paras(asrCfg, "tuned")
	tuned.Upstream, tuned.UpstreamCkpt = "tiny-proj", ckpt
	tuned.UpstreamTrainable, tuned.UpstreamSameStride = true, true
	s, err = run(t, tuned)
	require.NoError(t, err)
	assert.NotContains(t, s.(*TrainASR).model.Frozen, true)
	ck, err = model.Load(filepath.Join(w.dir, "ckpt", "tuned", "latest.ckpt"), false)
	require.NoError(t, err)
	assert.NotEqual(t, layer.W, ck.Params[:len(layer.W)])

	testCfg := w.config(t, "upstream-test", fmt.Sprintf(`
src: {config: %s, ckpt: %s}
`, asrCfg, filepath.Join(w.dir, "ckpt", "frozen", "latest.ckpt")))
	p := w.paras(testCfg, "upstream-test")
	p.Test = true
	p.Upstream, p.UpstreamCkpt = "tiny-proj", ckpt
	s, err = run(t, p)
	require.NoError(t, err)
	restored := s.(*TestASR).model
	assert.Equal(t, 8, restored.Config.InputDim)
	require.Len(t, restored.Config.Frontend, 1)
	assert.Equal(t, upstream.Layer{In: 8, Out: 6}, restored.Config.Frontend[0])
	assert.Equal(t, layer.W, restored.Params.Memory[:len(layer.W)])
	assert.FileExists(t, filepath.Join(w.dir, "result", "upstream-test", "dev_greedy.tsv"))
}

func TestTestASRNeedsSource(t *testing.T) {
	w := newWorkspace(t)
	p := w.paras(w.config(t, "nosrc", "decode: {beam_size: 1}\n"), "nosrc")
	p.Test = true
	_, err := run(t, p)
	assert.ErrorContains(t, err, "src.config")
}

func TestNewErrors(t *testing.T) {
	_, err := New(option.TrainASR, option.ModeTrain, nil, &option.Paras{}, Env{})
	assert.Error(t, err)
	_, err = New(option.Kind(9), option.ModeTrain, &config.Config{}, &option.Paras{}, Env{Out: io.Discard})
	assert.Error(t, err)
}

func TestExpName(t *testing.T) {
	assert.Equal(t, "libri_asr_sd7", expName("config/libri/libri_asr.yaml", 7))
	assert.Equal(t, "lm_sd0", expName("lm.yml", 0))
}
