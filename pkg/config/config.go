// Package config loads experiment configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is a parsed experiment file. Train-asr, test-asr and train-lm runs
// each read the sections they need.
type Config struct {
	Data      Data      `yaml:"data"`
	Hparas    Hparas    `yaml:"hparas"`
	Model     Model     `yaml:"model"`
	Src       Src       `yaml:"src"`
	Decode    Decode    `yaml:"decode"`
	Reference Reference `yaml:"reference"`
	Tracking  Tracking  `yaml:"tracking"`

	// Path is the file the config was read from.
	Path string `yaml:"-"`
}

// Data describes the corpus and how to turn it into model inputs.
type Data struct {
	Corpus Corpus `yaml:"corpus"`
	Audio  Audio  `yaml:"audio"`
	Text   Text   `yaml:"text"`
}

// Corpus is a LibriSpeech style directory tree.
type Corpus struct {
	Name       string   `yaml:"name"`
	Path       string   `yaml:"path"`
	TrainSplit []string `yaml:"train_split"`
	DevSplit   []string `yaml:"dev_split"`
	Bucketing  bool     `yaml:"bucketing"`
	BatchSize  int      `yaml:"batch_size"`
}

// Audio configures the acoustic front-end.
type Audio struct {
	FeatType        string  `yaml:"feat_type"`
	FeatDim         int     `yaml:"feat_dim"`
	FrameLength     float64 `yaml:"frame_length"`
	FrameShift      float64 `yaml:"frame_shift"`
	Dither          float64 `yaml:"dither"`
	ApplyCMVN       bool    `yaml:"apply_cmvn"`
	DeltaOrder      int     `yaml:"delta_order"`
	DeltaWindowSize int     `yaml:"delta_window_size"`
	SampleRate      int     `yaml:"sample_rate"`
}

// Text selects the text encoder.
type Text struct {
	Mode      string `yaml:"mode"`
	VocabFile string `yaml:"vocab_file"`
}

// Hparas are the optimisation hyper-parameters.
type Hparas struct {
	ValidStep   int     `yaml:"valid_step"`
	MaxStep     int     `yaml:"max_step"`
	Optimizer   string  `yaml:"optimizer"`
	LR          float64 `yaml:"lr"`
	Eps         float64 `yaml:"eps"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	WeightDecay float64 `yaml:"weight_decay"`
	GradClip    float64 `yaml:"grad_clip"`
	LRScheduler string  `yaml:"lr_scheduler"`
	WarmupStep  int     `yaml:"warmup_step"`
	// SeqLen is the window length of language model training.
	SeqLen int `yaml:"seq_len"`
}

// Model holds the acoustic model and language model sections. ASR configs use
// CTCWeight and Encoder; LM configs use the remaining fields.
type Model struct {
	CTCWeight float64 `yaml:"ctc_weight"`
	Encoder   Encoder `yaml:"encoder"`

	EmbDim   int     `yaml:"emb_dim"`
	Dim      int     `yaml:"dim"`
	NLayers  int     `yaml:"n_layers"`
	Dropout  float64 `yaml:"dropout"`
	EmbTying bool    `yaml:"emb_tying"`
}

// Encoder is the acoustic encoder.
type Encoder struct {
	// SampleRate is the number of frames stacked into one encoder step.
	SampleRate int     `yaml:"sample_rate"`
	Dim        int     `yaml:"dim"`
	Dropout    float64 `yaml:"dropout"`
}

// Src points a test run at a trained ASR experiment.
type Src struct {
	Config string `yaml:"config"`
	Ckpt   string `yaml:"ckpt"`
}

// Decode configures test-time decoding.
type Decode struct {
	BeamSize    int      `yaml:"beam_size"`
	MinLenRatio float64  `yaml:"min_len_ratio"`
	MaxLenRatio float64  `yaml:"max_len_ratio"`
	LMPath      string   `yaml:"lm_path"`
	LMConfig    string   `yaml:"lm_config"`
	LMWeight    float64  `yaml:"lm_weight"`
	CTCWeight   float64  `yaml:"ctc_weight"`
	TestSplit   []string `yaml:"test_split"`
}

// Reference is an optional sherpa-onnx transducer decoded next to the
// trained model for comparison.
type Reference struct {
	Encoder    string `yaml:"encoder"`
	Decoder    string `yaml:"decoder"`
	Joiner     string `yaml:"joiner"`
	Tokens     string `yaml:"tokens"`
	ModelType  string `yaml:"model_type"`
	NumThreads int    `yaml:"num_threads"`
}

// Enabled reports whether a reference model is configured.
func (r Reference) Enabled() bool {
	return r.Encoder != "" && r.Decoder != "" && r.Joiner != "" && r.Tokens != ""
}

// Tracking lists the optional external experiment trackers.
type Tracking struct {
	Postgres      Postgres      `yaml:"postgres"`
	Elasticsearch Elasticsearch `yaml:"elasticsearch"`
}

// Postgres tracker connection.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// Elasticsearch tracker connection.
type Elasticsearch struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Path = path
	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// resolvePaths makes file references relative to the config file absolute
// with respect to it.
func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{
		&c.Data.Corpus.Path,
		&c.Data.Text.VocabFile,
		&c.Src.Config,
		&c.Src.Ckpt,
		&c.Decode.LMPath,
		&c.Decode.LMConfig,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			if _, err := os.Stat(*p); err != nil {
				*p = filepath.Join(dir, *p)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	d := &c.Data
	if d.Corpus.BatchSize == 0 {
		d.Corpus.BatchSize = 16
	}
	if d.Audio.FeatType == "" {
		d.Audio.FeatType = "fbank"
	}
	if d.Audio.FeatDim == 0 {
		d.Audio.FeatDim = 40
	}
	if d.Audio.FrameLength == 0 {
		d.Audio.FrameLength = 25
	}
	if d.Audio.FrameShift == 0 {
		d.Audio.FrameShift = 10
	}
	if d.Audio.SampleRate == 0 {
		d.Audio.SampleRate = 16000
	}
	if d.Audio.DeltaWindowSize == 0 {
		d.Audio.DeltaWindowSize = 2
	}
	if d.Text.Mode == "" {
		d.Text.Mode = "character"
	}
	h := &c.Hparas
	if h.ValidStep == 0 {
		h.ValidStep = 1000
	}
	if h.MaxStep == 0 {
		h.MaxStep = 10000
	}
	if h.Optimizer == "" {
		h.Optimizer = "adamw"
	}
	if h.LR == 0 {
		h.LR = 1e-3
	}
	if h.Eps == 0 {
		h.Eps = 1e-8
	}
	if h.Beta1 == 0 {
		h.Beta1 = 0.9
	}
	if h.Beta2 == 0 {
		h.Beta2 = 0.999
	}
	if h.GradClip == 0 {
		h.GradClip = 5
	}
	if h.SeqLen == 0 {
		h.SeqLen = 64
	}
	if h.LRScheduler == "" {
		h.LRScheduler = "fixed"
	}
	m := &c.Model
	if m.Encoder.SampleRate == 0 {
		m.Encoder.SampleRate = 1
	}
	if m.Encoder.Dim == 0 {
		m.Encoder.Dim = 256
	}
	if m.CTCWeight == 0 {
		m.CTCWeight = 1
	}
	if m.EmbDim == 0 {
		m.EmbDim = 128
	}
	if m.Dim == 0 {
		m.Dim = 256
	}
	if m.NLayers == 0 {
		m.NLayers = 1
	}
	if c.Decode.BeamSize == 0 {
		c.Decode.BeamSize = 1
	}
	if c.Decode.CTCWeight == 0 {
		c.Decode.CTCWeight = 1
	}
	if c.Decode.MaxLenRatio == 0 {
		c.Decode.MaxLenRatio = 1
	}
	if c.Reference.ModelType == "" {
		c.Reference.ModelType = "zipformer2"
	}
	if c.Reference.NumThreads == 0 {
		c.Reference.NumThreads = 1
	}
	if c.Tracking.Elasticsearch.Index == "" {
		c.Tracking.Elasticsearch.Index = "e2easr"
	}
}

func (c *Config) validate() error {
	switch c.Data.Audio.FeatType {
	case "fbank", "mfcc", "spectrogram":
	default:
		return fmt.Errorf("unknown feat_type %q", c.Data.Audio.FeatType)
	}
	switch c.Data.Text.Mode {
	case "character", "word", "subword":
	default:
		return fmt.Errorf("unknown text mode %q", c.Data.Text.Mode)
	}
	if c.Hparas.Optimizer != "adamw" && c.Hparas.Optimizer != "adam" {
		return fmt.Errorf("unsupported optimizer %q", c.Hparas.Optimizer)
	}
	if c.Hparas.LRScheduler != "fixed" && c.Hparas.LRScheduler != "warmup" {
		return fmt.Errorf("unsupported lr_scheduler %q", c.Hparas.LRScheduler)
	}
	if c.Data.Corpus.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	for name, v := range map[string]int{
		"valid_step": c.Hparas.ValidStep,
		"max_step":   c.Hparas.MaxStep,
		"seq_len":    c.Hparas.SeqLen,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.Model.CTCWeight < 0 || c.Model.CTCWeight > 1 {
		return fmt.Errorf("ctc_weight must be within [0, 1], got %g", c.Model.CTCWeight)
	}
	if c.Decode.CTCWeight < 0 || c.Decode.CTCWeight > 1 {
		return fmt.Errorf("decode ctc_weight must be within [0, 1], got %g", c.Decode.CTCWeight)
	}
	if c.Data.Audio.DeltaOrder < 0 || c.Data.Audio.DeltaOrder > 2 {
		return fmt.Errorf("delta_order must be 0, 1 or 2")
	}
	return nil
}
