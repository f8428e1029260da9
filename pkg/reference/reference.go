// Package reference decodes utterances with a pretrained sherpa-onnx
// transducer so that test runs can report a baseline next to the trained
// model.
package reference

import (
	"fmt"
	"os"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/conneroisu/e2easr/pkg/audio"
	"github.com/conneroisu/e2easr/pkg/config"
	"github.com/conneroisu/e2easr/pkg/text"
)

// featureDim is the fbank size sherpa-onnx transducers are exported with.
const featureDim = 80

// tailPadding is the silence appended after an utterance so the encoder
// emits its last frames.
const tailPadding = 0.3

// Recognizer is an online transducer recognizer. Streams are created per
// utterance; the recognizer itself is shared and guarded by mu.
type Recognizer struct {
	mu         sync.Mutex
	recognizer *sherpa.OnlineRecognizer
	sampleRate int
}

// New loads the model files named in cfg.
func New(cfg config.Reference, sampleRate int) (*Recognizer, error) {
	for _, path := range []string{cfg.Encoder, cfg.Decoder, cfg.Joiner, cfg.Tokens} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("file not found: %s", path)
		}
	}

	rc := sherpa.OnlineRecognizerConfig{}
	rc.FeatConfig.SampleRate = sampleRate
	rc.FeatConfig.FeatureDim = featureDim
	rc.ModelConfig.Tokens = cfg.Tokens
	rc.ModelConfig.Transducer.Encoder = cfg.Encoder
	rc.ModelConfig.Transducer.Decoder = cfg.Decoder
	rc.ModelConfig.Transducer.Joiner = cfg.Joiner
	rc.ModelConfig.ModelType = cfg.ModelType
	rc.ModelConfig.NumThreads = max(cfg.NumThreads, 1)
	rc.ModelConfig.Provider = "cpu"
	rc.DecodingMethod = "greedy_search"
	rc.MaxActivePaths = 4

	recognizer := sherpa.NewOnlineRecognizer(&rc)
	if recognizer == nil {
		return nil, fmt.Errorf("failed to create recognizer")
	}
	return &Recognizer{recognizer: recognizer, sampleRate: sampleRate}, nil
}

// Transcribe decodes a whole utterance and returns its normalized text.
func (r *Recognizer) Transcribe(w *audio.Wave) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer == nil {
		return "", fmt.Errorf("recognizer is closed")
	}
	stream := sherpa.NewOnlineStream(r.recognizer)
	if stream == nil {
		return "", fmt.Errorf("failed to create stream")
	}
	defer sherpa.DeleteOnlineStream(stream)

	stream.AcceptWaveform(w.SampleRate, w.Samples)
	stream.AcceptWaveform(w.SampleRate, make([]float32, int(tailPadding*float64(w.SampleRate))))
	stream.InputFinished()
	for r.recognizer.IsReady(stream) {
		r.recognizer.Decode(stream)
	}
	result := r.recognizer.GetResult(stream)
	if result == nil {
		return "", nil
	}
	return text.Normalize(strings.TrimSpace(result.Text)), nil
}

// Close releases the native recognizer.
func (r *Recognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer != nil {
		sherpa.DeleteOnlineRecognizer(r.recognizer)
		r.recognizer = nil
	}
}
