package audio

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

const (
	preemphasis = 0.97
	logFloor    = 1e-10
	mfccMelBins = 23
)

// FeatureConfig configures a front-end.
type FeatureConfig struct {
	// Type is one of fbank, mfcc or spectrogram.
	Type string
	// Dim is the number of filters (fbank) or cepstra (mfcc). Spectrograms
	// have one bin per FFT frequency.
	Dim int
	// FrameLength and FrameShift are in milliseconds.
	FrameLength float64
	FrameShift  float64
	SampleRate  int
	Dither      float64
	CMVN        bool
	DeltaOrder  int
	DeltaWindow int
}

// Extractor turns waveforms into (frames, dim) feature matrices.
type Extractor struct {
	cfg    FeatureConfig
	winLen int
	hop    int
	nfft   int
	window []float64
	mel    [][]float64
	dct    [][]float64
	fft    *fourier.FFT
}

// NewExtractor precomputes windows and filterbanks for cfg.
func NewExtractor(cfg FeatureConfig) (*Extractor, error) {
	if cfg.SampleRate <= 0 || cfg.FrameLength <= 0 || cfg.FrameShift <= 0 {
		return nil, fmt.Errorf("invalid framing: rate %d, length %gms, shift %gms", cfg.SampleRate, cfg.FrameLength, cfg.FrameShift)
	}
	e := &Extractor{
		cfg:    cfg,
		winLen: int(float64(cfg.SampleRate) * cfg.FrameLength / 1000),
		hop:    int(float64(cfg.SampleRate) * cfg.FrameShift / 1000),
	}
	if e.winLen < 2 || e.hop < 1 {
		return nil, fmt.Errorf("frame too short for sample rate %d", cfg.SampleRate)
	}
	e.nfft = 1
	for e.nfft < e.winLen {
		e.nfft <<= 1
	}
	e.fft = fourier.NewFFT(e.nfft)
	e.window = make([]float64, e.winLen)
	for i := range e.window {
		// povey window
		e.window[i] = math.Pow(0.5-0.5*math.Cos(2*math.Pi*float64(i)/float64(e.winLen-1)), 0.85)
	}
	switch cfg.Type {
	case "fbank":
		if cfg.Dim < 1 {
			return nil, fmt.Errorf("fbank needs a positive dim")
		}
		e.mel = melBank(cfg.Dim, e.nfft, cfg.SampleRate)
	case "mfcc":
		if cfg.Dim < 1 {
			return nil, fmt.Errorf("mfcc needs a positive dim")
		}
		bins := max(mfccMelBins, cfg.Dim)
		e.mel = melBank(bins, e.nfft, cfg.SampleRate)
		e.dct = dctMatrix(cfg.Dim, bins)
	case "spectrogram":
	default:
		return nil, fmt.Errorf("unknown feature type %q", cfg.Type)
	}
	return e, nil
}

// BaseDim is the feature dimension before deltas are appended.
func (e *Extractor) BaseDim() int {
	if e.cfg.Type == "spectrogram" {
		return e.nfft/2 + 1
	}
	return e.cfg.Dim
}

// Dim is the dimension of each output frame.
func (e *Extractor) Dim() int {
	return e.BaseDim() * (e.cfg.DeltaOrder + 1)
}

// FrameShift is the stride of output frames in seconds.
func (e *Extractor) FrameShift() float64 {
	return float64(e.hop) / float64(e.cfg.SampleRate)
}

// NumFrames is the number of frames produced for n samples.
func (e *Extractor) NumFrames(n int) int {
	if n < e.winLen {
		return 1
	}
	return 1 + (n-e.winLen)/e.hop
}

// Compute extracts features from w. rng drives dither and may be nil when
// dither is disabled.
func (e *Extractor) Compute(w *Wave, rng *rand.Rand) ([][]float32, error) {
	if w.SampleRate != e.cfg.SampleRate {
		return nil, fmt.Errorf("sample rate %d does not match front-end rate %d", w.SampleRate, e.cfg.SampleRate)
	}
	frames := e.NumFrames(len(w.Samples))
	base := make([][]float64, frames)
	buf := make([]float64, e.nfft)
	coeffs := make([]complex128, e.nfft/2+1)
	power := make([]float64, e.nfft/2+1)
	for f := 0; f < frames; f++ {
		for i := range buf {
			buf[i] = 0
		}
		start := f * e.hop
		var mean float64
		for i := 0; i < e.winLen; i++ {
			var s float64
			if start+i < len(w.Samples) {
				s = float64(w.Samples[start+i])
			}
			if e.cfg.Dither > 0 && rng != nil {
				s += rng.NormFloat64() * e.cfg.Dither
			}
			buf[i] = s
			mean += s
		}
		mean /= float64(e.winLen)
		for i := e.winLen - 1; i >= 0; i-- {
			buf[i] -= mean
		}
		for i := e.winLen - 1; i > 0; i-- {
			buf[i] -= preemphasis * buf[i-1]
		}
		buf[0] -= preemphasis * buf[0]
		for i := 0; i < e.winLen; i++ {
			buf[i] *= e.window[i]
		}
		coeffs = e.fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		base[f] = e.project(power)
	}
	if e.cfg.CMVN {
		cmvn(base)
	}
	return stackDeltas(base, e.cfg.DeltaOrder, e.cfg.DeltaWindow), nil
}

func (e *Extractor) project(power []float64) []float64 {
	if e.mel == nil {
		out := make([]float64, len(power))
		for k, p := range power {
			out[k] = math.Log(math.Max(p, logFloor))
		}
		return out
	}
	energies := make([]float64, len(e.mel))
	for m, filter := range e.mel {
		var sum float64
		for k, weight := range filter {
			sum += weight * power[k]
		}
		energies[m] = math.Log(math.Max(sum, logFloor))
	}
	if e.dct == nil {
		return energies
	}
	out := make([]float64, len(e.dct))
	for c, row := range e.dct {
		var sum float64
		for m, v := range row {
			sum += v * energies[m]
		}
		out[c] = sum
	}
	return out
}

func hzToMel(hz float64) float64 { return 1127 * math.Log(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Exp(mel/1127) - 1) }

// melBank builds bins triangular filters over the nfft/2+1 power bins,
// spanning 20Hz to Nyquist on the mel scale.
func melBank(bins, nfft, rate int) [][]float64 {
	low, high := hzToMel(20), hzToMel(float64(rate)/2)
	centers := make([]float64, bins+2)
	for i := range centers {
		centers[i] = low + (high-low)*float64(i)/float64(bins+1)
	}
	bank := make([][]float64, bins)
	for m := 0; m < bins; m++ {
		filter := make([]float64, nfft/2+1)
		left, center, right := centers[m], centers[m+1], centers[m+2]
		for k := range filter {
			mel := hzToMel(float64(k) * float64(rate) / float64(nfft))
			switch {
			case mel > left && mel <= center:
				filter[k] = (mel - left) / (center - left)
			case mel > center && mel < right:
				filter[k] = (right - mel) / (right - center)
			}
		}
		bank[m] = filter
	}
	return bank
}

// dctMatrix is an orthonormal DCT-II keeping the first ceps coefficients.
func dctMatrix(ceps, bins int) [][]float64 {
	out := make([][]float64, ceps)
	for c := range out {
		row := make([]float64, bins)
		scale := math.Sqrt(2 / float64(bins))
		if c == 0 {
			scale = math.Sqrt(1 / float64(bins))
		}
		for m := range row {
			row[m] = scale * math.Cos(math.Pi*float64(c)*(float64(m)+0.5)/float64(bins))
		}
		out[c] = row
	}
	return out
}

// cmvn normalises every dimension of feats to zero mean and unit variance.
func cmvn(feats [][]float64) {
	if len(feats) < 2 {
		return
	}
	col := make([]float64, len(feats))
	for d := range feats[0] {
		for t := range feats {
			col[t] = feats[t][d]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std < 1e-8 {
			std = 1
		}
		for t := range feats {
			feats[t][d] = (feats[t][d] - mean) / std
		}
	}
}

// delta computes regression coefficients over +-window frames with edge
// frames replicated.
func delta(feats [][]float64, window int) [][]float64 {
	T := len(feats)
	out := make([][]float64, T)
	var denom float64
	for n := 1; n <= window; n++ {
		denom += 2 * float64(n*n)
	}
	for t := range feats {
		row := make([]float64, len(feats[t]))
		for n := 1; n <= window; n++ {
			next := feats[min(t+n, T-1)]
			prev := feats[max(t-n, 0)]
			for d := range row {
				row[d] += float64(n) * (next[d] - prev[d])
			}
		}
		for d := range row {
			row[d] /= denom
		}
		out[t] = row
	}
	return out
}

func stackDeltas(base [][]float64, order, window int) [][]float32 {
	if window < 1 {
		window = 2
	}
	streams := [][][]float64{base}
	for o := 1; o <= order; o++ {
		streams = append(streams, delta(streams[o-1], window))
	}
	out := make([][]float32, len(base))
	for t := range base {
		row := make([]float32, 0, len(base[t])*len(streams))
		for _, s := range streams {
			for _, v := range s[t] {
				row = append(row, float32(v))
			}
		}
		out[t] = row
	}
	return out
}
