// Package audio decodes waveforms and turns them into acoustic features.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/charmbracelet/log"
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// Wave is a mono waveform with samples in [-1, 1].
type Wave struct {
	SampleRate int
	Samples    []float32
}

// Duration returns the length of the wave in seconds.
func (w *Wave) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*Wave, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

type riffHeader struct {
	ID   [4]byte
	Size uint32
	Form [4]byte
}

type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

type fmtChunk struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Decode reads a RIFF/WAVE stream holding 16 bit PCM, 32 bit PCM or 32 bit
// float samples. Multi-channel audio is averaged down to mono.
func Decode(r io.Reader) (*Wave, error) {
	var riff riffHeader
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Form[:]) != "WAVE" {
		return nil, fmt.Errorf("not a wave file")
	}
	var (
		format  *fmtChunk
		payload []byte
	)
	for payload == nil {
		var ch chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}
		body := make([]byte, ch.Size+ch.Size%2)
		n, err := io.ReadFull(r, body)
		if err != nil && !(err == io.ErrUnexpectedEOF && string(ch.ID[:]) == "data") {
			return nil, fmt.Errorf("reading %q chunk: %w", ch.ID[:], err)
		}
		if n < int(ch.Size) {
			log.Warn("truncated data chunk", "want", ch.Size, "got", n)
			ch.Size = uint32(n)
		}
		switch string(ch.ID[:]) {
		case "fmt ":
			format = &fmtChunk{}
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, format); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
		case "data":
			payload = body[:ch.Size]
		}
	}
	if format == nil {
		return nil, fmt.Errorf("data chunk before fmt chunk")
	}
	if format.Channels == 0 {
		return nil, fmt.Errorf("zero channels")
	}
	samples, err := decodeSamples(payload, format)
	if err != nil {
		return nil, err
	}
	return &Wave{SampleRate: int(format.SampleRate), Samples: samples}, nil
}

func decodeSamples(payload []byte, f *fmtChunk) ([]float32, error) {
	width := int(f.BitsPerSample / 8)
	channels := int(f.Channels)
	var sample func([]byte) float32
	switch {
	case f.Format == formatPCM && f.BitsPerSample == 16:
		sample = func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		}
	case f.Format == formatPCM && f.BitsPerSample == 32:
		sample = func(b []byte) float32 {
			return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}
	case f.Format == formatFloat && f.BitsPerSample == 32:
		sample = func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: format %d, %d bits", f.Format, f.BitsPerSample)
	}
	frame := width * channels
	n := len(payload) / frame
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := i*frame + c*width
			sum += sample(payload[off : off+width])
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

// Encode writes w as 16 bit mono PCM.
func Encode(wr io.Writer, w *Wave) error {
	n := len(w.Samples)
	hdr := struct {
		riffHeader
		FmtHdr chunkHeader
		Fmt    fmtChunk
		Data   chunkHeader
	}{
		riffHeader: riffHeader{ID: [4]byte{'R', 'I', 'F', 'F'}, Size: uint32(36 + 2*n), Form: [4]byte{'W', 'A', 'V', 'E'}},
		FmtHdr:     chunkHeader{ID: [4]byte{'f', 'm', 't', ' '}, Size: 16},
		Fmt: fmtChunk{
			Format:        formatPCM,
			Channels:      1,
			SampleRate:    uint32(w.SampleRate),
			ByteRate:      uint32(2 * w.SampleRate),
			BlockAlign:    2,
			BitsPerSample: 16,
		},
		Data: chunkHeader{ID: [4]byte{'d', 'a', 't', 'a'}, Size: uint32(2 * n)},
	}
	if err := binary.Write(wr, binary.LittleEndian, hdr); err != nil {
		return err
	}
	pcm := make([]int16, n)
	for i, s := range w.Samples {
		s = min(max(s, -1), 1)
		pcm[i] = int16(math.Round(float64(s) * 32767))
	}
	return binary.Write(wr, binary.LittleEndian, pcm)
}

// WriteFile writes w to path as 16 bit mono PCM.
func WriteFile(path string, w *Wave) error {
	var buf bytes.Buffer
	if err := Encode(&buf, w); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
