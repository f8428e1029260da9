package upstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	layersMagic   = 20241019
	layersVersion = 1
	headerLen     = 256
	maxLayers     = headerLen - 4
)

// Layer is one pretrained projection: out = tanh(in @ W^T + B).
type Layer struct {
	In, Out int
	W       []float32 // (Out, In)
	B       []float32 // (Out)
}

// LoadLayers reads a projection stack. The file starts with a 256 int32
// header (magic, version, number of layers, input dim, then every layer's
// output dim) followed by each layer's weights and biases.
func LoadLayers(path string) ([]Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening upstream checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("error reading upstream header: %w", err)
	}
	if header[0] != layersMagic || header[1] != layersVersion {
		return nil, fmt.Errorf("invalid upstream header")
	}
	n := int(header[2])
	if n < 1 || n > maxLayers {
		return nil, fmt.Errorf("invalid upstream layer count %d", n)
	}
	layers := make([]Layer, n)
	in := int(header[3])
	for i := range layers {
		out := int(header[4+i])
		if in < 1 || out < 1 {
			return nil, fmt.Errorf("invalid shape %dx%d for layer %d", out, in, i)
		}
		l := Layer{In: in, Out: out, W: make([]float32, in*out), B: make([]float32, out)}
		if err := binary.Read(r, binary.LittleEndian, l.W); err != nil {
			return nil, fmt.Errorf("error reading layer %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, l.B); err != nil {
			return nil, fmt.Errorf("error reading layer %d: %w", i, err)
		}
		layers[i] = l
		in = out
	}
	return layers, nil
}

// SaveLayers writes layers in the format read by LoadLayers.
func SaveLayers(path string, layers []Layer) error {
	if len(layers) == 0 || len(layers) > maxLayers {
		return fmt.Errorf("cannot save %d layers", len(layers))
	}
	header := make([]int32, headerLen)
	header[0] = layersMagic
	header[1] = layersVersion
	header[2] = int32(len(layers))
	header[3] = int32(layers[0].In)
	for i, l := range layers {
		if i > 0 && l.In != layers[i-1].Out {
			return fmt.Errorf("layer %d input %d does not match previous output %d", i, l.In, layers[i-1].Out)
		}
		header[4+i] = int32(l.Out)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, header)
	for _, l := range layers {
		if err == nil {
			err = binary.Write(w, binary.LittleEndian, l.W)
		}
		if err == nil {
			err = binary.Write(w, binary.LittleEndian, l.B)
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
