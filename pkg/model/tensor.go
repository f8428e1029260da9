// Package model holds the acoustic and language models, their flat
// parameter memory and the checkpoint format.
package model

import (
	"github.com/conneroisu/e2easr/pkg/device"
)

// tensor is a wrapper around a slice of float32 values and a list of dimensions
type tensor struct {
	data []float32
	dims []int
}

// newTensor creates a new tensor with the given data and dimensions.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s:s],
		dims: dims,
	}, s
}

// Len returns the number of elements.
func (t tensor) Len() int { return len(t.data) }

// layout carves consecutive tensors out of one flat buffer.
type layout struct {
	shapes [][]int
	dest   []*tensor
}

func (l *layout) add(dst *tensor, dims ...int) {
	l.shapes = append(l.shapes, dims)
	l.dest = append(l.dest, dst)
}

func (l *layout) size() int {
	total := 0
	for _, dims := range l.shapes {
		s := 1
		for _, d := range dims {
			s *= d
		}
		total += s
	}
	return total
}

// carve allocates the buffer on dev and points every registered tensor
// into it.
func (l *layout) carve(dev *device.Device) []float32 {
	memory := dev.Alloc(l.size())
	memPtr := memory
	for i, dims := range l.shapes {
		var ptr int
		*l.dest[i], ptr = newTensor(memPtr, dims...)
		memPtr = memPtr[ptr:]
	}
	if len(memPtr) != 0 {
		panic("parameter layout does not cover its memory")
	}
	return memory
}

// initWith fills t with draws from sample.
func initWith(t tensor, sample func() float64) {
	for i := range t.data {
		t.data[i] = float32(sample())
	}
}

func fill(t tensor, v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// grow returns buf resized to n, reusing its storage when possible.
func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	buf = buf[:n]
	zero(buf)
	return buf
}
