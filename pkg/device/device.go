// Package device selects where a run executes and manages reserved memory.
package device

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/klauspost/cpuid/v2"
)

// Kind is a device family.
type Kind string

const (
	// CPU runs on the host.
	CPU Kind = "cpu"
	// CUDA runs on an nvidia accelerator.
	CUDA Kind = "cuda"
)

// pageFloats is the number of float32 slots per 4KiB page.
const pageFloats = 1024

// CUDAAvailable reports whether an nvidia device is visible to the process.
var CUDAAvailable = func() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok && (v == "" || v == "-1") {
		return false
	}
	_, err := os.Stat("/dev/nvidiactl")
	return err == nil
}

// Device is the execution target of a run. Its arena hands out float32
// buffers from memory reserved at startup.
type Device struct {
	Kind  Kind
	Index int

	mu    sync.Mutex
	arena []float32
	used  int
}

// Select returns the accelerator when gpu is requested and available, pinned
// to index, and the host otherwise.
func Select(gpu bool, index int) *Device {
	if index < 0 {
		index = 0
	}
	if gpu && CUDAAvailable() {
		return &Device{Kind: CUDA, Index: index}
	}
	if gpu {
		log.Warn("no cuda device visible, falling back to cpu")
	}
	return &Device{Kind: CPU, Index: 0}
}

// String formats the device the way checkpoints and logs refer to it.
func (d *Device) String() string {
	if d.Kind == CPU {
		return string(CPU)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Describe returns a one-line summary of the host processor.
func Describe() string {
	var feats []string
	for _, f := range []cpuid.FeatureID{cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			feats = append(feats, f.String())
		}
	}
	return fmt.Sprintf("%s (%d cores, %d threads) [%s]",
		strings.TrimSpace(cpuid.CPU.BrandName),
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.LogicalCores,
		strings.Join(feats, " "),
	)
}

// Reserve allocates gb gigabytes of float32 slots and commits every page so
// that later allocations can be served without growing the process.
func (d *Device) Reserve(gb float64) int {
	if gb <= 0 {
		return 0
	}
	n := int(math.Round(gb*1e9)) / 4
	buf := make([]float32, n)
	for i := 0; i < n; i += pageFloats {
		buf[i] = 0
	}
	d.mu.Lock()
	d.arena = buf
	d.used = 0
	d.mu.Unlock()
	log.Debug("reserved device memory", "device", d.String(), "floats", n)
	return n
}

// Alloc returns a zeroed buffer of n floats, carved from the reserved arena
// while it has room. A nil device allocates from the heap.
func (d *Device) Alloc(n int) []float32 {
	if d == nil {
		return make([]float32, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+n <= len(d.arena) {
		buf := d.arena[d.used : d.used+n : d.used+n]
		d.used += n
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	return make([]float32, n)
}

// Reserved returns the arena size and the number of slots handed out.
func (d *Device) Reserved() (size, used int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.arena), d.used
}
