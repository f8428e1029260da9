// Package torch holds the float32 kernels the models are built from.
//
// Tensors are flat row-major slices. Most kernels treat their input as N rows
// of C features, where N is usually batch*time.
package torch

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
)

var (
	GELUSCALEFACTOR = Sqrt(2.0 / math.Pi)
)

// Abs returns the absolute value of x.
func Abs(x float32) float32 {
	if x > 0 {
		return x
	}
	return -x
}

// Cosh returns the hyperbolic cosine of x.
func Cosh(x float32) float32 {
	return float32(math.Cosh(float64(x)))
}

// Tanh returns the hyperbolic tangent of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Exp returns e**x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Log returns the natural logarithm of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// IsNaN returns true if f is not a number.
func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

// Pow returns x**y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// parallelRows splits [0, n) into contiguous chunks, one per processor.
func parallelRows(n int, fn func(lo, hi int)) {
	workers := min(runtime.GOMAXPROCS(0), n)
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, min(lo+chunk, n))
	}
	wg.Wait()
}

// EmbeddingForward looks up the C-dim row of table for every id.
//
// Parameters:
//   - out: output activations (N,C)
//   - ids: token ids (N)
//   - table: embedding weights (V,C)
func EmbeddingForward(out []float32, ids []int32, table []float32, N, C int) {
	for n := 0; n < N; n++ {
		copy(out[n*C:(n+1)*C], table[int(ids[n])*C:int(ids[n]+1)*C])
	}
}

// EmbeddingBackward accumulates dout into the rows of dtable selected by ids.
func EmbeddingBackward(dtable, dout []float32, ids []int32, N, C int) {
	for n := 0; n < N; n++ {
		row := dtable[int(ids[n])*C:]
		d := dout[n*C:]
		for i := 0; i < C; i++ {
			row[i] += d[i]
		}
	}
}

// LayernormForward normalizes each row to zero mean and unit variance and then
// scales and shifts it.
// Reference: https://pytorch.org/docs/stable/generated/torch.nn.LayerNorm.html
//
// Parameters:
//   - out: output activations (N,C)
//   - mean, rstd: per row statistics (N) kept for the backward pass
//   - inp: input activations (N,C)
//   - weight, bias: learnable scale and shift (C)
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, N, C int) {
	const eps float32 = 1e-5
	for n := 0; n < N; n++ {
		x := inp[n*C : (n+1)*C]
		var m float32
		for _, v := range x {
			m += v
		}
		m /= float32(C)
		var v float32
		for _, xi := range x {
			shift := xi - m
			v += shift * shift
		}
		v /= float32(C)
		s := 1.0 / Sqrt(v+eps)
		o := out[n*C : (n+1)*C]
		for i := range x {
			o[i] = s*(x[i]-m)*weight[i] + bias[i]
		}
		mean[n] = m
		rstd[n] = s
	}
}

// LayernormBackward accumulates the gradients of LayernormForward.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, N, C int) {
	for n := 0; n < N; n++ {
		base := n * C
		doutN := dout[base : base+C]
		inpN := inp[base : base+C]
		dinpN := dinp[base : base+C]
		meanN, rstdN := mean[n], rstd[n]

		var dnormMean, dnormNormMean float32
		for i := 0; i < C; i++ {
			norm := (inpN[i] - meanN) * rstdN
			dnorm := weight[i] * doutN[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := 0; i < C; i++ {
			norm := (inpN[i] - meanN) * rstdN
			dnorm := weight[i] * doutN[i]
			dbias[i] += doutN[i]
			dweight[i] += norm * doutN[i]
			dinpN[i] += (dnorm - dnormMean - norm*dnormNormMean) * rstdN
		}
	}
}

// MatmulForward computes out = inp @ weight^T + bias.
//
// Parameters:
//   - out: output matrix (N,OC)
//   - inp: input matrix (N,C)
//   - weight: weight matrix (OC,C)
//   - bias: bias vector (OC), may be nil
func MatmulForward(out, inp, weight, bias []float32, N, C, OC int) {
	parallelRows(N, func(lo, hi int) {
		for n := lo; n < hi; n++ {
			x := inp[n*C : (n+1)*C]
			o := out[n*OC : (n+1)*OC]
			for oc := 0; oc < OC; oc++ {
				var val float32
				if bias != nil {
					val = bias[oc]
				}
				w := weight[oc*C : (oc+1)*C]
				for i, xi := range x {
					val += xi * w[i]
				}
				o[oc] = val
			}
		}
	})
}

// MatmulBackward accumulates the gradients of MatmulForward. dinp and dbias
// may be nil when they are not needed.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, N, C, OC int) {
	if dinp != nil {
		parallelRows(N, func(lo, hi int) {
			for n := lo; n < hi; n++ {
				d := dout[n*OC : (n+1)*OC]
				di := dinp[n*C : (n+1)*C]
				for oc, g := range d {
					w := weight[oc*C : (oc+1)*C]
					for i := range di {
						di[i] += w[i] * g
					}
				}
			}
		})
	}
	parallelRows(OC, func(lo, hi int) {
		for oc := lo; oc < hi; oc++ {
			dw := dweight[oc*C : (oc+1)*C]
			for n := 0; n < N; n++ {
				g := dout[n*OC+oc]
				if g == 0 {
					continue
				}
				if dbias != nil {
					dbias[oc] += g
				}
				x := inp[n*C : (n+1)*C]
				for i := range dw {
					dw[i] += x[i] * g
				}
			}
		}
	})
}

// GeluForward is the tanh approximation of the Gaussian Error Linear Unit.
// Paper: https://arxiv.org/abs/1606.08415
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + Tanh(GELUSCALEFACTOR*(x+cube)))
	}
}

// GeluBackward accumulates the gradient of GeluForward.
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		tanhArg := GELUSCALEFACTOR * (x + cube)
		tanhOut := Tanh(tanhArg)
		coshOut := Cosh(tanhArg)
		sech := 1.0 / (coshOut * coshOut)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech*GELUSCALEFACTOR*(1.0+3.0*0.044715*x*x)
		dinp[i] += local * dout[i]
	}
}

// TanhForward applies tanh element-wise.
func TanhForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = Tanh(inp[i])
	}
}

// TanhBackward accumulates the gradient of TanhForward given its output.
func TanhBackward(dinp, out, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += (1 - out[i]*out[i]) * dout[i]
	}
}

// DropoutForward zeroes each element with probability p and rescales the
// rest by 1/(1-p). mask records the applied scale for the backward pass.
func DropoutForward(out, mask, inp []float32, p float32, rng *rand.Rand, n int) {
	if p <= 0 || rng == nil {
		copy(out[:n], inp[:n])
		for i := 0; i < n; i++ {
			mask[i] = 1
		}
		return
	}
	keep := 1 / (1 - p)
	for i := 0; i < n; i++ {
		if rng.Float32() < p {
			mask[i] = 0
		} else {
			mask[i] = keep
		}
		out[i] = inp[i] * mask[i]
	}
}

// DropoutBackward accumulates the gradient of DropoutForward.
func DropoutBackward(dinp, mask, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += mask[i] * dout[i]
	}
}

// SoftmaxForward computes the softmax of each row of V logits.
func SoftmaxForward(probs, logits []float32, N, V int) {
	parallelRows(N, func(lo, hi int) {
		for n := lo; n < hi; n++ {
			l := logits[n*V : (n+1)*V]
			p := probs[n*V : (n+1)*V]
			maxval := l[0]
			for _, v := range l[1:] {
				maxval = max(maxval, v)
			}
			var sum float32
			for i, v := range l {
				p[i] = Exp(v - maxval)
				sum += p[i]
			}
			for i := range p {
				p[i] /= sum
			}
		}
	})
}

// LogSoftmaxForward computes the log-softmax of each row of V logits.
func LogSoftmaxForward(out, logits []float32, N, V int) {
	parallelRows(N, func(lo, hi int) {
		for n := lo; n < hi; n++ {
			l := logits[n*V : (n+1)*V]
			o := out[n*V : (n+1)*V]
			maxval := l[0]
			for _, v := range l[1:] {
				maxval = max(maxval, v)
			}
			var sum float64
			for _, v := range l {
				sum += math.Exp(float64(v - maxval))
			}
			lse := maxval + float32(math.Log(sum))
			for i, v := range l {
				o[i] = v - lse
			}
		}
	})
}

// CrossEntropyForward writes -log(probs[target]) for each row. Rows whose
// target equals ignore get zero loss.
func CrossEntropyForward(losses, probs []float32, targets []int32, ignore int32, N, V int) {
	for n := 0; n < N; n++ {
		ix := targets[n]
		if ix == ignore {
			losses[n] = 0
			continue
		}
		losses[n] = -Log(max(probs[n*V+int(ix)], 1e-30))
	}
}

// CrossentropySoftmaxBackward accumulates the gradient of the fused softmax
// and cross entropy with respect to the logits.
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, ignore int32, N, V int) {
	for n := 0; n < N; n++ {
		ix := targets[n]
		if ix == ignore {
			continue
		}
		dl := dlogits[n*V : (n+1)*V]
		p := probs[n*V : (n+1)*V]
		dloss := dlosses[n]
		for i := range dl {
			var indicator float32
			if int32(i) == ix {
				indicator = 1.0
			}
			dl[i] += (p[i] - indicator) * dloss
		}
	}
}
