package torch

import "math"

// AdamW is Adam with decoupled weight decay.
// Paper: https://arxiv.org/abs/1711.05101
type AdamW struct {
	LR          float32
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32

	// FirstMomentEstimates and SecondMomentEstimates are lazily sized to the
	// parameter memory on the first step.
	FirstMomentEstimates  []float32
	SecondMomentEstimates []float32
	// Step is the number of updates applied so far.
	Step int
}

// Update applies one optimisation step to params given grads, skipping
// entries whose frozen flag is set. frozen may be nil.
func (o *AdamW) Update(params, grads []float32, frozen []bool) {
	if len(o.FirstMomentEstimates) != len(params) {
		o.FirstMomentEstimates = make([]float32, len(params))
		o.SecondMomentEstimates = make([]float32, len(params))
	}
	o.Step++
	t := float32(o.Step)
	c1 := 1.0 - Pow(o.Beta1, t)
	c2 := 1.0 - Pow(o.Beta2, t)
	for i, parameter := range params {
		if frozen != nil && frozen[i] {
			continue
		}
		gradient := grads[i]
		m := o.Beta1*o.FirstMomentEstimates[i] + (1.0-o.Beta1)*gradient
		v := o.Beta2*o.SecondMomentEstimates[i] + (1.0-o.Beta2)*gradient*gradient
		mHat := m / c1
		vHat := v / c2
		o.FirstMomentEstimates[i] = m
		o.SecondMomentEstimates[i] = v
		params[i] -= o.LR * (mHat/(Sqrt(vHat)+o.Eps) + o.WeightDecay*parameter)
	}
}

// ClipGradNorm rescales grads so that their L2 norm is at most maxNorm and
// returns the norm before clipping.
func ClipGradNorm(grads []float32, maxNorm float32) float32 {
	var sum float64
	for _, g := range grads {
		sum += float64(g) * float64(g)
	}
	norm := float32(math.Sqrt(sum))
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for i := range grads {
			grads[i] *= scale
		}
	}
	return norm
}

// WarmupLR is the inverse square root schedule with linear warmup, peaking
// at base after warmup steps.
func WarmupLR(base float32, step, warmup int) float32 {
	if warmup <= 0 {
		return base
	}
	s := float64(max(step, 1))
	w := float64(warmup)
	return base * float32(math.Sqrt(w)*math.Min(1/math.Sqrt(s), s*math.Pow(w, -1.5)))
}
