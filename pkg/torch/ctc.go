package torch

import "math"

var negInf = math.Inf(-1)

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// CTCLoss computes the connectionist temporal classification loss of labels
// given per frame log probabilities (T,V), and accumulates scale times its
// gradient with respect to the pre-softmax logits into grad.
//
// Alignments that cannot fit into T frames yield +Inf and leave grad
// untouched.
// Paper: https://www.cs.toronto.edu/~graves/icml_2006.pdf
func CTCLoss(grad, logProbs []float32, labels []int32, blank int32, T, V int, scale float32) float32 {
	S := 2*len(labels) + 1
	ext := make([]int32, S)
	for s := range ext {
		ext[s] = blank
		if s%2 == 1 {
			ext[s] = labels[s/2]
		}
	}
	lp := func(t int, k int32) float64 { return float64(logProbs[t*V+int(k)]) }
	skip := func(s int) bool { return s > 1 && ext[s] != blank && ext[s] != ext[s-2] }

	alpha := make([]float64, T*S)
	beta := make([]float64, T*S)
	for i := range alpha {
		alpha[i], beta[i] = negInf, negInf
	}
	if T == 0 {
		return float32(math.Inf(1))
	}
	alpha[0] = lp(0, ext[0])
	if S > 1 {
		alpha[1] = lp(0, ext[1])
	}
	for t := 1; t < T; t++ {
		prev, cur := alpha[(t-1)*S:t*S], alpha[t*S:(t+1)*S]
		for s := 0; s < S; s++ {
			a := prev[s]
			if s > 0 {
				a = logAdd(a, prev[s-1])
			}
			if skip(s) {
				a = logAdd(a, prev[s-2])
			}
			if !math.IsInf(a, -1) {
				cur[s] = a + lp(t, ext[s])
			}
		}
	}
	last := alpha[(T-1)*S:]
	logP := last[S-1]
	if S > 1 {
		logP = logAdd(logP, last[S-2])
	}
	if math.IsInf(logP, -1) || math.IsNaN(logP) {
		return float32(math.Inf(1))
	}

	// beta excludes the emission of frame t itself
	beta[(T-1)*S+S-1] = 0
	if S > 1 {
		beta[(T-1)*S+S-2] = 0
	}
	for t := T - 2; t >= 0; t-- {
		next, cur := beta[(t+1)*S:(t+2)*S], beta[t*S:(t+1)*S]
		for s := 0; s < S; s++ {
			b := next[s] + lp(t+1, ext[s])
			if s+1 < S {
				b = logAdd(b, next[s+1]+lp(t+1, ext[s+1]))
			}
			if s+2 < S && skip(s+2) {
				b = logAdd(b, next[s+2]+lp(t+1, ext[s+2]))
			}
			cur[s] = b
		}
	}

	if grad != nil {
		occ := make([]float64, V)
		for t := 0; t < T; t++ {
			for k := range occ {
				occ[k] = negInf
			}
			for s := 0; s < S; s++ {
				occ[ext[s]] = logAdd(occ[ext[s]], alpha[t*S+s]+beta[t*S+s])
			}
			g := grad[t*V : (t+1)*V]
			for k := 0; k < V; k++ {
				posterior := math.Exp(occ[k] - logP)
				g[k] += scale * float32(math.Exp(lp(t, int32(k)))-posterior)
			}
		}
	}
	return float32(-logP)
}
