// Package decode turns acoustic model outputs into hypotheses and scores
// them against references.
package decode

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/conneroisu/e2easr/pkg/text"
)

// Greedy picks the best token of every frame of logProbs (T, V), collapses
// repeats and drops blanks and end of sentence tokens.
func Greedy(logProbs []float32, T, V int) []int32 {
	var out []int32
	prev := int32(-1)
	for t := 0; t < T; t++ {
		row := logProbs[t*V : (t+1)*V]
		best := int32(0)
		for v := 1; v < V; v++ {
			if row[v] > row[best] {
				best = int32(v)
			}
		}
		if best != prev && best != text.PadIdx && best != text.EOSIdx {
			out = append(out, best)
		}
		prev = best
	}
	return out
}

// LM is a language model that can score one token at a time.
type LM[S any] interface {
	InitState() S
	Score(state S, token int32) ([]float32, S)
}

// Options configure the prefix beam search.
type Options struct {
	BeamSize int
	// LMWeight scales the language model log probabilities.
	LMWeight float32
	// Prune drops frame candidates whose log probability is below it.
	Prune float32
}

// Hypothesis is a finished beam entry.
type Hypothesis struct {
	Tokens []int32
	// Score is the CTC log probability plus the weighted LM score.
	Score float64
	CTC   float64
	LM    float64
}

type beam[S any] struct {
	tokens  []int32
	blank   float64
	nonBlnk float64
	lm      float64
	state   S
	next    []float32
}

func (b *beam[S]) ctc() float64 { return logAdd(b.blank, b.nonBlnk) }

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

func key(tokens []int32) string {
	buf := make([]byte, 0, 4*len(tokens))
	for _, t := range tokens {
		buf = append(buf, byte(t), byte(t>>8), byte(t>>16), byte(t>>24))
	}
	return string(buf)
}

// Beam runs CTC prefix beam search over logProbs (T, V) with optional
// shallow fusion of lm, and returns up to BeamSize hypotheses best first.
// A nil lm or zero LMWeight decodes with the acoustic scores alone.
func Beam[S any](logProbs []float32, T, V int, opts Options, lm LM[S]) []Hypothesis {
	beamSize := max(opts.BeamSize, 1)
	useLM := lm != nil && opts.LMWeight != 0
	prune := float64(opts.Prune)
	if prune == 0 {
		prune = math.Inf(-1)
	}
	w := float64(opts.LMWeight)
	negInf := math.Inf(-1)

	root := &beam[S]{blank: 0, nonBlnk: negInf}
	if useLM {
		root.state = lm.InitState()
		root.next, root.state = lm.Score(root.state, text.EOSIdx)
	}
	beams := []*beam[S]{root}
	row64 := make([]float64, V)
	order := make([]int, V)

	for t := 0; t < T; t++ {
		row := logProbs[t*V : (t+1)*V]
		for v, p := range row {
			row64[v] = float64(p)
		}
		floats.Argsort(append([]float64(nil), row64...), order)
		candidates := make([]int, 0, beamSize+2)
		for i := V - 1; i >= 0 && len(candidates) < beamSize+2; i-- {
			if row64[order[i]] >= prune || len(candidates) == 0 {
				candidates = append(candidates, order[i])
			}
		}

		next := map[string]*beam[S]{}
		stay := func(b *beam[S]) *beam[S] {
			k := key(b.tokens)
			if n, ok := next[k]; ok {
				return n
			}
			n := &beam[S]{tokens: b.tokens, blank: negInf, nonBlnk: negInf, lm: b.lm, state: b.state, next: b.next}
			next[k] = n
			return n
		}
		extend := func(b *beam[S], tok int32) *beam[S] {
			tokens := append(append(make([]int32, 0, len(b.tokens)+1), b.tokens...), tok)
			k := key(tokens)
			if n, ok := next[k]; ok {
				return n
			}
			// state has not consumed tok yet; next is filled in once the
			// prefix survives pruning
			n := &beam[S]{tokens: tokens, blank: negInf, nonBlnk: negInf, lm: b.lm, state: b.state}
			if useLM {
				n.lm += w * float64(b.next[tok])
			}
			next[k] = n
			return n
		}
		for _, b := range beams {
			total := b.ctc()
			var last int32 = -1
			if len(b.tokens) > 0 {
				last = b.tokens[len(b.tokens)-1]
			}
			for _, c := range candidates {
				p := row64[c]
				tok := int32(c)
				switch {
				case tok == text.PadIdx:
					same := stay(b)
					same.blank = logAdd(same.blank, total+p)
				case tok == text.EOSIdx:
				case tok == last:
					same := stay(b)
					same.nonBlnk = logAdd(same.nonBlnk, b.nonBlnk+p)
					ext := extend(b, tok)
					ext.nonBlnk = logAdd(ext.nonBlnk, b.blank+p)
				default:
					ext := extend(b, tok)
					ext.nonBlnk = logAdd(ext.nonBlnk, total+p)
				}
			}
		}

		beams = beams[:0]
		for _, b := range next {
			beams = append(beams, b)
		}
		sort.Slice(beams, func(i, j int) bool {
			si, sj := beams[i].ctc()+beams[i].lm, beams[j].ctc()+beams[j].lm
			if si != sj {
				return si > sj
			}
			return key(beams[i].tokens) < key(beams[j].tokens)
		})
		if len(beams) > beamSize {
			beams = beams[:beamSize]
		}
		if useLM {
			for _, b := range beams {
				if b.next == nil {
					b.next, b.state = lm.Score(b.state, b.tokens[len(b.tokens)-1])
				}
			}
		}
	}

	hyps := make([]Hypothesis, len(beams))
	for i, b := range beams {
		lmScore := b.lm
		if useLM {
			lmScore += w * float64(b.next[text.EOSIdx])
		}
		hyps[i] = Hypothesis{Tokens: b.tokens, CTC: b.ctc(), LM: lmScore, Score: b.ctc() + lmScore}
	}
	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].Score > hyps[j].Score })
	return hyps
}
