package decode

import (
	"context"
	"strings"
	"sync"
)

// EditDistance is the Levenshtein distance between two token sequences.
func EditDistance[T comparable](ref, hyp []T) int {
	prev := make([]int, len(hyp)+1)
	cur := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = i
		for j := 1; j <= len(hyp); j++ {
			sub := prev[j-1]
			if ref[i-1] != hyp[j-1] {
				sub++
			}
			cur[j] = min(sub, prev[j]+1, cur[j-1]+1)
		}
		prev, cur = cur, prev
	}
	return prev[len(hyp)]
}

// ErrorRate accumulates edit operations over reference length.
type ErrorRate struct {
	Errors int
	Total  int
}

// Add scores one pair.
func (e *ErrorRate) Add(ref, hyp []string) {
	e.Errors += EditDistance(ref, hyp)
	e.Total += len(ref)
}

// Merge adds the counts of o.
func (e *ErrorRate) Merge(o ErrorRate) {
	e.Errors += o.Errors
	e.Total += o.Total
}

// Rate is Errors/Total, or 0 for an empty reference set.
func (e ErrorRate) Rate() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Errors) / float64(e.Total)
}

// Words splits a transcript into words.
func Words(s string) []string {
	return strings.Fields(s)
}

// Chars splits a transcript into characters, ignoring spaces.
func Chars(s string) []string {
	var out []string
	for _, r := range s {
		if r != ' ' {
			out = append(out, string(r))
		}
	}
	return out
}

// Score holds word and character error rates.
type Score struct {
	WER ErrorRate
	CER ErrorRate
}

// Add scores one reference/hypothesis pair.
func (s *Score) Add(ref, hyp string) {
	s.WER.Add(Words(ref), Words(hyp))
	s.CER.Add(Chars(ref), Chars(hyp))
}

// Parallel calls fn for every index in [0, n) on njobs workers and stops
// handing out work once ctx is done.
func Parallel(ctx context.Context, n, njobs int, fn func(i int)) error {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < max(njobs, 1); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	var err error
feed:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
