// Package data discovers corpora and batches them for the solvers.
package data

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/conneroisu/e2easr/pkg/audio"
	"github.com/conneroisu/e2easr/pkg/seed"
	"github.com/conneroisu/e2easr/pkg/text"
)

const transSuffix = ".trans.txt"

// Utterance is one transcribed recording of a corpus.
type Utterance struct {
	ID    string
	Audio string
	Text  string
}

// Sample is an utterance turned into model inputs.
type Sample struct {
	ID     string
	Text   string
	Feats  [][]float32 // (T, D)
	Labels []int32
}

// Len is the number of feature frames.
func (s *Sample) Len() int { return len(s.Feats) }

// Featurizer turns a waveform into a (frames, dim) matrix. *audio.Extractor
// and the upstream extractors implement it.
type Featurizer interface {
	Dim() int
	Compute(w *audio.Wave, rng *rand.Rand) ([][]float32, error)
}

// ReadCorpus lists the utterances of the given splits of a LibriSpeech style
// tree: every <split>/**/<x>.trans.txt holds "<id> <transcript>" lines whose
// audio lives next to it as <id>.wav.
func ReadCorpus(root string, splits []string) ([]Utterance, error) {
	var utts []Utterance
	for _, split := range splits {
		dir := filepath.Join(root, split)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), transSuffix) {
				return nil
			}
			found, err := readTranscripts(path)
			if err != nil {
				return err
			}
			utts = append(utts, found...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read split %s: %w", split, err)
		}
	}
	if len(utts) == 0 {
		return nil, fmt.Errorf("no transcripts found under %s for splits %v", root, splits)
	}
	sort.Slice(utts, func(i, j int) bool { return utts[i].ID < utts[j].ID })
	return utts, nil
}

func readTranscripts(path string) ([]Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dir := filepath.Dir(path)
	var utts []Utterance
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, transcript, _ := strings.Cut(line, " ")
		utts = append(utts, Utterance{
			ID:    id,
			Audio: filepath.Join(dir, id+".wav"),
			Text:  strings.TrimSpace(transcript),
		})
	}
	return utts, sc.Err()
}

// Featurize computes features and labels for utts with njobs workers.
// Dither for utterance i draws from src.Fork(i), so results do not depend on
// scheduling. Utterances whose audio cannot be read fail the whole call.
func Featurize(ctx context.Context, utts []Utterance, fe Featurizer, enc text.Encoder, njobs int, src *seed.Source) ([]Sample, error) {
	samples := make([]Sample, len(utts))
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) { once.Do(func() { firstErr = err }) }
	for w := 0; w < max(njobs, 1); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				u := utts[i]
				wave, err := audio.ReadFile(u.Audio)
				if err != nil {
					fail(fmt.Errorf("utterance %s: %w", u.ID, err))
					continue
				}
				feats, err := fe.Compute(wave, src.Fork(i))
				if err != nil {
					fail(fmt.Errorf("utterance %s: %w", u.ID, err))
					continue
				}
				samples[i] = Sample{ID: u.ID, Text: u.Text, Feats: feats, Labels: enc.Encode(u.Text)}
			}
		}()
	}
feed:
	for i := range utts {
		select {
		case jobs <- i:
		case <-ctx.Done():
			fail(ctx.Err())
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	log.Debug("featurized corpus", "utterances", len(samples), "dim", fe.Dim(), "workers", njobs)
	return samples, nil
}

// Shard keeps every world-th sample starting at rank.
func Shard[T any](items []T, rank, world int) []T {
	if world <= 1 {
		return items
	}
	out := make([]T, 0, len(items)/world+1)
	for i := rank; i < len(items); i += world {
		out = append(out, items[i])
	}
	return out
}
