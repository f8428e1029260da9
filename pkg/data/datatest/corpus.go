// Package datatest writes small synthetic corpora for tests.
package datatest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conneroisu/e2easr/pkg/audio"
)

// SampleRate of the generated recordings.
const SampleRate = 8000

// Tone renders s as a sequence of 50ms sine bursts, one per character, with
// a pitch that depends on the character.
func Tone(s string) *audio.Wave {
	const burst = SampleRate / 20
	w := &audio.Wave{SampleRate: SampleRate}
	for _, r := range strings.ToLower(s) {
		freq := 200 + 60*float64(r%32)
		for i := 0; i < burst; i++ {
			w.Samples = append(w.Samples, float32(0.4*math.Sin(2*math.Pi*freq*float64(i)/SampleRate)))
		}
	}
	return w
}

// Write lays out transcripts as <root>/<split>/<speaker>/<chapter> with a
// trans.txt file and one tone recording per utterance.
func Write(t testing.TB, root, split string, transcripts map[string]string) {
	t.Helper()
	dir := filepath.Join(root, split, "19", "198")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	ids := make([]string, 0, len(transcripts))
	for id := range transcripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var trans strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&trans, "%s %s\n", id, strings.ToUpper(transcripts[id]))
		require.NoError(t, audio.WriteFile(filepath.Join(dir, id+".wav"), Tone(transcripts[id])))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "19-198.trans.txt"), []byte(trans.String()), 0o644))
}
