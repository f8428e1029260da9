package data

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/conneroisu/e2easr/pkg/text"
)

// ReadText returns the sentences of a language modelling corpus. A regular
// file is read one sentence per line; a directory is read as a LibriSpeech
// tree and its transcripts are used.
func ReadText(root string, splits []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open text corpus: %w", err)
	}
	if info.IsDir() {
		utts, err := ReadCorpus(root, splits)
		if err != nil {
			return nil, err
		}
		lines := make([]string, len(utts))
		for i, u := range utts {
			lines[i] = u.Text
		}
		return lines, nil
	}
	f, err := os.Open(root)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("text corpus %s is empty", root)
	}
	return lines, nil
}

// TokenStream encodes every line and concatenates the results. Each line
// ends with the encoder's end-of-sentence token.
func TokenStream(lines []string, enc text.Encoder) []int32 {
	var stream []int32
	for _, line := range lines {
		stream = append(stream, enc.Encode(line)...)
	}
	return stream
}
