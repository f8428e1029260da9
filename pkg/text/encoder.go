// Package text maps transcripts to token ids and back.
package text

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
)

// Reserved ids shared by every encoder. Pad doubles as the CTC blank.
const (
	PadIdx int32 = 0
	EOSIdx int32 = 1
	UnkIdx int32 = 2

	wordBoundary = "▁"
	spaceAlias   = "<space>"
)

var reserved = []string{"<pad>", "<eos>", "<unk>"}

// pretokenizer splits text into words with the punctuation attached the way
// subword vocabularies are usually trained.
var pretokenizer = regexp2.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)`, regexp2.None)

// Encoder converts between text and token ids.
type Encoder interface {
	// Encode maps s to ids terminated by EOSIdx.
	Encode(s string) []int32
	// Decode maps ids back to text, stopping at EOSIdx and skipping pads.
	// With ignoreRepeat consecutive duplicates are collapsed first.
	Decode(ids []int32, ignoreRepeat bool) string
	// VocabSize includes the reserved tokens.
	VocabSize() int
	// Mode is character, word or subword.
	Mode() string
}

type vocab struct {
	mode   string
	tokens []string
	index  map[string]int32
}

func newVocab(mode string, pieces []string) vocab {
	v := vocab{mode: mode, index: map[string]int32{}}
	for _, p := range append(append([]string{}, reserved...), pieces...) {
		if _, ok := v.index[p]; ok {
			continue
		}
		v.index[p] = int32(len(v.tokens))
		v.tokens = append(v.tokens, p)
	}
	return v
}

func (v vocab) VocabSize() int { return len(v.tokens) }
func (v vocab) Mode() string   { return v.mode }

func (v vocab) lookup(piece string) int32 {
	if id, ok := v.index[piece]; ok {
		return id
	}
	return UnkIdx
}

// pieces returns the printable pieces of ids, applying the shared decode rules.
func (v vocab) pieces(ids []int32, ignoreRepeat bool) []string {
	var out []string
	prev := int32(-1)
	for _, id := range ids {
		if ignoreRepeat && id == prev {
			continue
		}
		prev = id
		if id == EOSIdx {
			break
		}
		if id == PadIdx || id < 0 || int(id) >= len(v.tokens) {
			continue
		}
		out = append(out, v.tokens[id])
	}
	return out
}

// Normalize lower-cases s and collapses runs of white space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

type characterEncoder struct{ vocab }

func (e characterEncoder) Encode(s string) []int32 {
	var ids []int32
	for _, r := range Normalize(s) {
		ids = append(ids, e.lookup(string(r)))
	}
	return append(ids, EOSIdx)
}

func (e characterEncoder) Decode(ids []int32, ignoreRepeat bool) string {
	return strings.Join(e.pieces(ids, ignoreRepeat), "")
}

type wordEncoder struct{ vocab }

func (e wordEncoder) Encode(s string) []int32 {
	var ids []int32
	for _, w := range strings.Fields(Normalize(s)) {
		ids = append(ids, e.lookup(w))
	}
	return append(ids, EOSIdx)
}

func (e wordEncoder) Decode(ids []int32, ignoreRepeat bool) string {
	return strings.Join(e.pieces(ids, ignoreRepeat), " ")
}

type subwordEncoder struct {
	vocab
	trie *trie
}

func (e subwordEncoder) Encode(s string) []int32 {
	var ids []int32
	for _, word := range splitWords(Normalize(s)) {
		ids = append(ids, e.trie.Tokenize([]byte(wordBoundary+word), UnkIdx)...)
	}
	return append(ids, EOSIdx)
}

func (e subwordEncoder) Decode(ids []int32, ignoreRepeat bool) string {
	joined := strings.Join(e.pieces(ids, ignoreRepeat), "")
	return strings.TrimSpace(strings.ReplaceAll(joined, wordBoundary, " "))
}

// splitWords runs the pretokenizer and strips the leading space it keeps.
func splitWords(s string) []string {
	var words []string
	m, _ := pretokenizer.FindStringMatch(s)
	for m != nil {
		if w := strings.TrimSpace(m.String()); w != "" {
			words = append(words, w)
		}
		m, _ = pretokenizer.FindNextMatch(m)
	}
	return words
}

// New builds an encoder of mode over pieces. Reserved tokens are prepended.
func New(mode string, pieces []string) (Encoder, error) {
	for i, p := range pieces {
		if p == spaceAlias {
			pieces[i] = " "
		}
	}
	v := newVocab(mode, pieces)
	switch mode {
	case "character":
		return characterEncoder{v}, nil
	case "word":
		return wordEncoder{v}, nil
	case "subword":
		t := newTrie()
		for id, tok := range v.tokens {
			if id < len(reserved) {
				continue
			}
			if err := t.Insert([]byte(tok), int32(id)); err != nil {
				return nil, err
			}
		}
		return subwordEncoder{vocab: v, trie: t}, nil
	default:
		return nil, fmt.Errorf("unknown text mode %q", mode)
	}
}

// Load reads one piece per line from path. "<space>" stands for a space.
func Load(mode, path string) (Encoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer f.Close()
	var pieces []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		pieces = append(pieces, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	return New(mode, pieces)
}

// Build derives a vocabulary from transcripts. Subword vocabularies hold
// every word-initial character, every character and every whole word.
func Build(mode string, transcripts []string) (Encoder, error) {
	set := map[string]bool{}
	for _, t := range transcripts {
		norm := Normalize(t)
		switch mode {
		case "character":
			for _, r := range norm {
				set[string(r)] = true
			}
		case "word":
			for _, w := range strings.Fields(norm) {
				set[w] = true
			}
		case "subword":
			for _, w := range splitWords(norm) {
				set[wordBoundary+w] = true
				for i, r := range w {
					if i == 0 {
						set[wordBoundary+string(r)] = true
					}
					set[string(r)] = true
				}
			}
		default:
			return nil, fmt.Errorf("unknown text mode %q", mode)
		}
	}
	pieces := make([]string, 0, len(set))
	for p := range set {
		pieces = append(pieces, p)
	}
	sort.Strings(pieces)
	return New(mode, pieces)
}

// Save writes the non-reserved pieces of e to path in the format Load reads.
func Save(e Encoder, path string) error {
	v, ok := vocabOf(e)
	if !ok {
		return fmt.Errorf("cannot save %T", e)
	}
	var b strings.Builder
	for _, tok := range v.tokens[len(reserved):] {
		if tok == " " {
			tok = spaceAlias
		}
		b.WriteString(tok)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func vocabOf(e Encoder) (vocab, bool) {
	switch enc := e.(type) {
	case characterEncoder:
		return enc.vocab, true
	case wordEncoder:
		return enc.vocab, true
	case subwordEncoder:
		return enc.vocab, true
	}
	return vocab{}, false
}
