package text

import (
	"fmt"
	"unicode/utf8"
)

// trie maps byte strings to token ids for greedy longest-match tokenization.
type trie struct {
	children map[byte]*trie
	id       int32
	end      bool
}

func newTrie() *trie {
	return &trie{children: map[byte]*trie{}}
}

// Insert adds word with the given id.
func (t *trie) Insert(word []byte, id int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length piece not supported")
	}
	cur := t
	for _, b := range word {
		next := cur.children[b]
		if next == nil {
			next = newTrie()
			cur.children[b] = next
		}
		cur = next
	}
	cur.end = true
	cur.id = id
	return nil
}

// Tokenize splits input into the longest known pieces. Runes that start no
// piece are emitted as unk.
func (t *trie) Tokenize(input []byte, unk int32) []int32 {
	var ids []int32
	for len(input) > 0 {
		cur := t
		matched, token := 0, unk
		for i := 0; i < len(input); i++ {
			cur = cur.children[input[i]]
			if cur == nil {
				break
			}
			if cur.end {
				matched, token = i+1, cur.id
			}
		}
		if matched == 0 {
			_, size := utf8.DecodeRune(input)
			matched = size
		}
		ids = append(ids, token)
		input = input[matched:]
	}
	return ids
}
