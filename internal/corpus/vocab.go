// Package corpus loads whitespace-tokenized text corpora and maintains the
// vocabulary mapping between words and dense integer token IDs.
package corpus

import "fmt"

// Vocabulary is an immutable bijective mapping between words and token IDs.
// IDs are dense and assigned in first-seen order, so a vocabulary of size n
// uses exactly the IDs [0, n).
type Vocabulary struct {
	words []string
	ids   map[string]int32
}

// NewVocabulary builds a vocabulary from words listed in ID order, as stored
// in a checkpoint. Duplicate words are rejected.
func NewVocabulary(words []string) (*Vocabulary, error) {
	ids := make(map[string]int32, len(words))
	for i, w := range words {
		if _, dup := ids[w]; dup {
			return nil, fmt.Errorf("corpus: duplicate word %q at id %d", w, i)
		}
		ids[w] = int32(i)
	}
	return &Vocabulary{words: append([]string(nil), words...), ids: ids}, nil
}

// Size returns the vocabulary cardinality.
func (v *Vocabulary) Size() int { return len(v.words) }

// ID returns the token ID for word.
func (v *Vocabulary) ID(word string) (int32, bool) {
	id, ok := v.ids[word]
	return id, ok
}

// Word returns the word for a token ID.
func (v *Vocabulary) Word(id int32) (string, bool) {
	if id < 0 || int(id) >= len(v.words) {
		return "", false
	}
	return v.words[id], true
}

// Words returns the words in ID order. The returned slice is a copy.
func (v *Vocabulary) Words() []string {
	return append([]string(nil), v.words...)
}

// Builder assigns dense token IDs in first-seen order. It is constructed
// explicitly and passed by value where needed; snapshots are immutable.
type Builder struct {
	words []string
	ids   map[string]int32
}

func NewBuilder() *Builder {
	return &Builder{ids: make(map[string]int32)}
}

// Add returns the ID for word, assigning the next dense ID on first sight.
func (b *Builder) Add(word string) int32 {
	if id, ok := b.ids[word]; ok {
		return id
	}
	id := int32(len(b.words))
	b.ids[word] = id
	b.words = append(b.words, word)
	return id
}

// Size returns the number of distinct words seen so far.
func (b *Builder) Size() int { return len(b.words) }

// Snapshot returns an immutable view of the vocabulary built so far.
// Further Add calls do not affect the snapshot.
func (b *Builder) Snapshot() *Vocabulary {
	words := append([]string(nil), b.words...)
	ids := make(map[string]int32, len(words))
	for i, w := range words {
		ids[w] = int32(i)
	}
	return &Vocabulary{words: words, ids: ids}
}
