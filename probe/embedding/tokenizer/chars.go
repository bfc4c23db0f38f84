package tokenizer

import (
	"strings"

	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"
)

// DefaultAlphabet covers printable ASCII and the Latin-1 letters.
var DefaultAlphabet = func() string {
	var b strings.Builder
	for r := rune('!'); r <= '~'; r++ {
		b.WriteRune(r)
	}
	for r := rune(0xC0); r <= 0xFF; r++ {
		if r != 0xD7 && r != 0xF7 {
			b.WriteRune(r)
		}
	}
	return b.String()
}()

// Chars treats every character of a word as one subword. It is the
// tokenizer behind the "chars" model name and the reference splitter used in
// alignment tests.
type Chars struct {
	vocab map[string]int
}

// NewChars builds a character tokenizer whose vocabulary holds the BERT
// special symbols followed by the runes of alphabet.
func NewChars(alphabet string) *Chars {
	c := &Chars{vocab: make(map[string]int)}
	add := func(s string) {
		if _, ok := c.vocab[s]; !ok {
			c.vocab[s] = len(c.vocab)
		}
	}
	for _, s := range []string{BERTSpecials.Pad, BERTSpecials.Unknown, BERTSpecials.Start, BERTSpecials.End, BERTSpecials.Mask} {
		add(s)
	}
	for _, r := range alphabet {
		add(string(r))
	}
	return c
}

func (c *Chars) Tokenize(word string) ([]string, error) {
	out := make([]string, 0, len(word))
	for _, r := range word {
		out = append(out, string(r))
	}
	if len(out) == 0 {
		out = append(out, BERTSpecials.Unknown)
	}
	return out, nil
}

func (c *Chars) Vocab() map[string]int { return c.vocab }

func (c *Chars) Specials() vocab.Specials { return BERTSpecials }
