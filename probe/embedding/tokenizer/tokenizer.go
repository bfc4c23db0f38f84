package tokenizer

import (
	"fmt"

	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"
)

// Subword splits a single word into subword symbols. Implementations must be
// deterministic: the same word always yields the same pieces.
type Subword interface {
	Tokenize(word string) ([]string, error)
	// Vocab returns the symbol table with contiguous ids from 0.
	Vocab() map[string]int
	Specials() vocab.Specials
}

// BERTSpecials are the reserved symbols of BERT-style WordPiece vocabularies.
var BERTSpecials = vocab.Specials{
	Pad:     "[PAD]",
	Start:   "[CLS]",
	End:     "[SEP]",
	Unknown: "[UNK]",
	Mask:    "[MASK]",
}

// ErrUnsupported indicates the tokenizer could not be initialized
var ErrUnsupported = fmt.Errorf("unsupported tokenizer configuration")
