package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// SugarWordPiece wraps sugarme/tokenizer WordPiece (BERT-style). Each call
// encodes one word without special tokens.
type SugarWordPiece struct {
	t     *tk.Tokenizer
	vocab map[string]int
}

// NewSugarWordPiece loads vocab.txt (or a directory holding it) and builds a
// BERT WordPiece tokenizer.
func NewSugarWordPiece(vocabPath string, lowercase bool) (*SugarWordPiece, error) {
	vocabFile, err := resolveVocabFile(vocabPath)
	if err != nil {
		return nil, err
	}
	wp, err := wordpiece.NewWordPieceFromFile(vocabFile, BERTSpecials.Unknown)
	if err != nil {
		return nil, fmt.Errorf("load wordpiece %s: %w", vocabFile, err)
	}
	table := wp.GetVocab()
	if len(table) == 0 {
		return nil, fmt.Errorf("empty wordpiece vocabulary %s: %w", vocabFile, ErrUnsupported)
	}

	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, lowercase))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	return &SugarWordPiece{t: t, vocab: table}, nil
}

func (s *SugarWordPiece) Tokenize(word string) ([]string, error) {
	enc, err := s.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(word)), false)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", word, err)
	}
	pieces := enc.GetTokens()
	if len(pieces) == 0 {
		// the BERT normalizer strips control characters; keep the word aligned
		return []string{BERTSpecials.Unknown}, nil
	}
	return pieces, nil
}

func (s *SugarWordPiece) Vocab() map[string]int { return s.vocab }

func (s *SugarWordPiece) Specials() vocab.Specials { return BERTSpecials }

func resolveVocabFile(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat vocabulary %s: %w", path, err)
	}
	if !fi.IsDir() {
		return path, nil
	}
	vocabFile := filepath.Join(path, "vocab.txt")
	if fi2, err := os.Stat(vocabFile); err != nil || fi2.IsDir() {
		return "", fmt.Errorf("no vocab.txt in %s: %w", path, ErrUnsupported)
	}
	return vocabFile, nil
}
