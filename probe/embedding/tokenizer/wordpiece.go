package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"

	"github.com/armon/go-radix"
)

const (
	continuationPrefix = "##"
	maxWordChars       = 100
)

// WordPiece is a greedy longest-match-first subword tokenizer. Vocabulary
// entries live in a radix tree so the longest matching piece at each offset
// is a single LongestPrefix walk.
type WordPiece struct {
	tree      *radix.Tree
	vocab     map[string]int
	specials  vocab.Specials
	lowercase bool
}

// LoadWordPieceFromVocab reads a vocab.txt, one piece per line, id = line number.
func LoadWordPieceFromVocab(path string, lowercase bool) (*WordPiece, error) {
	vocabFile, err := resolveVocabFile(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(vocabFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pieces []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		pieces = append(pieces, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewWordPiece(pieces, BERTSpecials, lowercase)
}

// NewWordPiece builds a tokenizer over pieces, whose ids follow slice order.
func NewWordPiece(pieces []string, sp vocab.Specials, lowercase bool) (*WordPiece, error) {
	wp := &WordPiece{
		tree:      radix.New(),
		vocab:     make(map[string]int, len(pieces)),
		specials:  sp,
		lowercase: lowercase,
	}
	for i, p := range pieces {
		if _, dup := wp.vocab[p]; dup {
			return nil, fmt.Errorf("duplicate wordpiece %q", p)
		}
		wp.vocab[p] = i
		wp.tree.Insert(p, i)
	}
	if _, ok := wp.vocab[sp.Unknown]; !ok {
		return nil, fmt.Errorf("unknown symbol %q missing: %w", sp.Unknown, ErrUnsupported)
	}
	return wp, nil
}

// Tokenize splits punctuation off the word, then applies greedy
// longest-match-first to each chunk. A chunk that cannot be covered by
// vocabulary pieces becomes a single unknown symbol.
func (w *WordPiece) Tokenize(word string) ([]string, error) {
	if w.lowercase {
		word = strings.ToLower(word)
	}
	var out []string
	for _, chunk := range splitPunct(word) {
		out = append(out, w.greedy(chunk)...)
	}
	if len(out) == 0 {
		out = []string{w.specials.Unknown}
	}
	return out, nil
}

func (w *WordPiece) greedy(chunk string) []string {
	if utf8.RuneCountInString(chunk) > maxWordChars {
		return []string{w.specials.Unknown}
	}
	var pieces []string
	for start := 0; start < len(chunk); {
		query := chunk[start:]
		prefix := ""
		if start > 0 {
			prefix = continuationPrefix
			query = prefix + query
		}
		match, _, ok := w.tree.LongestPrefix(query)
		if !ok || len(match) <= len(prefix) {
			return []string{w.specials.Unknown}
		}
		if prefix != "" && !strings.HasPrefix(match, prefix) {
			return []string{w.specials.Unknown}
		}
		pieces = append(pieces, match)
		start += len(match) - len(prefix)
	}
	return pieces
}

func (w *WordPiece) Vocab() map[string]int { return w.vocab }

func (w *WordPiece) Specials() vocab.Specials { return w.specials }

func splitPunct(word string) []string {
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range word {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			chunks = append(chunks, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return chunks
}
