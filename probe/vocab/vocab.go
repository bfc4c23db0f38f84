// Package vocab maps symbols to dense integer ids and back.
package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
)

var (
	// ErrIndex is returned by InverseLookup for an id outside [0, Len()).
	ErrIndex = errors.New("vocabulary id out of range")
	// ErrFrozen is returned by Add on a frozen vocabulary.
	ErrFrozen = errors.New("vocabulary is frozen")
)

// NoID marks an absent reserved symbol.
const NoID = -1

// Vocab is a bidirectional symbol <-> id mapping. Ids are contiguous from 0
// and follow first-seen order. Reserved constants, when present, take the
// lowest ids in the order start, end, pad, unknown.
type Vocab struct {
	symToID map[string]int
	idToSym []string
	frozen  bool

	start, end, pad, unk int
}

// New returns an empty, growable vocabulary. withConstants reserves the
// start/end/pad/unknown symbols before any data-driven symbol.
func New(withConstants bool) *Vocab {
	v := &Vocab{
		symToID: make(map[string]int),
		start:   NoID,
		end:     NoID,
		pad:     NoID,
		unk:     NoID,
	}
	if withConstants {
		for _, c := range internal.Constants {
			v.insert(c)
		}
		v.markConstants()
	}
	return v
}

// FromSymbols builds a vocabulary whose ids follow the order of symbols.
func FromSymbols(symbols []string, frozen bool) (*Vocab, error) {
	v := New(false)
	for _, s := range symbols {
		if _, dup := v.symToID[s]; dup {
			return nil, fmt.Errorf("duplicate symbol %q at line %d", s, len(v.idToSym)+1)
		}
		v.insert(s)
	}
	if hasConstantPrefix(symbols) {
		v.markConstants()
	}
	v.frozen = frozen
	return v, nil
}

// Load reads a persisted vocabulary, one symbol per line, and freezes it.
func Load(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary %s: %w", path, err)
	}
	defer f.Close()
	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	return v, nil
}

// Read parses a line-oriented symbol list and returns it frozen. Every line
// is a symbol, the empty one included, so ids survive a Write/Read round
// trip.
func Read(r io.Reader) (*Vocab, error) {
	var symbols []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		symbols = append(symbols, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return FromSymbols(symbols, true)
}

// Save persists the symbol list in id order.
func (v *Vocab) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create vocabulary dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vocabulary %s: %w", path, err)
	}
	if err := v.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("write vocabulary %s: %w", path, err)
	}
	return f.Close()
}

// Write emits one symbol per line in id order.
func (v *Vocab) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, s := range v.idToSym {
		if _, err := bw.WriteString(s + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Lookup returns the id of sym. A growable vocabulary assigns the next id to
// an unseen symbol; a frozen one returns the unknown id (NoID when the
// vocabulary has no unknown symbol).
func (v *Vocab) Lookup(sym string) int {
	if id, ok := v.symToID[sym]; ok {
		return id
	}
	if v.frozen {
		return v.unk
	}
	return v.insert(sym)
}

// Add inserts sym, failing on a frozen vocabulary.
func (v *Vocab) Add(sym string) (int, error) {
	if id, ok := v.symToID[sym]; ok {
		return id, nil
	}
	if v.frozen {
		return NoID, fmt.Errorf("add %q: %w", sym, ErrFrozen)
	}
	return v.insert(sym), nil
}

// InverseLookup returns the symbol assigned to id.
func (v *Vocab) InverseLookup(id int) (string, error) {
	if id < 0 || id >= len(v.idToSym) {
		return "", fmt.Errorf("id %d of %d: %w", id, len(v.idToSym), ErrIndex)
	}
	return v.idToSym[id], nil
}

// Contains reports whether sym already has an id.
func (v *Vocab) Contains(sym string) bool {
	_, ok := v.symToID[sym]
	return ok
}

func (v *Vocab) Len() int          { return len(v.idToSym) }
func (v *Vocab) Freeze()           { v.frozen = true }
func (v *Vocab) Frozen() bool      { return v.frozen }
func (v *Vocab) Start() int        { return v.start }
func (v *Vocab) End() int          { return v.end }
func (v *Vocab) Pad() int          { return v.pad }
func (v *Vocab) Unknown() int      { return v.unk }
func (v *Vocab) Symbols() []string { return append([]string(nil), v.idToSym...) }

func (v *Vocab) insert(sym string) int {
	id := len(v.idToSym)
	v.symToID[sym] = id
	v.idToSym = append(v.idToSym, sym)
	return id
}

func (v *Vocab) markConstants() {
	v.start, v.end, v.pad, v.unk = 0, 1, 2, 3
}

func hasConstantPrefix(symbols []string) bool {
	if len(symbols) < len(internal.Constants) {
		return false
	}
	for i, c := range internal.Constants {
		if symbols[i] != c {
			return false
		}
	}
	return true
}
