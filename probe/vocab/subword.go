package vocab

import (
	"fmt"
	"sort"
)

// Specials names the reserved symbols of an external subword vocabulary.
type Specials struct {
	Pad     string
	Start   string
	End     string
	Unknown string
	Mask    string
}

// WrapSubword adopts a tokenizer-provided symbol table. The result is frozen
// and resolves unseen symbols to the tokenizer's unknown id.
func WrapSubword(table map[string]int, sp Specials) (*Vocab, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("empty subword vocabulary")
	}
	type entry struct {
		sym string
		id  int
	}
	entries := make([]entry, 0, len(table))
	for s, id := range table {
		entries = append(entries, entry{s, id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	v := New(false)
	for i, e := range entries {
		if e.id != i {
			return nil, fmt.Errorf("subword vocabulary ids are not contiguous: %q has id %d, expected %d", e.sym, e.id, i)
		}
		v.insert(e.sym)
	}

	resolve := func(name, sym string) (int, error) {
		if sym == "" {
			return NoID, nil
		}
		id, ok := v.symToID[sym]
		if !ok {
			return NoID, fmt.Errorf("%s symbol %q missing from subword vocabulary", name, sym)
		}
		return id, nil
	}
	var err error
	if v.pad, err = resolve("pad", sp.Pad); err != nil {
		return nil, err
	}
	if v.start, err = resolve("start", sp.Start); err != nil {
		return nil, err
	}
	if v.end, err = resolve("end", sp.End); err != nil {
		return nil, err
	}
	if v.unk, err = resolve("unknown", sp.Unknown); err != nil {
		return nil, err
	}
	v.frozen = true
	return v, nil
}
