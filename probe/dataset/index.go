package dataset

import (
	"fmt"

	"github.com/ZanzyTHEbar/subword-probe/probe/embedding/wordvec"
	"github.com/ZanzyTHEbar/subword-probe/probe/fields"
	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"
)

// Index rebuilds the materialized columns from the raw samples. It can be
// called any number of times; the start-marker shift of token starts and
// target indices is derived from the raw values on every call and so is
// applied exactly once. Vocabularies are frozen once indexing completes.
func (d *Dataset) Index() error {
	mtx := d.schema.Empty()
	for _, field := range d.schema.Fields() {
		if d.opts.Kind == EmbeddingOnly && field == "target_word" {
			continue
		}
		col, err := d.column(field)
		if err != nil {
			return fmt.Errorf("index %s: %w", field, err)
		}
		if col != nil {
			mtx.MustSet(field, col)
		}
	}

	if len(d.raw) == 0 {
		d.mtx = mtx
		return nil
	}
	switch d.opts.Kind {
	case EmbeddingOnly:
		vecs, err := d.wordVectors()
		if err != nil {
			return err
		}
		mtx.MustSet("target_word", vecs)
	case MidSentence:
		mtx.MustSet("target_idx", shiftInts(mtx.MustGet("target_idx").(fields.IntColumn)))
	case TokenInSequence:
		mtx.MustSet("target_idx", shiftInts(mtx.MustGet("target_idx").(fields.IntColumn)))
		mtx.MustSet("token_starts", shiftStarts(mtx.MustGet("token_starts").(fields.SeqColumn)))
	case SequenceTagging:
		mtx.MustSet("token_starts", shiftStarts(mtx.MustGet("token_starts").(fields.SeqColumn)))
	}
	d.mtx = mtx
	for _, v := range d.vocabs {
		v.Freeze()
	}
	return nil
}

// column materializes one field across all raw samples. Fields unset in
// every sample yield nil.
func (d *Dataset) column(field string) (any, error) {
	var probe any
	for _, s := range d.raw {
		if v := s.MustGet(field); v != nil {
			probe = v
			break
		}
	}
	if probe == nil {
		return nil, nil
	}
	v := d.vocabs[field]
	if d.schema.NeedsVocab(field) && v == nil {
		return nil, fmt.Errorf("no vocabulary loaded")
	}
	wrap := d.schema.NeedsConstants(field)

	switch probe.(type) {
	case string:
		if v != nil {
			out := make(fields.IntColumn, len(d.raw))
			for i, s := range d.raw {
				out[i] = lookupScalar(v, s.MustGet(field))
			}
			return out, nil
		}
		out := make(fields.TextColumn, len(d.raw))
		for i, s := range d.raw {
			out[i] = s.Str(field)
		}
		return out, nil
	case int:
		out := make(fields.IntColumn, len(d.raw))
		for i, s := range d.raw {
			out[i] = s.Int(field)
		}
		return out, nil
	case []int:
		out := make(fields.SeqColumn, len(d.raw))
		for i, s := range d.raw {
			out[i] = append([]int(nil), s.Ints(field)...)
		}
		return out, nil
	case []string:
		if v == nil {
			// raw word lists stay on the raw samples
			return nil, nil
		}
		out := make(fields.SeqColumn, len(d.raw))
		for i, s := range d.raw {
			out[i] = lookupSeq(v, s.Strings(field), wrap)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", probe)
}

func lookupScalar(v *vocab.Vocab, val any) int {
	s, ok := val.(string)
	if !ok {
		return vocab.NoID
	}
	return v.Lookup(s)
}

func lookupSeq(v *vocab.Vocab, syms []string, wrap bool) []int {
	out := make([]int, 0, len(syms)+2)
	if wrap {
		out = append(out, v.Start())
	}
	for _, s := range syms {
		out = append(out, v.Lookup(s))
	}
	if wrap {
		out = append(out, v.End())
	}
	return out
}

func shiftInts(col fields.IntColumn) fields.IntColumn {
	out := make(fields.IntColumn, len(col))
	for i, n := range col {
		out[i] = n + 1
	}
	return out
}

func shiftStarts(col fields.SeqColumn) fields.SeqColumn {
	out := make(fields.SeqColumn, len(col))
	for i, raw := range col {
		out[i] = ShiftTokenStarts(raw)
	}
	return out
}

func (d *Dataset) wordVectors() (fields.VecColumn, error) {
	if d.wordVecs == nil {
		if d.opts.EmbeddingPath == "" {
			return nil, fmt.Errorf("%s needs an embedding file", d.opts.Kind)
		}
		filter := make(map[string]bool, len(d.raw))
		for _, s := range d.raw {
			filter[s.Str("target_word")] = true
		}
		table, err := wordvec.Load(d.opts.EmbeddingPath, filter)
		if err != nil {
			return nil, err
		}
		d.wordVecs = table
		d.log.Debug().
			Int("words", table.Len()).
			Int("dim", table.Dim()).
			Msg("word vectors loaded")
	}
	out := make(fields.VecColumn, len(d.raw))
	for i, s := range d.raw {
		out[i] = d.wordVecs.Vector(s.Str("target_word"))
	}
	return out, nil
}
