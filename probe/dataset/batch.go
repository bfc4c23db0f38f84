package dataset

import (
	"errors"
	"fmt"
	"iter"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
	"github.com/ZanzyTHEbar/subword-probe/probe/fields"
)

// Batch is a padded view of a contiguous slice of the materialized columns.
// The embedded record holds the sliced columns with padding fields already
// padded; the typed fields expose what encoders and pooling consume.
type Batch struct {
	*fields.Record

	// Offset is the index of the first sample in the dataset.
	Offset int
	// Input holds the encoder input ids padded with the pad id.
	Input [][]int
	// InputLens are the unpadded row lengths of Input.
	InputLens []int
	// TokenStarts is padded with internal.TokenStartPad.
	TokenStarts [][]int
	TargetIdx   []int
	// Labels are per-sample label ids, or for sequence tagging all word
	// labels of the batch concatenated. Nil for unlabeled data.
	Labels       []int
	SentenceLens []int
	// Vectors holds precomputed word vectors of the embedding-only variant.
	Vectors [][]float64
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return b.Record.Len() }

// inputField is the column fed to the encoder, empty when the variant
// carries precomputed vectors.
func (k Kind) inputField() string {
	switch k {
	case WordOnly:
		return "target_word"
	case MidSentence:
		return "input"
	case TokenInSequence, SequenceTagging:
		return "tokens"
	}
	return ""
}

// Batches returns a restartable sequence of batches of at most size
// samples. Batch composition is fixed; for labeled data with
// ShuffleBatches set, each iteration presents the batches in a new random
// order.
func (d *Dataset) Batches(size int) (iter.Seq[*Batch], error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size %d must be positive", size)
	}
	if d.mtx == nil {
		return nil, errors.New("dataset is not indexed")
	}
	shuffle := d.opts.ShuffleBatches && !d.Unlabeled()
	return func(yield func(*Batch) bool) {
		starts := make([]int, 0, len(d.raw)/size+1)
		for s := 0; s < len(d.raw); s += size {
			starts = append(starts, s)
		}
		if shuffle {
			d.rng.Shuffle(len(starts), func(i, j int) {
				starts[i], starts[j] = starts[j], starts[i]
			})
		}
		for _, start := range starts {
			end := min(start+size, len(d.raw))
			if !yield(d.batch(start, end)) {
				return
			}
		}
	}, nil
}

func (d *Dataset) batch(start, end int) *Batch {
	rec := d.mtx.Slice(start, end)
	b := &Batch{Record: rec, Offset: start}

	for _, field := range d.schema.PaddingFields() {
		col, ok := rec.MustGet(field).(fields.SeqColumn)
		if !ok {
			continue
		}
		pad := internal.TokenStartPad
		if v := d.vocabs[field]; v != nil {
			pad = v.Pad()
		}
		rec.MustSet(field, padRows(col, pad))
	}
	if in := d.opts.Kind.inputField(); in != "" {
		b.Input = rec.MustGet(in).(fields.SeqColumn)
		raw := d.mtx.MustGet(in).(fields.SeqColumn)[start:end]
		b.InputLens = make([]int, len(raw))
		for i, row := range raw {
			b.InputLens[i] = len(row)
		}
	}
	if d.schema.Has("token_starts") {
		if ts, ok := rec.MustGet("token_starts").(fields.SeqColumn); ok {
			padded := padRows(ts, internal.TokenStartPad)
			rec.MustSet("token_starts", padded)
			b.TokenStarts = padded
		}
	}
	if d.schema.Has("target_idx") {
		b.TargetIdx, _ = rec.MustGet("target_idx").(fields.IntColumn)
	}
	switch labels := rec.MustGet("tgt").(type) {
	case fields.IntColumn:
		b.Labels = labels
	case fields.SeqColumn:
		for _, row := range labels {
			b.Labels = append(b.Labels, row...)
		}
	}
	if d.schema.Has("sentence_len") {
		b.SentenceLens, _ = rec.MustGet("sentence_len").(fields.IntColumn)
	}
	if d.schema.Has("target_word") {
		b.Vectors, _ = rec.MustGet("target_word").(fields.VecColumn)
	}
	return b
}

// padRows right-pads every row to the longest row of col.
func padRows(col fields.SeqColumn, pad int) fields.SeqColumn {
	width := 0
	for _, row := range col {
		width = max(width, len(row))
	}
	out := make(fields.SeqColumn, len(col))
	for i, row := range col {
		padded := make([]int, width)
		n := copy(padded, row)
		for j := n; j < width; j++ {
			padded[j] = pad
		}
		out[i] = padded
	}
	return out
}
