package dataset

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Decode assigns to every raw sample the label with the highest score.
// outputs holds one score row per sample, or for sequence tagging one row
// per word of every sample in order.
func (d *Dataset) Decode(outputs [][]float64) error {
	labels := d.LabelVocab()
	if labels == nil {
		return fmt.Errorf("%s has no label vocabulary", d.opts.Kind)
	}
	argmax := func(row []float64) (string, error) {
		if len(row) == 0 {
			return "", fmt.Errorf("empty score row: %w", ErrFormat)
		}
		return labels.InverseLookup(floats.MaxIdx(row))
	}

	if d.opts.Kind == SequenceTagging {
		words := 0
		for _, s := range d.raw {
			words += s.Int("sentence_len")
		}
		if words != len(outputs) {
			return fmt.Errorf("%d output rows for %d words", len(outputs), words)
		}
		offset := 0
		for i, s := range d.raw {
			n := s.Int("sentence_len")
			tags := make([]string, n)
			for w := range n {
				sym, err := argmax(outputs[offset+w])
				if err != nil {
					return fmt.Errorf("sample %d word %d: %w", i, w, err)
				}
				tags[w] = sym
			}
			s.MustSet("labels", tags)
			offset += n
		}
		return nil
	}

	if len(outputs) != len(d.raw) {
		return fmt.Errorf("%d output rows for %d samples", len(outputs), len(d.raw))
	}
	for i, s := range d.raw {
		sym, err := argmax(outputs[i])
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		s.MustSet("label", sym)
	}
	return nil
}

// WriteRaw writes the raw samples back in their input format, carrying the
// current labels. Sequence tagging blocks are separated by blank lines.
func (d *Dataset) WriteRaw(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, s := range d.raw {
		switch d.opts.Kind {
		case WordOnly:
			fmt.Fprintf(bw, "%s\t%s\t%d\t%s\n", s.Str("sentence"),
				strings.Join(s.Strings("target_word"), ""), s.Int("target_idx"), s.Str("label"))
		case EmbeddingOnly:
			fmt.Fprintf(bw, "%s\t%s\t%d\t%s\n", s.Str("sentence"),
				s.Str("target_word"), s.Int("target_word_idx"), s.Str("label"))
		case MidSentence, TokenInSequence:
			fmt.Fprintf(bw, "%s\t%s\t%d\t%s\n", s.Str("raw_sentence"),
				s.Str("raw_target"), s.Int("raw_idx"), s.Str("label"))
		case SequenceTagging:
			if i > 0 {
				bw.WriteString("\n")
			}
			words, labels := s.Strings("raw_sentence"), s.Strings("labels")
			for j, word := range words {
				label := ""
				if j < len(labels) {
					label = labels[j]
				}
				fmt.Fprintf(bw, "%s\t%s\n", word, label)
			}
		}
	}
	return bw.Flush()
}
