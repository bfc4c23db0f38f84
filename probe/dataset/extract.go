package dataset

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/subword-probe/probe/fields"
)

func (d *Dataset) load(r io.Reader) error {
	d.raw = nil
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if d.opts.Kind == SequenceTagging {
		return d.loadBlocks(scanner)
	}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		sample, err := d.extractLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		d.keep(sample)
		if d.full() {
			break
		}
	}
	return scanner.Err()
}

func (d *Dataset) loadBlocks(scanner *bufio.Scanner) error {
	var block []string
	ordinal := 0
	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		defer func() { block = block[:0]; ordinal++ }()
		sample, err := d.extractBlock(block)
		if err != nil {
			return fmt.Errorf("block %d: %w", ordinal, err)
		}
		if sample.Int("sentence_subword_len") > d.opts.MaxSubwordLen {
			d.dropped.Add(uint32(ordinal))
			return nil
		}
		d.keep(sample)
		return nil
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) != "" {
			block = append(block, line)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if d.full() {
			return scanner.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !d.full() {
		if err := flush(); err != nil {
			return err
		}
	}
	if n := d.dropped.GetCardinality(); n > 0 {
		d.log.Warn().
			Uint64("dropped", n).
			Int("max_subword_len", d.opts.MaxSubwordLen).
			Msg("samples exceeding the subword limit were dropped")
	}
	return nil
}

func (d *Dataset) keep(sample *fields.Record) {
	if sample.Has("tgt") {
		d.labeled.Add(uint32(len(d.raw)))
	}
	d.raw = append(d.raw, sample)
}

func (d *Dataset) full() bool {
	return d.opts.MaxSamples > 0 && len(d.raw) >= d.opts.MaxSamples
}

// probeLine is the common "sentence \t target \t index [\t label]" layout.
type probeLine struct {
	sentence string
	target   string
	idx      int
	label    any // nil when absent
}

func parseProbeLine(line string) (probeLine, error) {
	fd := strings.Split(line, "\t")
	if len(fd) < 3 {
		return probeLine{}, fmt.Errorf("%d tab-separated fields, want at least 3: %w", len(fd), ErrFormat)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(fd[2]))
	if err != nil {
		return probeLine{}, fmt.Errorf("target index %q: %w", fd[2], ErrFormat)
	}
	pl := probeLine{sentence: fd[0], target: fd[1], idx: idx}
	// an empty label column is the same as none
	if len(fd) > 3 && fd[3] != "" {
		pl.label = fd[3]
	}
	return pl, nil
}

func (d *Dataset) extractLine(line string) (*fields.Record, error) {
	pl, err := parseProbeLine(line)
	if err != nil {
		return nil, err
	}
	switch d.opts.Kind {
	case WordOnly:
		return d.schema.New(map[string]any{
			"sentence":        pl.sentence,
			"target_word":     chars(pl.target),
			"target_idx":      pl.idx,
			"target_word_len": utf8.RuneCountInString(pl.target),
			"label":           pl.label,
		})
	case EmbeddingOnly:
		return d.schema.New(map[string]any{
			"sentence":        pl.sentence,
			"target_word":     pl.target,
			"target_word_idx": pl.idx,
			"label":           pl.label,
		})
	case MidSentence:
		return d.extractMidSentence(pl)
	case TokenInSequence:
		return d.extractTokenInSequence(pl)
	}
	return nil, fmt.Errorf("%s is not a line-oriented variant", d.opts.Kind)
}

// extractMidSentence aligns the target word to a character offset in the
// raw sentence: the lengths of the preceding words plus one separator each,
// pointing at the first or the last character of the target.
func (d *Dataset) extractMidSentence(pl probeLine) (*fields.Record, error) {
	words := strings.Split(pl.sentence, " ")
	if pl.idx < 0 || pl.idx >= len(words) {
		return nil, fmt.Errorf("target index %d outside %d words: %w", pl.idx, len(words), ErrFormat)
	}
	input := chars(pl.sentence)
	target := CharOffset(words, pl.idx, d.opts.ProbeFirstChar)
	return d.schema.New(map[string]any{
		"raw_sentence": pl.sentence,
		"raw_target":   pl.target,
		"raw_idx":      pl.idx,
		"input":        input,
		"input_len":    len(input),
		"target_idx":   target,
		"label":        pl.label,
	})
}

// CharOffset returns the character offset of words[idx] within the
// space-joined sentence: its first character, or its last when firstChar is
// false.
func CharOffset(words []string, idx int, firstChar bool) int {
	off := idx
	for _, w := range words[:idx] {
		off += utf8.RuneCountInString(w)
	}
	if !firstChar {
		off += utf8.RuneCountInString(words[idx]) - 1
	}
	return off
}

func (d *Dataset) extractTokenInSequence(pl probeLine) (*fields.Record, error) {
	words := strings.Split(pl.sentence, " ")
	if pl.idx < 0 || pl.idx >= len(words) {
		return nil, fmt.Errorf("target index %d outside %d words: %w", pl.idx, len(words), ErrFormat)
	}
	groups := make([][]string, len(words))
	for i, w := range words {
		if d.maskSet[i-pl.idx] {
			groups[i] = []string{d.maskSym}
			continue
		}
		pieces, err := d.tok.Tokenize(w)
		if err != nil {
			return nil, err
		}
		groups[i] = pieces
	}
	target := pl.idx
	if d.opts.BagOfWords {
		var perm []int
		groups, perm = shuffleGroups(d.rng, groups)
		target = inversePermutation(perm)[pl.idx]
	}
	tokens, starts := flattenGroups(groups)
	return d.schema.New(map[string]any{
		"raw_sentence": pl.sentence,
		"raw_target":   pl.target,
		"raw_idx":      pl.idx,
		"tokens":       tokens,
		"num_tokens":   len(tokens),
		"target_idx":   target,
		"token_starts": starts,
		"label":        pl.label,
	})
}

func (d *Dataset) extractBlock(lines []string) (*fields.Record, error) {
	words := make([]string, 0, len(lines))
	var labels []string
	for _, line := range lines {
		fd := strings.Split(line, "\t")
		words = append(words, fd[0])
		if len(fd) > 1 {
			labels = append(labels, fd[1])
		}
	}
	if labels != nil && len(labels) != len(words) {
		return nil, fmt.Errorf("%d labels for %d words: %w", len(labels), len(words), ErrFormat)
	}
	tokens, starts, err := Align(d.tok, words)
	if err != nil {
		return nil, err
	}
	values := map[string]any{
		"raw_sentence":         words,
		"sentence_len":         len(words),
		"tokens":               tokens,
		"sentence_subword_len": len(tokens),
		"token_starts":         starts,
	}
	if labels != nil {
		values["labels"] = labels
	}
	return d.schema.New(values)
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
