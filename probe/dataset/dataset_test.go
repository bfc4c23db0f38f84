package dataset

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding/tokenizer"
	"github.com/ZanzyTHEbar/subword-probe/probe/fields"
	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataset(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"TokenStartsTileSubwords", testTokenStartsTileSubwords},
		{"TokenStartsShiftedOnce", testTokenStartsShiftedOnce},
		{"MaskPositions", testMaskPositions},
		{"BagOfWordsBijection", testBagOfWordsBijection},
		{"DecodeRoundTrip", testDecodeRoundTrip},
		{"DecodeSequenceTagging", testDecodeSequenceTagging},
		{"PaddingIdempotent", testPaddingIdempotent},
		{"PaddingToLocalWidth", testPaddingToLocalWidth},
		{"ShuffleKeepsComposition", testShuffleKeepsComposition},
		{"MidSentenceOffsets", testMidSentenceOffsets},
		{"MalformedLine", testMalformedLine},
		{"DroppedSamples", testDroppedSamples},
		{"MaxSamples", testMaxSamples},
		{"VocabPersistence", testVocabPersistence},
		{"EmbeddingOnly", testEmbeddingOnly},
		{"WriteRaw", testWriteRaw},
		{"MidSentenceBatches", testMidSentenceBatches},
		{"EmptyLabelColumn", testEmptyLabelColumn},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func load(t *testing.T, data string, opts Options) *Dataset {
	t.Helper()
	reg := embedding.NewRegistry(embedding.WithLogger(zerolog.Nop()))
	if opts.ModelName == "" {
		opts.ModelName = "chars"
	}
	d, err := FromReader(strings.NewReader(data), opts, reg)
	require.NoError(t, err)
	return d
}

func collect(t *testing.T, d *Dataset, size int) []*Batch {
	t.Helper()
	seq, err := d.Batches(size)
	require.NoError(t, err)
	var out []*Batch
	for b := range seq {
		out = append(out, b)
	}
	return out
}

func testTokenStartsTileSubwords(t *testing.T) {
	tok := tokenizer.NewChars(tokenizer.DefaultAlphabet)
	sentences := [][]string{
		{"a", "bb", "ccc"},
		{"x"},
		{"héllo", "wörld", "!"},
	}
	for _, words := range sentences {
		tokens, starts, err := Align(tok, words)
		require.NoError(t, err)
		require.Len(t, starts, len(words)+1)
		assert.Equal(t, 0, starts[0])
		assert.Equal(t, len(tokens), starts[len(starts)-1])
		for i := range words {
			assert.Less(t, starts[i], starts[i+1], "word %d has an empty span", i)
			assert.Equal(t, strings.Join(tokens[starts[i]:starts[i+1]], ""), words[i])
		}
	}

	_, starts, err := Align(tok, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 6}, starts)
	// last-subword span of "bb"
	assert.Equal(t, 1, starts[1])
	assert.Equal(t, 3, starts[2])
}

func testTokenStartsShiftedOnce(t *testing.T) {
	d := load(t, "a bb ccc\tbb\t1\tN\n", Options{Kind: TokenInSequence})
	want := []int{0, 1, 2, 4, 7}
	assert.Equal(t, fields.SeqColumn{want}, d.Materialized().MustGet("token_starts"))
	assert.Equal(t, fields.IntColumn{2}, d.Materialized().MustGet("target_idx"))

	require.NoError(t, d.Index())
	require.NoError(t, d.Index())
	assert.Equal(t, fields.SeqColumn{want}, d.Materialized().MustGet("token_starts"))
	assert.Equal(t, fields.IntColumn{2}, d.Materialized().MustGet("target_idx"))
	// raw samples keep the unshifted array
	assert.Equal(t, []int{0, 1, 3, 6}, d.Raw()[0].Ints("token_starts"))

	// the span of the target in encoder coordinates covers "b" "b" after [CLS]
	b := collect(t, d, 8)[0]
	ts, target := b.TokenStarts[0], b.TargetIdx[0]
	v, err := d.Vocab("tokens")
	require.NoError(t, err)
	for p := ts[target]; p < ts[target+1]; p++ {
		sym, err := v.InverseLookup(b.Input[0][p])
		require.NoError(t, err)
		assert.Equal(t, "b", sym)
	}
}

func testMaskPositions(t *testing.T) {
	data := "a bb ccc dd\tbb\t1\tN\n" + "a bb ccc dd\tccc\t2\tN\n"
	d := load(t, data, Options{Kind: TokenInSequence, MaskPositions: []int{-1, 2}})
	mask := tokenizer.BERTSpecials.Mask

	first := d.Raw()[0]
	assert.Equal(t, []string{mask, "b", "b", "c", "c", "c", mask}, first.Strings("tokens"))
	assert.Equal(t, []int{0, 1, 3, 6, 7}, first.Ints("token_starts"))

	// +2 from word 2 falls outside the sentence and is ignored
	second := d.Raw()[1]
	assert.Equal(t, []string{"a", mask, "c", "c", "c", "d", "d"}, second.Strings("tokens"))
}

func testBagOfWordsBijection(t *testing.T) {
	data := "a bb ccc dddd eeeee\tccc\t2\tN\n" +
		"a bb ccc dddd eeeee\ta\t0\tN\n" +
		"a bb ccc dddd eeeee\teeeee\t4\tN\n"
	for seed := range uint64(5) {
		d := load(t, data, Options{Kind: TokenInSequence, BagOfWords: true, Seed: seed})
		for _, s := range d.Raw() {
			tokens, starts, target := s.Strings("tokens"), s.Ints("token_starts"), s.Int("target_idx")
			assert.Equal(t, s.Str("raw_target"), strings.Join(tokens[starts[target]:starts[target+1]], ""))
			assert.Len(t, tokens, 15)
		}
	}
}

func testDecodeRoundTrip(t *testing.T) {
	data := "a bb\tbb\t1\tNOUN\nccc d\tccc\t0\tVERB\ne f g\tg\t2\tNOUN\nh i\th\t0\tADJ\n"
	d := load(t, data, Options{Kind: TokenInSequence})
	want := []string{"NOUN", "VERB", "NOUN", "ADJ"}

	labels := d.LabelVocab()
	var outputs [][]float64
	for _, b := range collect(t, d, 3) {
		for _, id := range b.Labels {
			row := make([]float64, labels.Len())
			row[id] = 1
			outputs = append(outputs, row)
		}
	}
	for _, s := range d.Raw() {
		s.MustSet("label", nil)
	}
	require.NoError(t, d.Decode(outputs))
	for i, s := range d.Raw() {
		assert.Equal(t, want[i], s.Str("label"))
	}

	assert.Error(t, d.Decode(outputs[:2]))
}

func testDecodeSequenceTagging(t *testing.T) {
	data := "The\tDET\ndog\tNOUN\n\nruns\tVERB\n"
	d := load(t, data, Options{Kind: SequenceTagging})
	require.Equal(t, 2, d.Len())

	b := collect(t, d, 8)[0]
	assert.Len(t, b.Labels, 3)
	assert.Equal(t, []int{2, 1}, []int(b.SentenceLens))

	labels := d.LabelVocab()
	outputs := make([][]float64, 0, len(b.Labels))
	for _, id := range b.Labels {
		row := make([]float64, labels.Len())
		row[id] = 1
		outputs = append(outputs, row)
	}
	require.NoError(t, d.Decode(outputs))
	assert.Equal(t, []string{"DET", "NOUN"}, d.Raw()[0].Strings("labels"))
	assert.Equal(t, []string{"VERB"}, d.Raw()[1].Strings("labels"))

	// every row must belong to a word
	assert.Error(t, d.Decode(append(outputs, outputs[0])))
	assert.Error(t, d.Decode(outputs[:2]))
	assert.Equal(t, []string{"VERB"}, d.Raw()[1].Strings("labels"))
}

func testPaddingIdempotent(t *testing.T) {
	data := "a bb ccc\tbb\t1\tN\nddd e\te\t1\tV\nf\tf\t0\tN\n"
	d := load(t, data, Options{Kind: TokenInSequence})
	assert.Equal(t, collect(t, d, 2), collect(t, d, 2))
}

func testPaddingToLocalWidth(t *testing.T) {
	// wrapped subword lengths 4 and 7
	data := "ab\tX\n\nabc\tX\nde\tY\n"
	d := load(t, data, Options{Kind: SequenceTagging})
	batches := collect(t, d, 2)
	require.Len(t, batches, 1)
	b := batches[0]

	v, err := d.Vocab("tokens")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 7}, b.InputLens)
	require.Len(t, b.Input[0], 7)
	require.Len(t, b.Input[1], 7)
	assert.Equal(t, []int{v.Pad(), v.Pad(), v.Pad()}, b.Input[0][4:])
	assert.Equal(t, v.Start(), b.Input[0][0])
	assert.Equal(t, v.End(), b.Input[0][3])

	assert.Equal(t, []int{0, 1, 3, internal.TokenStartPad}, b.TokenStarts[0])
	assert.Equal(t, []int{0, 1, 4, 6}, b.TokenStarts[1])

	// each batch pads to its own maximum
	narrow := collect(t, d, 1)
	assert.Len(t, narrow[0].Input[0], 4)
	assert.Len(t, narrow[1].Input[0], 7)
}

func testShuffleKeepsComposition(t *testing.T) {
	var sb strings.Builder
	for i := range 10 {
		sb.WriteString("w" + strings.Repeat("x", i) + "\tw\t0\tL\n")
	}
	d := load(t, sb.String(), Options{Kind: TokenInSequence, ShuffleBatches: true, Seed: 7})

	var offsets []int
	for _, b := range collect(t, d, 3) {
		offsets = append(offsets, b.Offset)
		assert.Equal(t, min(3, 10-b.Offset), b.Size())
	}
	slices.Sort(offsets)
	assert.Equal(t, []int{0, 3, 6, 9}, offsets)

	unlabeled := load(t, strings.ReplaceAll(sb.String(), "\tL\n", "\n"),
		Options{Kind: TokenInSequence, ShuffleBatches: true, Seed: 7})
	require.True(t, unlabeled.Unlabeled())
	var order []int
	for _, b := range collect(t, unlabeled, 3) {
		order = append(order, b.Offset)
		assert.Nil(t, b.Labels)
	}
	assert.Equal(t, []int{0, 3, 6, 9}, order)
}

func testMidSentenceOffsets(t *testing.T) {
	line := "ab cde f\tcde\t1\tL\n"
	last := load(t, line, Options{Kind: MidSentence})
	assert.Equal(t, 5, last.Raw()[0].Int("target_idx"))
	assert.Equal(t, fields.IntColumn{6}, last.Materialized().MustGet("target_idx"))

	first := load(t, line, Options{Kind: MidSentence, ProbeFirstChar: true})
	assert.Equal(t, 3, first.Raw()[0].Int("target_idx"))

	assert.Equal(t, 0, CharOffset([]string{"ab"}, 0, true))
	assert.Equal(t, 1, CharOffset([]string{"ab"}, 0, false))
	assert.Equal(t, 6, CharOffset([]string{"é", "ünï", "x"}, 2, true))
}

func testMalformedLine(t *testing.T) {
	reg := embedding.NewRegistry(embedding.WithLogger(zerolog.Nop()))
	tests := []struct {
		kind Kind
		data string
	}{
		{TokenInSequence, "a b\ta\t0\tL\nno tabs here\n"},
		{TokenInSequence, "a b\ta\t0\tL\na b\tb\tone\tL\n"},
		{MidSentence, "a b\ta\t0\tL\na b\tb\t9\tL\n"},
		{SequenceTagging, "a\tX\nb\n"},
	}
	for _, tt := range tests {
		_, err := FromReader(strings.NewReader(tt.data), Options{Kind: tt.kind, ModelName: "chars"}, reg)
		require.Error(t, err, tt.data)
		assert.True(t, errors.Is(err, ErrFormat), err.Error())
	}
	_, err := FromReader(strings.NewReader("a b\ta\t0\tL\nbad\n"), Options{Kind: WordOnly}, nil)
	assert.ErrorContains(t, err, "line 2")
}

func testDroppedSamples(t *testing.T) {
	data := "ab\tX\n\nabcdefgh\tX\n\ncd\tY\n"
	d := load(t, data, Options{Kind: SequenceTagging, MaxSubwordLen: 4})
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, 1, d.DroppedCount())
	assert.Equal(t, []uint32{1}, d.Dropped())
	assert.Equal(t, []string{"cd"}, d.Raw()[1].Strings("raw_sentence"))
}

func testMaxSamples(t *testing.T) {
	lines := "a\ta\t0\tL\nb\tb\t0\tL\nc\tc\t0\tL\n"
	assert.Equal(t, 2, load(t, lines, Options{Kind: TokenInSequence, MaxSamples: 2}).Len())

	blocks := "a\tX\n\nb\tX\n\nc\tX\n"
	assert.Equal(t, 2, load(t, blocks, Options{Kind: SequenceTagging, MaxSamples: 2}).Len())
	assert.Equal(t, 3, load(t, blocks, Options{Kind: SequenceTagging}).Len())
}

func testVocabPersistence(t *testing.T) {
	dir := t.TempDir()
	train := load(t, "the cat\tcat\t1\tN\nsat\tsat\t0\tV\n", Options{Kind: WordOnly, ExperimentDir: dir})
	require.NoError(t, train.SaveVocabs())
	assert.FileExists(t, filepath.Join(dir, "vocab_label"))
	assert.FileExists(t, filepath.Join(dir, "vocab_target_word"))

	dev := load(t, "a dog\tdog\t1\tADJ\n", Options{Kind: WordOnly, ExperimentDir: dir})
	labels := dev.LabelVocab()
	assert.True(t, labels.Frozen())
	assert.Equal(t, []string{"N", "V"}, labels.Symbols())
	assert.Equal(t, fields.IntColumn{vocab.NoID}, dev.Materialized().MustGet("label"))

	chars, err := dev.Vocab("input")
	require.NoError(t, err)
	row := dev.Materialized().MustGet("target_word").(fields.SeqColumn)[0]
	// none of d, o, g occur in the training words
	assert.Equal(t, []int{chars.Start(), chars.Unknown(), chars.Unknown(), chars.Unknown(), chars.End()}, row)

	shared := load(t, "x\tx\t0\tV\n", Options{Kind: WordOnly, ShareVocabsWith: train})
	assert.Same(t, train.LabelVocab(), shared.LabelVocab())
}

func testEmbeddingOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vecs.txt")
	require.NoError(t, os.WriteFile(path, []byte("3 2\nunk 0 0\ncat 1 2\ndog 3 4\n"), 0o644))

	d := load(t, "the cat\tcat\t1\tN\na bird\tbird\t1\tN\n", Options{Kind: EmbeddingOnly, EmbeddingPath: path})
	assert.Equal(t, 2, d.EmbeddingSize())
	b := collect(t, d, 4)[0]
	assert.Equal(t, [][]float64{{1, 2}, {1, 2}}, [][]float64(b.Vectors))
	assert.Nil(t, b.Input)

	reg := embedding.NewRegistry(embedding.WithLogger(zerolog.Nop()))
	_, err := FromReader(strings.NewReader("a\ta\t0\n"), Options{Kind: EmbeddingOnly}, reg)
	assert.Error(t, err)
}

func testWriteRaw(t *testing.T) {
	tagging := load(t, "The\tDET\ndog\tNOUN\n\nruns\tVERB\n", Options{Kind: SequenceTagging})
	var buf bytes.Buffer
	require.NoError(t, tagging.WriteRaw(&buf))
	assert.Equal(t, "The\tDET\ndog\tNOUN\n\nruns\tVERB\n", buf.String())

	lines := load(t, "a bb\tbb\t1\tN\n", Options{Kind: TokenInSequence})
	buf.Reset()
	require.NoError(t, lines.WriteRaw(&buf))
	assert.Equal(t, "a bb\tbb\t1\tN\n", buf.String())
}

func testMidSentenceBatches(t *testing.T) {
	d := load(t, "ab cde f\tcde\t1\tL\nx y\ty\t1\tM\n", Options{Kind: MidSentence})
	batches := collect(t, d, 2)
	require.Len(t, batches, 1)
	b := batches[0]

	v, err := d.Vocab("input")
	require.NoError(t, err)
	assert.Nil(t, b.TokenStarts)
	assert.Nil(t, b.Vectors)
	assert.Equal(t, []int{10, 5}, b.InputLens)
	assert.Equal(t, []int{6, 3}, []int(b.TargetIdx))
	require.Len(t, b.Input[1], 10)
	assert.Equal(t, v.Pad(), b.Input[1][5])
	assert.Equal(t, v.Lookup("e"), b.Input[0][b.TargetIdx[0]])
	assert.Equal(t, v.Lookup("y"), b.Input[1][b.TargetIdx[1]])
	assert.Len(t, b.Labels, 2)
}

func testEmptyLabelColumn(t *testing.T) {
	d := load(t, "a b\ta\t0\t\nc d\td\t1\t\n", Options{Kind: TokenInSequence})
	assert.True(t, d.Unlabeled())
	assert.False(t, d.Raw()[0].Has("label"))
	assert.Zero(t, d.LabelVocab().Len())
}
