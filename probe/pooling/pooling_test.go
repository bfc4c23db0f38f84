package pooling

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/subword-probe/probe/dataset"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// gridEncoder emits [position + 100*layer, id] for every position, so
// pooled values identify exactly which positions and layers were used.
type gridEncoder struct {
	layers int
	calls  int
}

func (g *gridEncoder) HiddenSize() int { return 2 }
func (g *gridEncoder) NumLayers() int  { return g.layers }

func (g *gridEncoder) Encode(_ context.Context, ids [][]int, _ []int) ([]embedding.Hidden, error) {
	g.calls++
	out := make([]embedding.Hidden, g.layers)
	for l := range out {
		out[l] = make(embedding.Hidden, len(ids))
		for r, row := range ids {
			m := mat.NewDense(len(row), 2, nil)
			for p, id := range row {
				m.Set(p, 0, float64(p+100*l))
				m.Set(p, 1, float64(id))
			}
			out[l][r] = m
		}
	}
	return out, nil
}

var nop = zerolog.Nop()

func targetBatch() *dataset.Batch {
	// "a bb ccc" after the start marker, target "bb"
	return &dataset.Batch{
		Input:       [][]int{{2, 10, 11, 11, 12, 12, 12, 3}},
		InputLens:   []int{8},
		TokenStarts: [][]int{{0, 1, 2, 4, 7}},
		TargetIdx:   []int{2},
	}
}

func TestPooling(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"SubwordReductions", testSubwordReductions},
		{"TargetSpan", testTargetSpan},
		{"LayerPooling", testLayerPooling},
		{"ConfigErrors", testConfigErrors},
		{"ShiftTargetClamped", testShiftTargetClamped},
		{"CacheSkipsEncoder", testCacheSkipsEncoder},
		{"CacheDisabled", testCacheDisabled},
		{"WeightedLayersAfterCache", testWeightedLayersAfterCache},
		{"CacheEviction", testCacheEviction},
		{"SequenceTaggerSpans", testSequenceTaggerSpans},
		{"SequenceTaggerCacheSegmentation", testSequenceTaggerCacheSegmentation},
		{"MidSentenceTarget", testMidSentenceTarget},
		{"TrainedStrategies", testTrainedStrategies},
		{"LinearHead", testLinearHead},
		{"EndToEnd", testEndToEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testSubwordReductions(t *testing.T) {
	m := mat.NewDense(5, 2, []float64{
		9, 9,
		1, 6,
		3, 2,
		5, 4,
		9, 9,
	})
	tests := []struct {
		name string
		want []float64
	}{
		{"first", []float64{1, 6}},
		{"last", []float64{5, 4}},
		{"max", []float64{5, 6}},
		{"sum", []float64{9, 12}},
		{"avg", []float64{3, 4}},
		{"last2", []float64{5, 4, 3, 2}},
		{"f+l", []float64{3, 5}},
	}
	for _, tt := range tests {
		s, err := ParseSubword(tt.name, 2, SubwordOptions{})
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, s.reduce(m, 1, 4), tt.name)
		assert.Len(t, tt.want, s.Width(2), tt.name)
	}

	last2, _ := ParseSubword("last2", 2, SubwordOptions{})
	assert.Equal(t, []float64{3, 2, 0, 0}, last2.reduce(m, 2, 3))
}

func testTargetSpan(t *testing.T) {
	enc := &gridEncoder{layers: 1}
	for _, tt := range []struct {
		strategy string
		want     []float64
	}{
		{"first", []float64{2, 11}},
		{"last", []float64{3, 11}},
		{"sum", []float64{5, 22}},
	} {
		p, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: tt.strategy, Logger: &nop})
		require.NoError(t, err)
		out, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.RawRowView(0), tt.strategy)
	}

	p, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "first", Logger: &nop})
	require.NoError(t, err)
	b := targetBatch()
	b.TokenStarts = [][]int{{0, 1, 2, 1000}}
	_, err = p.Pool(context.Background(), b)
	assert.Error(t, err)
}

func testLayerPooling(t *testing.T) {
	enc := &gridEncoder{layers: 3}
	tests := []struct {
		layers string
		want   []float64
	}{
		{"first", []float64{2, 11}},
		{"last", []float64{202, 11}},
		{"1", []float64{102, 11}},
		{"-1", []float64{202, 11}},
		{"sum", []float64{306, 33}},
		{"weighted_sum", []float64{102, 11}},
		{"all", []float64{2, 11, 102, 11, 202, 11}},
	}
	for _, tt := range tests {
		p, err := NewTargetProber(enc, Options{LayerPooling: tt.layers, SubwordPooling: "first", Logger: &nop})
		require.NoError(t, err, tt.layers)
		assert.Equal(t, len(tt.want), p.Width(), tt.layers)
		out, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
		assert.InDeltaSlice(t, tt.want, out.RawRowView(0), 1e-9, tt.layers)
	}
}

func testConfigErrors(t *testing.T) {
	enc := &gridEncoder{layers: 3}
	tests := []struct {
		opts Options
		want error
	}{
		{Options{LayerPooling: "weighted_sum", SubwordPooling: "max"}, ErrConfig},
		{Options{LayerPooling: "weighted_sum", SubwordPooling: "lstm"}, ErrConfig},
		{Options{LayerPooling: "last", SubwordPooling: "avg", ShiftTarget: 1}, ErrConfig},
		{Options{LayerPooling: "last", SubwordPooling: "attn"}, ErrConfig},
		{Options{LayerPooling: "7", SubwordPooling: "first"}, ErrConfig},
		{Options{LayerPooling: "median", SubwordPooling: "first"}, ErrUnknownStrategy},
		{Options{LayerPooling: "last", SubwordPooling: "mode"}, ErrUnknownStrategy},
	}
	for _, tt := range tests {
		tt.opts.Logger = &nop
		_, err := NewTargetProber(enc, tt.opts)
		require.Error(t, err)
		assert.True(t, errors.Is(err, tt.want), err.Error())
	}

	_, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "mode", Logger: &nop})
	assert.ErrorContains(t, err, `"mode"`)

	_, err = NewTargetProber(enc, Options{LayerPooling: "weighted_sum", SubwordPooling: "last", ShiftTarget: -1, Logger: &nop})
	assert.NoError(t, err)
}

func testShiftTargetClamped(t *testing.T) {
	enc := &gridEncoder{layers: 1}
	tests := []struct {
		strategy string
		shift    int
		want     float64
	}{
		{"first", 1, 3},
		{"last", 1, 4},
		{"first", -5, 0},
		{"last", 50, 7},
	}
	for _, tt := range tests {
		p, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: tt.strategy, ShiftTarget: tt.shift, Logger: &nop})
		require.NoError(t, err)
		out, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.At(0, 0), "%s%+d", tt.strategy, tt.shift)
	}
}

func testCacheSkipsEncoder(t *testing.T) {
	for _, strategy := range []string{"first", "last", "max", "avg", "sum"} {
		enc := &gridEncoder{layers: 2}
		p, err := NewTargetProber(enc, Options{LayerPooling: "sum", SubwordPooling: strategy, CacheSize: 4, Logger: &nop})
		require.NoError(t, err)

		first, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
		second, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
		assert.Equal(t, 1, enc.calls, strategy)
		assert.True(t, mat.Equal(first, second), strategy)

		// callers may not corrupt cached entries
		first.Set(0, 0, -1)
		third, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
		assert.True(t, mat.Equal(second, third), strategy)

		// other targets over the same ids are a different key
		b := targetBatch()
		b.TargetIdx = []int{3}
		_, err = p.Pool(context.Background(), b)
		require.NoError(t, err)
		assert.Equal(t, 2, enc.calls, strategy)

		stats := p.CacheStats()
		assert.Equal(t, uint64(2), stats.Hits, strategy)
		assert.Equal(t, uint64(2), stats.Misses, strategy)
	}
}

func testCacheDisabled(t *testing.T) {
	enc := &gridEncoder{layers: 1}
	p, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "first", Logger: &nop})
	require.NoError(t, err)
	for range 3 {
		_, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, enc.calls)

	enc = &gridEncoder{layers: 1}
	p, err = NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "last2", CacheSize: 8, Logger: &nop})
	require.NoError(t, err)
	for range 2 {
		_, err := p.Pool(context.Background(), targetBatch())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, enc.calls)
}

func testWeightedLayersAfterCache(t *testing.T) {
	enc := &gridEncoder{layers: 2}
	p, err := NewTargetProber(enc, Options{LayerPooling: "weighted_sum", SubwordPooling: "first", CacheSize: 2, Logger: &nop})
	require.NoError(t, err)

	out, err := p.Pool(context.Background(), targetBatch())
	require.NoError(t, err)
	assert.InDelta(t, 52, out.At(0, 0), 1e-9)

	// trained weights keep applying to cached per-layer vectors
	w := p.Layers().(*WeightedLayers)
	w.Weights[1] = 100
	out, err = p.Pool(context.Background(), targetBatch())
	require.NoError(t, err)
	assert.Equal(t, 1, enc.calls)
	assert.InDelta(t, 102, out.At(0, 0), 1e-6)
}

func testCacheEviction(t *testing.T) {
	c := NewCache(2)
	v := []*mat.Dense{mat.NewDense(1, 1, []float64{1})}
	c.put("a", v)
	c.put("b", v)
	_, ok := c.get("a")
	require.True(t, ok)
	c.put("c", v)

	_, ok = c.get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, CacheStats{Hits: 3, Misses: 1, Evictions: 1, Len: 2}, c.Stats())

	assert.Nil(t, NewCache(0))
	var none *Cache
	_, ok = none.get("a")
	assert.False(t, ok)

	assert.NotEqual(t, batchKey([][]int{{1, 2}, {3}}, nil, nil), batchKey([][]int{{1}, {2, 3}}, nil, nil))
	assert.NotEqual(t, batchKey([][]int{{1}}, []int{0}, nil), batchKey([][]int{{1}}, []int{1}, nil))
	assert.NotEqual(t, batchKey([][]int{{1, 2}}, nil, [][]int{{0, 1, 3}}), batchKey([][]int{{1, 2}}, nil, [][]int{{0, 1, 2, 3}}))
}

func testSequenceTaggerSpans(t *testing.T) {
	enc := &gridEncoder{layers: 1}
	b := &dataset.Batch{
		Input:        [][]int{{2, 10, 11, 11, 12, 12, 12, 3}, {2, 20, 21, 3, 0, 0, 0, 0}},
		InputLens:    []int{8, 4},
		TokenStarts:  [][]int{{0, 1, 2, 4, 7}, {0, 1, 3, 1000, 1000}},
		SentenceLens: []int{3, 1},
	}
	p, err := NewSequenceTagger(enc, Options{LayerPooling: "last", SubwordPooling: "last", CacheSize: 2, Logger: &nop})
	require.NoError(t, err)
	out, err := p.Pool(context.Background(), b)
	require.NoError(t, err)
	rows, _ := out.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, []float64{1, 3, 6, 2}, mat.Col(nil, 0, out))

	_, err = p.Pool(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, enc.calls)

	avg, err := NewSequenceTagger(enc, Options{LayerPooling: "last", SubwordPooling: "avg", Logger: &nop})
	require.NoError(t, err)
	out, err = avg.Pool(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, 5, 1.5}, mat.Col(nil, 0, out))
}

func testSequenceTaggerCacheSegmentation(t *testing.T) {
	// "ab" as one word and "a b" as two words share their subword ids
	oneWord := &dataset.Batch{
		Input:        [][]int{{2, 10, 11, 3}},
		InputLens:    []int{4},
		TokenStarts:  [][]int{{0, 1, 3}},
		SentenceLens: []int{1},
	}
	twoWords := &dataset.Batch{
		Input:        [][]int{{2, 10, 11, 3}},
		InputLens:    []int{4},
		TokenStarts:  [][]int{{0, 1, 2, 3}},
		SentenceLens: []int{2},
	}
	enc := &gridEncoder{layers: 1}
	p, err := NewSequenceTagger(enc, Options{LayerPooling: "last", SubwordPooling: "avg", CacheSize: 4, Logger: &nop})
	require.NoError(t, err)

	out, err := p.Pool(context.Background(), oneWord)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5}, mat.Col(nil, 0, out))

	out, err = p.Pool(context.Background(), twoWords)
	require.NoError(t, err)
	rows, _ := out.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, []float64{1, 2}, mat.Col(nil, 0, out))
	assert.Equal(t, 2, enc.calls)

	_, err = p.Pool(context.Background(), oneWord)
	require.NoError(t, err)
	assert.Equal(t, 2, enc.calls)
}

func testMidSentenceTarget(t *testing.T) {
	data := "ab cde f\tcde\t1\tL\nx y\ty\t1\tM\n"
	d, err := dataset.FromReader(strings.NewReader(data), dataset.Options{Kind: dataset.MidSentence}, nil)
	require.NoError(t, err)
	chars, err := d.Vocab("input")
	require.NoError(t, err)

	enc := &gridEncoder{layers: 1}
	p, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "first", Logger: &nop})
	require.NoError(t, err)
	batches, err := d.Batches(2)
	require.NoError(t, err)
	for b := range batches {
		out, err := p.Pool(context.Background(), b)
		require.NoError(t, err)
		// the last character of each target, after the start marker
		assert.Equal(t, []float64{6, 3}, mat.Col(nil, 0, out))
		assert.Equal(t, []float64{float64(chars.Lookup("e")), float64(chars.Lookup("y"))}, mat.Col(nil, 1, out))
	}
	assert.Equal(t, 1, enc.calls)
}

func testTrainedStrategies(t *testing.T) {
	enc := &gridEncoder{layers: 1}

	lstm, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "lstm", LSTMSize: 6, Seed: 3, Logger: &nop})
	require.NoError(t, err)
	assert.Equal(t, 6, lstm.Width())
	out, err := lstm.Pool(context.Background(), targetBatch())
	require.NoError(t, err)
	again, err := lstm.Pool(context.Background(), targetBatch())
	require.NoError(t, err)
	assert.True(t, mat.Equal(out, again))
	for _, v := range out.RawRowView(0) {
		assert.Less(t, math.Abs(v), 1.0)
	}
	assert.Equal(t, 2, enc.calls, "recurrent pooling is never cached")

	attn, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "attn", MLPSize: 4, Logger: &nop})
	require.NoError(t, err)
	out, err = attn.Pool(context.Background(), targetBatch())
	require.NoError(t, err)
	// a convex combination of positions 2 and 3, both with id 11
	assert.GreaterOrEqual(t, out.At(0, 0), 2.0)
	assert.LessOrEqual(t, out.At(0, 0), 3.0)
	assert.InDelta(t, 11, out.At(0, 1), 1e-9)

	single := mat.NewDense(1, 2, []float64{4, 5})
	assert.InDeltaSlice(t, []float64{4, 5}, attn.Subword().reduce(single, 0, 1), 1e-12)

	fl, err := NewTargetProber(enc, Options{LayerPooling: "last", SubwordPooling: "f+l", Logger: &nop})
	require.NoError(t, err)
	fl.Subword().(*FirstPlusLast).W = 1
	out, err = fl.Pool(context.Background(), targetBatch())
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 11}, out.RawRowView(0))
}

func testLinearHead(t *testing.T) {
	h := LinearHead(3, 1)(2)
	x := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	scores, err := h.Scores(x)
	require.NoError(t, err)
	r, c := scores.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)

	loss, err := h.Loss(scores, []int{0, 2})
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	skipped, err := h.Loss(scores, []int{0, -1})
	require.NoError(t, err)
	only, err := h.Loss(scores.Slice(0, 1, 0, 3), []int{0})
	require.NoError(t, err)
	assert.InDelta(t, only, skipped, 1e-12)

	_, err = h.Loss(scores, []int{0, 3})
	assert.Error(t, err)
	_, err = h.Scores(mat.NewDense(1, 5, nil))
	assert.Error(t, err)
}

func testEndToEnd(t *testing.T) {
	reg := embedding.NewRegistry(embedding.WithLogger(zerolog.Nop()))
	data := "a bb ccc\tbb\t1\tN\nddd e\tddd\t0\tV\nf gg\tgg\t1\tN\n"
	d, err := dataset.FromReader(strings.NewReader(data), dataset.Options{Kind: dataset.TokenInSequence, ModelName: "chars"}, reg)
	require.NoError(t, err)

	enc, err := reg.Encoder("chars", false)
	require.NoError(t, err)
	classes := d.LabelVocab().Len()
	p, err := NewTargetProber(enc, Options{
		LayerPooling:   "all",
		SubwordPooling: "avg",
		CacheSize:      8,
		Head:           LinearHead(classes, 1),
		Logger:         &nop,
	})
	require.NoError(t, err)

	batches, err := d.Batches(2)
	require.NoError(t, err)
	var outputs [][]float64
	for b := range batches {
		scores, err := p.Forward(context.Background(), b)
		require.NoError(t, err)
		r, c := scores.Dims()
		require.Equal(t, b.Size(), r)
		require.Equal(t, classes, c)
		loss, err := p.Loss(b, scores)
		require.NoError(t, err)
		assert.Greater(t, loss, 0.0)
		for i := range r {
			outputs = append(outputs, mat.Row(nil, i, scores))
		}
	}
	require.NoError(t, d.Decode(outputs))
	for _, s := range d.Raw() {
		assert.Contains(t, []string{"N", "V"}, s.Str("label"))
	}
}
