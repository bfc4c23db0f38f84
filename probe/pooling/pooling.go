// Package pooling turns encoder hidden states into one fixed-size vector per
// probed word. Layer pooling combines encoder layers, subword pooling
// reduces each word's subword span, and a bounded cache skips the encoder
// for batches that were already pooled.
package pooling

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
	"github.com/ZanzyTHEbar/subword-probe/probe/dataset"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrConfig reports a strategy combination rejected at construction.
	ErrConfig = errors.New("invalid pooling configuration")
	// ErrUnknownStrategy reports an unrecognized pooling name.
	ErrUnknownStrategy = errors.New("unknown pooling strategy")
)

// Options configures a pooling model.
type Options struct {
	LayerPooling   string
	SubwordPooling string
	// ShiftTarget moves the probed subword position; first/last only.
	ShiftTarget int
	LSTMSize    int
	MLPSize     int
	// CacheSize bounds the result cache in batches; 0 disables it.
	CacheSize int
	Seed      uint64
	Head      HeadFactory
	Logger    *zerolog.Logger
}

type span struct{ row, first, last int }

func checkCombination(layers Layers, sub Subword, shift int) error {
	if _, ok := layers.(*WeightedLayers); ok && !positional(sub) {
		return fmt.Errorf("%w: weighted sum of layers is only supported for first and last subword pooling, not %s", ErrConfig, sub.Name())
	}
	if shift != 0 && !positional(sub) {
		return fmt.Errorf("%w: shift target is only supported for first and last subword pooling, not %s", ErrConfig, sub.Name())
	}
	return nil
}

// CheckNames validates strategy names and their combination before an
// encoder is available. Layer indices are checked against the encoder later.
func CheckNames(layerPooling, subwordPooling string, shift int) error {
	layers, err := ParseLayers(layerPooling, 1)
	if n, convErr := strconv.Atoi(strings.TrimSpace(layerPooling)); convErr == nil {
		layers, err = LayerIndex(n), nil
	}
	if err != nil {
		return err
	}
	sub, err := ParseSubword(subwordPooling, 2, SubwordOptions{LSTMSize: 2, MLPSize: 1})
	if err != nil {
		return err
	}
	return checkCombination(layers, sub, shift)
}

// pooler is the machinery shared by the per-target and per-word models.
type pooler struct {
	enc     embedding.Encoder
	layers  Layers
	subword Subword
	shift   int
	cache   *Cache
	head    Head
	width   int
	log     zerolog.Logger
	mapper  iter.Mapper[span, []float64]
}

func newPooler(enc embedding.Encoder, opts Options) (*pooler, error) {
	if enc == nil {
		return nil, fmt.Errorf("%w: no encoder", ErrConfig)
	}
	layers, err := ParseLayers(opts.LayerPooling, enc.NumLayers())
	if err != nil {
		return nil, err
	}
	in := layers.Width(enc.HiddenSize(), enc.NumLayers())
	sub, err := ParseSubword(opts.SubwordPooling, in, SubwordOptions{
		LSTMSize: opts.LSTMSize,
		MLPSize:  opts.MLPSize,
		Seed:     opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	if err := checkCombination(layers, sub, opts.ShiftTarget); err != nil {
		return nil, err
	}

	p := &pooler{
		enc:     enc,
		layers:  layers,
		subword: sub,
		shift:   opts.ShiftTarget,
		width:   sub.Width(in),
		mapper:  iter.Mapper[span, []float64]{MaxGoroutines: runtime.GOMAXPROCS(0)},
	}
	if cacheable(sub) {
		p.cache = NewCache(opts.CacheSize)
	}
	if opts.Head != nil {
		p.head = opts.Head(p.width)
	}
	if opts.Logger != nil {
		p.log = *opts.Logger
	} else {
		p.log = internal.GetLogger()
	}
	p.log = p.log.With().
		Str("layer_pooling", layers.Name()).
		Str("subword_pooling", sub.Name()).
		Logger()
	p.log.Debug().Int("width", p.width).Bool("cached", p.cache != nil).Msg("pooling model ready")
	return p, nil
}

// Width is the size of each pooled vector.
func (p *pooler) Width() int             { return p.width }
func (p *pooler) Layers() Layers         { return p.layers }
func (p *pooler) Subword() Subword       { return p.subword }
func (p *pooler) Head() Head             { return p.head }
func (p *pooler) CacheStats() CacheStats { return p.cache.Stats() }

// shifted moves a positional span by the configured shift, clamped to the
// valid positions of its sequence.
func (p *pooler) shifted(s span, seqLen int) span {
	if p.shift == 0 {
		return s
	}
	pos := s.first
	if _, ok := p.subword.(Last); ok {
		pos = s.last - 1
	}
	pos = min(max(pos+p.shift, 0), seqLen-1)
	return span{row: s.row, first: pos, last: pos + 1}
}

func (p *pooler) pool(ctx context.Context, b *dataset.Batch, spans []span, targets []int) (*mat.Dense, error) {
	if len(spans) == 0 {
		return nil, errors.New("batch has no targets")
	}
	var key string
	if p.cache != nil {
		key = batchKey(b.Input, targets, b.TokenStarts)
		if vals, ok := p.cache.get(key); ok {
			p.log.Trace().Int("offset", b.Offset).Msg("pooling cache hit")
			return p.finish(vals), nil
		}
	}

	hs, err := p.enc.Encode(ctx, b.Input, b.InputLens)
	if err != nil {
		return nil, fmt.Errorf("encode batch at %d: %w", b.Offset, err)
	}
	if err := checkSpans(hs, spans); err != nil {
		return nil, fmt.Errorf("batch at %d: %w", b.Offset, err)
	}

	var vals []*mat.Dense
	if _, ok := p.layers.(*WeightedLayers); ok {
		vals = make([]*mat.Dense, len(hs))
		for l, h := range hs {
			vals[l] = p.reduce(spans, h)
		}
	} else {
		merged := make([]*mat.Dense, len(b.Input))
		for _, s := range spans {
			if merged[s.row] == nil {
				merged[s.row] = p.layers.merge(hs, s.row)
			}
		}
		vals = []*mat.Dense{p.reduce(spans, merged)}
	}
	p.cache.put(key, vals)
	return p.finish(vals), nil
}

// reduce pools every span of rows; spans are independent and reduced in
// parallel, results keep span order.
func (p *pooler) reduce(spans []span, rows []*mat.Dense) *mat.Dense {
	vecs := p.mapper.Map(spans, func(s *span) []float64 {
		return p.subword.reduce(rows[s.row], s.first, s.last)
	})
	out := mat.NewDense(len(vecs), len(vecs[0]), nil)
	for i, v := range vecs {
		out.SetRow(i, v)
	}
	return out
}

func (p *pooler) finish(vals []*mat.Dense) *mat.Dense {
	if w, ok := p.layers.(*WeightedLayers); ok {
		return w.combine(vals)
	}
	return mat.DenseCopyOf(vals[0])
}

func (p *pooler) scores(pooled *mat.Dense) (*mat.Dense, error) {
	if p.head == nil {
		return nil, fmt.Errorf("%w: no classifier head", ErrConfig)
	}
	return p.head.Scores(pooled)
}

// Loss scores a forward output against the gold labels of its batch.
func (p *pooler) Loss(b *dataset.Batch, scores mat.Matrix) (float64, error) {
	if p.head == nil {
		return 0, fmt.Errorf("%w: no classifier head", ErrConfig)
	}
	if b.Labels == nil {
		return 0, errors.New("batch is unlabeled")
	}
	return p.head.Loss(scores, b.Labels)
}

func checkSpans(hs []embedding.Hidden, spans []span) error {
	if len(hs) == 0 {
		return errors.New("encoder returned no layers")
	}
	for _, s := range spans {
		if s.row >= len(hs[0]) {
			return fmt.Errorf("row %d outside %d encoded rows", s.row, len(hs[0]))
		}
		n, _ := hs[0][s.row].Dims()
		if s.first < 0 || s.first >= s.last || s.last > n {
			return fmt.Errorf("span [%d,%d) of row %d outside %d positions", s.first, s.last, s.row, n)
		}
	}
	return nil
}

// TargetProber pools one target word per sequence.
type TargetProber struct {
	*pooler
}

// NewTargetProber validates the strategy combination and initializes its
// trained parameters.
func NewTargetProber(enc embedding.Encoder, opts Options) (*TargetProber, error) {
	p, err := newPooler(enc, opts)
	if err != nil {
		return nil, err
	}
	return &TargetProber{pooler: p}, nil
}

// Pool returns one row per sample: the target word's span
// [token_starts[t], token_starts[t+1]) reduced by the subword strategy. Without
// token starts the target index is itself the subword position.
func (p *TargetProber) Pool(ctx context.Context, b *dataset.Batch) (*mat.Dense, error) {
	if len(b.TargetIdx) != len(b.Input) {
		return nil, fmt.Errorf("%d target indices for %d sequences", len(b.TargetIdx), len(b.Input))
	}
	spans := make([]span, len(b.Input))
	for i, t := range b.TargetIdx {
		s := span{row: i, first: t, last: t + 1}
		if b.TokenStarts != nil {
			ts := b.TokenStarts[i]
			if t < 0 || t+1 >= len(ts) || ts[t+1] == internal.TokenStartPad {
				return nil, fmt.Errorf("target %d of row %d has no token span", t, i)
			}
			s = span{row: i, first: ts[t], last: ts[t+1]}
		}
		spans[i] = p.shifted(s, b.InputLens[i])
	}
	return p.pool(ctx, b, spans, b.TargetIdx)
}

// Forward pools the batch and scores it with the head.
func (p *TargetProber) Forward(ctx context.Context, b *dataset.Batch) (*mat.Dense, error) {
	pooled, err := p.Pool(ctx, b)
	if err != nil {
		return nil, err
	}
	return p.scores(pooled)
}

// SequenceTagger pools every word of every sequence; word i of a sequence
// spans [token_starts[i+1], token_starts[i+2]).
type SequenceTagger struct {
	*pooler
}

func NewSequenceTagger(enc embedding.Encoder, opts Options) (*SequenceTagger, error) {
	p, err := newPooler(enc, opts)
	if err != nil {
		return nil, err
	}
	return &SequenceTagger{pooler: p}, nil
}

// Pool returns one row per word, sequences concatenated in batch order.
func (t *SequenceTagger) Pool(ctx context.Context, b *dataset.Batch) (*mat.Dense, error) {
	if len(b.SentenceLens) != len(b.Input) || len(b.TokenStarts) != len(b.Input) {
		return nil, errors.New("sequence tagging needs sentence lengths and token starts for every row")
	}
	var spans []span
	for i, n := range b.SentenceLens {
		ts := b.TokenStarts[i]
		if n+2 > len(ts) {
			return nil, fmt.Errorf("row %d: %d words but %d token starts", i, n, len(ts))
		}
		for w := range n {
			s := span{row: i, first: ts[w+1], last: ts[w+2]}
			spans = append(spans, t.shifted(s, b.InputLens[i]))
		}
	}
	return t.pool(ctx, b, spans, nil)
}

func (t *SequenceTagger) Forward(ctx context.Context, b *dataset.Batch) (*mat.Dense, error) {
	pooled, err := t.Pool(ctx, b)
	if err != nil {
		return nil, err
	}
	return t.scores(pooled)
}

// VectorProber classifies precomputed word vectors; it has no encoder and
// no subword pooling.
type VectorProber struct {
	head Head
}

func NewVectorProber(dim int, head HeadFactory) (*VectorProber, error) {
	if dim <= 0 || head == nil {
		return nil, fmt.Errorf("%w: vector prober needs a positive width and a head", ErrConfig)
	}
	return &VectorProber{head: head(dim)}, nil
}

func (v *VectorProber) Forward(_ context.Context, b *dataset.Batch) (*mat.Dense, error) {
	if len(b.Vectors) == 0 {
		return nil, errors.New("batch carries no word vectors")
	}
	x := mat.NewDense(len(b.Vectors), len(b.Vectors[0]), nil)
	for i, vec := range b.Vectors {
		x.SetRow(i, vec)
	}
	return v.head.Scores(x)
}

func (v *VectorProber) Loss(b *dataset.Batch, scores mat.Matrix) (float64, error) {
	return v.head.Loss(scores, b.Labels)
}
