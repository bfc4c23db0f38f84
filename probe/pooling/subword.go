package pooling

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Subword reduces the subword span [first, last) of one sequence to a single
// vector. Each strategy carries its own trained parameters, if any.
type Subword interface {
	Name() string
	// Width is the output width for inputs of width in.
	Width(in int) int
	reduce(m *mat.Dense, first, last int) []float64
}

type (
	First struct{}
	Last  struct{}
	Max   struct{}
	Avg   struct{}
	Sum   struct{}
	// Last2 concatenates the last and second-to-last subword vectors, with
	// zeros for the latter on single-subword spans.
	Last2 struct{}
	// FirstPlusLast is W*first + (1-W)*last.
	FirstPlusLast struct {
		W float64
	}
	// Recurrent feeds the span through a bidirectional LSTM and concatenates
	// the final forward and backward states.
	Recurrent struct {
		LSTM *BiLSTM
	}
	// Attention weights the span by softmax-normalized MLP scores.
	Attention struct {
		MLP *AttentionMLP
	}
)

// SubwordOptions sizes the trained strategies.
type SubwordOptions struct {
	// LSTMSize is the recurrent output width, split evenly between the two
	// directions. Zero selects the input width.
	LSTMSize int
	// MLPSize is the hidden width of the attention scorer.
	MLPSize int
	Seed    uint64
}

// ParseSubword resolves a subword pooling name for inputs of width in and
// initializes its trained parameters.
func ParseSubword(name string, in int, o SubwordOptions) (Subword, error) {
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed+1))
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "first":
		return First{}, nil
	case "last":
		return Last{}, nil
	case "max":
		return Max{}, nil
	case "avg":
		return Avg{}, nil
	case "sum":
		return Sum{}, nil
	case "last2":
		return Last2{}, nil
	case "f+l", "first+last":
		return &FirstPlusLast{W: 0.5}, nil
	case "lstm", "recurrent":
		size := o.LSTMSize
		if size <= 0 {
			size = in
		}
		if size < 2 {
			return nil, fmt.Errorf("%w: recurrent pooling size %d", ErrConfig, size)
		}
		return &Recurrent{LSTM: NewBiLSTM(in, size/2, rng)}, nil
	case "attn", "attention":
		if o.MLPSize <= 0 {
			return nil, fmt.Errorf("%w: attention pooling needs a positive MLP size", ErrConfig)
		}
		return &Attention{MLP: NewAttentionMLP(in, o.MLPSize, rng)}, nil
	}
	return nil, fmt.Errorf("%w: subword pooling %q", ErrUnknownStrategy, name)
}

func (First) Name() string          { return "first" }
func (Last) Name() string           { return "last" }
func (Max) Name() string            { return "max" }
func (Avg) Name() string            { return "avg" }
func (Sum) Name() string            { return "sum" }
func (Last2) Name() string          { return "last2" }
func (*FirstPlusLast) Name() string { return "f+l" }
func (*Recurrent) Name() string     { return "lstm" }
func (*Attention) Name() string     { return "attn" }

func (First) Width(in int) int          { return in }
func (Last) Width(in int) int           { return in }
func (Max) Width(in int) int            { return in }
func (Avg) Width(in int) int            { return in }
func (Sum) Width(in int) int            { return in }
func (Last2) Width(in int) int          { return 2 * in }
func (*FirstPlusLast) Width(in int) int { return in }
func (r *Recurrent) Width(int) int      { return 2 * r.LSTM.Hidden }
func (*Attention) Width(in int) int     { return in }

func (First) reduce(m *mat.Dense, first, _ int) []float64 { return rowCopy(m, first) }
func (Last) reduce(m *mat.Dense, _, last int) []float64   { return rowCopy(m, last-1) }

func (Max) reduce(m *mat.Dense, first, last int) []float64 {
	out := rowCopy(m, first)
	for p := first + 1; p < last; p++ {
		for j, v := range m.RawRowView(p) {
			if v > out[j] {
				out[j] = v
			}
		}
	}
	return out
}

func (Sum) reduce(m *mat.Dense, first, last int) []float64 {
	out := rowCopy(m, first)
	for p := first + 1; p < last; p++ {
		floats.Add(out, m.RawRowView(p))
	}
	return out
}

func (Avg) reduce(m *mat.Dense, first, last int) []float64 {
	out := Sum{}.reduce(m, first, last)
	floats.Scale(1/float64(last-first), out)
	return out
}

func (Last2) reduce(m *mat.Dense, first, last int) []float64 {
	_, c := m.Dims()
	out := make([]float64, 2*c)
	copy(out, m.RawRowView(last-1))
	if last-1 > first {
		copy(out[c:], m.RawRowView(last-2))
	}
	return out
}

func (f *FirstPlusLast) reduce(m *mat.Dense, first, last int) []float64 {
	out := rowCopy(m, first)
	floats.Scale(f.W, out)
	floats.AddScaled(out, 1-f.W, m.RawRowView(last-1))
	return out
}

func (r *Recurrent) reduce(m *mat.Dense, first, last int) []float64 {
	return r.LSTM.Final(m.Slice(first, last, 0, r.LSTM.In).(*mat.Dense))
}

func (a *Attention) reduce(m *mat.Dense, first, last int) []float64 {
	span := m.Slice(first, last, 0, a.MLP.In).(*mat.Dense)
	return a.MLP.Pool(span)
}

// cacheable reports whether a strategy's output depends only on the encoder
// output, so that pooled results can be reused across calls.
func cacheable(s Subword) bool {
	switch s.(type) {
	case First, Last, Max, Avg, Sum:
		return true
	}
	return false
}

// positional reports whether a strategy reads a single subword position,
// the only strategies supporting target shifts and weighted layers.
func positional(s Subword) bool {
	switch s.(type) {
	case First, Last:
		return true
	}
	return false
}

func rowCopy(m *mat.Dense, i int) []float64 {
	return append([]float64(nil), m.RawRowView(i)...)
}
