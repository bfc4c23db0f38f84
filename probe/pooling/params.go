package pooling

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LSTMCell holds one direction of a single-layer LSTM. Gate rows are
// ordered input, forget, cell, output.
type LSTMCell struct {
	W *mat.Dense    // 4h x in
	U *mat.Dense    // 4h x h
	B *mat.VecDense // 4h
}

// BiLSTM is a single-layer bidirectional LSTM used as a span reducer.
type BiLSTM struct {
	In, Hidden int
	Fwd, Bwd   LSTMCell
}

// NewBiLSTM initializes weights uniformly in [-1/sqrt(hidden), 1/sqrt(hidden)].
func NewBiLSTM(in, hidden int, rng *rand.Rand) *BiLSTM {
	bound := 1 / math.Sqrt(float64(hidden))
	cell := func() LSTMCell {
		return LSTMCell{
			W: mat.NewDense(4*hidden, in, uniform(rng, 4*hidden*in, bound)),
			U: mat.NewDense(4*hidden, hidden, uniform(rng, 4*hidden*hidden, bound)),
			B: mat.NewVecDense(4*hidden, uniform(rng, 4*hidden, bound)),
		}
	}
	return &BiLSTM{In: in, Hidden: hidden, Fwd: cell(), Bwd: cell()}
}

// Final runs both directions over the rows of seq and returns the final
// forward state followed by the final backward state.
func (l *BiLSTM) Final(seq *mat.Dense) []float64 {
	n, _ := seq.Dims()
	out := make([]float64, 2*l.Hidden)
	fwd := l.run(&l.Fwd, seq, func(i int) int { return i }, n)
	bwd := l.run(&l.Bwd, seq, func(i int) int { return n - 1 - i }, n)
	copy(out, fwd)
	copy(out[l.Hidden:], bwd)
	return out
}

func (l *BiLSTM) run(cell *LSTMCell, seq *mat.Dense, order func(int) int, n int) []float64 {
	h := mat.NewVecDense(l.Hidden, nil)
	c := make([]float64, l.Hidden)
	z := mat.NewVecDense(4*l.Hidden, nil)
	var rec mat.VecDense
	for step := range n {
		x := seq.RowView(order(step))
		z.MulVec(cell.W, x)
		rec.MulVec(cell.U, h)
		z.AddVec(z, &rec)
		z.AddVec(z, cell.B)

		g := z.RawVector().Data
		hs := l.Hidden
		for j := range hs {
			in := sigmoid(g[j])
			forget := sigmoid(g[hs+j])
			cand := math.Tanh(g[2*hs+j])
			out := sigmoid(g[3*hs+j])
			c[j] = forget*c[j] + in*cand
			h.SetVec(j, out*math.Tanh(c[j]))
		}
	}
	return append([]float64(nil), h.RawVector().Data...)
}

// AttentionMLP scores each subword vector with a one-hidden-layer ReLU
// network and pools the span by the softmax of the scores.
type AttentionMLP struct {
	In int
	W1 *mat.Dense    // size x in
	B1 *mat.VecDense // size
	W2 *mat.VecDense // size
	B2 float64
}

func NewAttentionMLP(in, size int, rng *rand.Rand) *AttentionMLP {
	b1 := 1 / math.Sqrt(float64(in))
	b2 := 1 / math.Sqrt(float64(size))
	return &AttentionMLP{
		In: in,
		W1: mat.NewDense(size, in, uniform(rng, size*in, b1)),
		B1: mat.NewVecDense(size, uniform(rng, size, b1)),
		W2: mat.NewVecDense(size, uniform(rng, size, b2)),
		B2: (rng.Float64()*2 - 1) * b2,
	}
}

// Score returns the unnormalized attention score of x.
func (a *AttentionMLP) Score(x mat.Vector) float64 {
	var hidden mat.VecDense
	hidden.MulVec(a.W1, x)
	hidden.AddVec(&hidden, a.B1)
	raw := hidden.RawVector().Data
	for i, v := range raw {
		raw[i] = max(v, 0)
	}
	return mat.Dot(&hidden, a.W2) + a.B2
}

// Pool returns the score-weighted sum of the rows of span.
func (a *AttentionMLP) Pool(span *mat.Dense) []float64 {
	n, c := span.Dims()
	scores := make([]float64, n)
	for i := range n {
		scores[i] = a.Score(span.RowView(i))
	}
	w := softmax(scores)
	out := make([]float64, c)
	for i := range n {
		floats.AddScaled(out, w[i], span.RawRowView(i))
	}
	return out
}

func softmax(x []float64) []float64 {
	lse := floats.LogSumExp(x)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Exp(v - lse)
	}
	return out
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func uniform(rng *rand.Rand, n int, bound float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * bound
	}
	return out
}
