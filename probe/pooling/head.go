package pooling

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Head maps pooled vectors to per-class scores.
type Head interface {
	Scores(x mat.Matrix) (*mat.Dense, error)
	// Loss is the mean cross-entropy of scores against gold class ids.
	// Negative ids mark labels unknown to the vocabulary and are skipped.
	Loss(scores mat.Matrix, gold []int) (float64, error)
}

// HeadFactory builds a head for pooled vectors of width in.
type HeadFactory func(in int) Head

// Linear is a single affine layer, the smallest Head.
type Linear struct {
	W *mat.Dense    // classes x in
	B *mat.VecDense // classes
}

// LinearHead returns a factory of Linear heads with classes outputs.
func LinearHead(classes int, seed uint64) HeadFactory {
	return func(in int) Head {
		rng := rand.New(rand.NewPCG(seed, seed+1))
		bound := 1 / math.Sqrt(float64(in))
		return &Linear{
			W: mat.NewDense(classes, in, uniform(rng, classes*in, bound)),
			B: mat.NewVecDense(classes, uniform(rng, classes, bound)),
		}
	}
}

func (l *Linear) Scores(x mat.Matrix) (*mat.Dense, error) {
	n, in := x.Dims()
	classes, want := l.W.Dims()
	if in != want {
		return nil, fmt.Errorf("head expects width %d, got %d", want, in)
	}
	out := mat.NewDense(n, classes, nil)
	out.Mul(x, l.W.T())
	for i := range n {
		row := out.RawRowView(i)
		floats.Add(row, l.B.RawVector().Data)
	}
	return out, nil
}

func (l *Linear) Loss(scores mat.Matrix, gold []int) (float64, error) {
	return crossEntropy(scores, gold)
}

func crossEntropy(scores mat.Matrix, gold []int) (float64, error) {
	n, classes := scores.Dims()
	if n != len(gold) {
		return 0, fmt.Errorf("%d score rows for %d gold labels", n, len(gold))
	}
	row := make([]float64, classes)
	total, counted := 0.0, 0
	for i, g := range gold {
		if g < 0 {
			continue
		}
		if g >= classes {
			return 0, fmt.Errorf("gold class %d outside %d classes", g, classes)
		}
		mat.Row(row, i, scores)
		total += floats.LogSumExp(row) - row[g]
		counted++
	}
	if counted == 0 {
		return 0, nil
	}
	return total / float64(counted), nil
}
