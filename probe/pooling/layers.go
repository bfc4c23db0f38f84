package pooling

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/subword-probe/probe/embedding"

	"gonum.org/v1/gonum/mat"
)

// Layers selects how encoder layers are combined before subword pooling.
// The implementations form a closed set.
type Layers interface {
	Name() string
	// Width is the vector width produced from numLayers layers of hidden
	// units each.
	Width(hidden, numLayers int) int
	merge(hs []embedding.Hidden, row int) *mat.Dense
}

type (
	FirstLayer struct{}
	LastLayer  struct{}
	SumLayers  struct{}
	// AllLayers keeps every layer by concatenating them along the hidden axis.
	AllLayers struct{}
	// LayerIndex selects one layer; negative values count from the last.
	LayerIndex int
	// WeightedLayers combines layers with softmax-normalized trained weights.
	WeightedLayers struct {
		Weights []float64
	}
)

// ParseLayers resolves a layer pooling name for an encoder with numLayers
// layers. An integer selects that layer.
func ParseLayers(name string, numLayers int) (Layers, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "first":
		return FirstLayer{}, nil
	case "last":
		return LastLayer{}, nil
	case "sum":
		return SumLayers{}, nil
	case "all":
		return AllLayers{}, nil
	case "weighted_sum":
		w := make([]float64, numLayers)
		for i := range w {
			w[i] = 1
		}
		return &WeightedLayers{Weights: w}, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("%w: layer pooling %q", ErrUnknownStrategy, name)
	}
	if n >= numLayers || n < -numLayers {
		return nil, fmt.Errorf("%w: layer %d of %d", ErrConfig, n, numLayers)
	}
	return LayerIndex(n), nil
}

func (FirstLayer) Name() string            { return "first" }
func (LastLayer) Name() string             { return "last" }
func (SumLayers) Name() string             { return "sum" }
func (AllLayers) Name() string             { return "all" }
func (l LayerIndex) Name() string          { return strconv.Itoa(int(l)) }
func (*WeightedLayers) Name() string       { return "weighted_sum" }
func (FirstLayer) Width(h, _ int) int      { return h }
func (LastLayer) Width(h, _ int) int       { return h }
func (SumLayers) Width(h, _ int) int       { return h }
func (AllLayers) Width(h, n int) int       { return h * n }
func (LayerIndex) Width(h, _ int) int      { return h }
func (*WeightedLayers) Width(h, _ int) int { return h }

func (FirstLayer) merge(hs []embedding.Hidden, row int) *mat.Dense { return hs[0][row] }
func (LastLayer) merge(hs []embedding.Hidden, row int) *mat.Dense  { return hs[len(hs)-1][row] }

func (l LayerIndex) merge(hs []embedding.Hidden, row int) *mat.Dense {
	i := int(l)
	if i < 0 {
		i += len(hs)
	}
	return hs[i][row]
}

func (SumLayers) merge(hs []embedding.Hidden, row int) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(hs[0][row])
	for _, h := range hs[1:] {
		out.Add(&out, h[row])
	}
	return &out
}

func (AllLayers) merge(hs []embedding.Hidden, row int) *mat.Dense {
	out := hs[0][row]
	for _, h := range hs[1:] {
		var cat mat.Dense
		cat.Augment(out, h[row])
		out = &cat
	}
	return out
}

func (w *WeightedLayers) merge(hs []embedding.Hidden, row int) *mat.Dense {
	rows := make([]*mat.Dense, len(hs))
	for l, h := range hs {
		rows[l] = h[row]
	}
	return w.combine(rows)
}

// combine mixes per-layer pooled matrices with the softmax of the weights.
func (w *WeightedLayers) combine(perLayer []*mat.Dense) *mat.Dense {
	p := softmax(w.Weights)
	r, c := perLayer[0].Dims()
	out := mat.NewDense(r, c, nil)
	for l, m := range perLayer {
		var scaled mat.Dense
		scaled.Scale(p[l], m)
		out.Add(out, &scaled)
	}
	return out
}
