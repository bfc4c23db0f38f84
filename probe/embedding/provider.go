// Package embedding provides the encoder collaborator: given a padded matrix
// of subword ids it returns one hidden-state tensor per encoder layer.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrUnavailable is returned when an encoder backend is not compiled in.
var ErrUnavailable = errors.New("encoder backend not available")

// Hidden is one encoder layer's output for a batch: a (position x hidden)
// matrix per batch row. Rows may differ in position count only when the
// caller passed ragged input.
type Hidden []*mat.Dense

// Encoder runs a pretrained sequence encoder.
type Encoder interface {
	HiddenSize() int
	NumLayers() int
	// Encode returns NumLayers() tensors for ids, a rectangular padded id
	// matrix whose row i holds lens[i] valid positions.
	Encode(ctx context.Context, ids [][]int, lens []int) ([]Hidden, error)
}

// Settings selects and sizes an encoder backend.
type Settings struct {
	Provider   string // "hash" or "onnx"
	ModelPath  string
	HiddenSize int
	NumLayers  int
}

// NewEncoder selects an encoder backend by provider name. randomize skips
// pretrained weights; backends that only ship pretrained graphs answer it
// with a hash encoder of the same shape.
func NewEncoder(s Settings, randomize bool) (Encoder, error) {
	if s.HiddenSize <= 0 {
		s.HiddenSize = 768
	}
	if s.NumLayers <= 0 {
		s.NumLayers = 13
	}
	name := strings.ToLower(strings.TrimSpace(s.Provider))
	switch {
	case name == "hash" || name == "" || name == "dev":
		return NewHashEncoder(s.HiddenSize, s.NumLayers, randomize), nil
	case name == "onnx" || strings.HasPrefix(name, "onnx:"):
		if randomize {
			return NewHashEncoder(s.HiddenSize, s.NumLayers, true), nil
		}
		return newONNXEncoder(s)
	default:
		return nil, fmt.Errorf("unknown encoder provider %q", s.Provider)
	}
}

func validateInput(ids [][]int, lens []int) error {
	if len(ids) != len(lens) {
		return fmt.Errorf("encode: %d rows but %d lengths", len(ids), len(lens))
	}
	for i, row := range ids {
		if lens[i] < 0 || lens[i] > len(row) {
			return fmt.Errorf("encode: row %d has length %d but %d ids", i, lens[i], len(row))
		}
	}
	return nil
}
