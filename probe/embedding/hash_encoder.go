package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"gonum.org/v1/gonum/mat"
)

// HashEncoder derives hidden states from a hash of (layer, position, id).
// It has no weights to load, which makes it the development backend and the
// stand-in for randomly initialised encoders.
type HashEncoder struct {
	hidden int
	layers int
	salt   uint64
}

func NewHashEncoder(hidden, layers int, randomize bool) *HashEncoder {
	if hidden <= 0 {
		hidden = 768
	}
	if layers <= 0 {
		layers = 1
	}
	e := &HashEncoder{hidden: hidden, layers: layers}
	if randomize {
		e.salt = 0x9e3779b97f4a7c15
	}
	return e
}

func (h *HashEncoder) HiddenSize() int { return h.hidden }
func (h *HashEncoder) NumLayers() int  { return h.layers }

func (h *HashEncoder) Encode(ctx context.Context, ids [][]int, lens []int) ([]Hidden, error) {
	if err := validateInput(ids, lens); err != nil {
		return nil, err
	}
	out := make([]Hidden, h.layers)
	for l := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layer := make(Hidden, len(ids))
		for b, row := range ids {
			// zero-sized matrices are not allowed by gonum
			width := max(len(row), 1)
			m := mat.NewDense(width, h.hidden, nil)
			for p := 0; p < lens[b]; p++ {
				h.fill(m.RawRowView(p), l, p, row[p])
			}
			layer[b] = m
		}
		out[l] = layer
	}
	return out, nil
}

func (h *HashEncoder) fill(dst []float64, layer, pos, id int) {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[0:], uint64(layer))
	binary.LittleEndian.PutUint64(key[8:], uint64(pos))
	binary.LittleEndian.PutUint64(key[16:], uint64(id))
	binary.LittleEndian.PutUint64(key[24:], h.salt)
	sum := sha256.Sum256(key[:])
	// repeat hash bytes to fill dims
	for j := range dst {
		b := sum[j%len(sum)]
		dst[j] = (float64(b) - 128.0) / 128.0
	}
}
