//go:build !onnx
// +build !onnx

package embedding

import "fmt"

func newONNXEncoder(s Settings) (Encoder, error) {
	return nil, fmt.Errorf("onnx encoder for %s: build with -tags onnx: %w", s.ModelPath, ErrUnavailable)
}
