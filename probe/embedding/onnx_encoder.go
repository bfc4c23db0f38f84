//go:build onnx
// +build onnx

package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"
)

// onnxEncoder runs an exported transformer whose float outputs are the
// per-layer hidden states, either as one rank-3 output per layer or as a
// single stacked rank-4 output.
type onnxEncoder struct {
	settings    Settings
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

func newONNXEncoder(s Settings) (Encoder, error) {
	e := &onnxEncoder{settings: s}
	if err := e.ensureSession(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *onnxEncoder) HiddenSize() int { return e.settings.HiddenSize }
func (e *onnxEncoder) NumLayers() int  { return e.settings.NumLayers }

func (e *onnxEncoder) ensureSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return nil
	}
	if e.settings.ModelPath == "" {
		return fmt.Errorf("onnx model path is required")
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	ins, outs, err := ort.GetInputOutputInfo(e.settings.ModelPath)
	if err != nil {
		return fmt.Errorf("get IO info: %w", err)
	}
	var idsName, maskName, tokTypeName string
	for _, ii := range ins {
		n := strings.ToLower(ii.Name)
		switch {
		case strings.Contains(n, "input_ids") || n == "ids":
			idsName = ii.Name
		case strings.Contains(n, "attention_mask") || n == "mask":
			maskName = ii.Name
		case strings.Contains(n, "token_type"):
			tokTypeName = ii.Name
		}
	}
	if idsName == "" {
		return fmt.Errorf("could not determine ONNX input ids name")
	}
	inputNames := []string{idsName}
	if maskName != "" {
		inputNames = append(inputNames, maskName)
	}
	if tokTypeName != "" {
		inputNames = append(inputNames, tokTypeName)
	}

	dims := make(map[string][]int64)
	var candidates []string
	for _, oi := range outs {
		if oi.DataType != ort.TensorElementDataTypeFloat {
			continue
		}
		candidates = append(candidates, oi.Name)
		dims[oi.Name] = oi.Dimensions
	}
	outputNames := selectLayerOutputs(candidates)
	if len(outputNames) == 0 {
		return fmt.Errorf("could not determine ONNX hidden-state outputs")
	}
	for _, name := range outputNames {
		d := dims[name]
		if len(d) > 0 && d[len(d)-1] > 0 {
			e.settings.HiddenSize = int(d[len(d)-1])
		}
		if len(d) == 4 && d[0] > 0 {
			e.settings.NumLayers = int(d[0])
		}
	}
	if len(outputNames) > 1 {
		e.settings.NumLayers = len(outputNames)
	}

	var opts *ort.SessionOptions
	if onnxEPPreference != "" && onnxEPPreference != "cpu" {
		if o, oerr := ort.NewSessionOptions(); oerr == nil {
			_ = o.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
			switch onnxEPPreference {
			case "cuda":
				if cu, e2 := ort.NewCUDAProviderOptions(); e2 == nil {
					_ = o.AppendExecutionProviderCUDA(cu)
					_ = cu.Destroy()
				}
			case "tensorrt":
				if trt, e2 := ort.NewTensorRTProviderOptions(); e2 == nil {
					_ = o.AppendExecutionProviderTensorRT(trt)
					_ = trt.Destroy()
				}
			case "coreml":
				_ = o.AppendExecutionProviderCoreMLV2(map[string]string{})
			case "dml":
				_ = o.AppendExecutionProviderDirectML(onnxDeviceID)
			}
			opts = o
		}
	}
	s, err := ort.NewDynamicAdvancedSession(e.settings.ModelPath, inputNames, outputNames, opts)
	if opts != nil {
		_ = opts.Destroy()
	}
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	e.session = s
	e.inputNames = inputNames
	e.outputNames = outputNames
	return nil
}

func (e *onnxEncoder) Encode(ctx context.Context, ids [][]int, lens []int) ([]Hidden, error) {
	if err := validateInput(ids, lens); err != nil {
		return nil, err
	}
	if err := e.ensureSession(); err != nil {
		return nil, err
	}
	batch := len(ids)
	if batch == 0 {
		return make([]Hidden, e.settings.NumLayers), nil
	}
	seq := len(ids[0])
	flatIDs := make([]int64, batch*seq)
	flatMask := make([]int64, batch*seq)
	for i, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("encode: row %d has %d ids, want %d", i, len(row), seq)
		}
		for j, id := range row {
			flatIDs[i*seq+j] = int64(id)
			if j < lens[i] {
				flatMask[i*seq+j] = 1
			}
		}
	}
	shape := ort.NewShape(int64(batch), int64(seq))
	idsTensor, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	inVals := make([]ort.Value, len(e.inputNames))
	for i, name := range e.inputNames {
		ln := strings.ToLower(name)
		switch {
		case strings.Contains(ln, "input_ids") || ln == "ids":
			inVals[i] = idsTensor
		case strings.Contains(ln, "attention_mask") || ln == "mask":
			inVals[i] = maskTensor
		default:
			zeroTensor, zerr := ort.NewTensor(shape, make([]int64, batch*seq))
			if zerr != nil {
				return nil, fmt.Errorf("alloc zero tensor: %w", zerr)
			}
			defer zeroTensor.Destroy()
			inVals[i] = zeroTensor
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	outs := make([]ort.Value, len(e.outputNames))
	err = e.session.Run(inVals, outs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		for _, v := range outs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	var layers []Hidden
	for i, v := range outs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s: unexpected type", e.outputNames[i])
		}
		got, err := splitHidden(t.GetData(), t.GetShape(), batch, seq)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", e.outputNames[i], err)
		}
		layers = append(layers, got...)
	}
	return layers, nil
}

// splitHidden converts a [batch, seq, hidden] or [layers, batch, seq, hidden]
// tensor into per-layer row matrices.
func splitHidden(data []float32, shape ort.Shape, batch, seq int) ([]Hidden, error) {
	var nLayers int
	switch len(shape) {
	case 3:
		nLayers = 1
	case 4:
		nLayers = int(shape[0])
	default:
		return nil, fmt.Errorf("unexpected output rank %d", len(shape))
	}
	hidden := int(shape[len(shape)-1])
	if int(shape[len(shape)-3]) != batch || int(shape[len(shape)-2]) != seq {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	out := make([]Hidden, nLayers)
	for l := 0; l < nLayers; l++ {
		layer := make(Hidden, batch)
		for b := 0; b < batch; b++ {
			off := ((l*batch + b) * seq) * hidden
			vals := make([]float64, seq*hidden)
			for k := range vals {
				vals[k] = float64(data[off+k])
			}
			layer[b] = mat.NewDense(seq, hidden, vals)
		}
		out[l] = layer
	}
	return out, nil
}
