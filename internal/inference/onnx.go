package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Metadata describes an exported model. It is read from a JSON file next to
// the .onnx file.
type Metadata struct {
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	Classes      []string `json:"classes"`
	ImageSize    int      `json:"image_size"`
	Version      string   `json:"version"`
	ApplySoftmax bool     `json:"apply_softmax"`
	InputName    string   `json:"input_name,omitempty"`
	OutputName   string   `json:"output_name,omitempty"`
}

// LoadMetadata reads and validates a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: reading metadata: %w", ErrModelLoad, err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: parsing metadata: %w", ErrModelLoad, err)
	}
	if err := m.validate(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Version == "" {
		m.Version = "unversioned"
	}
	return m, nil
}

func (m Metadata) validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata lists no classes")
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must be NCHW, got %v", m.InputShape)
	}
	if c := m.InputShape[1]; c != 1 && c != 3 {
		return fmt.Errorf("input_shape has %d channels, want 1 or 3", c)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive")
	}
	if int64(m.ImageSize) != m.InputShape[2] || int64(m.ImageSize) != m.InputShape[3] {
		return fmt.Errorf("image_size %d does not match input_shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.OutputShape) == 0 || m.OutputShape[len(m.OutputShape)-1] != int64(len(m.Classes)) {
		return fmt.Errorf("output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// ONNXConfig locates the model files and the onnxruntime shared library.
type ONNXConfig struct {
	ModelPath      string
	MetadataPath   string
	RuntimeLibrary string
}

// ONNXClassifier runs an exported model in-process. The session and its
// tensors are created once; Classify serialises access to them.
type ONNXClassifier struct {
	meta Metadata

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXClassifier loads the model. Any failure wraps ErrModelLoad.
func NewONNXClassifier(cfg ONNXConfig) (*ONNXClassifier, error) {
	meta, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	if !ort.IsInitialized() {
		if cfg.RuntimeLibrary != "" {
			ort.SetSharedLibraryPath(cfg.RuntimeLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initializing onnxruntime: %w", ErrModelLoad, err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: creating input tensor: %w", ErrModelLoad, err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("%w: creating output tensor: %w", ErrModelLoad, err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("%w: creating session: %w", ErrModelLoad, err)
	}

	return &ONNXClassifier{
		meta:    meta,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// IsRunning always reports true once the model is loaded.
func (o *ONNXClassifier) IsRunning(ctx context.Context) bool {
	return true
}

func (o *ONNXClassifier) ModelInfo(ctx context.Context) (ModelInfo, error) {
	return ModelInfo{Version: o.meta.Version, Classes: append([]string(nil), o.meta.Classes...)}, nil
}

// Classify decodes and preprocesses the image and runs the model.
func (o *ONNXClassifier) Classify(ctx context.Context, image []byte, contentType string) (Prediction, error) {
	img, _, err := Decode(image)
	if err != nil {
		return Prediction{}, err
	}
	data, err := Preprocess(img, o.meta.ImageSize, int(o.meta.InputShape[1]))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}

	if err := ctx.Err(); err != nil {
		return Prediction{}, classifyTransportError(err)
	}

	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return Prediction{}, fmt.Errorf("%w: model closed", ErrUnavailable)
	}
	copy(o.input.GetData(), data)
	runErr := o.session.Run()
	scores := append([]float32(nil), o.output.GetData()...)
	o.mu.Unlock()

	if runErr != nil {
		return Prediction{}, fmt.Errorf("%w: running model: %w", ErrUnavailable, runErr)
	}

	if len(scores) > len(o.meta.Classes) {
		scores = scores[:len(o.meta.Classes)]
	}
	if o.meta.ApplySoftmax {
		scores = softmax(scores)
	}
	idx, conf := argmax(scores)
	if conf < 0 || conf > 1 || math.IsNaN(float64(conf)) {
		return Prediction{}, fmt.Errorf("%w: model output %v is not a probability; set apply_softmax", ErrUnavailable, conf)
	}

	return Prediction{
		Label:        o.meta.Classes[idx],
		Confidence:   float64(conf),
		ModelVersion: o.meta.Version,
	}, nil
}

// Close releases the session and tensors.
func (o *ONNXClassifier) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.input != nil {
		o.input.Destroy()
		o.input = nil
	}
	if o.output != nil {
		o.output.Destroy()
		o.output = nil
	}
	if o.session != nil {
		o.session.Destroy()
		o.session = nil
	}
	return ort.DestroyEnvironment()
}

func softmax(in []float32) []float32 {
	out := make([]float32, len(in))
	if len(in) == 0 {
		return out
	}
	maxVal := in[0]
	for _, v := range in[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func argmax(scores []float32) (int, float32) {
	if len(scores) == 0 {
		return 0, float32(math.NaN())
	}
	idx, best := 0, scores[0]
	for i, v := range scores[1:] {
		if v > best {
			idx, best = i+1, v
		}
	}
	return idx, best
}
