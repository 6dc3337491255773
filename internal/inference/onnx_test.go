package inference

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeMetadata(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMetadata(t *testing.T) {
	path := writeMetadata(t, `{
		"input_shape": [1, 3, 100, 100],
		"output_shape": [1, 3],
		"classes": ["Apple Braeburn", "Banana 1", "Kiwi"],
		"image_size": 100,
		"version": "fruits360-v2",
		"apply_softmax": true
	}`)

	m, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if m.Version != "fruits360-v2" || !m.ApplySoftmax {
		t.Errorf("metadata = %+v", m)
	}
	if m.InputName != "input" || m.OutputName != "output" {
		t.Errorf("default tensor names = %q/%q", m.InputName, m.OutputName)
	}
}

func TestLoadMetadata_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"no classes":      `{"input_shape":[1,3,4,4],"output_shape":[1,0],"classes":[],"image_size":4}`,
		"bad channels":    `{"input_shape":[1,2,4,4],"output_shape":[1,1],"classes":["a"],"image_size":4}`,
		"size mismatch":   `{"input_shape":[1,3,4,4],"output_shape":[1,1],"classes":["a"],"image_size":8}`,
		"output mismatch": `{"input_shape":[1,3,4,4],"output_shape":[1,2],"classes":["a"],"image_size":4}`,
		"not nchw":        `{"input_shape":[3,4,4],"output_shape":[1,1],"classes":["a"],"image_size":4}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadMetadata(writeMetadata(t, body)); !errors.Is(err, ErrModelLoad) {
				t.Errorf("error = %v, want ErrModelLoad", err)
			}
		})
	}

	if _, err := LoadMetadata(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrModelLoad) {
		t.Errorf("missing file error = %v, want ErrModelLoad", err)
	}
}

func TestNewONNXClassifier_MissingModel(t *testing.T) {
	meta := writeMetadata(t, `{"input_shape":[1,3,4,4],"output_shape":[1,1],"classes":["a"],"image_size":4}`)

	_, err := NewONNXClassifier(ONNXConfig{
		ModelPath:    filepath.Join(t.TempDir(), "missing.onnx"),
		MetadataPath: meta,
	})
	if !errors.Is(err, ErrModelLoad) {
		t.Errorf("error = %v, want ErrModelLoad", err)
	}
}

func TestSoftmax(t *testing.T) {
	out := softmax([]float32{1, 2, 3})
	var sum float64
	for _, v := range out {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("sum = %v, want 1", sum)
	}
	if !(out[2] > out[1] && out[1] > out[0]) {
		t.Errorf("softmax not monotonic: %v", out)
	}

	// Large logits must not overflow.
	big := softmax([]float32{1000, 1000})
	if math.Abs(float64(big[0])-0.5) > 1e-5 {
		t.Errorf("softmax(1000,1000)[0] = %v, want 0.5", big[0])
	}
}

func TestArgmax(t *testing.T) {
	idx, v := argmax([]float32{0.1, 0.7, 0.2})
	if idx != 1 || v != 0.7 {
		t.Errorf("argmax = %d, %v; want 1, 0.7", idx, v)
	}
}
