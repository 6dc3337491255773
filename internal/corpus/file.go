package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const manifestName = "manifest.jsonl"

// FileSink writes the corpus to a local directory and appends one JSON line
// per export to manifest.jsonl.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("corpus directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating corpus directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Name() string { return "file" }

// Dir returns the corpus root.
func (f *FileSink) Dir() string { return f.dir }

func (f *FileSink) Put(ctx context.Context, it Item) (string, error) {
	if err := it.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	labelDir := filepath.Join(f.dir, it.Label)
	if err := os.MkdirAll(labelDir, 0o755); err != nil {
		return "", fmt.Errorf("creating label directory: %w", err)
	}
	path := filepath.Join(labelDir, it.SampleID+extension(it.ContentType))
	if err := writeFileAtomic(path, it.Image); err != nil {
		return "", err
	}

	uri := "file://" + filepath.ToSlash(path)
	if err := f.appendManifest(it.record(uri)); err != nil {
		return "", err
	}
	return uri, nil
}

func (f *FileSink) appendManifest(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding manifest record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	mf, err := os.OpenFile(filepath.Join(f.dir, manifestName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	if _, err := mf.Write(append(line, '\n')); err != nil {
		mf.Close()
		return fmt.Errorf("appending to manifest: %w", err)
	}
	return mf.Close()
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never see a partial image.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming image: %w", err)
	}
	return nil
}
