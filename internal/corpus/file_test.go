package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testItem(id, label string) Item {
	return Item{
		SampleID:     id,
		SubmissionID: "sub-" + id,
		Label:        label,
		ContentType:  "image/jpeg",
		Image:        []byte("jpeg bytes " + id),
		AddedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func readManifest(t *testing.T, dir string) []Record {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad manifest line %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestFileSink_Put(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	it := testItem("s1", "mango")
	it.PredictedLabel = "papaya"
	uri, err := sink.Put(context.Background(), it)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(dir, "mango", "s1.jpg")
	if uri != "file://"+filepath.ToSlash(path) {
		t.Errorf("uri = %q", uri)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if string(got) != "jpeg bytes s1" {
		t.Errorf("image = %q", got)
	}

	recs := readManifest(t, dir)
	if len(recs) != 1 {
		t.Fatalf("manifest has %d records, want 1", len(recs))
	}
	if recs[0].Label != "mango" || recs[0].URI != uri || recs[0].PredictedLabel != "papaya" {
		t.Errorf("unexpected record %+v", recs[0])
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "mango"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".export-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileSink_Extensions(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	tests := map[string]string{
		"image/jpeg": ".jpg",
		"image/png":  ".png",
		"image/gif":  ".gif",
		"":           ".bin",
	}
	i := 0
	for ct, ext := range tests {
		i++
		it := testItem(fmt.Sprintf("e%d", i), "apple")
		it.ContentType = ct
		uri, err := sink.Put(context.Background(), it)
		if err != nil {
			t.Fatalf("Put(%q): %v", ct, err)
		}
		if !strings.HasSuffix(uri, ext) {
			t.Errorf("content type %q: uri %q, want suffix %s", ct, uri, ext)
		}
	}
}

func TestFileSink_RejectsUnsafeNames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	tests := []struct {
		name string
		it   Item
	}{
		{"traversal label", testItem("x1", "../etc")},
		{"dot label", testItem("x2", "..")},
		{"empty label", testItem("x3", "")},
		{"slash in id", testItem("a/b", "apple")},
		{"no image", Item{SampleID: "x4", Label: "apple"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sink.Put(context.Background(), tt.it); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFileSink_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sink.Put(ctx, testItem("c1", "apple")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := os.Stat(filepath.Join(dir, "apple", "c1.jpg")); !os.IsNotExist(err) {
		t.Errorf("image written despite cancellation: %v", err)
	}
}

func TestFileSink_ConcurrentPuts(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := sink.Put(context.Background(), testItem(fmt.Sprintf("p%d", i), "cherry")); err != nil {
				t.Errorf("Put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if recs := readManifest(t, dir); len(recs) != n {
		t.Errorf("manifest has %d records, want %d", len(recs), n)
	}
}

func TestNewFileSink_EmptyDir(t *testing.T) {
	if _, err := NewFileSink(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
