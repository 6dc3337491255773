package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type s3Object struct {
	header http.Header
	body   []byte
}

// fakeS3 accepts path-style PutObject requests and keeps the objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]s3Object
	status  int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{objects: map[string]s3Object{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(f.status)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = s3Object{header: r.Header.Clone(), body: body}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) get(path string) (s3Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[path]
	return o, ok
}

func TestS3Sink_Put(t *testing.T) {
	fake, srv := newFakeS3(t)
	sink, err := NewS3Sink(S3Config{
		Bucket:    "fruit",
		Prefix:    "/corpus/",
		Endpoint:  srv.URL,
		AccessKey: "minio",
		SecretKey: "minio-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", sink.Name())

	it := testItem("s1", "banana")
	it.ContentType = "image/png"
	it.Confidence = 0.42
	uri, err := sink.Put(context.Background(), it)
	require.NoError(t, err)
	assert.Equal(t, "s3://fruit/corpus/banana/s1.png", uri)

	img, ok := fake.get("/fruit/corpus/banana/s1.png")
	require.True(t, ok, "image object not uploaded")
	assert.True(t, bytes.Contains(img.body, it.Image), "image body missing from upload")
	assert.Equal(t, "image/png", img.header.Get("Content-Type"))
	assert.Equal(t, "s1", img.header.Get("X-Amz-Meta-Sample-Id"))
	assert.Equal(t, "sub-s1", img.header.Get("X-Amz-Meta-Submission-Id"))
	assert.Equal(t, "banana", img.header.Get("X-Amz-Meta-Label"))
	assert.Contains(t, img.header.Get("Authorization"), "Credential=minio/")

	sidecar, ok := fake.get("/fruit/corpus/banana/s1.json")
	require.True(t, ok, "sidecar not uploaded")
	start := bytes.IndexByte(sidecar.body, '{')
	end := bytes.LastIndexByte(sidecar.body, '}')
	require.True(t, start >= 0 && end > start, "sidecar body is not JSON: %q", sidecar.body)
	var rec Record
	require.NoError(t, json.Unmarshal(sidecar.body[start:end+1], &rec))
	assert.Equal(t, uri, rec.URI)
	assert.Equal(t, "banana", rec.Label)
	assert.InDelta(t, 0.42, rec.Confidence, 1e-9)
}

func TestS3Sink_NoPrefix(t *testing.T) {
	fake, srv := newFakeS3(t)
	sink, err := NewS3Sink(S3Config{Bucket: "fruit", Endpoint: srv.URL})
	require.NoError(t, err)

	uri, err := sink.Put(context.Background(), testItem("s2", "apple"))
	require.NoError(t, err)
	assert.Equal(t, "s3://fruit/apple/s2.jpg", uri)

	_, ok := fake.get("/fruit/apple/s2.jpg")
	assert.True(t, ok)
}

func TestS3Sink_UploadError(t *testing.T) {
	fake, srv := newFakeS3(t)
	fake.status = http.StatusForbidden
	sink, err := NewS3Sink(S3Config{Bucket: "fruit", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = sink.Put(context.Background(), testItem("s3", "apple"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apple/s3.jpg")
}

func TestS3Sink_RejectsUnsafeLabel(t *testing.T) {
	_, srv := newFakeS3(t)
	sink, err := NewS3Sink(S3Config{Bucket: "fruit", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = sink.Put(context.Background(), testItem("s4", "../secrets"))
	assert.Error(t, err)
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(S3Config{})
	assert.Error(t, err)
}
