package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClient_Classify(t *testing.T) {
	var gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/classify" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(Prediction{Label: "banana", Confidence: 0.92, ModelVersion: "v1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL + "/")
	p, err := c.Classify(context.Background(), []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if p.Label != "banana" || p.Confidence != 0.92 || p.ModelVersion != "v1" {
		t.Errorf("prediction = %+v", p)
	}
	if gotType != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", gotType)
	}
	if string(gotBody) != "img" {
		t.Errorf("body = %q, want img", gotBody)
	}
}

func TestHTTPClient_ClassifyStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unsupported media type", http.StatusUnsupportedMediaType, ErrUnsupportedImage},
		{"unprocessable", http.StatusUnprocessableEntity, ErrUnsupportedImage},
		{"gateway timeout", http.StatusGatewayTimeout, ErrTimeout},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"service unavailable", http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL).Classify(context.Background(), []byte("img"), "image/png")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPClient_ClassifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(srv.URL).Classify(ctx, []byte("img"), "image/png")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestHTTPClient_ClassifyDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewHTTPClient(srv.URL).Classify(context.Background(), []byte("img"), "image/png")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestHTTPClient_ClassifyRejectsBadConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"label":"apple","confidence":1.7,"model_version":"v1"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Classify(context.Background(), []byte("img"), "image/png")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestHTTPClient_ModelInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/v1/model":
			w.Write([]byte(`{"version":"v7","classes":["Apple Braeburn","Banana 1"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Fatal("IsRunning() = false, want true")
	}
	info, err := c.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	if info.Version != "v7" || len(info.Classes) != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestHTTPClient_IsRunningDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if NewHTTPClient(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}
