package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a remote inference service over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client targeting the given service base URL. The
// per-call time budget comes from the caller's context.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// BaseURL returns the service URL the client targets.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// IsRunning returns true if the service responds to GET /health with 200.
func (c *HTTPClient) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ModelInfo fetches the version and class list from GET /v1/model.
func (c *HTTPClient) ModelInfo(ctx context.Context) (ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/model", nil)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ModelInfo{}, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ModelInfo{}, fmt.Errorf("decoding model info: %w", err)
	}
	return info, nil
}

// Classify posts the raw image to /v1/classify. A deadline on ctx maps to
// ErrTimeout, a 415 or 422 to ErrUnsupportedImage, and every other failure
// to ErrUnavailable.
func (c *HTTPClient) Classify(ctx context.Context, image []byte, contentType string) (Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(image))
	if err != nil {
		return Prediction{}, fmt.Errorf("creating classify request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType, resp.StatusCode == http.StatusUnprocessableEntity:
		return Prediction{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, readErrorMessage(resp.Body))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return Prediction{}, fmt.Errorf("%w: service reported timeout", ErrTimeout)
	case resp.StatusCode != http.StatusOK:
		return Prediction{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, readErrorMessage(resp.Body))
	}

	var p Prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Prediction{}, classifyTransportError(fmt.Errorf("decoding prediction: %w", err))
	}
	if p.Label == "" {
		return Prediction{}, fmt.Errorf("%w: prediction has no label", ErrUnavailable)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return Prediction{}, fmt.Errorf("%w: confidence %v out of range", ErrUnavailable, p.Confidence)
	}
	return p, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// readErrorMessage extracts the message from an {"error":{"message":...}}
// body, falling back to the raw text.
func readErrorMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
