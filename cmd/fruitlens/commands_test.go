package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type cannedResponse struct {
	Status int
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if resp.Status != 0 {
				w.WriteHeader(resp.Status)
			}
			w.Write([]byte(resp.Body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func okJSON(body string) cannedResponse { return cannedResponse{Status: http.StatusOK, Body: body} }

func disableColor(t *testing.T) {
	t.Helper()
	prev := noColor
	noColor = true
	t.Cleanup(func() { noColor = prev })
}

var ctx = context.Background()

const classifiedOutcome = `{
  "submission": {"id":"sub-1234567890","content_type":"image/jpeg","submitted_at":"2026-10-01T12:00:00Z","purpose":"classify","status":"classified"},
  "result": {"submission_id":"sub-1234567890","label":"banana","confidence":0.87654,"model_version":"fruits-v3","created_at":"2026-10-01T12:00:01Z"},
  "definition": {"term":"banana","definition":"an elongated curved tropical fruit","fetched_at":"2026-10-01T12:00:01Z"},
  "degraded": false,
  "uncertain": false
}`

func readForm(t *testing.T, req recordedRequest) (map[string]string, string, []byte) {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(req.ContentType)
	if err != nil {
		t.Fatalf("parsing content type %q: %v", req.ContentType, err)
	}
	if mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q, want multipart/form-data", mediaType)
	}

	fields := map[string]string{}
	var filename string
	var image []byte
	mr := multipart.NewReader(strings.NewReader(req.Body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("reading part: %v", err)
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "image" {
			filename = part.FileName()
			image = data
			continue
		}
		fields[part.FormName()] = string(data)
	}
	return fields, filename, image
}

func TestSubmitCommand_Classify(t *testing.T) {
	disableColor(t)
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions": okJSON(classifiedOutcome),
	})

	var out bytes.Buffer
	err := runSubmit(ctx, ts.client(), &out, "/tmp/photos/banana.jpg", []byte("jpeg-bytes"), false, "", false)
	if err != nil {
		t.Fatalf("runSubmit: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	req := ts.requests[0]
	if req.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", req.Auth, "Bearer test-token")
	}

	fields, filename, image := readForm(t, req)
	if fields["purpose"] != "classify" {
		t.Errorf("purpose = %q, want classify", fields["purpose"])
	}
	if _, ok := fields["label"]; ok {
		t.Errorf("label field should be omitted when empty, got %q", fields["label"])
	}
	if filename != "banana.jpg" {
		t.Errorf("filename = %q, want banana.jpg", filename)
	}
	if string(image) != "jpeg-bytes" {
		t.Errorf("image = %q, want jpeg-bytes", image)
	}

	got := out.String()
	for _, want := range []string{"sub-1234567890", "banana", "87.65%", "fruits-v3", "elongated curved"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestSubmitCommand_Train(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions": okJSON(`{"submission":{"id":"sub-t","purpose":"train","status":"training-sample"},"latest_sample":{"id":"smp-1","submission_id":"sub-t","confirmed_label":"mango","added_at":"2026-10-01T12:00:00Z"},"degraded":false,"uncertain":false}`),
	})

	var out bytes.Buffer
	if err := runSubmit(ctx, ts.client(), &out, "IMG_0042.png", []byte("png"), true, "mango", false); err != nil {
		t.Fatalf("runSubmit: %v", err)
	}

	fields, _, _ := readForm(t, ts.requests[0])
	if fields["purpose"] != "train" {
		t.Errorf("purpose = %q, want train", fields["purpose"])
	}
	if fields["label"] != "mango" {
		t.Errorf("label = %q, want mango", fields["label"])
	}
	if !strings.Contains(out.String(), "Confirmed:  mango") {
		t.Errorf("output missing confirmed label:\n%s", out.String())
	}
}

func TestSubmitCommand_JSON(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions": okJSON(classifiedOutcome),
	})

	var out bytes.Buffer
	if err := runSubmit(ctx, ts.client(), &out, "banana.jpg", []byte("x"), false, "", true); err != nil {
		t.Fatalf("runSubmit: %v", err)
	}
	if !strings.Contains(out.String(), `"label": "banana"`) {
		t.Errorf("expected indented JSON outcome, got:\n%s", out.String())
	}
}

func TestSubmitCommand_FailedClassification(t *testing.T) {
	disableColor(t)
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions": {
			Status: http.StatusServiceUnavailable,
			Body:   `{"error":{"message":"inference service unavailable","type":"inference_unavailable"},"submission":{"id":"sub-failed","purpose":"classify","status":"failed","last_error":"connection refused"}}`,
		},
	})

	var out bytes.Buffer
	err := runSubmit(ctx, ts.client(), &out, "banana.jpg", []byte("x"), false, "", false)
	if err == nil {
		t.Fatal("expected error for failed classification")
	}

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", apiErr.StatusCode)
	}
	if apiErr.Type != "inference_unavailable" {
		t.Errorf("type = %q, want inference_unavailable", apiErr.Type)
	}

	got := out.String()
	if !strings.Contains(got, "sub-failed") || !strings.Contains(got, "connection refused") {
		t.Errorf("output should describe the failed submission:\n%s", got)
	}
	if !strings.Contains(got, "fruitlens retry sub-failed") {
		t.Errorf("output should include a retry hint:\n%s", got)
	}
}

func TestResultCommand(t *testing.T) {
	disableColor(t)
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /submissions/sub-1234567890": okJSON(classifiedOutcome),
	})

	var out bytes.Buffer
	if err := runResult(ctx, ts.client(), &out, "sub-1234567890", false); err != nil {
		t.Fatalf("runResult: %v", err)
	}
	if ts.requests[0].Method != http.MethodGet {
		t.Errorf("method = %q, want GET", ts.requests[0].Method)
	}
	if !strings.Contains(out.String(), "Status:     classified") {
		t.Errorf("output missing status:\n%s", out.String())
	}
}

func TestResultCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{})

	err := runResult(ctx, ts.client(), io.Discard, "missing", false)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 apiError, got %v", err)
	}
}

func TestRetryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions/sub-1234567890/retry": okJSON(classifiedOutcome),
	})

	var out bytes.Buffer
	if err := runRetry(ctx, ts.client(), &out, "sub-1234567890"); err != nil {
		t.Fatalf("runRetry: %v", err)
	}
	if ts.requests[0].Body != "" {
		t.Errorf("retry should send no body, got %q", ts.requests[0].Body)
	}
}

func TestConfirmCommand(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions/sub-1/labels": {
			Status: http.StatusCreated,
			Body:   `{"id":"smp-1","submission_id":"sub-1","confirmed_label":"pear","added_at":"2026-10-01T12:00:00Z"}`,
		},
	})

	if err := runConfirm(ctx, ts.client(), "sub-1", "pear"); err != nil {
		t.Fatalf("runConfirm: %v", err)
	}

	req := ts.requests[0]
	if req.ContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", req.ContentType)
	}
	if req.Body != `{"label":"pear"}` {
		t.Errorf("body = %q", req.Body)
	}
}

func TestConfirmCommand_InvalidState(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /submissions/sub-1/labels": {
			Status: http.StatusConflict,
			Body:   `{"error":{"message":"submission is still pending","type":"invalid_state"}}`,
		},
	})

	err := runConfirm(ctx, ts.client(), "sub-1", "pear")
	if err == nil || !strings.Contains(err.Error(), "still pending") {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestDefineCommand(t *testing.T) {
	disableColor(t)
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /definitions/kiwi": okJSON(`{"term":"kiwi","definition":"a fuzzy brown fruit","fetched_at":"2026-10-01T12:00:00Z"}`),
	})

	var out bytes.Buffer
	if err := runDefine(ctx, ts.client(), &out, "kiwi"); err != nil {
		t.Fatalf("runDefine: %v", err)
	}
	if got := out.String(); got != "kiwi: a fuzzy brown fruit\n" {
		t.Errorf("output = %q", got)
	}
}

func TestDefineCommand_Unavailable(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /definitions/kiwi": {
			Status: http.StatusBadGateway,
			Body:   `{"error":{"message":"dictionary lookup failed","type":"definition_unavailable"}}`,
		},
	})

	err := runDefine(ctx, ts.client(), io.Discard, "kiwi")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "dictionary lookup failed" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestSubmissionsListCommand(t *testing.T) {
	disableColor(t)
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /submissions": okJSON(`[{"id":"sub-aaaaaaaaaaaa","submitted_at":"2026-10-01T12:00:00Z","purpose":"classify","status":"failed"}]`),
	})

	var out bytes.Buffer
	if err := runSubmissionsList(ctx, ts.client(), &out, "failed", 5, 10); err != nil {
		t.Fatalf("runSubmissionsList: %v", err)
	}

	if got, want := ts.requests[0].Path, "/submissions?limit=5&offset=10&status=failed"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	got := out.String()
	if !strings.Contains(got, "sub-aaaa") || !strings.Contains(got, "failed") {
		t.Errorf("output = %q", got)
	}
	if strings.Contains(got, "sub-aaaaaaaaaaaa") {
		t.Errorf("ids should be shortened, got %q", got)
	}
}

func TestSubmissionsListCommand_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /submissions": okJSON(`[]`),
	})

	var out bytes.Buffer
	if err := runSubmissionsList(ctx, ts.client(), &out, "", 20, 0); err != nil {
		t.Fatalf("runSubmissionsList: %v", err)
	}
	if got, want := ts.requests[0].Path, "/submissions?limit=20&offset=0"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if !strings.Contains(out.String(), "No submissions found.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSamplesListCommand(t *testing.T) {
	disableColor(t)
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /samples": okJSON(`[{"id":"smp-bbbbbbbbbbbb","submission_id":"sub-cccccccccccc","confirmed_label":"apple","added_at":"2026-10-02T08:30:00Z"}]`),
	})

	var out bytes.Buffer
	if err := runSamplesList(ctx, ts.client(), &out, 3, 0); err != nil {
		t.Fatalf("runSamplesList: %v", err)
	}
	if got, want := ts.requests[0].Path, "/samples?limit=3&offset=0"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if got := out.String(); got != "smp-bbbb  2026-10-02 08:30:00  sub-cccc  apple\n" {
		t.Errorf("output = %q", got)
	}
}

func TestFormatConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.87654, "87.65%"},
		{1, "100.00%"},
		{0, "0.00%"},
		{0.005, "0.50%"},
	}
	for _, tt := range tests {
		if got := formatConfidence(tt.in); got != tt.want {
			t.Errorf("formatConfidence(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(strings.NewReader("boom")),
	}
	err := decodeJSON(resp, &struct{}{})
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.Message != "" {
		t.Errorf("message = %q, want empty for non-JSON body", apiErr.Message)
	}
	if err.Error() != "server returned 500: boom" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestServeAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:4101", "127.0.0.1:4101", false},
		{"http://models.local", "models.local:80", false},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		got, err := serveAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("serveAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("serveAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubmitCommand_TrainRequiresLabel(t *testing.T) {
	rootCmd.SetArgs([]string{"submit", "--train", "banana.jpg"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--label is required") {
		t.Fatalf("expected missing label error, got %v", err)
	}
}
