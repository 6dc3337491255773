// Package dictionary resolves fruit labels to definitions through the
// Merriam-Webster collegiate API, with caching and retries.
package dictionary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/fruitlens/internal/metrics"
)

// ErrDefinitionUnavailable means no definition could be produced for a term.
// It never fails a classification; callers degrade the response instead.
var ErrDefinitionUnavailable = errors.New("definition unavailable")

const DefaultBaseURL = "https://dictionaryapi.com/api/v3/references/collegiate/json"

// Entry is a cached dictionary answer. Definition is empty when the lookup
// failed, in which case Failure says why.
type Entry struct {
	Term       string    `json:"term"`
	Definition string    `json:"definition,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	Failure    string    `json:"failure,omitempty"`
}

// Failed reports whether the entry records a failed lookup.
func (e Entry) Failed() bool {
	return e.Failure != ""
}

// Config controls the API client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each HTTP attempt.
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	// FreshFor is how long a successful entry is reused without re-fetching.
	FreshFor time.Duration
	// FailureTTL is how long a failed lookup is remembered. Shorter than FreshFor.
	FailureTTL time.Duration
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		FreshFor:       24 * time.Hour,
		FailureTTL:     5 * time.Minute,
	}
}

// Client looks up definitions. It is safe for concurrent use; concurrent
// misses for the same term may both reach the API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Client. A nil cache gets an in-memory one; m may be nil.
func New(cfg Config, c Cache, m *metrics.Metrics) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = def.FreshFor
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = def.FailureTTL
	}
	if c == nil {
		c = NewMemoryCache(0)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		cache:      c,
		metrics:    m,
		logger:     slog.Default().With("component", "dictionary"),
		now:        time.Now,
	}
}

// NormalizeTerm lowercases and trims a term so cache keys are stable.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// Define returns the definition of term. Cached entries, including cached
// failures, are served without network. A failed lookup returns the failure
// entry together with an error wrapping ErrDefinitionUnavailable.
func (c *Client) Define(ctx context.Context, term string) (Entry, error) {
	term = NormalizeTerm(term)
	if term == "" {
		return Entry{}, fmt.Errorf("%w: empty term", ErrDefinitionUnavailable)
	}
	if c.cfg.APIKey == "" {
		return Entry{Term: term, Failure: "api key not configured"},
			fmt.Errorf("%w: api key not configured", ErrDefinitionUnavailable)
	}

	if e, ok := c.cache.Get(ctx, term); ok {
		if e.Failed() {
			c.metrics.RecordLookup(metrics.LookupFailureHit)
			return e, fmt.Errorf("%w: %s", ErrDefinitionUnavailable, e.Failure)
		}
		c.metrics.RecordLookup(metrics.LookupHit)
		return e, nil
	}
	c.metrics.RecordLookup(metrics.LookupMiss)

	def, err := c.fetch(ctx, term)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation says nothing about the term; don't cache it.
			return Entry{Term: term, Failure: err.Error()}, fmt.Errorf("%w: %w", ErrDefinitionUnavailable, err)
		}
		c.metrics.RecordLookup(metrics.LookupAPIError)
		e := Entry{Term: term, FetchedAt: c.now().UTC(), Failure: err.Error()}
		c.cache.Set(context.WithoutCancel(ctx), e, c.cfg.FailureTTL)
		c.logger.Warn("definition lookup failed", "term", term, "error", err)
		return e, fmt.Errorf("%w: %w", ErrDefinitionUnavailable, err)
	}

	e := Entry{Term: term, Definition: def, FetchedAt: c.now().UTC()}
	c.cache.Set(context.WithoutCancel(ctx), e, c.cfg.FreshFor)
	return e, nil
}

// statusError is a non-200 answer from the API.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("dictionary API returned status %d", e.code)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	// parse failures and unknown terms are final
	return !errors.Is(err, errNoDefinition)
}

// fetch calls the API, retrying transient failures with exponential backoff.
func (c *Client) fetch(ctx context.Context, term string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		def, err := c.fetchOnce(ctx, term)
		if err == nil {
			return def, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return "", err
		}
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		delay := c.cfg.InitialBackoff << attempt
		c.logger.Debug("dictionary request failed, retrying",
			"term", term,
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (c *Client) fetchOnce(ctx context.Context, term string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := fmt.Sprintf("%s/%s?key=%s", c.cfg.BaseURL, url.PathEscape(term), url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPIRequest("error")
		// url.Error embeds the key in its message
		return "", fmt.Errorf("requesting definition: %s", redact(err.Error(), c.cfg.APIKey))
	}
	defer resp.Body.Close()

	c.metrics.RecordAPIRequest(fmt.Sprintf("%dxx", resp.StatusCode/100))
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return parseDefinition(body)
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(secret), "REDACTED")
	return strings.ReplaceAll(s, secret, "REDACTED")
}
