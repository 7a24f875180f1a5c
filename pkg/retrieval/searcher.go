package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxResults caps passages requested per query.
const DefaultMaxResults = 5

// ContextMessage is one prior turn sent along with a query.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is a document search request.
type Query struct {
	QueryText           string           `json:"queryText"`
	ConversationContext []ContextMessage `json:"conversationContext,omitempty"`
	MaxResults          int              `json:"maxResults"`
	RelevanceThreshold  float64          `json:"relevanceThreshold"`
}

// Searcher retrieves candidate passages. Implementations return passages
// unfiltered; callers apply Filter.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Passage, error)
}

// StaticSearcher returns a fixed passage list for every query.
type StaticSearcher struct {
	Passages []Passage
}

func (s StaticSearcher) Search(context.Context, Query) ([]Passage, error) {
	out := make([]Passage, len(s.Passages))
	copy(out, s.Passages)
	return out, nil
}

// HTTPConfig configures HTTPSearcher.
type HTTPConfig struct {
	// Endpoint receives POSTed Query documents.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`
	// Timeout bounds each HTTP attempt (default 10s).
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts bounds retries of transient failures (default 3).
	MaxAttempts uint `yaml:"max_attempts"`
}

// HTTPSearcher calls a JSON search endpoint.
type HTTPSearcher struct {
	cfg  HTTPConfig
	http *http.Client
}

// ErrSearchFailed wraps any search failure that survived retries.
var ErrSearchFailed = errors.New("document search failed")

// NewHTTPSearcher creates a searcher for cfg.Endpoint.
func NewHTTPSearcher(cfg HTTPConfig, client *http.Client) (*HTTPSearcher, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("retrieval endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSearcher{cfg: cfg, http: client}, nil
}

type searchResponse struct {
	Passages []Passage `json:"passages"`
}

// Search posts q and decodes the passage list. 5xx, 429 and network errors
// are retried with exponential backoff; other statuses fail immediately.
func (s *HTTPSearcher) Search(ctx context.Context, q Query) ([]Passage, error) {
	if q.MaxResults <= 0 {
		q.MaxResults = DefaultMaxResults
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	passages, err := backoff.Retry(ctx, func() ([]Passage, error) {
		return s.do(ctx, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(3*s.cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}
	return passages, nil
}

func (s *HTTPSearcher) do(ctx context.Context, body []byte) ([]Passage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	res, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("search endpoint returned %d", res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("search endpoint returned %d", res.StatusCode))
	}

	var resp searchResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode search response: %w", err))
	}
	if resp.Passages == nil {
		resp.Passages = []Passage{}
	}
	return resp.Passages, nil
}
