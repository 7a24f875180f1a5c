// Package crm implements the handoff CRM contract over a JSON REST API and
// in memory.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aixgo-dev/advisor/pkg/handoff"
)

// Config configures Client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client talks to the CRM REST API:
//
//	GET   /records?contact=<actor>      -> {"records":[{"id":"..."}]}
//	PATCH /records/<id>/status          <- {"status":"..."}
//	POST  /records/<id>/tasks           <- {"body":"..."}, Idempotency-Key header
//
// Network errors, 429 and 5xx responses are marked transient so the handoff
// orchestrator retries them. Client itself never retries.
type Client struct {
	base  string
	token string
	http  *http.Client
}

var _ handoff.CRM = (*Client)(nil)

// NewClient creates a client. hc may be nil.
func NewClient(cfg Config, hc *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("crm base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse crm base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), token: cfg.Token, http: hc}, nil
}

type record struct {
	ID string `json:"id"`
}

// FindByContact returns the first record matching contact. A 404 or an empty
// result is a legitimate miss, not an error.
func (c *Client) FindByContact(ctx context.Context, contact string) (string, bool, error) {
	var resp struct {
		Records []record `json:"records"`
	}
	status, err := c.do(ctx, http.MethodGet, "/records?contact="+url.QueryEscape(contact), nil, "", &resp)
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find record: %w", err)
	}
	for _, r := range resp.Records {
		if r.ID != "" {
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

// UpdateStatus sets the record status. Setting the same status twice is a
// no-op on the CRM side.
func (c *Client) UpdateStatus(ctx context.Context, recordID, status string) error {
	body := map[string]string{"status": status}
	if _, err := c.do(ctx, http.MethodPatch, "/records/"+url.PathEscape(recordID)+"/status", body, "", nil); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// CreateTask files a follow-up task. The CRM dedupes on the Idempotency-Key
// header and returns the original task for a repeated key.
func (c *Client) CreateTask(ctx context.Context, recordID, body, key string) (string, error) {
	var resp record
	payload := map[string]string{"body": body}
	if _, err := c.do(ctx, http.MethodPost, "/records/"+url.PathEscape(recordID)+"/tasks", payload, key, &resp); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create task: response carried no task id")
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, idemKey string, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return 0, err
		}
		return 0, handoff.MarkTransient(err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, handoff.Transientf("crm returned %d", res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return res.StatusCode, fmt.Errorf("crm returned %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("decode crm response: %w", err)
	}
	return res.StatusCode, nil
}
