package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

// apiClient talks to a running advisor server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{}}
}

// apiError carries the server's {"error": ...} body.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &apiError{Status: resp.StatusCode, Message: body.Error}
}

// Chat sends one turn and folds the streamed frames into demux. onFrame is
// called for each frame as it arrives.
func (c *apiClient) Chat(ctx context.Context, req conversation.Request, demux *stream.Demultiplexer, onFrame func(stream.Frame)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	demux.StartTurn(req.Prompt)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		demux.Fail()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		demux.Fail()
		return decodeAPIError(resp)
	}
	return demux.Consume(stream.NewDecoder(resp.Body), onFrame)
}

// Attempt mirrors the server's handoff view.
type Attempt struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Timing  string `json:"timing"`
	Resumes int    `json:"resumes"`
	Brief   struct {
		Summary string   `json:"summary"`
		Topics  []string `json:"topics"`
	} `json:"brief"`
	Steps []struct {
		Name      string `json:"name"`
		Status    string `json:"status"`
		Attempts  int    `json:"attempts"`
		Retryable bool   `json:"retryable"`
	} `json:"steps"`
}

// Handoff calls one of the handoff endpoints. action is "" for status,
// otherwise confirm, decline or resume.
func (c *apiClient) Handoff(ctx context.Context, action, actor, sessionID, timing string) (*Attempt, error) {
	var (
		httpReq *http.Request
		err     error
	)
	if action == "" {
		q := url.Values{"actorIdentifier": {actor}, "sessionId": {sessionID}}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/handoff?"+q.Encode(), nil)
	} else {
		body, _ := json.Marshal(map[string]string{
			"actorIdentifier":  actor,
			"sessionId":        sessionID,
			"timingPreference": timing,
		})
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/handoff/"+action, bytes.NewReader(body))
		if httpReq != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var a Attempt
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode handoff: %w", err)
	}
	return &a, nil
}
