// Package observer is the Civitas Go SDK for the read-only ledger API.
//
// Observers query the witnessed event chain without any write credentials:
// reads stay available even while the writer is halted. Every event returned
// carries enough public material (canonical fields, content hash, prev hash)
// to re-verify the chain independently.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Event mirrors the ledger event wire format.
type Event struct {
	Sequence         int64           `json:"sequence"`
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	AgentID          string          `json:"agent_id"`
	AgentSignature   string          `json:"agent_signature"`
	SigningKeyID     string          `json:"signing_key_id"`
	ContentHash      string          `json:"content_hash"`
	PrevHash         string          `json:"prev_hash"`
	WitnessID        string          `json:"witness_id"`
	WitnessSignature string          `json:"witness_signature"`
	LocalTimestamp   time.Time       `json:"local_timestamp"`
}

// Status is the ledger status summary.
type Status struct {
	MaxSequence int64  `json:"max_sequence"`
	HeadHash    string `json:"head_hash"`
	Halted      bool   `json:"halted"`
	HaltReason  string `json:"halt_reason"`
}

// VerifyResult reports a chain or continuity verification.
type VerifyResult struct {
	Valid      bool    `json:"valid"`
	Contiguous bool    `json:"contiguous"`
	Missing    []int64 `json:"missing"`
	Error      string  `json:"error"`
}

// Client talks to a Civitas observer endpoint.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given base URL, e.g. "https://ledger.example.org".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Latest returns the current head event.
func (c *Client) Latest(ctx context.Context) (*Event, error) {
	var event Event
	if err := c.get(ctx, "/api/v1/events/latest", &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// EventBySequence returns the event at the given sequence.
func (c *Client) EventBySequence(ctx context.Context, seq int64) (*Event, error) {
	var event Event
	if err := c.get(ctx, fmt.Sprintf("/api/v1/events/%d", seq), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Events returns the events with start <= sequence <= end.
func (c *Client) Events(ctx context.Context, start, end int64) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	path := fmt.Sprintf("/api/v1/events?start=%d&end=%d", start, end)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Verify runs a full chain verification server-side.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.get(ctx, "/api/v1/verify", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyContinuity checks sequence contiguity in [start, end].
func (c *Client) VerifyContinuity(ctx context.Context, start, end int64) (*VerifyResult, error) {
	var result VerifyResult
	path := fmt.Sprintf("/api/v1/verify?start=%d&end=%d", start, end)
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the head position and halt state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("GET %s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
