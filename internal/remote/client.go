package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"offsync/internal/domain"
)

// ErrBackendUnreachable covers transport failures, timeouts, and 5xx
// responses. Transient: the entry stays queued and is retried on a later pass.
var ErrBackendUnreachable = errors.New("backend unreachable")

// ErrRejected means the backend explicitly refused the action (4xx). Recorded
// against the entry; retrying without changing the payload will not help, but
// the entry is kept for visibility until retries and retention run out.
var ErrRejected = errors.New("backend rejected action")

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
)

// Client talks to the backend collaborator: it replays queued actions and
// answers the monitor's health probes. The backend deduplicates on the
// Idempotency-Key header; exactly-once is its side of the contract.
type Client struct {
	baseURL      string
	http         *http.Client
	probeTimeout time.Duration
}

func NewClient(baseURL string, requestTimeout, probeTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: requestTimeout},
		probeTimeout: probeTimeout,
	}
}

type actionBody struct {
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Execute replays one queued entry against the backend.
func (c *Client) Execute(ctx context.Context, entry domain.QueueEntry) error {
	body, err := json.Marshal(actionBody{TenantID: entry.TenantID, Payload: entry.Payload})
	if err != nil {
		return fmt.Errorf("encode action body: %w", err)
	}

	url := c.baseURL + "/v1/actions/" + entry.ActionType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.IdempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, string(msg))
	default:
		return fmt.Errorf("%w: status %d", ErrBackendUnreachable, resp.StatusCode)
	}
}

// Probe is the lightweight health check. Any non-2xx response or timeout
// counts as the backend being down.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: probe status %d", ErrBackendUnreachable, resp.StatusCode)
	}
	return nil
}
