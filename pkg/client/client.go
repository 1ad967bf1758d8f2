package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quotawatch/quotawatch/pkg/engine"
	"github.com/quotawatch/quotawatch/pkg/store"
)

// DefaultEndpoint is where the daemon listens unless configured otherwise.
const DefaultEndpoint = "http://127.0.0.1:8090"

// Client talks to a running quotawatch daemon. It is what the CLI, the TUI,
// and the MCP server share.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a daemon client.
// endpoint defaults to DefaultEndpoint if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Health is the /v1/health response body.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Health, error) {
	var health Health
	if err := c.getJSON(ctx, "/v1/health", &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

// WaitReady polls the daemon's health endpoint with exponential backoff
// until it answers or ctx expires. Useful right after spawning the daemon.
func (c *Client) WaitReady(ctx context.Context, backoff BackoffStrategy) error {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	for attempt := 0; ; attempt++ {
		if _, err := c.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon not ready: %w", ctx.Err())
		case <-time.After(backoff.Next(attempt)):
		}
	}
}

// GetStatus fetches the orchestrator status and latest snapshot.
func (c *Client) GetStatus(ctx context.Context) (engine.Status, error) {
	var status engine.Status
	if err := c.getJSON(ctx, "/v1/status", &status); err != nil {
		return engine.Status{}, err
	}
	return status, nil
}

// GetEvents fetches recent status events from the daemon.
func (c *Client) GetEvents(ctx context.Context, limit int) ([]*store.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*store.EventRecord
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/events?limit=%d", limit), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetSnapshots fetches recent snapshot history, newest first.
func (c *Client) GetSnapshots(ctx context.Context, limit int) ([]store.SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var snaps []store.SnapshotRecord
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/snapshots?limit=%d", limit), &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// GetReport streams a CSV export from the daemon. The caller owns the
// returned body.
func (c *Client) GetReport(ctx context.Context, reportType string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/reports/%s.csv", c.endpoint, reportType), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("report request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// TriggerRefresh requests one out-of-cadence fetch cycle. The daemon drops
// the trigger if a fetch is already in flight; that is not an error.
func (c *Client) TriggerRefresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/refresh", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
