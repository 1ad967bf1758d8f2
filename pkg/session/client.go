package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/pkg/usage"
)

// DefaultBaseURL is the upstream service root.
const DefaultBaseURL = "https://claude.ai"

const requestTimeout = 10 * time.Second

// Client is the session-authenticated upstream API client. It owns the
// active token and the organization id cached under that token, and
// classifies every response into success, auth failure, or transient failure.
//
// The HTTP transport never follows redirects: the service answers
// unauthenticated browser traffic with a redirect to its login page, so a raw
// 3xx status is itself the session-loss signal and must reach the classifier
// unfollowed.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
	orgID string // valid only for the token it was resolved under
}

// NewClient creates a client for the given service root.
// baseURL defaults to DefaultBaseURL if empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// SetToken replaces the active session token and invalidates the cached
// organization id. Pure state update, no network call. A request already in
// flight finishes against the old token; the next issued request uses the
// new one.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.orgID = ""
}

// HasToken reports whether a session token is currently set.
func (c *Client) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// ResolveOrganizationID returns the account's organization id, resolving it
// via the organization-list endpoint on first use and caching it keyed to
// the current token.
func (c *Client) ResolveOrganizationID(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	cached := c.orgID
	c.mu.Unlock()

	if token == "" {
		return "", ErrNoCredential
	}
	if cached != "" {
		return cached, nil
	}

	body, err := c.get(ctx, token, "/api/organizations")
	if err != nil {
		return "", err
	}

	// The identifier field has moved before; accept both spellings.
	var orgs []struct {
		UUID string `json:"uuid"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(body, &orgs); err != nil {
		return "", transientErr("parse organization list", err)
	}
	if len(orgs) == 0 {
		return "", ErrNoOrganization
	}
	id := orgs[0].UUID
	if id == "" {
		id = orgs[0].ID
	}
	if id == "" {
		return "", ErrNoOrganization
	}

	// Cache only if the token has not been swapped underneath us.
	c.mu.Lock()
	if c.token == token {
		c.orgID = id
	}
	c.mu.Unlock()

	return id, nil
}

// FetchUsage resolves the organization and fetches one usage snapshot.
func (c *Client) FetchUsage(ctx context.Context) (usage.Snapshot, error) {
	orgID, err := c.ResolveOrganizationID(ctx)
	if err != nil {
		return usage.Snapshot{}, err
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return usage.Snapshot{}, ErrNoCredential
	}

	body, err := c.get(ctx, token, "/api/organizations/"+orgID+"/usage")
	if err != nil {
		return usage.Snapshot{}, err
	}

	snap, err := usage.Parse(body, time.Now().UTC())
	if err != nil {
		return usage.Snapshot{}, transientErr("decode usage response", err)
	}
	return snap, nil
}

// get performs one authenticated request and applies the failure
// classification uniformly: 401/403, any raw 3xx, or an HTML content type
// all mean the session is gone (and drop the cached organization id);
// everything else that is not a 2xx is transient.
func (c *Client) get(ctx context.Context, token, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, transientErr("build request", err)
	}
	// The token is the only credential material on the wire.
	req.Header.Set("Cookie", "sessionKey="+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transientErr("request "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.clearOrgID()
		return nil, authErr(fmt.Sprintf("session rejected with HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		// Redirect to the login page; the transport never follows it.
		c.clearOrgID()
		return nil, authErr(fmt.Sprintf("redirected with HTTP %d", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		// Same symptom as a redirect: a login page instead of data.
		c.clearOrgID()
		return nil, authErr("received HTML instead of JSON")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, transientErr(fmt.Sprintf("HTTP %d from %s", resp.StatusCode, path), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr("read response body", err)
	}
	return body, nil
}

func (c *Client) clearOrgID() {
	c.mu.Lock()
	c.orgID = ""
	c.mu.Unlock()
}
