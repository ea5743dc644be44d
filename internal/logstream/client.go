// Package logstream obtains per-tenant log-streaming tokens for dispatched tasks.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultClientTimeout is the default timeout for token requests.
const DefaultClientTimeout = 10 * time.Second

// Issuer issues a log-streaming token for a tenant.
type Issuer interface {
	AccountToken(ctx context.Context, tenant string) (string, error)
}

// Client calls the log service's token endpoint.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
}

func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// AccountToken fetches GET {base}/token?accountID=tenant. The body is either a
// bare token or a JSON string.
func (c *Client) AccountToken(ctx context.Context, tenant string) (string, error) {
	u := c.baseURL + "/token?" + url.Values{"accountID": {tenant}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw := strings.TrimSpace(string(body))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		raw = s
	}
	if raw == "" {
		return "", fmt.Errorf("token endpoint returned an empty token")
	}
	return raw, nil
}
