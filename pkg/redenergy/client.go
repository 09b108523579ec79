package redenergy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/redsync/redsync/pkg/common"
	"github.com/redsync/redsync/pkg/log"
	"github.com/redsync/redsync/pkg/types"
)

// TokenSource hands out valid session tokens. Invalidate drops the current
// access token so the next EnsureValidSession round-trips to the provider.
type TokenSource interface {
	EnsureValidSession(ctx context.Context) (types.Token, error)
	Invalidate()
}

// StatusError carries the HTTP status of a failed API request so callers
// can classify it for retry.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client fetches raw payloads from the retail API. It holds no token state
// of its own; every request asks the token source for a valid session.
type Client struct {
	client  *http.Client
	baseURL string
	tokens  TokenSource
}

// Configured sets up the API client based on flags.
func Configured(tokens TokenSource) *Client {
	c := &Client{
		client: common.HTTPClient(time.Minute),
		tokens: tokens,
	}
	baseURL := lflag.String("redenergy-base-url", "https://selfservice.services.retail.energy/v1", "Base URL of the retail API")
	lflag.Do(func() {
		c.baseURL = *baseURL
	})
	return c
}

// New returns a Client for the given base URL, primarily for tests.
func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		client:  common.HTTPClient(time.Minute),
		baseURL: baseURL,
		tokens:  tokens,
	}
}

// Customer fetches the current customer payload.
func (c *Client) Customer(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "customers/current", nil)
}

// Properties fetches the account's property payload.
func (c *Client) Properties(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "properties", nil)
}

// Usage fetches interval usage for one consumer number over the inclusive
// date range [from, to].
func (c *Client) Usage(ctx context.Context, consumerNumber string, from, to time.Time) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("consumerNumber", consumerNumber)
	params.Set("fromDate", from.Format(types.DateLayout))
	params.Set("toDate", to.Format(types.DateLayout))
	return c.get(ctx, "usage/interval", params)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	// we try up to 2 times because the token might have been revoked
	// server-side even though it looked valid locally
	for attempt := 0; ; attempt++ {
		tok, err := c.tokens.EnsureValidSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("no valid session: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", tok.TokenType+" "+tok.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			log.Ctx(ctx).DebugContext(ctx, "api token rejected, refreshing session", slog.String("endpoint", endpoint))
			c.tokens.Invalidate()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			log.Ctx(ctx).WarnContext(ctx, "api request failed",
				slog.String("endpoint", endpoint),
				slog.Int("status", resp.StatusCode),
			)
			return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
		}

		return json.RawMessage(body), nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
