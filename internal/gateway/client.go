// ABOUTME: HTTP client for the wellness API with bearer attach and token refresh
// ABOUTME: Concurrent requests hitting a stale token share a single refresh flight

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/session"
)

const refreshKey = "auth/refresh"

// Options configures a Client.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	RefreshMargin time.Duration
	Session       *session.Store
	Notices       *events.Bus[events.Notice]
	Logger        *slog.Logger
}

// Client talks to the wellness API. At most one token refresh is in flight
// at any moment regardless of how many requests trip over an expired token,
// and every failure maps onto the package error taxonomy.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	session       *session.Store
	notices       *events.Bus[events.Notice]
	refreshMargin time.Duration
	refresh       singleflight.Group
	logger        *slog.Logger
}

// New constructs a Client. The base URL must carry an http or https scheme.
func New(opts Options) (*Client, error) {
	normalized, err := NormalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("gateway requires a session store")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:       normalized,
		httpClient:    &http.Client{Timeout: timeout},
		session:       opts.Session,
		notices:       opts.Notices,
		refreshMargin: opts.RefreshMargin,
		logger:        logger.With("component", "gateway"),
	}, nil
}

// NormalizeBaseURL validates an API base URL and trims any trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("api base url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("api base url must use http or https, got %q", parsed.Scheme)
	}
	return strings.TrimRight(value, "/"), nil
}

// do performs one API request. The body is marshaled once so the automatic
// retry after a token refresh resends identical bytes.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, reqBody, respBody any) error {
	endpoint, err := c.buildURL(path, query)
	if err != nil {
		return err
	}

	var payload []byte
	if reqBody != nil {
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	// Proactive refresh keeps the 401 path rare. Opaque access tokens have
	// no readable expiry and rely on the reactive path below.
	if c.session.NeedsRefresh(c.refreshMargin) && c.session.RefreshToken() != "" {
		if err := c.refreshTokens(ctx, c.session.AccessToken()); err != nil {
			if errors.Is(err, ErrSessionExpired) {
				return err
			}
			// The current token may still have a few seconds left. Let the
			// request run and the 401 path catch a real expiry.
			c.logger.Debug("proactive refresh failed", "error", err)
		}
	}

	token := c.session.AccessToken()
	status, body, err := c.attempt(ctx, method, endpoint, header, payload, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && c.session.RefreshToken() != "" {
		if err := c.refreshTokens(ctx, token); err != nil {
			return err
		}
		// Exactly one retry with the fresh token.
		status, body, err = c.attempt(ctx, method, endpoint, header, payload, c.session.AccessToken())
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			c.expireSession(ctx, "request rejected after refresh")
			return ErrSessionExpired
		}
	}

	if status < 200 || status >= 300 {
		return apiError(status, body)
	}
	if respBody == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, header http.Header, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &OfflineError{Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &OfflineError{Cause: err}
	}
	return resp.StatusCode, data, nil
}

// refreshTokens collapses concurrent refresh attempts into one network call.
// Every waiter receives the shared outcome. staleAccess is the access token
// the caller failed with; when it no longer matches the session, another
// request already refreshed and there is nothing to do.
func (c *Client) refreshTokens(ctx context.Context, staleAccess string) error {
	_, err, shared := c.refresh.Do(refreshKey, func() (any, error) {
		if c.session.AccessToken() != staleAccess {
			return nil, nil
		}
		// Detached from the caller: one canceled request must not fail the
		// refresh for everyone else sharing the flight.
		return nil, c.doRefresh(context.WithoutCancel(ctx))
	})
	if shared {
		c.logger.Debug("token refresh shared with concurrent request")
	}
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	refreshToken := c.session.RefreshToken()
	if refreshToken == "" {
		return ErrSessionExpired
	}

	endpoint, err := c.buildURL("/auth/refresh", nil)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Tokens stay put: a dead network says nothing about their validity.
		return &OfflineError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &OfflineError{Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return apiError(resp.StatusCode, body)
	default:
		c.expireSession(ctx, "refresh token rejected")
		return ErrSessionExpired
	}

	var tokens TokenPair
	if err := json.Unmarshal(body, &tokens); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	if err := c.session.SetTokens(ctx, tokens.AccessToken, tokens.RefreshToken); err != nil {
		return fmt.Errorf("storing refreshed tokens: %w", err)
	}
	c.logger.Info("access token refreshed")
	return nil
}

func (c *Client) expireSession(ctx context.Context, reason string) {
	c.logger.Warn("session expired", "reason", reason)
	if err := c.session.Clear(ctx); err != nil {
		c.logger.Error("clearing expired session", "error", err)
	}
	if c.notices != nil {
		c.notices.Publish(events.TopicSession, events.Notice{
			Kind:    events.NoticeSessionExpired,
			Message: "session expired, sign in again",
		})
	}
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	endpoint := base.ResolveReference(ref)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String(), nil
}

func apiError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var payload apiErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
