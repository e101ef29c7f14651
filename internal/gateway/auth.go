// ABOUTME: Authentication calls against the wellness API
// ABOUTME: Login and register persist the returned credential through the session store

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// User is the account profile returned by the auth endpoints.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenPair is the credential issued by login, register, and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login authenticates with email and password and stores the issued tokens.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	req := loginRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, nil, req, &resp); err != nil {
		return nil, err
	}
	if err := c.session.SetTokens(ctx, resp.Tokens.AccessToken, resp.Tokens.RefreshToken); err != nil {
		return nil, fmt.Errorf("storing login tokens: %w", err)
	}
	c.logger.Info("logged in", "user", resp.User.Email)
	return &resp, nil
}

// Register creates an account and stores the issued tokens.
func (c *Client) Register(ctx context.Context, email, password, displayName string) (*AuthResponse, error) {
	var resp AuthResponse
	req := registerRequest{Email: email, Password: password, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, "/auth/register", nil, nil, req, &resp); err != nil {
		return nil, err
	}
	if err := c.session.SetTokens(ctx, resp.Tokens.AccessToken, resp.Tokens.RefreshToken); err != nil {
		return nil, fmt.Errorf("storing registration tokens: %w", err)
	}
	c.logger.Info("registered", "user", resp.User.Email)
	return &resp, nil
}

// Logout revokes the session server-side and clears the local credential.
// A failed revoke is logged and swallowed; local sign-out always succeeds.
func (c *Client) Logout(ctx context.Context) error {
	if c.session.IsAuthenticated() {
		if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil, nil); err != nil {
			c.logger.Warn("server-side logout failed", "error", err)
		}
	}
	return c.session.Clear(ctx)
}
