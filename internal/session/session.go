// ABOUTME: Session store owning the access/refresh credential pair and guest profile
// ABOUTME: Persists tokens through the durable store and tracks access-token expiry

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mjwellness/mjsync/internal/store"
)

// GuestProfile is the local profile used before an account exists. It rides
// along in the migration bundle when the guest signs up.
type GuestProfile struct {
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store owns the credential pair. All mutation is funneled through SetTokens
// and Clear; no other component touches the token keys. Once a login has
// succeeded the store never holds an access token without a matching refresh
// token.
type Store struct {
	mu      sync.RWMutex
	access  string
	refresh string
	expiry  time.Time // zero when the access token has no readable exp claim

	st     *store.Store
	logger *slog.Logger
}

// New creates a session store backed by st. Call Load to restore persisted
// credentials.
func New(st *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		st:     st,
		logger: logger.With("component", "session"),
	}
}

// Load restores persisted tokens and repairs any partial credential state
// left by a crash between the two token writes.
func (s *Store) Load(ctx context.Context) error {
	access, err := s.st.Get(ctx, store.KeyAccessToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading access token: %w", err)
	}
	refresh, err := s.st.Get(ctx, store.KeyRefreshToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading refresh token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = string(access)
	s.refresh = string(refresh)

	// An access token with no refresh token cannot be renewed and violates
	// the credential invariant; drop it rather than limp along.
	if s.access != "" && s.refresh == "" {
		s.logger.Warn("dropping orphaned access token without refresh token")
		s.access = ""
		if err := s.st.Delete(ctx, store.KeyAccessToken); err != nil {
			return fmt.Errorf("removing orphaned access token: %w", err)
		}
	}

	s.expiry = parseExpiry(s.access)
	return nil
}

// AccessToken returns the current access token, or "" for a guest session.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// IsAuthenticated reports whether a credential pair is present.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access != ""
}

// SetTokens stores a new credential pair and persists both halves. Both
// tokens are required; an access token without a refresh token breaks the
// renewal invariant.
func (s *Store) SetTokens(ctx context.Context, access, refresh string) error {
	if access == "" {
		return fmt.Errorf("access token must not be empty")
	}
	if refresh == "" {
		return fmt.Errorf("refresh token must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Persist refresh first: if we crash between writes, Load finds a
	// refresh token without an access token, which is recoverable.
	if err := s.st.Put(ctx, store.KeyRefreshToken, []byte(refresh)); err != nil {
		return fmt.Errorf("persisting refresh token: %w", err)
	}
	if err := s.st.Put(ctx, store.KeyAccessToken, []byte(access)); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}

	s.access = access
	s.refresh = refresh
	s.expiry = parseExpiry(access)

	s.logger.Debug("credentials updated", "expires_at", s.expiry)
	return nil
}

// Clear destroys the credential pair, both in memory and on disk.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = ""
	s.refresh = ""
	s.expiry = time.Time{}

	if err := s.st.Delete(ctx, store.KeyAccessToken); err != nil {
		return fmt.Errorf("removing access token: %w", err)
	}
	if err := s.st.Delete(ctx, store.KeyRefreshToken); err != nil {
		return fmt.Errorf("removing refresh token: %w", err)
	}

	s.logger.Info("credentials cleared")
	return nil
}

// TokenExpiry returns the access token's expiry, or the zero time when the
// token is opaque or absent.
func (s *Store) TokenExpiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// NeedsRefresh reports whether the access token expires within margin.
// Opaque tokens always report false; their staleness is only discoverable
// through an authorization failure.
func (s *Store) NeedsRefresh(margin time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.access == "" || s.expiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(s.expiry)
}

// GuestProfile returns the stored guest profile, or nil when none exists.
func (s *Store) GuestProfile(ctx context.Context) (*GuestProfile, error) {
	var p GuestProfile
	err := s.st.GetJSON(ctx, store.KeyGuestProfile, &p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading guest profile: %w", err)
	}
	return &p, nil
}

// SetGuestProfile persists the guest profile.
func (s *Store) SetGuestProfile(ctx context.Context, p *GuestProfile) error {
	if err := s.st.PutJSON(ctx, store.KeyGuestProfile, p); err != nil {
		return fmt.Errorf("persisting guest profile: %w", err)
	}
	return nil
}

// parseExpiry extracts the exp claim from a JWT access token without
// verifying its signature (the server is the verifier; we only schedule
// around expiry). Returns the zero time for opaque or malformed tokens.
func parseExpiry(tokenString string) time.Time {
	if tokenString == "" {
		return time.Time{}
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
