// ABOUTME: Error taxonomy for the wellness API surface
// ABOUTME: Distinguishes offline, expired session, and server rejection so callers can branch

package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrOffline marks a request that never reached the server.
	ErrOffline = errors.New("offline")

	// ErrSessionExpired means the server rejected the refresh token and the
	// user must authenticate again.
	ErrSessionExpired = errors.New("session expired")
)

// OfflineError carries the transport failure behind the ErrOffline sentinel,
// so callers branch on errors.Is while logs keep the root cause.
type OfflineError struct {
	Cause error
}

func (e *OfflineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("offline: %v", e.Cause)
	}
	return "offline"
}

func (e *OfflineError) Unwrap() error { return e.Cause }

func (e *OfflineError) Is(target error) bool { return target == ErrOffline }

// IsOffline reports whether err means the server was unreachable.
func IsOffline(err error) bool { return errors.Is(err, ErrOffline) }

// APIError represents a non-2xx response from the wellness API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("api error: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error: %s (%d)", e.Code, e.Status)
	}
	if e.Message != "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

// Retryable reports whether the failure is transient. Server faults,
// timeouts, and throttling are worth retrying; other client errors mean the
// request itself is bad and will never succeed.
func (e *APIError) Retryable() bool {
	if e.Status >= 500 {
		return true
	}
	return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

type apiErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
