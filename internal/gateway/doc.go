// Package gateway is the HTTP client for the wellness service of record.
//
// # Overview
//
// Every request the sync engine makes to the server goes through this
// package: authentication, resource creates and fetches, and the guest
// migration upload. The client owns token refresh so callers never see a
// 401 they could have avoided.
//
// # Client Struct
//
// The Client struct is the single entry point:
//
//	type Client struct {
//	    baseURL       string
//	    httpClient    *http.Client
//	    session       *session.Store
//	    notices       *events.Bus[events.Notice]
//	    refreshMargin time.Duration
//	    refresh       singleflight.Group
//	    // ... and more
//	}
//
// # HTTP API
//
// The client speaks to these endpoints:
//
//   - POST /auth/login - Sign in, returns user and token pair
//   - POST /auth/register - Create an account
//   - POST /auth/refresh - Exchange the refresh token for new credentials
//   - POST /auth/logout - Revoke the session server-side
//   - POST/GET /moods - Upload and fetch mood captures
//   - POST/GET /tasks, POST /tasks/{id}/complete - Tasks and completion
//   - POST/GET /journal - Journal entries
//   - POST/GET /conversations, POST /conversations/{id}/messages - Chat threads
//   - POST /guest/migrate - Atomic guest-to-account transfer
//
// # Token Refresh
//
// Refresh is single-flight: any number of requests hitting an expired token
// share one POST /auth/refresh. Before each request the client checks the
// access token's unverified exp claim and refreshes proactively inside the
// margin; a 401 still triggers a reactive refresh plus exactly one retry
// with identical bytes. A refresh rejected with 401 or 403 ends the session
// and publishes a session notice; server errors and network failures leave
// the credentials alone so a later attempt can succeed.
//
// # Error Taxonomy
//
// Callers branch on three shapes:
//
//	gateway.IsOffline(err)         // transport failure, server never judged the request
//	errors.Is(err, ErrSessionExpired)
//	errors.As(err, &apiErr)        // *APIError with Status, Code, Retryable()
//
// # Idempotency
//
// Mutations carry an X-Idempotency-Key header. The queue reuses the same
// key on every replay of a record, so a retry after a lost response cannot
// double-apply.
//
// # Key Files
//
//   - client.go: Client struct, do/attempt, refresh single-flight
//   - auth.go: Login, Register, Logout and the auth wire types
//   - resources.go: Wellness resource calls and the migration bundle
//   - errors.go: ErrOffline, ErrSessionExpired, APIError
package gateway
