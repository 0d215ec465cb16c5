package common

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is reported when the backend rejects the access credential of a call.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRefreshFailed is terminal for the current session: the refresh exchange failed and the
	// stored credentials have been cleared.
	ErrRefreshFailed = errors.New("refresh failed")
	// ErrSessionExpired is returned to every call that was queued behind a failed refresh.
	ErrSessionExpired = errors.New("session expired")
	// ErrStorage marks non-fatal credential storage failures. Callers degrade to anonymous.
	ErrStorage = errors.New("credential storage failure")
	// ErrInvalidCredentials is returned by login when the backend rejects the given credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoRefreshToken is returned when a refresh is needed but no refresh credential is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrNotLoggedIn is returned by operations that need an authenticated session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int                 `json:"status"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected response status %d", e.Status)
	}
	return fmt.Sprintf("unexpected response status %d: %s", e.Status, e.Message)
}
