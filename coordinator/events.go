package coordinator

import "time"

// Reason says why a session was invalidated.
type Reason string

const (
	// ReasonExpired is used when a refresh failed and the session could not be recovered.
	ReasonExpired Reason = "expired"
	// ReasonLoggedOut is used when the user logged out.
	ReasonLoggedOut Reason = "logged-out"
)

// Invalidated is emitted once per failed refresh, regardless of how many calls were queued.
type Invalidated struct {
	Reason Reason
	Err    error
	At     time.Time
}

// Refreshed is emitted after a successful refresh exchange.
type Refreshed struct {
	Replayed int
	At       time.Time
}
