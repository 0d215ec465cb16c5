package authkeeper

import (
	"time"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/coordinator"
)

// State of the session as seen by the application.
type State int

const (
	// Anonymous: no credentials are stored.
	Anonymous State = iota
	// Authenticating: a login or registration is in progress.
	Authenticating
	// Authenticated: credentials are stored and no refresh is running.
	Authenticated
	// Refreshing: a refresh exchange is in flight; calls are being queued behind it.
	Refreshing
	// Expired: anonymous because the last refresh failed.
	Expired
)

var stateNames = [...]string{"anonymous", "authenticating", "authenticated", "refreshing", "expired"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Reason says why a session ended.
type Reason = coordinator.Reason

const (
	ReasonExpired   = coordinator.ReasonExpired
	ReasonLoggedOut = coordinator.ReasonLoggedOut
)

// Session is a snapshot of the session.
type Session struct {
	State   State
	Profile *common.Profile
	// Reason is set when the session is anonymous because it ended.
	Reason Reason
}

// Valid reports whether the session holds credentials.
func (s Session) Valid() bool {
	return s.State == Authenticated || s.State == Refreshing
}

// Invalidated is emitted when a session ends, either because the user logged out or because the
// credentials could not be refreshed.
type Invalidated struct {
	Reason Reason
	Err    error
	// RedirectTo is where the user should be sent to authenticate again.
	RedirectTo string
	At         time.Time
}
