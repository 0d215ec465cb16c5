package authkeeper

import (
	"net/url"
	"slices"
	"strings"
)

const LoginPath = "/login"

var (
	// PublicRoutes can be visited without a session.
	PublicRoutes = []string{"/", "/login", "/register"}
	// AuthRoutes are pointless with a session; authenticated users are sent home instead.
	AuthRoutes = []string{"/login", "/register"}
	// HomePath is where authenticated users land.
	HomePath = "/dashboard"
)

// RequiresLogin reports whether path needs an authenticated session. Paths under /_next are
// framework assets and never need one.
func RequiresLogin(path string, publicRoutes []string) bool {
	if strings.HasPrefix(path, "/_next") {
		return false
	}
	return !slices.Contains(publicRoutes, path)
}

// Redirect decides where a navigation to path should go. It returns "" when the navigation may
// proceed.
func Redirect(path string, authenticated bool) string {
	switch {
	case authenticated && slices.Contains(AuthRoutes, path):
		return HomePath
	case !authenticated && RequiresLogin(path, PublicRoutes):
		return LoginPath + "?" + url.Values{"from": {path}}.Encode()
	default:
		return ""
	}
}

// LoginRedirect is the login page to show after a session ended for reason.
func LoginRedirect(reason Reason) string {
	if reason == ReasonExpired {
		return LoginPath + "?expired=true"
	}
	return LoginPath
}
