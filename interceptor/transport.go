// Package interceptor attaches the stored access token to outgoing requests and hands requests
// whose token is expired or rejected to the refresh coordinator.
package interceptor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"moul.io/http2curl"

	"github.com/getlantern/authkeeper/coordinator"
	"github.com/getlantern/authkeeper/internal"
	"github.com/getlantern/authkeeper/store"
	"github.com/getlantern/authkeeper/token"
)

const (
	AuthorizationHeader = "Authorization"
	RequestIDHeader     = "X-Request-Id"
)

// Deferrer queues a call behind a refresh exchange. *coordinator.Coordinator implements it.
type Deferrer interface {
	Defer(ctx context.Context, used token.Token, call coordinator.Call) (*http.Response, error)
}

// Transport is an http.RoundTripper that authenticates requests with the stored access token.
//
// A request is sent at most twice: once with the token it found and, if that token was
// rejected, once more with the refreshed token. The second attempt goes straight to Base and is
// never handed back to the coordinator.
type Transport struct {
	// Base sends the requests. Defaults to http.DefaultTransport.
	Base        http.RoundTripper
	Store       store.Store
	Coordinator Deferrer
	Evaluator   token.Evaluator
	// Bypass lists path suffixes that are forwarded untouched, such as the login and refresh
	// endpoints. Requests to them are never authenticated, deferred or retried.
	Bypass []string
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) bypassed(req *http.Request) bool {
	for _, p := range t.Bypass {
		if p != "" && strings.HasSuffix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.bypassed(req) {
		return t.base().RoundTrip(req)
	}
	ctx := req.Context()
	pair, ok, err := t.Store.Get(ctx)
	if err != nil {
		slog.Warn("Credential store unavailable, sending request anonymously", "error", err)
		ok = false
	}
	if !ok || pair.Access.Empty() {
		// nothing to refresh: a 401 here is the caller's to handle
		return t.send(req, "")
	}
	if t.Evaluator.IsExpired(pair.Access) {
		slog.Debug("Access token expired, deferring request until refreshed", "url", req.URL.Path)
		return t.Coordinator.Defer(ctx, pair.Access, t.replay(req, false))
	}

	resp, err := t.send(req, pair.Access)
	if Classify(resp, err) != OutcomeUnauthorized {
		return resp, err
	}
	if !rewindable(req) {
		slog.Debug("Request body cannot be rewound, returning 401 as is", "url", req.URL.Path)
		return resp, nil
	}
	discard(resp)
	slog.Debug("Access token rejected, deferring request until refreshed", "url", req.URL.Path)
	return t.Coordinator.Defer(ctx, pair.Access, t.replay(req, true))
}

// replay returns the deferred form of req. rewind is set when req was already sent and its body
// has to be recreated.
func (t *Transport) replay(req *http.Request, rewind bool) coordinator.Call {
	return coordinator.CallFunc(func(ctx context.Context, access token.Token) (*http.Response, error) {
		r := req.WithContext(ctx)
		if rewind && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r = r.Clone(ctx)
			r.Body = body
		}
		return t.send(r, access)
	})
}

func (t *Transport) send(req *http.Request, access token.Token) (*http.Response, error) {
	r := req.Clone(req.Context())
	if !access.Empty() {
		r.Header.Set(AuthorizationHeader, "Bearer "+string(access))
	}
	if r.Header.Get(RequestIDHeader) == "" {
		r.Header.Set(RequestIDHeader, uuid.NewString())
	}
	logCurl(r)
	return t.base().RoundTrip(r)
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// logCurl logs req as a curl command at trace level, with the token masked.
func logCurl(req *http.Request) {
	ctx := req.Context()
	if !slog.Default().Enabled(ctx, internal.LevelTrace) {
		return
	}
	r := req.Clone(ctx)
	r.Body = nil
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			r.Body = body
		}
	}
	if auth := r.Header.Get(AuthorizationHeader); auth != "" {
		r.Header.Set(AuthorizationHeader, "Bearer "+token.Mask(strings.TrimPrefix(auth, "Bearer ")))
	}
	cmd, err := http2curl.GetCurlCommand(r)
	if err != nil {
		return
	}
	slog.Log(ctx, internal.LevelTrace, "Sending request", "curl", cmd.String())
}
