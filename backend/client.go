// Package backend talks to the authentication and user endpoints of the backend.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/token"
)

// Paths are the endpoint paths, relative to the base URL.
type Paths struct {
	Login         string `yaml:"login"`
	Register      string `yaml:"register"`
	Refresh       string `yaml:"refresh"`
	Logout        string `yaml:"logout"`
	Me            string `yaml:"me"`
	Profile       string `yaml:"profile"`
	ValidateToken string `yaml:"validateToken"`
}

func DefaultPaths() Paths {
	return Paths{
		Login:         "/api/auth/login",
		Register:      "/api/auth/register",
		Refresh:       "/api/auth/refresh",
		Logout:        "/api/auth/logout",
		Me:            "/api/users/me",
		Profile:       "/api/users/profile",
		ValidateToken: "/api/auth/validate-token",
	}
}

// WithDefaults fills empty paths with their default.
func (p Paths) WithDefaults() Paths {
	d := DefaultPaths()
	for _, f := range []struct{ v, def *string }{
		{&p.Login, &d.Login}, {&p.Register, &d.Register}, {&p.Refresh, &d.Refresh},
		{&p.Logout, &d.Logout}, {&p.Me, &d.Me}, {&p.Profile, &d.Profile},
		{&p.ValidateToken, &d.ValidateToken},
	} {
		if *f.v == "" {
			*f.v = *f.def
		}
	}
	return p
}

// Unauthenticated returns the endpoints that obtain credentials. Requests to them must never be
// authenticated, deferred or replayed by the interceptor.
func (p Paths) Unauthenticated() []string {
	return []string{p.Login, p.Register, p.Refresh}
}

type Options struct {
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
	Paths    Paths
	// Transport replaces the transport built by NewTransport.
	Transport http.RoundTripper
}

// Auth is the result of a login or registration.
type Auth struct {
	Pair token.Pair
	// Profile is nil when the backend did not include the user.
	Profile *common.Profile
}

// Client holds two resty clients sharing one base transport. bare is used for the calls that
// obtain credentials; authed goes through whatever transport Authenticate installs.
type Client struct {
	paths  Paths
	base   http.RoundTripper
	bare   *resty.Client
	authed *resty.Client
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = common.DefaultHTTPTimeout
	}
	base := opts.Transport
	if base == nil {
		base = NewTransport(opts.RetryMax)
	}
	c := &Client{paths: opts.Paths.WithDefaults(), base: base}
	c.bare = newRestyClient(base, opts.BaseURL, opts.Timeout)
	c.authed = newRestyClient(base, opts.BaseURL, opts.Timeout)
	return c, nil
}

func newRestyClient(rt http.RoundTripper, baseURL string, timeout time.Duration) *resty.Client {
	client := resty.NewWithClient(&http.Client{Transport: rt, Timeout: timeout})
	client.SetBaseURL(baseURL)
	client.OnBeforeRequest(stampHeaders)
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		slog.Debug("Backend response",
			"method", resp.Request.Method,
			"url", resp.Request.URL,
			"status", resp.StatusCode(),
			"duration", resp.Time(),
		)
		return nil
	})
	return client
}

// Paths returns the endpoint paths in use.
func (c *Client) Paths() Paths {
	return c.paths
}

// BaseTransport is the transport the authenticating transport should send through.
func (c *Client) BaseTransport() http.RoundTripper {
	return c.base
}

// Authenticate routes the authenticated calls through rt.
func (c *Client) Authenticate(rt http.RoundTripper) {
	c.authed.SetTransport(rt)
}

// HTTPClient returns the underlying client of the authenticated calls.
func (c *Client) HTTPClient() *http.Client {
	return c.authed.GetClient()
}

func (c *Client) post(ctx context.Context, client *resty.Client, path string, body any) (*resty.Response, error) {
	req := client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return resp, nil
}

// Login exchanges credentials for a token pair. A rejection of the credentials is reported as
// common.ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, creds common.Credentials) (*Auth, error) {
	resp, err := c.post(ctx, c.bare, c.paths.Login, creds)
	if err != nil {
		return nil, err
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusBadRequest || code == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidCredentials, decodeAPIError(code, resp.Body()))
	case resp.IsError():
		return nil, decodeAPIError(code, resp.Body())
	}
	return decodeAuth(resp.Body())
}

// Register creates an account and returns its token pair.
func (c *Client) Register(ctx context.Context, reg common.Registration) (*Auth, error) {
	resp, err := c.post(ctx, c.bare, c.paths.Register, reg)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return decodeAuth(resp.Body())
}

func decodeAuth(body []byte) (*Auth, error) {
	res, err := payload(body)
	if err != nil {
		return nil, err
	}
	pair, err := decodePair(res)
	if err != nil {
		return nil, err
	}
	return &Auth{Pair: pair, Profile: decodeProfile(res)}, nil
}

// Refresh exchanges a refresh token for a new pair. It never goes through the authenticating
// transport. The returned pair has an empty Refresh when the backend did not rotate it.
func (c *Client) Refresh(ctx context.Context, refresh token.Token) (token.Pair, error) {
	resp, err := c.post(ctx, c.bare, c.paths.Refresh, map[string]string{"refreshToken": string(refresh)})
	if err != nil {
		return token.Pair{}, err
	}
	if resp.IsError() {
		apiErr := decodeAPIError(resp.StatusCode(), resp.Body())
		if resp.StatusCode() == http.StatusUnauthorized {
			return token.Pair{}, fmt.Errorf("%w: %w", common.ErrUnauthorized, apiErr)
		}
		return token.Pair{}, apiErr
	}
	res, err := payload(resp.Body())
	if err != nil {
		return token.Pair{}, err
	}
	return decodePair(res)
}

// Logout revokes the session on the backend. access is sent as is: a rejected token is not
// refreshed just to log out.
func (c *Client) Logout(ctx context.Context, access token.Token) error {
	req := c.bare.R().SetContext(ctx)
	if !access.Empty() {
		req.SetAuthToken(string(access))
	}
	resp, err := req.Post(c.paths.Logout)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	if resp.IsError() {
		return decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// Me fetches the profile of the authenticated user.
func (c *Client) Me(ctx context.Context) (*common.Profile, error) {
	resp, err := c.authed.R().SetContext(ctx).Get(c.paths.Me)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return profileFrom(resp)
}

// UpdateProfile updates the authenticated user's profile and returns the stored result.
func (c *Client) UpdateProfile(ctx context.Context, update common.ProfileUpdate) (*common.Profile, error) {
	resp, err := c.authed.R().SetContext(ctx).SetBody(update).Put(c.paths.Profile)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return profileFrom(resp)
}

func profileFrom(resp *resty.Response) (*common.Profile, error) {
	if resp.IsError() {
		apiErr := decodeAPIError(resp.StatusCode(), resp.Body())
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", common.ErrUnauthorized, apiErr)
		}
		return nil, apiErr
	}
	res, err := payload(resp.Body())
	if err != nil {
		return nil, err
	}
	p := decodeProfile(res)
	if p == nil {
		return nil, errors.New("response carried no user")
	}
	return p, nil
}

// ValidateToken asks the backend whether tok is still valid. A rejection is reported as
// (false, nil); only transport failures return an error.
func (c *Client) ValidateToken(ctx context.Context, tok token.Token) (bool, error) {
	resp, err := c.post(ctx, c.bare, c.paths.ValidateToken, map[string]string{"token": string(tok)})
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		slog.Debug("Token validation rejected", "status", resp.StatusCode())
		return false, nil
	}
	res, err := payload(resp.Body())
	if err != nil {
		return false, err
	}
	return res.Get("valid").Bool(), nil
}

// Do sends an authenticated request to path and returns the raw response. Non-2xx responses are
// not errors.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	req := c.authed.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return resp, nil
}
