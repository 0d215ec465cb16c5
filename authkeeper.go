// Package authkeeper manages a client-side credential session against an authentication backend.
// It stores an access and a refresh token, authenticates outgoing requests, and recovers from an
// expired access token by refreshing it exactly once, however many requests notice at the same
// time. Requests waiting for the refresh are replayed with the new token, or all failed with
// [common.ErrSessionExpired] when the refresh fails.
package authkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"

	"github.com/getlantern/authkeeper/backend"
	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/config"
	"github.com/getlantern/authkeeper/coordinator"
	"github.com/getlantern/authkeeper/event"
	"github.com/getlantern/authkeeper/interceptor"
	"github.com/getlantern/authkeeper/store"
	"github.com/getlantern/authkeeper/telemetry"
	"github.com/getlantern/authkeeper/token"
	"github.com/getlantern/authkeeper/traces"
)

const tracerName = "github.com/getlantern/authkeeper"

type Options struct {
	Config *config.Config
	// Store replaces the store described by Config.
	Store store.Store
	// Transport replaces the base transport every backend request is sent on.
	Transport http.RoundTripper
	// Now is the clock used to decide whether an access token has expired.
	Now func() time.Time
}

// Controller owns a session: its store, the backend client, the refresh coordinator and the
// authenticating transport.
type Controller struct {
	store     store.Store
	backend   *backend.Client
	coord     *coordinator.Coordinator
	evaluator token.Evaluator

	// remote logouts still in flight
	background     sync.WaitGroup
	requestTimeout time.Duration

	mu             sync.Mutex
	authenticating int
	reason         Reason

	invalidated *event.Handler[Invalidated]
	validated   *event.Handler[Session]

	shutdownFuncs []func(context.Context) error
	closeOnce     sync.Once
	closeErr      error
}

// New builds a Controller from opts. The returned Controller starts anonymous or with whatever
// credentials the store already holds; call Check to validate them.
func New(ctx context.Context, opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = openStore(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to open credential store: %w", err)
		}
	}
	c := &Controller{
		store:          st,
		evaluator:      token.Evaluator{Leeway: cfg.ExpiryLeeway, Now: opts.Now},
		requestTimeout: cfg.RequestTimeout,
		invalidated:    event.NewHandler[Invalidated](),
		validated:      event.NewHandler[Session](),
	}
	if opts.Store == nil {
		c.addShutdownFunc(func(context.Context) error { return st.Close() })
	}

	bc, err := backend.New(backend.Options{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.RequestTimeout,
		RetryMax:  cfg.RetryMax,
		Paths:     cfg.Paths,
		Transport: opts.Transport,
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.backend = bc

	coord, err := coordinator.New(coordinator.Options{
		Store:          st,
		Exchanger:      bc,
		Evaluator:      c.evaluator,
		RefreshTimeout: cfg.RefreshTimeout,
		ReplayWorkers:  cfg.ReplayWorkers,
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.coord = coord
	// the coordinator is closed before the store
	c.shutdownFuncs = append([]func(context.Context) error{func(context.Context) error {
		coord.Close()
		return nil
	}}, c.shutdownFuncs...)

	bc.Authenticate(&interceptor.Transport{
		Base:        bc.BaseTransport(),
		Store:       st,
		Coordinator: coord,
		Evaluator:   c.evaluator,
		Bypass:      bc.Paths().Unauthenticated(),
	})
	coord.OnInvalidated(c.onExpired)

	if fs, ok := st.(*store.FileStore); ok && opts.Store == nil && cfg.Store.Watch {
		if err := fs.Watch(func() {
			slog.Debug("Credentials changed on disk", "path", fs.Path())
			coord.CredentialsChanged()
		}); err != nil {
			slog.Warn("Failed to watch credentials file", "path", fs.Path(), "error", err)
		}
	}

	stopObserving := telemetry.ObserveSession(stateNames[:], func() string {
		return c.CurrentSession().State.String()
	})
	c.addShutdownFunc(func(context.Context) error {
		stopObserving()
		return nil
	})
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case store.KindMemory:
		return store.NewMemoryStore(), nil
	case store.KindRedis:
		return store.NewRedisStore(ctx, cfg.Store.Redis)
	default:
		if cfg.Store.Path == "" && cfg.DataDir == "" {
			dataDir, _, err := common.SetupDirectories("", "")
			if err != nil {
				return nil, err
			}
			cfg.DataDir = dataDir
		}
		return store.NewFileStore(cfg.CredentialsPath())
	}
}

// addShutdownFunc adds a shutdown function(s) to the Controller. They run in order on Close.
func (c *Controller) addShutdownFunc(fns ...func(context.Context) error) {
	for _, fn := range fns {
		if fn != nil {
			c.shutdownFuncs = append(c.shutdownFuncs, fn)
		}
	}
}

func (c *Controller) shutdown() error {
	var errs error
	for _, fn := range c.shutdownFuncs {
		if err := fn(context.Background()); err != nil {
			slog.Error("Failed to shutdown", "error", err)
			errs = errors.Join(errs, err)
		}
	}
	c.shutdownFuncs = nil
	return errs
}

// Close stops the coordinator, waiting for a running refresh and its replays, and releases the
// store. Event callbacks that are still running are waited for.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		slog.Debug("Closing authkeeper")
		c.background.Wait()
		c.closeErr = c.shutdown()
		c.invalidated.Wait()
		c.validated.Wait()
	})
	return c.closeErr
}

func (c *Controller) onExpired(evt coordinator.Invalidated) {
	c.mu.Lock()
	c.reason = ReasonExpired
	c.mu.Unlock()
	slog.Info("Session expired", "error", evt.Err)
	c.invalidated.Emit(Invalidated{
		Reason:     ReasonExpired,
		Err:        evt.Err,
		RedirectTo: LoginRedirect(ReasonExpired),
		At:         evt.At,
	})
}

// OnInvalidated subscribes to the end of sessions. It fires once per logout of a live session and
// once per failed refresh, however many calls were waiting for it.
func (c *Controller) OnInvalidated(cb func(Invalidated)) *event.Subscription[Invalidated] {
	return c.invalidated.Subscribe(cb)
}

// OnValidated subscribes to sessions becoming valid through login, registration or Check.
func (c *Controller) OnValidated(cb func(Session)) *event.Subscription[Session] {
	return c.validated.Subscribe(cb)
}

func (c *Controller) beginAuthenticating() func() {
	c.mu.Lock()
	c.authenticating++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.authenticating--
		c.mu.Unlock()
	}
}

// CurrentSession returns a snapshot of the session.
func (c *Controller) CurrentSession() Session {
	c.mu.Lock()
	authenticating, reason := c.authenticating > 0, c.reason
	c.mu.Unlock()

	ctx := context.Background()
	pair, ok, err := c.store.Get(ctx)
	if err != nil {
		slog.Warn("Failed to read credentials, treating session as anonymous", "error", err)
		ok = false
	}
	switch {
	case authenticating:
		return Session{State: Authenticating}
	case !ok || pair.Access.Empty():
		if reason == ReasonExpired {
			return Session{State: Expired, Reason: reason}
		}
		return Session{State: Anonymous, Reason: reason}
	}
	sess := Session{State: Authenticated}
	if c.coord.Refreshing() {
		sess.State = Refreshing
	}
	if sess.Profile, err = c.store.Profile(ctx); err != nil {
		slog.Warn("Failed to read cached profile", "error", err)
	}
	return sess
}

// Login authenticates with creds, stores the credentials and the user's profile, and returns the
// profile. Rejected credentials are reported as common.ErrInvalidCredentials. Nothing is stored
// unless the whole login succeeds.
func (c *Controller) Login(ctx context.Context, creds common.Credentials) (*common.Profile, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "login")
	defer span.End()
	defer c.beginAuthenticating()()

	auth, err := c.backend.Login(ctx, creds)
	if err != nil {
		return nil, traces.RecordError(ctx, fmt.Errorf("login failed: %w", err))
	}
	return c.establish(ctx, auth)
}

// Register creates an account and logs into it.
func (c *Controller) Register(ctx context.Context, reg common.Registration) (*common.Profile, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "register")
	defer span.End()
	defer c.beginAuthenticating()()

	auth, err := c.backend.Register(ctx, reg)
	if err != nil {
		return nil, traces.RecordError(ctx, fmt.Errorf("registration failed: %w", err))
	}
	return c.establish(ctx, auth)
}

// establish installs freshly issued credentials and completes the session with the profile.
func (c *Controller) establish(ctx context.Context, auth *backend.Auth) (*common.Profile, error) {
	if err := c.coord.Install(ctx, auth.Pair); err != nil {
		return nil, traces.RecordError(ctx, fmt.Errorf("failed to store credentials: %w", err))
	}
	profile, err := c.backend.Me(ctx)
	if err != nil {
		if auth.Profile == nil {
			if cerr := c.coord.Clear(ctx); cerr != nil {
				slog.Warn("Failed to clear credentials", "error", cerr)
			}
			return nil, traces.RecordError(ctx, fmt.Errorf("failed to fetch profile: %w", err))
		}
		slog.Debug("Using the profile returned by the backend", "error", err)
		profile = auth.Profile
	}
	if err := c.store.SetProfile(ctx, profile); err != nil {
		slog.Warn("Failed to cache profile", "error", err)
	}

	c.mu.Lock()
	c.reason = ""
	c.mu.Unlock()
	slog.Info("Logged in", "user", profile.ID)
	c.validated.Emit(Session{State: Authenticated, Profile: profile})
	return profile, nil
}

// Logout ends the session. The local credentials are cleared right away; the backend is told in
// the background on a best effort basis, so a slow or unreachable backend never delays logout.
// Logging out without a session is a no-op.
func (c *Controller) Logout(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "logout")
	defer span.End()

	pair, ok, err := c.store.Get(ctx)
	if err != nil {
		slog.Warn("Failed to read credentials before logout", "error", err)
	}
	hadSession := ok && !pair.Access.Empty()
	clearErr := c.coord.Clear(ctx)

	c.mu.Lock()
	c.reason = ReasonLoggedOut
	c.mu.Unlock()
	if hadSession {
		slog.Info("Logged out")
		c.invalidated.Emit(Invalidated{
			Reason:     ReasonLoggedOut,
			RedirectTo: LoginRedirect(ReasonLoggedOut),
			At:         time.Now(),
		})
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
			defer cancel()
			if err := c.backend.Logout(remoteCtx, pair.Access); err != nil {
				slog.Warn("Logout request failed", "error", err)
			}
		}()
	}
	if clearErr != nil {
		return traces.RecordError(ctx, fmt.Errorf("failed to clear credentials: %w", clearErr))
	}
	return nil
}

// RefreshSession reports whether the session is usable, refreshing the access token first if it
// has expired. A successful refresh also refreshes the cached profile.
func (c *Controller) RefreshSession(ctx context.Context) bool {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "refresh_session")
	defer span.End()

	pair, ok, err := c.store.Get(ctx)
	if err != nil {
		slog.Warn("Failed to read credentials", "error", err)
		return false
	}
	if ok && !pair.Access.Empty() && !c.evaluator.IsExpired(pair.Access) {
		return true
	}
	if !ok || pair.Refresh.Empty() {
		return false
	}
	if err := c.coord.Refresh(ctx); err != nil {
		traces.RecordError(ctx, err)
		return false
	}
	profile, err := c.backend.Me(ctx)
	if err != nil {
		slog.Warn("Failed to fetch profile after refresh", "error", err)
		return false
	}
	if err := c.store.SetProfile(ctx, profile); err != nil {
		slog.Warn("Failed to cache profile", "error", err)
	}
	return true
}

// TokenStatus reports whether a usable access token is available: false without one, the outcome
// of RefreshSession when it has expired, true otherwise.
func (c *Controller) TokenStatus(ctx context.Context) bool {
	pair, ok, err := c.store.Get(ctx)
	if err != nil || !ok || pair.Access.Empty() {
		return false
	}
	if c.evaluator.IsExpired(pair.Access) {
		return c.RefreshSession(ctx)
	}
	return true
}

// Check validates stored credentials, typically at startup. A valid token is confirmed by
// fetching the profile; an expired one is refreshed. Credentials the backend rejects are cleared;
// a backend that cannot be reached leaves them in place.
func (c *Controller) Check(ctx context.Context) Session {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "check")
	defer span.End()

	pair, ok, err := c.store.Get(ctx)
	if err != nil {
		slog.Warn("Failed to read credentials, treating session as anonymous", "error", err)
		return Session{State: Anonymous}
	}
	if !ok || pair.Access.Empty() {
		return c.CurrentSession()
	}

	if c.evaluator.IsExpired(pair.Access) {
		if !c.RefreshSession(ctx) {
			if err := c.coord.Clear(ctx); err != nil {
				slog.Warn("Failed to clear credentials", "error", err)
			}
			return c.CurrentSession()
		}
	} else {
		profile, err := c.backend.Me(ctx)
		switch {
		case err == nil:
			if err := c.store.SetProfile(ctx, profile); err != nil {
				slog.Warn("Failed to cache profile", "error", err)
			}
		case rejected(err):
			slog.Info("Stored credentials were rejected", "error", err)
			if err := c.coord.Clear(ctx); err != nil {
				slog.Warn("Failed to clear credentials", "error", err)
			}
			return c.CurrentSession()
		default:
			slog.Warn("Could not confirm session", "error", err)
			traces.RecordError(ctx, err)
		}
	}
	sess := c.CurrentSession()
	if sess.Valid() {
		c.validated.Emit(sess)
	}
	return sess
}

// rejected reports whether err means the backend refused the credentials, as opposed to not
// being reachable.
func rejected(err error) bool {
	if errors.Is(err, common.ErrSessionExpired) || errors.Is(err, common.ErrUnauthorized) {
		return true
	}
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}

// ValidateToken asks the backend whether the stored access token is valid.
func (c *Controller) ValidateToken(ctx context.Context) (bool, error) {
	pair, ok, err := c.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if !ok || pair.Access.Empty() {
		return false, nil
	}
	return c.backend.ValidateToken(ctx, pair.Access)
}

// UpdateProfile updates the user's profile and caches the result.
func (c *Controller) UpdateProfile(ctx context.Context, update common.ProfileUpdate) (*common.Profile, error) {
	if !c.CurrentSession().Valid() {
		return nil, common.ErrNotLoggedIn
	}
	profile, err := c.backend.UpdateProfile(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if err := c.store.SetProfile(ctx, profile); err != nil {
		slog.Warn("Failed to cache profile", "error", err)
	}
	return profile, nil
}

// Client returns an HTTP client whose requests are authenticated with the session's access token
// and replayed once after a refresh when the token is rejected.
func (c *Controller) Client() *http.Client {
	return c.backend.HTTPClient()
}

// Do sends an authenticated request to path, relative to the backend's base URL.
func (c *Controller) Do(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	return c.backend.Do(ctx, method, path, body)
}

// Get is Do with a GET request and no body.
func (c *Controller) Get(ctx context.Context, path string) (*resty.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}
