// Package coordinator serializes credential refreshes. However many calls discover at the same
// time that the access token is no longer usable, exactly one refresh exchange is in flight; the
// calls wait in a queue and are replayed with the new access token, or all failed with the same
// error when the exchange fails.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/alitto/pond"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/common/reporting"
	"github.com/getlantern/authkeeper/event"
	"github.com/getlantern/authkeeper/store"
	"github.com/getlantern/authkeeper/token"
	"github.com/getlantern/authkeeper/traces"
)

const tracerName = "github.com/getlantern/authkeeper/coordinator"

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("coordinator closed")

// State of the coordinator.
type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// Exchanger performs the refresh exchange against the backend. It must not go through the
// intercepted transport.
type Exchanger interface {
	Refresh(ctx context.Context, refresh token.Token) (token.Pair, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, refresh token.Token) (token.Pair, error)

func (f ExchangerFunc) Refresh(ctx context.Context, refresh token.Token) (token.Pair, error) {
	return f(ctx, refresh)
}

type Options struct {
	Store     store.Store
	Exchanger Exchanger
	Evaluator token.Evaluator
	// RefreshTimeout bounds a single exchange. A timeout is a failed refresh.
	RefreshTimeout time.Duration
	// ReplayWorkers bounds how many queued calls are replayed concurrently.
	ReplayWorkers int
}

// Coordinator owns the refresh state machine. The state, the queue and every write of the
// credential pair are guarded by mu.
type Coordinator struct {
	store          store.Store
	exchanger      Exchanger
	evaluator      token.Evaluator
	refreshTimeout time.Duration

	mu    sync.Mutex
	state State
	queue []*PendingCall
	// generation changes whenever credentials are replaced outside a refresh (login, logout).
	// A refresh that started under an older generation must not write its result.
	generation uint64
	closed     bool
	inflight   sync.WaitGroup

	pool        *pond.WorkerPool
	invalidated *event.Handler[Invalidated]
	refreshed   *event.Handler[Refreshed]
	metrics     *metrics
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if opts.Exchanger == nil {
		return nil, errors.New("coordinator: exchanger is required")
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = common.DefaultRefreshTimeout
	}
	if opts.ReplayWorkers <= 0 {
		opts.ReplayWorkers = 8
	}
	return &Coordinator{
		store:          opts.Store,
		exchanger:      opts.Exchanger,
		evaluator:      opts.Evaluator,
		refreshTimeout: opts.RefreshTimeout,
		pool:           pond.New(opts.ReplayWorkers, 1024, pond.PanicHandler(reporting.PanicHandler)),
		invalidated:    event.NewHandler[Invalidated](),
		refreshed:      event.NewHandler[Refreshed](),
		metrics:        newMetrics(),
	}, nil
}

// Defer hands a call that needs a fresh access token to the coordinator and blocks until it is
// settled. used is the access token the call was (or would have been) sent with.
//
// If no refresh is running and the stored access token has already moved on from used, the call
// is replayed right away with the stored token. Otherwise the call is queued and, if it is the
// first one, a refresh exchange is started.
func (c *Coordinator) Defer(ctx context.Context, used token.Token, call Call) (*http.Response, error) {
	if call == nil {
		return nil, errors.New("coordinator: nil call")
	}
	p, current, err := c.enqueue(ctx, used, call)
	if err != nil {
		return nil, err
	}
	if p == nil {
		slog.Debug("Access token already refreshed, replaying without refresh", "token", current)
		return call.Replay(ctx, current)
	}
	r := c.wait(ctx, p)
	return r.Response, r.Err
}

// Refresh runs (or joins) a refresh exchange. It returns nil once new credentials are stored,
// or an error matching common.ErrRefreshFailed.
func (c *Coordinator) Refresh(ctx context.Context) error {
	p, _, err := c.enqueue(ctx, "", nil)
	if err != nil {
		return err
	}
	return c.wait(ctx, p).Err
}

func (c *Coordinator) enqueue(ctx context.Context, used token.Token, call Call) (*PendingCall, token.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, "", ErrClosed
	}
	if c.state == Idle && call != nil {
		pair, ok, err := c.store.Get(ctx)
		if err == nil && ok && !pair.Access.Empty() && pair.Access != used && !c.evaluator.IsExpired(pair.Access) {
			return nil, pair.Access, nil
		}
	}
	p := newPendingCall(ctx, call)
	c.queue = append(c.queue, p)
	c.metrics.queueDelta(ctx, 1)
	slog.Debug("Queued call behind refresh", "id", p.id, "queued", len(c.queue), "state", c.state)
	if c.state == Idle {
		c.state = Refreshing
		c.inflight.Add(1)
		go c.refresh(c.generation)
	}
	return p, "", nil
}

func (c *Coordinator) wait(ctx context.Context, p *PendingCall) Result {
	select {
	case r := <-p.done:
		return r
	case <-ctx.Done():
		if c.remove(p) {
			slog.Debug("Queued call cancelled", "id", p.id, "error", ctx.Err())
			return Result{Err: ctx.Err()}
		}
		// already dequeued; its replay runs on ctx and settles promptly
		return <-p.done
	}
}

// remove drops p from the queue if it is still there.
func (c *Coordinator) remove(p *PendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.queue, p)
	if i < 0 {
		return false
	}
	c.queue = slices.Delete(c.queue, i, i+1)
	c.metrics.queueDelta(context.Background(), -1)
	return p.abandon()
}

func (c *Coordinator) refresh(generation uint64) {
	defer c.inflight.Done()
	defer reporting.Recover("refresh")

	// The exchange is detached from the callers: one of them cancelling must not cancel it.
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "refresh")
	defer span.End()

	start := time.Now()
	pair, err := c.exchange(ctx)
	c.metrics.refreshDone(ctx, start, err)

	c.mu.Lock()
	stale := c.generation != generation
	switch {
	case stale:
		// login or logout replaced the credentials while the exchange was running
		pair, err = c.currentLocked(ctx)
	case err == nil:
		if serr := c.store.Set(ctx, pair); serr != nil {
			slog.Warn("Failed to persist refreshed credentials", "error", serr)
		}
	default:
		if cerr := c.clearLocked(ctx); cerr != nil {
			slog.Warn("Failed to clear credentials after failed refresh", "error", cerr)
		}
	}
	queue := c.queue
	c.queue = nil
	c.state = Idle
	c.metrics.queueDelta(ctx, -len(queue))
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("queued", len(queue)), attribute.Bool("stale", stale))
	if err != nil {
		failure := fmt.Errorf("%w: %w", common.ErrSessionExpired, fmt.Errorf("%w: %w", common.ErrRefreshFailed, err))
		traces.RecordError(ctx, failure)
		for _, p := range queue {
			p.settle(Result{Err: failure})
		}
		if !stale {
			slog.Info("Refresh failed, session invalidated", "queued", len(queue), "error", err)
			c.invalidated.Emit(Invalidated{Reason: ReasonExpired, Err: failure, At: time.Now()})
		}
		return
	}
	slog.Debug("Refresh succeeded", "queued", len(queue), "duration", time.Since(start))
	c.dispatch(queue, pair.Access)
	if !stale {
		c.refreshed.Emit(Refreshed{Replayed: len(queue), At: time.Now()})
	}
}

func (c *Coordinator) exchange(ctx context.Context) (token.Pair, error) {
	current, ok, err := c.store.Get(ctx)
	if err != nil {
		return token.Pair{}, fmt.Errorf("reading refresh token: %w", err)
	}
	if !ok || current.Refresh.Empty() {
		return token.Pair{}, common.ErrNoRefreshToken
	}
	next, err := c.exchanger.Refresh(ctx, current.Refresh)
	if err != nil {
		return token.Pair{}, err
	}
	if next.Access.Empty() {
		return token.Pair{}, errors.New("refresh response carried no access token")
	}
	if next.Refresh.Empty() {
		// the backend does not rotate refresh tokens
		next.Refresh = current.Refresh
	}
	return next, nil
}

// currentLocked returns whatever credentials were installed while a stale refresh was running.
func (c *Coordinator) currentLocked(ctx context.Context) (token.Pair, error) {
	pair, ok, err := c.store.Get(ctx)
	if err != nil {
		return token.Pair{}, err
	}
	if !ok || pair.Access.Empty() {
		return token.Pair{}, common.ErrNotLoggedIn
	}
	return pair, nil
}

func (c *Coordinator) clearLocked(ctx context.Context) error {
	return errors.Join(c.store.Clear(ctx), c.store.ClearProfile(ctx))
}

// dispatch replays the queue on the worker pool. Each replay is started only after the one
// queued before it has started, so calls reach the network in arrival order; they still run
// concurrently after that.
func (c *Coordinator) dispatch(queue []*PendingCall, access token.Token) {
	for _, p := range queue {
		if p.call == nil {
			p.settle(Result{})
			continue
		}
		started := make(chan struct{})
		markStarted := sync.OnceFunc(func() { close(started) })
		c.pool.Submit(func() {
			defer markStarted()
			defer func() {
				if r := recover(); r != nil {
					reporting.PanicHandler(r)
					p.settle(Result{Err: fmt.Errorf("replaying call %s: panic: %v", p.id, r)})
				}
			}()
			if err := p.ctx.Err(); err != nil {
				p.settle(Result{Err: err})
				return
			}
			c.metrics.replay(p.ctx)
			markStarted()
			resp, err := p.call.Replay(p.ctx, access)
			if !p.settle(Result{Response: resp, Err: err}) && resp != nil {
				resp.Body.Close()
			}
		})
		<-started
	}
}

// Install replaces the stored credentials outside of a refresh, e.g. after login. A refresh
// that is running concurrently will not overwrite them.
func (c *Coordinator) Install(ctx context.Context, pair token.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return c.store.Set(ctx, pair)
}

// Clear removes the stored credentials and profile outside of a refresh, e.g. on logout.
// It is idempotent.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return c.clearLocked(ctx)
}

// CredentialsChanged tells the coordinator that the stored credentials were replaced from
// outside, e.g. by another process writing the credentials file. A refresh that is running will
// not overwrite them; its queued calls are replayed with the new credentials.
func (c *Coordinator) CredentialsChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refreshing reports whether an exchange is in flight.
func (c *Coordinator) Refreshing() bool {
	return c.State() == Refreshing
}

// QueueLen returns the number of calls waiting for the current exchange.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// OnInvalidated subscribes to session invalidation. It fires once per failed refresh.
func (c *Coordinator) OnInvalidated(cb func(Invalidated)) *event.Subscription[Invalidated] {
	return c.invalidated.Subscribe(cb)
}

// OnRefreshed subscribes to successful refreshes.
func (c *Coordinator) OnRefreshed(cb func(Refreshed)) *event.Subscription[Refreshed] {
	return c.refreshed.Subscribe(cb)
}

// Close rejects new calls, waits for a running exchange to settle its queue and for queued
// replays to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.inflight.Wait()
	c.pool.StopAndWait()
	c.invalidated.Wait()
	c.refreshed.Wait()
}
