package coordinator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/store"
	"github.com/getlantern/authkeeper/token"
)

func jwtFor(t *testing.T, subject string, ttl time.Duration) token.Token {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return token.Token(s)
}

// gatedExchanger blocks every exchange until release is closed.
type gatedExchanger struct {
	calls   atomic.Int32
	release chan struct{}
	pair    token.Pair
	err     error
}

func newGatedExchanger(pair token.Pair, err error) *gatedExchanger {
	return &gatedExchanger{release: make(chan struct{}), pair: pair, err: err}
}

func (g *gatedExchanger) Refresh(ctx context.Context, _ token.Token) (token.Pair, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return token.Pair{}, ctx.Err()
	}
	return g.pair, g.err
}

type recorder struct {
	mu   sync.Mutex
	seen []token.Token
}

func (r *recorder) call() Call {
	return CallFunc(func(_ context.Context, access token.Token) (*http.Response, error) {
		r.mu.Lock()
		r.seen = append(r.seen, access)
		r.mu.Unlock()
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(string(access))),
		}, nil
	})
}

func (r *recorder) tokens() []token.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]token.Token(nil), r.seen...)
}

func newCoordinator(t *testing.T, st store.Store, ex Exchanger) *Coordinator {
	t.Helper()
	c, err := New(Options{Store: st, Exchanger: ex, RefreshTimeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func seeded(t *testing.T, pair token.Pair) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.Set(context.Background(), pair))
	return st
}

type outcome struct {
	resp *http.Response
	err  error
}

func deferAll(c *Coordinator, n int, used token.Token, call Call) <-chan outcome {
	out := make(chan outcome, n)
	for range n {
		go func() {
			resp, err := c.Defer(context.Background(), used, call)
			out <- outcome{resp, err}
		}()
	}
	return out
}

func TestNewRequiresStoreAndExchanger(t *testing.T) {
	_, err := New(Options{Exchanger: ExchangerFunc(nil)})
	assert.Error(t, err)
	_, err = New(Options{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestConcurrentCallsShareOneRefresh(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
	c := newCoordinator(t, st, ex)
	defer c.Close()

	var refreshed atomic.Int32
	c.OnRefreshed(func(Refreshed) { refreshed.Add(1) })

	rec := &recorder{}
	out := deferAll(c, 3, t1, rec.call())
	require.Eventually(t, func() bool { return c.QueueLen() == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Refreshing())
	close(ex.release)

	for range 3 {
		o := <-out
		require.NoError(t, o.err)
		assert.Equal(t, http.StatusOK, o.resp.StatusCode)
		body, err := io.ReadAll(o.resp.Body)
		require.NoError(t, err)
		assert.Equal(t, string(t2), string(body))
	}
	assert.EqualValues(t, 1, ex.calls.Load())
	assert.Equal(t, []token.Token{t2, t2, t2}, rec.tokens())
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, c.QueueLen())

	pair, ok, err := st.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, token.Pair{Access: t2, Refresh: "r2"}, pair)

	c.Close()
	assert.EqualValues(t, 1, refreshed.Load())
}

func TestFailedRefreshFailsEveryQueuedCall(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	require.NoError(t, st.SetProfile(context.Background(), &common.Profile{ID: "u1"}))
	ex := newGatedExchanger(token.Pair{}, errors.New("refresh token revoked"))
	c := newCoordinator(t, st, ex)

	var invalidations atomic.Int32
	c.OnInvalidated(func(evt Invalidated) {
		assert.Equal(t, ReasonExpired, evt.Reason)
		invalidations.Add(1)
	})

	rec := &recorder{}
	out := deferAll(c, 3, t1, rec.call())
	require.Eventually(t, func() bool { return c.QueueLen() == 3 }, time.Second, 5*time.Millisecond)
	close(ex.release)

	var msgs []string
	for range 3 {
		o := <-out
		require.Error(t, o.err)
		assert.Nil(t, o.resp)
		assert.ErrorIs(t, o.err, common.ErrSessionExpired)
		assert.ErrorIs(t, o.err, common.ErrRefreshFailed)
		msgs = append(msgs, o.err.Error())
	}
	assert.Equal(t, msgs[0], msgs[1])
	assert.Equal(t, msgs[0], msgs[2])
	assert.Empty(t, rec.tokens(), "no call is replayed after a failed refresh")

	_, ok, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	profile, err := st.Profile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, profile)

	c.Close()
	assert.EqualValues(t, 1, invalidations.Load())
}

func TestCallAfterRefreshIsReplayedWithoutRefreshing(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)
	st := seeded(t, token.Pair{Access: t2, Refresh: "r2"})
	ex := newGatedExchanger(token.Pair{}, errors.New("must not be called"))
	c := newCoordinator(t, st, ex)
	defer c.Close()

	rec := &recorder{}
	resp, err := c.Defer(context.Background(), t1, rec.call())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []token.Token{t2}, rec.tokens())
	assert.Zero(t, ex.calls.Load())
}

func TestCallWithCurrentTokenTriggersRefresh(t *testing.T) {
	// The server rejected the stored token even though it has not expired locally.
	t1 := jwtFor(t, "u1", time.Hour)
	t2 := jwtFor(t, "u1", 2*time.Hour)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
	close(ex.release)
	c := newCoordinator(t, st, ex)
	defer c.Close()

	rec := &recorder{}
	resp, err := c.Defer(context.Background(), t1, rec.call())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []token.Token{t2}, rec.tokens())
	assert.EqualValues(t, 1, ex.calls.Load())
}

func TestCancelledCallLeavesQueue(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
	c := newCoordinator(t, st, ex)
	defer c.Close()

	var cancelledReplays atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.Defer(ctx, t1, CallFunc(func(context.Context, token.Token) (*http.Response, error) {
			cancelledReplays.Add(1)
			return nil, errors.New("should not run")
		}))
		cancelled <- err
	}()

	rec := &recorder{}
	out := deferAll(c, 1, t1, rec.call())
	require.Eventually(t, func() bool { return c.QueueLen() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 1, c.QueueLen())
	assert.True(t, c.Refreshing(), "cancelling a caller does not cancel the refresh")

	close(ex.release)
	o := <-out
	require.NoError(t, o.err)
	o.resp.Body.Close()
	assert.Equal(t, []token.Token{t2}, rec.tokens())
	assert.Zero(t, cancelledReplays.Load())
}

func TestManualRefresh(t *testing.T) {
	t2 := jwtFor(t, "u1", time.Hour)
	st := seeded(t, token.Pair{Access: jwtFor(t, "u1", time.Hour), Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2}, nil)
	close(ex.release)
	c := newCoordinator(t, st, ex)
	defer c.Close()

	require.NoError(t, c.Refresh(context.Background()))
	pair, _, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t2, pair.Access)
	assert.Equal(t, token.Token("r1"), pair.Refresh, "refresh token is kept when the backend does not rotate it")
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	ex := newGatedExchanger(token.Pair{}, nil)
	c := newCoordinator(t, store.NewMemoryStore(), ex)
	defer c.Close()

	err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, common.ErrRefreshFailed)
	assert.ErrorIs(t, err, common.ErrNoRefreshToken)
	assert.Zero(t, ex.calls.Load())
}

func TestRefreshTimeout(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{}, nil)
	c, err := New(Options{Store: st, Exchanger: ex, RefreshTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	rec := &recorder{}
	_, err = c.Defer(context.Background(), t1, rec.call())
	assert.ErrorIs(t, err, common.ErrSessionExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.tokens())
}

func TestLoginDuringRefreshWins(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)
	t3 := jwtFor(t, "u2", time.Hour)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
	c := newCoordinator(t, st, ex)

	var invalidations atomic.Int32
	c.OnInvalidated(func(Invalidated) { invalidations.Add(1) })

	rec := &recorder{}
	out := deferAll(c, 1, t1, rec.call())
	require.Eventually(t, func() bool { return c.QueueLen() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Install(context.Background(), token.Pair{Access: t3, Refresh: "r3"}))
	close(ex.release)

	o := <-out
	require.NoError(t, o.err)
	o.resp.Body.Close()
	assert.Equal(t, []token.Token{t3}, rec.tokens())

	pair, _, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token.Pair{Access: t3, Refresh: "r3"}, pair)

	c.Close()
	assert.Zero(t, invalidations.Load())
}

func TestLogoutDuringRefreshFailsQuietly(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
	c := newCoordinator(t, st, ex)

	var invalidations atomic.Int32
	c.OnInvalidated(func(Invalidated) { invalidations.Add(1) })

	rec := &recorder{}
	out := deferAll(c, 1, t1, rec.call())
	require.Eventually(t, func() bool { return c.QueueLen() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Clear(context.Background()))
	close(ex.release)

	o := <-out
	assert.ErrorIs(t, o.err, common.ErrSessionExpired)
	assert.ErrorIs(t, o.err, common.ErrNotLoggedIn)
	assert.Empty(t, rec.tokens())

	_, ok, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "a stale refresh must not resurrect credentials")

	c.Close()
	assert.Zero(t, invalidations.Load())
}

func TestClearIsIdempotent(t *testing.T) {
	c := newCoordinator(t, store.NewMemoryStore(), newGatedExchanger(token.Pair{}, nil))
	defer c.Close()
	require.NoError(t, c.Clear(context.Background()))
	require.NoError(t, c.Clear(context.Background()))
}

func TestClosedCoordinatorRejectsCalls(t *testing.T) {
	c := newCoordinator(t, store.NewMemoryStore(), newGatedExchanger(token.Pair{}, nil))
	c.Close()
	c.Close()

	_, err := c.Defer(context.Background(), "", (&recorder{}).call())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrClosed)
}

func TestPendingCallSettlesOnce(t *testing.T) {
	p := newPendingCall(context.Background(), nil)
	assert.NotEmpty(t, p.ID())
	assert.True(t, p.settle(Result{}))
	assert.False(t, p.settle(Result{Err: errors.New("second")}))
	assert.False(t, p.abandon())
	r := <-p.done
	assert.NoError(t, r.Err)
}

func TestReplaysStartInQueueOrder(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)

	for round := range 20 {
		st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
		ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
		c, err := New(Options{Store: st, Exchanger: ex, RefreshTimeout: 2 * time.Second, ReplayWorkers: 8})
		require.NoError(t, err)

		const calls = 24
		var (
			mu      sync.Mutex
			started []int
		)
		out := make(chan outcome, calls)
		for i := range calls {
			call := CallFunc(func(context.Context, token.Token) (*http.Response, error) {
				mu.Lock()
				started = append(started, i)
				mu.Unlock()
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
			})
			go func() {
				resp, err := c.Defer(context.Background(), t1, call)
				out <- outcome{resp, err}
			}()
			require.Eventually(t, func() bool { return c.QueueLen() == i+1 }, time.Second, time.Millisecond)
		}
		close(ex.release)
		for range calls {
			o := <-out
			require.NoError(t, o.err)
			o.resp.Body.Close()
		}
		c.Close()

		want := make([]int, calls)
		for i := range want {
			want[i] = i
		}
		mu.Lock()
		assert.Equal(t, want, started, "round %d", round)
		mu.Unlock()
	}
}

func TestExternalChangeDuringRefreshWins(t *testing.T) {
	t1 := jwtFor(t, "u1", -time.Minute)
	t2 := jwtFor(t, "u1", time.Hour)
	t3 := jwtFor(t, "u2", time.Hour)
	st := seeded(t, token.Pair{Access: t1, Refresh: "r1"})
	ex := newGatedExchanger(token.Pair{Access: t2, Refresh: "r2"}, nil)
	c := newCoordinator(t, st, ex)

	rec := &recorder{}
	out := deferAll(c, 1, t1, rec.call())
	require.Eventually(t, func() bool { return c.QueueLen() == 1 }, time.Second, 5*time.Millisecond)

	// another process writes new credentials while the exchange is running
	require.NoError(t, st.Set(context.Background(), token.Pair{Access: t3, Refresh: "r3"}))
	c.CredentialsChanged()
	close(ex.release)

	o := <-out
	require.NoError(t, o.err)
	o.resp.Body.Close()
	assert.Equal(t, []token.Token{t3}, rec.tokens())

	pair, _, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token.Pair{Access: t3, Refresh: "r3"}, pair)
	c.Close()
}
