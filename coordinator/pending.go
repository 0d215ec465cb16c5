package coordinator

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/getlantern/authkeeper/token"
)

// Call is a unit of work deferred behind a refresh. Replay re-issues it with the given access
// token and returns its own outcome.
type Call interface {
	Replay(ctx context.Context, access token.Token) (*http.Response, error)
}

// CallFunc adapts a function to Call.
type CallFunc func(ctx context.Context, access token.Token) (*http.Response, error)

func (f CallFunc) Replay(ctx context.Context, access token.Token) (*http.Response, error) {
	return f(ctx, access)
}

// Result is the outcome a PendingCall is settled with: either a response or an error.
type Result struct {
	Response *http.Response
	Err      error
}

// PendingCall is a call waiting for the in-flight refresh. It is owned by the coordinator queue
// from the moment it is deferred until it is settled, and it is settled exactly once.
type PendingCall struct {
	id       string
	ctx      context.Context
	call     Call // nil for a manual refresh
	enqueued time.Time
	settled  atomic.Bool
	done     chan Result
}

func newPendingCall(ctx context.Context, call Call) *PendingCall {
	return &PendingCall{
		id:       uuid.NewString(),
		ctx:      ctx,
		call:     call,
		enqueued: time.Now(),
		done:     make(chan Result, 1),
	}
}

// ID identifies the pending call in logs.
func (p *PendingCall) ID() string {
	return p.id
}

// settle delivers r unless the call was already settled or abandoned. It never blocks.
func (p *PendingCall) settle(r Result) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.done <- r
	return true
}

// abandon marks the call settled without delivering anything; used when the caller gave up.
func (p *PendingCall) abandon() bool {
	return p.settled.CompareAndSwap(false, true)
}
