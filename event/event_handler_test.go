package event

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testEvent struct {
	N int
}

func TestHandler(t *testing.T) {
	h := NewHandler[testEvent]()
	var a, b atomic.Int64
	subA := h.Subscribe(func(evt testEvent) { a.Add(int64(evt.N)) })
	h.Subscribe(func(evt testEvent) { b.Add(int64(evt.N)) })
	assert.Equal(t, 2, h.Len())

	h.Emit(testEvent{N: 2})
	h.Wait()
	assert.Equal(t, int64(2), a.Load())
	assert.Equal(t, int64(2), b.Load())

	subA.Unsubscribe()
	assert.Equal(t, 1, h.Len())
	h.Emit(testEvent{N: 3})
	h.Wait()
	assert.Equal(t, int64(2), a.Load())
	assert.Equal(t, int64(5), b.Load())
}

func TestHandlersAreIndependent(t *testing.T) {
	h1 := NewHandler[testEvent]()
	h2 := NewHandler[testEvent]()
	var got atomic.Int64
	h1.Subscribe(func(testEvent) { got.Add(1) })
	h2.Emit(testEvent{})
	h2.Wait()
	h1.Wait()
	assert.Zero(t, got.Load())
}

func TestUnsubscribeNil(t *testing.T) {
	h := NewHandler[testEvent]()
	assert.NotPanics(t, func() {
		h.Unsubscribe(nil)
		var s *Subscription[testEvent]
		s.Unsubscribe()
	})
}
