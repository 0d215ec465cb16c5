// Package event provides typed, instance-scoped publish/subscribe.
package event

import (
	"sync"
)

// Subscription allows unsubscribing from a Handler.
type Subscription[T any] struct {
	handler *Handler[T]
}

// Handler fans events of type T out to its subscribers. Each Handler is independent: there is
// no process-wide registry.
type Handler[T any] struct {
	subscribers map[*Subscription[T]]func(T)
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

func NewHandler[T any]() *Handler[T] {
	return &Handler[T]{
		subscribers: make(map[*Subscription[T]]func(T)),
	}
}

// Subscribe registers a callback. Returns a Subscription for later unsubscription.
func (eh *Handler[T]) Subscribe(callback func(evt T)) *Subscription[T] {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	sub := &Subscription[T]{handler: eh}
	eh.subscribers[sub] = callback
	return sub
}

// Unsubscribe removes the given subscription.
func (eh *Handler[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	eh.mu.Lock()
	defer eh.mu.Unlock()
	delete(eh.subscribers, sub)
}

// Unsubscribe removes the subscription from the handler it was created by.
func (s *Subscription[T]) Unsubscribe() {
	if s != nil && s.handler != nil {
		s.handler.Unsubscribe(s)
	}
}

// Emit notifies all current subscribers. Callbacks are invoked asynchronously in separate
// goroutines so a slow subscriber cannot block the emitter.
func (eh *Handler[T]) Emit(evt T) {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	for _, cb := range eh.subscribers {
		eh.wg.Add(1)
		go func(cb func(T)) {
			defer eh.wg.Done()
			cb(evt)
		}(cb)
	}
}

// Len returns the number of subscribers.
func (eh *Handler[T]) Len() int {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return len(eh.subscribers)
}

// Wait blocks until every callback started by Emit has returned.
func (eh *Handler[T]) Wait() {
	eh.wg.Wait()
}
