package store

import (
	"context"
	"sync"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/token"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	pair    token.Pair
	hasPair bool
	profile *common.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(context.Context) (token.Pair, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair, m.hasPair, nil
}

func (m *MemoryStore) Set(_ context.Context, pair token.Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair, m.hasPair = pair, true
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair, m.hasPair = token.Pair{}, false
	return nil
}

func (m *MemoryStore) Profile(context.Context) (*common.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile == nil {
		return nil, nil
	}
	p := *m.profile
	return &p, nil
}

func (m *MemoryStore) SetProfile(_ context.Context, p *common.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.profile = nil
		return nil
	}
	cp := *p
	m.profile = &cp
	return nil
}

func (m *MemoryStore) ClearProfile(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = nil
	return nil
}

func (m *MemoryStore) Close() error { return nil }
