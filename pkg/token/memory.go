package token

import (
	"context"
	"sync"
)

// Memory is an in-memory Store with the same optimistic concurrency
// semantics as the Postgres implementation. Intended for tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemory creates an empty in-memory token store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func recordKey(identity, principal string) string {
	return identity + "\x00" + principal
}

func (m *Memory) Get(_ context.Context, identity, principal string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey(identity, principal)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *Memory) Save(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(r.Identity, r.Principal)
	stored, exists := m.records[key]

	if r.Version == 0 {
		if exists {
			return ErrVersionConflict
		}
	} else if !exists || stored.Version != r.Version {
		return ErrVersionConflict
	}

	r.Version++
	c := *r
	m.records[key] = &c
	return nil
}
