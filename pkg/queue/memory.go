package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store with the same claim semantics as the
// Postgres implementation. Intended for tests and local development.
type Memory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[uuid.UUID]*Entry)}
}

func (m *Memory) Create(_ context.Context, e *Entry) error {
	if e.Sender == "" {
		return ErrNoSender
	}
	if len(e.Recipients) == 0 {
		return ErrNoRecipients
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := e.Clone()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
		e.ID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
		e.CreatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusNotSent
		e.Status = c.Status
	}
	for i := range c.Recipients {
		if c.Recipients[i].ID == uuid.Nil {
			c.Recipients[i].ID = uuid.New()
		}
		if c.Recipients[i].Status == "" {
			c.Recipients[i].Status = RecipientPending
		}
	}
	copy(e.Recipients, c.Recipients)
	m.entries[c.ID] = c
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) Claim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if !e.Due(now) {
		return false, nil
	}
	e.Status = StatusSending
	return true, nil
}

func (m *Memory) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusSending {
		return ErrInvalidTransition
	}
	e.Status = StatusNotSent
	return nil
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for id, e := range m.entries {
		if len(ids) >= limit {
			break
		}
		if e.SendAfter == nil || !e.Due(now) {
			continue
		}
		e.Status = StatusSending
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) UpdateRecipient(_ context.Context, entryID uuid.UUID, r Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	for i := range e.Recipients {
		if e.Recipients[i].ID == r.ID {
			e.Recipients[i].Status = r.Status
			e.Recipients[i].MessageID = r.MessageID
			e.Recipients[i].LastError = r.LastError
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Finalize(_ context.Context, id uuid.UUID, status Status, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !e.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	e.Status = status
	e.Error = errText
	return nil
}

func (m *Memory) Cancel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Cancelled = true
	return nil
}

func (m *Memory) Reset(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !e.Status.Terminal() {
		return ErrNotTerminal
	}
	e.Status = StatusNotSent
	e.Error = ""
	e.Cancelled = false
	for i := range e.Recipients {
		if e.Recipients[i].Status != RecipientSent {
			e.Recipients[i].Status = RecipientPending
			e.Recipients[i].LastError = ""
		}
	}
	return nil
}
