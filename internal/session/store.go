package session

import (
	"context"
	"sync"
	"time"

	"github.com/mkoval/authlink/internal/common"
)

// PersistedRecord is the storage form of a session: the blob written to
// client-side storage, encrypted at rest.
type PersistedRecord struct {
	Session      *Session  `json:"session"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store persists at most one session record per agent.
type Store interface {
	Save(ctx context.Context, rec *PersistedRecord) error
	// Load returns common.ErrNotFound when no record is stored.
	Load(ctx context.Context) (*PersistedRecord, error)
	Clear(ctx context.Context) error
}

// MemoryStore is an in-process Store for tests and for agents running
// without persistence.
type MemoryStore struct {
	mu  sync.Mutex
	rec *PersistedRecord
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(ctx context.Context, rec *PersistedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
	return nil
}

func (m *MemoryStore) Load(ctx context.Context) (*PersistedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, common.ErrNotFound
	}
	return m.rec, nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}
