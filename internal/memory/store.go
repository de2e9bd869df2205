package memory

import (
	"context"
	"errors"
)

// Store is the durable backend for memory records.
//
// Save is an idempotent upsert keyed by id. SearchByText performs substring
// matching against record content in store-native order; callers re-score.
// Implementations live in internal/store: Postgres for production, InMem
// for demo and tests, optionally wrapped by the Redis-backed Cached.
type Store interface {
	Save(ctx context.Context, m *Memory) error
	GetByID(ctx context.Context, id string) (*Memory, error)
	SearchByText(ctx context.Context, query string, limit int) ([]*Memory, error)
}

// ErrNotFound is the shared absence signal for GetByID.
var ErrNotFound = errors.New("memory: not found")
