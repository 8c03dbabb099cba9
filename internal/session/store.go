package session

import (
	"context"
	"time"
)

// Record is the persisted form of a session.
type Record struct {
	ID        string
	Config    Config
	CreatedAt time.Time
}

// Store persists session configs so they survive a restart. Restored
// sessions come back stopped.
type Store interface {
	SaveSession(ctx context.Context, rec Record) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]Record, error)
}
