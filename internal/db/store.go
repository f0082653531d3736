package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownDriver = errors.New("db: unknown storage driver")
	ErrClosed        = errors.New("db: store closed")
)

// Action is one persisted drawing action. Payload is opaque to the relay.
type Action struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Payload   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes what is stored.
type Stats struct {
	RoomCount   int `json:"room_count"`
	ActionCount int `json:"action_count"`
}

// Store is the persistence API the relay consumes. Inserts must be
// idempotent on (room id, action id) so a retried batch is safe.
type Store interface {
	InsertActions(ctx context.Context, actions []Action) error
	DeleteActions(ctx context.Context, roomID string, ids []string) (int64, error)
	ListActions(ctx context.Context, roomID string, limit int) ([]Action, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Options selects and configures a Store implementation.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	Postgres    PostgresConfig
}

// Open builds the Store named by opts.Driver.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		return New(opts.SQLitePath)
	case "postgres", "postgresql":
		return NewPostgresStore(opts.PostgresDSN, opts.Postgres)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
