package storage

import (
	"context"
	"errors"
	"strings"

	logx "pewbridge/pkg/logx"
)

// Backend is the durable message and settings store.
type Backend interface {
	Ping(ctx context.Context) error

	// SaveMessages upserts records and returns how many were written. Records
	// refused by the writer policy, tombstoned, or with an invalid timestamp
	// are skipped without error.
	SaveMessages(ctx context.Context, recs []Record) (int, error)
	// LoadMessages returns the newest records, one per message id.
	LoadMessages(ctx context.Context) ([]Record, error)
	// FindMessage returns the newest record with id, scoped to session when
	// session is non-empty.
	FindMessage(ctx context.Context, id, session string) (Record, error)
	// DeleteMessages removes matching records, tombstones them and renumbers.
	DeleteMessages(ctx context.Context, id, session string) ([]Record, error)
	MessagesBySender(ctx context.Context, q SenderQuery) ([]Record, error)
	Renumber(ctx context.Context) error
	CountMessages(ctx context.Context) (int, error)

	PutTombstones(ctx context.Context, ts []Tombstone) error
	IsTombstoned(ctx context.Context, id, session string) (bool, error)
	PruneTombstones(ctx context.Context, olderThan int64) (int, error)

	GetSetting(ctx context.Context, category string) ([]byte, bool, error)
	PutSetting(ctx context.Context, category string, value []byte) error

	Close() error
}

// Open initializes the configured backend.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "sqlite", "sqlite3":
	case "memory":
		cfg.Path = ":memory:"
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	st, err := openSQLite(cfg, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}
