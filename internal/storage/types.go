package storage

import (
	"context"
	"errors"
	"time"

	"github.com/apex064/earnquest-tg/internal/controlplane"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the sqlite store. An empty Path disables persistence;
// the bot then keeps the event buffer and post dedup in memory only.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// StoredEvent is one spilled event log entry plus its row id, used to delete
// exactly the rows that were uploaded.
type StoredEvent struct {
	RowID int64
	Entry controlplane.EventLogEntry
}

// Store persists what must survive a restart: event log entries that have
// not reached the backend yet, and the ids of scheduled posts already
// dispatched.
type Store interface {
	AppendEvents(ctx context.Context, entries []controlplane.EventLogEntry) error
	LoadEvents(ctx context.Context, limit int) ([]StoredEvent, error)
	DeleteEvents(ctx context.Context, rowIDs []int64) error

	MarkPostExecuted(ctx context.Context, postID int64, at time.Time) error
	WasPostExecuted(ctx context.Context, postID int64) (bool, error)

	Close() error
}
