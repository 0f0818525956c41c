// Package ledger consumes the external append-only event log and keeps
// the metadata index synchronized with it.
//
// The event set is closed: every kind the synchronizer understands is
// a concrete type implementing Event, matched exhaustively. A new kind
// is a compile-time-checked addition, not a new string key.
package ledger

import (
	"context"
	"time"
)

// Client is the event log contract. Implementations: ws.Client
// (websocket feed), fakes in tests.
type Client interface {
	// EventsSince returns events strictly after position, oldest
	// first, filtered to eventType on the wire.
	EventsSince(ctx context.Context, position uint64, eventType string) ([]Event, error)

	// Close releases the connection.
	Close() error
}

// Event is the sealed interface over the known ledger event kinds.
type Event interface {
	// EventPosition is the event's monotonic offset in the log.
	EventPosition() uint64

	sealed()
}

// EmbeddingRegistered announces a new embedding recorded on the log.
type EmbeddingRegistered struct {
	Position           uint64
	EmbeddingID        string
	Owner              string
	Category           string
	MetadataVector     []float32
	ContentRef         string // may be empty while the write is pending
	EncryptionIdentity string
	Timestamp          time.Time
}

// EventPosition implements Event.
func (e EmbeddingRegistered) EventPosition() uint64 { return e.Position }

func (EmbeddingRegistered) sealed() {}

// EmbeddingRemoved announces an explicit removal. The index entry is
// dropped and the referenced blob deleted best-effort.
type EmbeddingRemoved struct {
	Position    uint64
	EmbeddingID string
	Timestamp   time.Time
}

// EventPosition implements Event.
func (e EmbeddingRemoved) EventPosition() uint64 { return e.Position }

func (EmbeddingRemoved) sealed() {}
