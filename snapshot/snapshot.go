// Package snapshot serializes index and checkpoint state to the
// content store for crash recovery.
//
// The schema is explicit and versioned: a loader refuses an
// incompatible version instead of silently misinterpreting it, and a
// corrupt snapshot surfaces as ErrCorrupt so startup can fall back to
// an empty index with a warning rather than crash.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/index"
	"github.com/becomeliminal/memvault/store"
)

// SchemaVersion is bumped on any incompatible layout change.
const SchemaVersion = 1

var (
	// ErrIncompatible marks a snapshot written by a different schema
	// version.
	ErrIncompatible = errors.New("snapshot: incompatible schema version")

	// ErrCorrupt marks a snapshot that cannot be decoded.
	ErrCorrupt = errors.New("snapshot: corrupt data")

	// ErrNoSnapshot means no snapshot has been written yet.
	ErrNoSnapshot = errors.New("snapshot: none available")
)

// Snapshot is the persisted state: the sync checkpoint plus every live
// index record.
type Snapshot struct {
	Version    int                       `json:"version"`
	Checkpoint uint64                    `json:"checkpoint"`
	Records    []*index.IndexedEmbedding `json:"records"`
	Dimension  int                       `json:"dimension"`
	SavedAt    time.Time                 `json:"saved_at"`
}

// Encode serializes a snapshot, stamping the current schema version.
func Encode(s *Snapshot) ([]byte, error) {
	s.Version = SchemaVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot, rejecting corrupt or version-mismatched
// data.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatible, s.Version, SchemaVersion)
	}
	return &s, nil
}

// Config configures the manager.
type Config struct {
	// PointerPath is a local file recording the locator of the most
	// recent snapshot, since the content store itself is
	// content-addressed and unlistable. Required.
	PointerPath string

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Manager writes snapshots to the content store and tracks the latest
// one through a local pointer file.
type Manager struct {
	mu       sync.Mutex
	contents store.Client
	pointer  string
	log      *logrus.Logger
}

// NewManager creates a snapshot manager backed by contents.
func NewManager(contents store.Client, cfg Config) (*Manager, error) {
	if cfg.PointerPath == "" {
		return nil, fmt.Errorf("snapshot: PointerPath is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{contents: contents, pointer: cfg.PointerPath, log: cfg.Logger}, nil
}

// Save captures the index and checkpoint, writes the blob, then
// atomically updates the pointer file. The pointer moves only after
// the blob write succeeded, so a crash mid-save leaves the previous
// snapshot intact.
func (m *Manager) Save(ctx context.Context, ix *index.Index, checkpoint uint64) (store.Locator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		Checkpoint: checkpoint,
		Records:    ix.Records(),
		Dimension:  ix.Dimension(),
		SavedAt:    time.Now().UTC(),
	}
	data, err := Encode(snap)
	if err != nil {
		return "", err
	}

	loc, err := m.contents.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("snapshot: store: %w", err)
	}
	if err := m.writePointer(loc); err != nil {
		return "", err
	}

	m.log.WithFields(logrus.Fields{
		"locator":    loc,
		"records":    len(snap.Records),
		"checkpoint": checkpoint,
	}).Info("saved snapshot")
	return loc, nil
}

// Load fetches the latest snapshot. ErrNoSnapshot means a fresh start;
// ErrCorrupt and ErrIncompatible are recoverable by starting empty.
func (m *Manager) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.pointer)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read pointer: %w", err)
	}

	data, err := m.contents.Get(ctx, store.Locator(raw))
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch: %w", err)
	}
	return Decode(data)
}

func (m *Manager) writePointer(loc store.Locator) error {
	tmp := m.pointer + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.pointer), 0o755); err != nil {
		return fmt.Errorf("snapshot: create pointer dir: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(loc), 0o644); err != nil {
		return fmt.Errorf("snapshot: write pointer: %w", err)
	}
	if err := os.Rename(tmp, m.pointer); err != nil {
		return fmt.Errorf("snapshot: replace pointer: %w", err)
	}
	return nil
}
