// Package batch groups encrypted payloads into capacity-bounded
// batches per (owner, category) pair to amortize per-write cost.
//
// The underlying store's batches are immutable once written, so a
// CategoryBatch is a tracking abstraction, not a single growable
// container: the first item mints the batch's locator, and every later
// item is written as its own single-item batch whose locator is
// recorded under the same CategoryBatch. Grouping is logical and
// cost-accounting, not physical merging.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/store"
)

// DefaultCapacity is the per-batch item bound when none is configured.
const DefaultCapacity = 64

// ItemRef records where one payload of a batch actually lives.
type ItemRef struct {
	ItemID  string
	Locator store.Locator
	PatchID string
}

// ContentRef renders the content reference stored on the public record.
func (r ItemRef) ContentRef() string {
	return store.FormatBatchRef(r.Locator, r.ItemID)
}

// CategoryBatch tracks one logical grouping for an (owner, category)
// pair. Once BlobCount reaches Capacity the batch is sealed and its
// BatchID never changes.
type CategoryBatch struct {
	Owner       string
	Category    string
	BatchID     string // unset until the first successful flush
	BlobCount   int
	Capacity    int
	Sealed      bool
	Items       []ItemRef
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Config configures the manager.
type Config struct {
	// Capacity is the per-batch item bound. Default DefaultCapacity.
	Capacity int

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Manager routes payloads into batches. All batch-state mutation runs
// under one lock so two concurrent inserts for the same key cannot
// both observe "not full" and both open a new batch.
type Manager struct {
	mu       sync.Mutex
	open     map[string]*CategoryBatch
	sealed   []*CategoryBatch
	capacity int
	contents store.Client
	log      *logrus.Logger
}

// NewManager creates a batch manager backed by contents.
func NewManager(contents store.Client, cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		open:     make(map[string]*CategoryBatch),
		capacity: cfg.Capacity,
		contents: contents,
		log:      cfg.Logger,
	}
}

func batchKey(owner, category string) string {
	return owner + "\x00" + category
}

// GetOrCreateBatch returns the open batch for (owner, category),
// opening a fresh one when none exists. The returned value is a copy;
// the manager owns the live state.
func (m *Manager) GetOrCreateBatch(owner, category string) CategoryBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getOrCreateLocked(owner, category)
}

// getOrCreateLocked never sees a full open batch: a batch reaching
// capacity is sealed and dropped from the open set in the same Store
// call that fills it.
func (m *Manager) getOrCreateLocked(owner, category string) *CategoryBatch {
	key := batchKey(owner, category)

	b := m.open[key]
	if b == nil {
		now := time.Now().UTC()
		b = &CategoryBatch{
			Owner:       owner,
			Category:    category,
			Capacity:    m.capacity,
			CreatedAt:   now,
			LastUpdated: now,
		}
		m.open[key] = b
	}
	return b
}

// Store writes one encrypted payload under the batch for
// (owner, category) and returns where it landed. A store failure
// propagates unchanged; the manager never silently drops data, and the
// batch state is not advanced for a failed write.
func (m *Manager) Store(ctx context.Context, owner, category string, payload []byte, tags map[string]string) (ItemRef, error) {
	itemID := uuid.New().String()

	ref, err := m.contents.PutBatch(ctx, []store.BatchItem{{
		ID:   itemID,
		Data: payload,
		Tags: tags,
	}})
	if err != nil {
		return ItemRef{}, fmt.Errorf("batch: store payload for %s/%s: %w", owner, category, err)
	}

	item := ItemRef{
		ItemID:  itemID,
		Locator: ref.Locator,
		PatchID: ref.Patches[itemID],
	}

	m.mu.Lock()
	b := m.getOrCreateLocked(owner, category)
	if b.BatchID == "" {
		// First successful flush mints the batch id.
		b.BatchID = string(ref.Locator)
	}
	b.BlobCount++
	b.Items = append(b.Items, item)
	b.LastUpdated = time.Now().UTC()
	if b.BlobCount >= b.Capacity {
		// Sealing happens the moment the batch fills, not on the next
		// insert for the key.
		b.Sealed = true
		m.sealed = append(m.sealed, b)
		delete(m.open, batchKey(owner, category))
		m.log.WithFields(logrus.Fields{
			"owner":    owner,
			"category": category,
			"batch_id": b.BatchID,
			"blobs":    b.BlobCount,
		}).Info("sealed full batch")
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"owner":    owner,
		"category": category,
		"batch_id": b.BatchID,
		"item_id":  itemID,
	}).Debug("stored payload")
	return item, nil
}

// Batches returns copies of every tracked batch for (owner, category),
// sealed first, in creation order.
func (m *Manager) Batches(owner, category string) []CategoryBatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []CategoryBatch
	for _, b := range m.sealed {
		if b.Owner == owner && b.Category == category {
			out = append(out, *b)
		}
	}
	if b, ok := m.open[owner+"\x00"+category]; ok && b.BlobCount > 0 {
		out = append(out, *b)
	}
	return out
}
