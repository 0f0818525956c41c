// Package index is the in-memory metadata index: an ANN structure over
// public metadata vectors mapping internal sequential ids to
// IndexedEmbedding records. The ANN backbone is chromem-go, an
// embedded vector database operating in cosine space.
//
// The index is the one piece of mutable state shared by ingest
// callers, the ledger event loop, and search callers. chromem-go does
// not guarantee a concurrent writer against an overlapping reader, so
// one mutex serializes all operations; nothing observes the structure
// mid-mutation.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDimensionMismatch rejects a vector whose length differs from
	// the index's configured dimensionality. Fatal to that call only.
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")

	// ErrCapacityExceeded rejects inserts once the configured maximum
	// is reached. Surfaced, never silently dropped.
	ErrCapacityExceeded = errors.New("index: capacity exceeded")

	// ErrNotFound marks an unknown or removed embedding id.
	ErrNotFound = errors.New("index: embedding not found")
)

// DefaultCapacity bounds the index when none is configured.
const DefaultCapacity = 100_000

// oversampleFactor compensates for post-filtering: the ANN structure
// is asked for this multiple of k, capped at the index size.
const oversampleFactor = 3

// Config configures the index.
type Config struct {
	// Dimension is the fixed vector length. Required.
	Dimension int

	// Capacity is the maximum number of records. Default
	// DefaultCapacity.
	Capacity int

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Index maps embedding ids to internal sequential ids and serves
// k-nearest-neighbor queries with post-filtering.
type Index struct {
	mu        sync.Mutex
	dimension int
	capacity  int
	col       *chromem.Collection
	recs      []*IndexedEmbedding // internal id -> record, append-only
	byID      map[string]int      // embedding id -> internal id
	removed   map[int]struct{}    // tombstones; no physical compaction
	log       *logrus.Logger
}

// New creates an empty index with fixed dimensionality.
func New(cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("index: Dimension is required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("embeddings", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: create collection: %w", err)
	}

	return &Index{
		dimension: cfg.Dimension,
		capacity:  cfg.Capacity,
		col:       col,
		byID:      make(map[string]int),
		removed:   make(map[int]struct{}),
		log:       cfg.Logger,
	}, nil
}

// Dimension returns the fixed vector length.
func (ix *Index) Dimension() int {
	return ix.dimension
}

// Insert adds a record and returns its internal id. Inserting an
// already-known embedding id is a no-op success returning the existing
// id; the first vector wins.
func (ix *Index) Insert(ctx context.Context, rec *IndexedEmbedding) (int, error) {
	if len(rec.MetadataVector) != ix.dimension {
		return 0, fmt.Errorf("%w: got %d, index configured for %d",
			ErrDimensionMismatch, len(rec.MetadataVector), ix.dimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if internal, ok := ix.byID[rec.EmbeddingID]; ok {
		return internal, nil
	}
	if len(ix.recs)-len(ix.removed) >= ix.capacity {
		return 0, fmt.Errorf("%w: %d records", ErrCapacityExceeded, ix.capacity)
	}

	stored := *rec
	stored.MetadataVector = normalize(rec.MetadataVector)

	internal := len(ix.recs)
	err := ix.col.AddDocument(ctx, chromem.Document{
		ID:        strconv.Itoa(internal),
		Content:   stored.EmbeddingID,
		Embedding: stored.MetadataVector,
		Metadata: map[string]string{
			"owner":    stored.Owner,
			"category": stored.Category,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("index: add document: %w", err)
	}

	ix.recs = append(ix.recs, &stored)
	ix.byID[stored.EmbeddingID] = internal

	ix.log.WithFields(logrus.Fields{
		"embedding_id": stored.EmbeddingID,
		"internal_id":  internal,
		"owner":        stored.Owner,
		"category":     stored.Category,
	}).Debug("indexed embedding")
	return internal, nil
}

// Search returns up to k records ranked by cosine similarity
// descending. Candidates below their own record's similarity threshold
// are discarded, then the supplied filters apply conjunctively. An
// empty index returns an empty result without touching the ANN
// structure.
func (ix *Index) Search(ctx context.Context, query []float32, k int, f Filters) ([]Result, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, index configured for %d",
			ErrDimensionMismatch, len(query), ix.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.recs) == 0 {
		return nil, nil
	}

	n := k * oversampleFactor
	if n > len(ix.recs) {
		n = len(ix.recs)
	}

	// No where clause: chromem rejects nResults above the filtered
	// document count, so filtering happens entirely post-query.
	candidates, err := ix.col.QueryEmbedding(ctx, normalize(query), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: ann query: %w", err)
	}

	var results []Result
	for _, c := range candidates {
		internal, err := strconv.Atoi(c.ID)
		if err != nil || internal < 0 || internal >= len(ix.recs) {
			continue
		}
		if _, gone := ix.removed[internal]; gone {
			continue
		}

		rec := ix.recs[internal]
		if c.Similarity < rec.SimilarityThreshold {
			continue
		}
		if !f.match(rec) {
			continue
		}

		cp := *rec
		results = append(results, Result{
			Record:     &cp,
			InternalID: internal,
			Similarity: c.Similarity,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Get returns a copy of the record for an embedding id.
func (ix *Index) Get(embeddingID string) (*IndexedEmbedding, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	internal, ok := ix.byID[embeddingID]
	if !ok {
		return nil, false
	}
	cp := *ix.recs[internal]
	return &cp, true
}

// SetContentRef fills in the content reference once the underlying
// write completes. This is the only permitted mutation of a record.
func (ix *Index) SetContentRef(embeddingID, contentRef string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	internal, ok := ix.byID[embeddingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, embeddingID)
	}
	ix.recs[internal].ContentRef = contentRef
	return nil
}

// Remove drops the record from future result sets and duplicate
// detection. The ANN structure is not compacted; the slot is
// tombstoned. It returns the removed record's content reference so
// callers can delete the blob best-effort.
func (ix *Index) Remove(embeddingID string) (contentRef string, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	internal, found := ix.byID[embeddingID]
	if !found {
		return "", false
	}
	ix.removed[internal] = struct{}{}
	delete(ix.byID, embeddingID)

	ix.log.WithField("embedding_id", embeddingID).Debug("removed embedding")
	return ix.recs[internal].ContentRef, true
}

// Count returns the number of live records.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.recs) - len(ix.removed)
}

// Records returns copies of all live records in internal-id order, for
// snapshotting.
func (ix *Index) Records() []*IndexedEmbedding {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make([]*IndexedEmbedding, 0, len(ix.recs)-len(ix.removed))
	for internal, rec := range ix.recs {
		if _, gone := ix.removed[internal]; gone {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Restore loads records into an empty index, preserving their relative
// order. Records whose dimension does not match are rejected and abort
// the restore.
func (ix *Index) Restore(ctx context.Context, recs []*IndexedEmbedding) error {
	for _, rec := range recs {
		if _, err := ix.Insert(ctx, rec); err != nil {
			return fmt.Errorf("index: restore %s: %w", rec.EmbeddingID, err)
		}
	}
	return nil
}

// normalize returns a unit-length copy of vec. A zero vector is
// returned unchanged.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		copy(out, vec)
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
