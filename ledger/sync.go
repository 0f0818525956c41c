package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/index"
	"github.com/becomeliminal/memvault/snapshot"
	"github.com/becomeliminal/memvault/store"
)

// EventTypeEmbedding is the wire-level filter for embedding events.
const EventTypeEmbedding = "embedding"

// ErrAlreadyRunning is returned by Start on a running synchronizer.
var ErrAlreadyRunning = errors.New("ledger: synchronizer already running")

// SyncConfig configures the synchronizer loops.
type SyncConfig struct {
	// PollInterval spaces event-poll cycles. Default 5s.
	PollInterval time.Duration

	// SnapshotInterval spaces periodic snapshots. Default 5m.
	SnapshotInterval time.Duration

	// MaxBackoff caps the doubled retry delay after loop errors.
	// Default 1m.
	MaxBackoff time.Duration

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

func (c *SyncConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Synchronizer incrementally feeds ledger events into the metadata
// index and periodically snapshots index plus checkpoint state.
//
// While running, two loops execute concurrently: the event-poll loop
// and the snapshot loop. Neither terminates on a single failure; they
// log, back off with a doubled and capped delay, and continue, because
// availability of the live index matters more than any one missed
// cycle.
type Synchronizer struct {
	client   Client
	idx      *index.Index
	snaps    *snapshot.Manager
	contents store.Client
	cfg      SyncConfig
	log      *logrus.Logger

	mu         sync.Mutex
	running    bool
	checkpoint uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSynchronizer creates a stopped synchronizer.
func NewSynchronizer(client Client, idx *index.Index, snaps *snapshot.Manager, contents store.Client, cfg SyncConfig) *Synchronizer {
	cfg.applyDefaults()
	return &Synchronizer{
		client:   client,
		idx:      idx,
		snaps:    snaps,
		contents: contents,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Checkpoint returns the last processed log position. It never moves
// backward, even across restarts.
func (s *Synchronizer) Checkpoint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Restore loads the latest snapshot into the index and checkpoint. A
// missing snapshot is a fresh start; a corrupt or incompatible one is
// logged and the index starts empty rather than failing startup.
func (s *Synchronizer) Restore(ctx context.Context) error {
	snap, err := s.snaps.Load(ctx)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		s.log.Info("no snapshot found, starting with empty index")
		return nil
	case errors.Is(err, snapshot.ErrCorrupt), errors.Is(err, snapshot.ErrIncompatible):
		s.log.WithError(err).Warn("snapshot unusable, starting with empty index")
		return nil
	case err != nil:
		return fmt.Errorf("ledger: restore: %w", err)
	}

	// A snapshot from an index of a different dimensionality is as
	// unusable as a version mismatch; restoring it would fail partway.
	if snap.Dimension != s.idx.Dimension() {
		s.log.WithFields(logrus.Fields{
			"snapshot_dimension": snap.Dimension,
			"index_dimension":    s.idx.Dimension(),
		}).Warn("snapshot unusable, starting with empty index")
		return nil
	}

	if err := s.idx.Restore(ctx, snap.Records); err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}

	s.mu.Lock()
	if snap.Checkpoint > s.checkpoint {
		s.checkpoint = snap.Checkpoint
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"records":    len(snap.Records),
		"checkpoint": snap.Checkpoint,
	}).Info("restored snapshot")
	return nil
}

// Start transitions Stopped -> Running and launches the poll and
// snapshot loops.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.pollLoop(loopCtx)
	go s.snapshotLoop(loopCtx)

	s.log.Info("ledger synchronizer started")
	return nil
}

// Stop transitions Running -> Stopped: halts both loops, waits for any
// in-flight snapshot write to finish, performs one final snapshot, and
// releases the ledger connection.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if _, err := s.snaps.Save(ctx, s.idx, s.Checkpoint()); err != nil {
		s.log.WithError(err).Warn("final snapshot failed")
	}

	if err := s.client.Close(); err != nil {
		s.log.WithError(err).Warn("closing ledger client")
	}
	s.log.Info("ledger synchronizer stopped")
}

func (s *Synchronizer) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	delay := s.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := s.pollCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("event poll failed, backing off")
			delay = doubleCapped(delay, s.cfg.MaxBackoff)
			continue
		}
		delay = s.cfg.PollInterval
	}
}

// pollCycle fetches and applies everything newer than the checkpoint,
// then advances it to the maximum position seen.
func (s *Synchronizer) pollCycle(ctx context.Context) error {
	events, err := s.client.EventsSince(ctx, s.Checkpoint(), EventTypeEmbedding)
	if err != nil {
		return err
	}

	for _, ev := range events {
		s.applyEvent(ctx, ev)
		s.advanceCheckpoint(ev.EventPosition())
	}
	return nil
}

// applyEvent matches the closed event set exhaustively. A failure to
// apply one event is logged and skipped; it must not stall the log.
func (s *Synchronizer) applyEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case EmbeddingRegistered:
		rec := &index.IndexedEmbedding{
			EmbeddingID:        e.EmbeddingID,
			Owner:              e.Owner,
			Category:           e.Category,
			MetadataVector:     e.MetadataVector,
			ContentRef:         e.ContentRef,
			EncryptionIdentity: e.EncryptionIdentity,
			CreatedAt:          e.Timestamp,
		}
		if _, err := s.idx.Insert(ctx, rec); err != nil {
			s.log.WithError(err).WithField("embedding_id", e.EmbeddingID).
				Warn("could not index ledger embedding")
		}

	case EmbeddingRemoved:
		contentRef, ok := s.idx.Remove(e.EmbeddingID)
		if !ok {
			return
		}
		if contentRef == "" {
			return
		}
		// Blob deletion is best-effort; the index entry is already
		// gone.
		loc := store.Locator(contentRef)
		if l, _, isBatch := store.ParseBatchRef(contentRef); isBatch {
			loc = l
		}
		if err := s.contents.Delete(ctx, loc); err != nil {
			s.log.WithError(err).WithField("locator", loc).
				Debug("best-effort blob delete failed")
		}

	default:
		s.log.WithField("event", fmt.Sprintf("%T", ev)).Warn("unknown ledger event kind")
	}
}

func (s *Synchronizer) advanceCheckpoint(pos uint64) {
	s.mu.Lock()
	if pos > s.checkpoint {
		s.checkpoint = pos
	}
	s.mu.Unlock()
}

func (s *Synchronizer) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()

	delay := s.cfg.SnapshotInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if _, err := s.snaps.Save(ctx, s.idx, s.Checkpoint()); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("periodic snapshot failed, backing off")
			delay = doubleCapped(delay, s.cfg.MaxBackoff)
			continue
		}
		delay = s.cfg.SnapshotInterval
	}
}

func doubleCapped(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
