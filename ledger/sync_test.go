package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memvault/index"
	"github.com/becomeliminal/memvault/snapshot"
	"github.com/becomeliminal/memvault/store"
	"github.com/becomeliminal/memvault/store/local"
)

// fakeLedger serves scripted events after a given position.
type fakeLedger struct {
	mu     sync.Mutex
	events []Event
	calls  int
	failN  int // fail the first N calls
	closed bool
}

func (f *fakeLedger) EventsSince(ctx context.Context, position uint64, eventType string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return nil, fmt.Errorf("fake ledger outage")
	}

	var out []Event
	for _, ev := range f.events {
		if ev.EventPosition() > position {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func registered(pos uint64, id, owner string, vec []float32) EmbeddingRegistered {
	return EmbeddingRegistered{
		Position:           pos,
		EmbeddingID:        id,
		Owner:              owner,
		Category:           "health",
		MetadataVector:     vec,
		EncryptionIdentity: "identity-" + id,
		Timestamp:          time.Now().UTC(),
	}
}

type syncFixture struct {
	s        *Synchronizer
	ix       *index.Index
	contents store.Client
	pointer  string
}

func newSyncFixture(t *testing.T, feed Client) syncFixture {
	t.Helper()

	contents, err := local.New(local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { contents.Close() })

	ix, err := index.New(index.Config{Dimension: 4})
	require.NoError(t, err)

	pointer := filepath.Join(t.TempDir(), "snapshot.pointer")
	snaps, err := snapshot.NewManager(contents, snapshot.Config{PointerPath: pointer})
	require.NoError(t, err)

	s := NewSynchronizer(feed, ix, snaps, contents, SyncConfig{
		PollInterval:     5 * time.Millisecond,
		SnapshotInterval: time.Hour,
		MaxBackoff:       20 * time.Millisecond,
	})
	return syncFixture{s: s, ix: ix, contents: contents, pointer: pointer}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPollAppliesEventsAndAdvancesCheckpoint(t *testing.T) {
	feed := &fakeLedger{events: []Event{
		registered(1, "e1", "u1", []float32{1, 0, 0, 0}),
		registered(2, "e2", "u1", []float32{0, 1, 0, 0}),
	}}
	fx := newSyncFixture(t, feed)

	require.NoError(t, fx.s.Start(context.Background()))
	defer fx.s.Stop()

	waitFor(t, func() bool { return fx.ix.Count() == 2 })
	waitFor(t, func() bool { return fx.s.Checkpoint() == 2 })
}

func TestCheckpointIsMonotonic(t *testing.T) {
	feed := &fakeLedger{events: []Event{
		registered(5, "e1", "u1", []float32{1, 0, 0, 0}),
	}}
	fx := newSyncFixture(t, feed)

	require.NoError(t, fx.s.Start(context.Background()))
	waitFor(t, func() bool { return fx.s.Checkpoint() == 5 })

	// An event below the checkpoint never moves it backward; the poll
	// only asks for positions past it.
	feed.mu.Lock()
	feed.events = append(feed.events, registered(3, "e1", "u1", []float32{1, 0, 0, 0}))
	feed.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(5), fx.s.Checkpoint())
	fx.s.Stop()
}

func TestRemoveEventDeletesRecordAndBlob(t *testing.T) {
	feed := &fakeLedger{events: []Event{
		registered(1, "e1", "u1", []float32{1, 0, 0, 0}),
	}}
	fx := newSyncFixture(t, feed)

	// Give the record a real blob to delete.
	loc, err := fx.contents.Put(context.Background(), []byte("ciphertext"))
	require.NoError(t, err)
	ev := feed.events[0].(EmbeddingRegistered)
	ev.ContentRef = string(loc)
	feed.events[0] = ev

	require.NoError(t, fx.s.Start(context.Background()))
	defer fx.s.Stop()

	waitFor(t, func() bool { return fx.ix.Count() == 1 })

	feed.mu.Lock()
	feed.events = append(feed.events, EmbeddingRemoved{Position: 2, EmbeddingID: "e1"})
	feed.mu.Unlock()

	waitFor(t, func() bool { return fx.ix.Count() == 0 })
	waitFor(t, func() bool {
		_, err := fx.contents.Get(context.Background(), loc)
		return err != nil
	})
}

func TestPollLoopSurvivesFailures(t *testing.T) {
	feed := &fakeLedger{
		failN:  3,
		events: []Event{registered(1, "e1", "u1", []float32{1, 0, 0, 0})},
	}
	fx := newSyncFixture(t, feed)

	require.NoError(t, fx.s.Start(context.Background()))
	defer fx.s.Stop()

	// The loop logs and backs off through the outage, then applies.
	waitFor(t, func() bool { return fx.ix.Count() == 1 })
}

func TestStopTakesFinalSnapshotAndClosesClient(t *testing.T) {
	feed := &fakeLedger{events: []Event{
		registered(1, "e1", "u1", []float32{1, 0, 0, 0}),
	}}
	fx := newSyncFixture(t, feed)

	require.NoError(t, fx.s.Start(context.Background()))
	waitFor(t, func() bool { return fx.ix.Count() == 1 })
	fx.s.Stop()

	assert.True(t, feed.closed, "stop releases the ledger connection")

	// A fresh synchronizer restores the final snapshot.
	ix2, err := index.New(index.Config{Dimension: 4})
	require.NoError(t, err)
	snaps2, err := snapshot.NewManager(fx.contents, snapshot.Config{PointerPath: fx.pointer})
	require.NoError(t, err)
	s2 := NewSynchronizer(&fakeLedger{}, ix2, snaps2, fx.contents, SyncConfig{})

	require.NoError(t, s2.Restore(context.Background()))
	assert.Equal(t, 1, ix2.Count())
	assert.Equal(t, uint64(1), s2.Checkpoint())
}

func TestStartTwiceFails(t *testing.T) {
	fx := newSyncFixture(t, &fakeLedger{})

	require.NoError(t, fx.s.Start(context.Background()))
	defer fx.s.Stop()

	assert.ErrorIs(t, fx.s.Start(context.Background()), ErrAlreadyRunning)
}

func TestRestoreToleratesDimensionMismatch(t *testing.T) {
	ctx := context.Background()

	contents, err := local.New(local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer contents.Close()

	pointer := filepath.Join(t.TempDir(), "snapshot.pointer")
	snaps, err := snapshot.NewManager(contents, snapshot.Config{PointerPath: pointer})
	require.NoError(t, err)

	// Snapshot taken from a dimension-4 deployment.
	ix4, err := index.New(index.Config{Dimension: 4})
	require.NoError(t, err)
	_, err = ix4.Insert(ctx, &index.IndexedEmbedding{
		EmbeddingID:    "e1",
		Owner:          "u1",
		Category:       "health",
		MetadataVector: []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	_, err = snaps.Save(ctx, ix4, 3)
	require.NoError(t, err)

	// Restored into a dimension-8 index: warn and start empty, never
	// abort startup or leave a partial restore behind.
	ix8, err := index.New(index.Config{Dimension: 8})
	require.NoError(t, err)
	s := NewSynchronizer(&fakeLedger{}, ix8, snaps, contents, SyncConfig{})

	require.NoError(t, s.Restore(ctx))
	assert.Equal(t, 0, ix8.Count())
	assert.Equal(t, uint64(0), s.Checkpoint())
}

func TestRestoreToleratesCorruptSnapshot(t *testing.T) {
	contents, err := local.New(local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer contents.Close()

	// Write garbage where the pointer expects a snapshot.
	loc, err := contents.Put(context.Background(), []byte("{definitely not a snapshot"))
	require.NoError(t, err)
	pointer := filepath.Join(t.TempDir(), "snapshot.pointer")
	require.NoError(t, os.WriteFile(pointer, []byte(loc), 0o644))

	ix, err := index.New(index.Config{Dimension: 4})
	require.NoError(t, err)
	snaps, err := snapshot.NewManager(contents, snapshot.Config{PointerPath: pointer})
	require.NoError(t, err)

	s := NewSynchronizer(&fakeLedger{}, ix, snaps, contents, SyncConfig{})
	require.NoError(t, s.Restore(context.Background()), "corrupt snapshot falls back to empty index")
	assert.Equal(t, 0, ix.Count())
}
