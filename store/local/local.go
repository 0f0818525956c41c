// Package local is a badger-backed content store for development and
// tests. Blobs are content-addressed by SHA-256; batches are stored as
// one record per entry under the batch locator. It implements the same
// contract as store/remote, so the rest of the system runs unchanged
// without a network store.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/store"
)

const (
	blobPrefix  = "blob:"
	quiltPrefix = "quilt:"
)

// Config configures the local store.
type Config struct {
	// Path is the badger directory. Empty opens an in-memory store.
	Path string

	// Logger defaults to logrus.New() when nil.
	Logger *logrus.Logger
}

// Store implements store.Client on badger.
type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

// New opens the local store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("local: open badger: %w", err)
	}
	return &Store{db: db, log: cfg.Logger}, nil
}

// Put implements store.Client. The locator is the hex SHA-256 of the
// content, so duplicate payloads dedupe naturally.
func (s *Store) Put(ctx context.Context, data []byte) (store.Locator, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	loc := store.Locator(hex.EncodeToString(sum[:]))

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+string(loc)), data)
	})
	if err != nil {
		return "", fmt.Errorf("local: put: %w", err)
	}
	return loc, nil
}

// Get implements store.Client.
func (s *Store) Get(ctx context.Context, loc store.Locator) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(blobPrefix + string(loc))
}

// Delete implements store.Client.
func (s *Store) Delete(ctx context.Context, loc store.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blobPrefix + string(loc)))
	})
	if err != nil {
		return fmt.Errorf("local: delete: %w", err)
	}
	return nil
}

// PutBatch implements store.Client. Each entry is written under the
// batch locator in one transaction; the patch id is locator-scoped.
func (s *Store) PutBatch(ctx context.Context, items []store.BatchItem) (store.BatchRef, error) {
	if err := ctx.Err(); err != nil {
		return store.BatchRef{}, err
	}
	if len(items) == 0 {
		return store.BatchRef{}, fmt.Errorf("%w: empty batch", store.ErrRejected)
	}

	loc := store.Locator(uuid.New().String())
	patches := make(map[string]string, len(items))

	err := s.db.Update(func(txn *badger.Txn) error {
		for i, it := range items {
			if it.ID == "" {
				return fmt.Errorf("%w: batch item without identifier", store.ErrRejected)
			}
			if err := txn.Set(quiltKey(loc, it.ID), it.Data); err != nil {
				return err
			}
			patches[it.ID] = fmt.Sprintf("%s:%d", loc, i)
		}
		return nil
	})
	if err != nil {
		return store.BatchRef{}, fmt.Errorf("local: put batch: %w", err)
	}

	s.log.WithFields(logrus.Fields{"locator": loc, "entries": len(items)}).
		Debug("wrote batch")
	return store.BatchRef{Locator: loc, Patches: patches}, nil
}

// GetFromBatch implements store.Client.
func (s *Store) GetFromBatch(ctx context.Context, loc store.Locator, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(string(quiltKey(loc, id)))
}

// AwaitBatchAvailability implements store.Client. Local writes are
// immediately visible, so a single probe decides.
func (s *Store) AwaitBatchAvailability(ctx context.Context, loc store.Locator, probeID string, maxWait time.Duration) bool {
	_, err := s.GetFromBatch(ctx, loc, probeID)
	return err == nil
}

// Close implements store.Client.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) read(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("local: read: %w", err)
	}
	return data, nil
}

func quiltKey(loc store.Locator, id string) []byte {
	return []byte(quiltPrefix + string(loc) + ":" + id)
}
