// Package store defines the content store client contract: a remote
// content-addressable blob service with batch ("quilt") support, plus
// the retry primitive shared by components that talk to it.
//
// Implementations:
//   - store/remote: HTTP client with retry, backoff, and a read cache
//   - store/local: badger-backed store for development and tests
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTransport marks network-level failures. Clients retry these
	// internally up to their attempt bound before surfacing.
	ErrTransport = errors.New("store: transport failure")

	// ErrRejected marks explicit remote refusals. Never retried.
	ErrRejected = errors.New("store: request rejected")

	// ErrNotFound marks a missing blob or batch entry. Never retried;
	// AwaitBatchAvailability exists for propagation delay.
	ErrNotFound = errors.New("store: not found")
)

// Locator is an opaque reference to a stored blob or batch.
type Locator string

// BatchItem is one entry in a batched write.
type BatchItem struct {
	ID   string
	Data []byte
	Tags map[string]string
}

// BatchRef is the result of a batched write: the batch locator and a
// per-item patch id for each identifier.
type BatchRef struct {
	Locator Locator
	Patches map[string]string
}

// Client is the content store contract.
type Client interface {
	// Put stores a blob and returns its locator.
	Put(ctx context.Context, data []byte) (Locator, error)

	// Get retrieves a blob by locator.
	Get(ctx context.Context, loc Locator) ([]byte, error)

	// Delete removes a blob. Best-effort callers may ignore errors.
	Delete(ctx context.Context, loc Locator) error

	// PutBatch stores many blobs as one batch. Batches are immutable
	// once written.
	PutBatch(ctx context.Context, items []BatchItem) (BatchRef, error)

	// GetFromBatch retrieves one entry of a batch by its identifier.
	GetFromBatch(ctx context.Context, loc Locator, id string) ([]byte, error)

	// AwaitBatchAvailability polls GetFromBatch for probeID until it
	// succeeds or maxWait elapses. The store may take time to
	// propagate a freshly written batch; callers needing immediate
	// readability call this first.
	AwaitBatchAvailability(ctx context.Context, loc Locator, probeID string, maxWait time.Duration) bool

	// Close releases resources.
	Close() error
}

// batchRefScheme prefixes content references that address an entry
// inside a batch rather than a standalone blob.
const batchRefScheme = "quilt://"

// FormatBatchRef renders a content reference for one entry of a batch.
func FormatBatchRef(loc Locator, id string) string {
	return batchRefScheme + string(loc) + "/" + id
}

// ParseBatchRef splits a content reference. ok is false for plain blob
// locators, which are used as-is.
func ParseBatchRef(ref string) (loc Locator, id string, ok bool) {
	rest, found := strings.CutPrefix(ref, batchRefScheme)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return Locator(rest[:i]), rest[i+1:], true
}

// RetryConfig bounds a retried operation.
type RetryConfig struct {
	// Attempts is the total attempt count, including the first.
	// Default 3.
	Attempts int

	// BaseDelay is the wait after the first failure; it doubles per
	// attempt. Default 500ms.
	BaseDelay time.Duration
}

// DefaultRetry matches the bounds used across the system for network
// calls.
var DefaultRetry = RetryConfig{Attempts: 3, BaseDelay: 500 * time.Millisecond}

// Retry runs op with bounded attempts and exponential backoff. Only
// errors accepted by retryable are retried; anything else returns
// immediately. Context cancellation aborts the wait.
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, op func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRetry.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetry.BaseDelay
	}

	delay := cfg.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) || attempt >= cfg.Attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (context canceled during retry: %v)", err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
