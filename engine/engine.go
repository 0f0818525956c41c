// Package engine composes the memory system's two-stage retrieval
// protocol and the ingest path.
//
// Stage 1 is public: ANN search over metadata vectors plus filters,
// returning only public fields. Stage 2 is private: authorization, key
// exchange, blob fetch, and decryption. Authorization and not-found
// outcomes are modeled as result values, not errors, because they are
// expected outcomes of normal operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/memvault/batch"
	"github.com/becomeliminal/memvault/crypt"
	"github.com/becomeliminal/memvault/embed"
	"github.com/becomeliminal/memvault/index"
	"github.com/becomeliminal/memvault/policy"
	"github.com/becomeliminal/memvault/store"
)

// accessFunc names the access path recorded in authorization proofs.
const accessFunc = "memory:retrieve"

// Notifier receives fire-and-forget access notifications. Failures
// never fail the retrieval that triggered them.
type Notifier interface {
	NotifyAccess(ctx context.Context, n AccessNotification) error
}

// AccessNotification describes one successful Stage-2 access.
type AccessNotification struct {
	EmbeddingID string
	Owner       string
	Requester   string
	Category    string
	At          time.Time
}

// Config holds engine tuning.
type Config struct {
	// MinSimilarity is the relevance cutoff for composing Stage 2 in
	// FullQueryWithContext. Default 0.5.
	MinSimilarity float32

	// MaxContextItems caps a context bundle. Default 10.
	MaxContextItems int

	// KeyRetry bounds retries of transport-failed key requests.
	KeyRetry store.RetryConfig
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	MinSimilarity:   0.5,
	MaxContextItems: 10,
	KeyRetry:        store.DefaultRetry,
}

// Engine orchestrates ingest and two-stage retrieval. All service
// handles are injected at construction; there are no package-level
// singletons.
type Engine struct {
	idx      *index.Index
	embedder embed.Embedder
	provider crypt.Provider
	contents store.Client
	batches  *batch.Manager
	auth     policy.Authorizer
	notifier Notifier
	cfg      *Config
	log      *logrus.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithAuthorizer overrides the default owner-match authorization.
func WithAuthorizer(a policy.Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// WithNotifier enables access notifications.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg *Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger overrides the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine from its collaborators.
func New(idx *index.Index, embedder embed.Embedder, provider crypt.Provider, contents store.Client, batches *batch.Manager, opts ...Option) *Engine {
	e := &Engine{
		idx:      idx,
		embedder: embedder,
		provider: provider,
		contents: contents,
		batches:  batches,
		auth:     policy.OwnerMatch{},
		cfg:      DefaultConfig,
		log:      logrus.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IngestRequest carries one memory into the system. Vectors are
// supplied by the caller; the engine does not embed ingest payloads.
type IngestRequest struct {
	// EmbeddingID is optional; a UUID is assigned when empty.
	EmbeddingID string

	Owner    string
	Category string

	// Payload is the private content, encrypted before it leaves the
	// process.
	Payload []byte

	// MetadataVector is the public searchable vector.
	MetadataVector []float32

	Entities            map[string][]string
	Relationships       []index.Relationship
	Confidence          float64
	SimilarityThreshold float32
	StorageLayer        string

	// ExtraRules are appended to the owner and category rules of the
	// access policy.
	ExtraRules []string
}

// Ingest encrypts, batches, and indexes one memory. The index entry is
// created before the content-store write completes; its content
// reference stays pending and is filled in on success. A store failure
// propagates with the record already searchable but unretrievable.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*index.IndexedEmbedding, error) {
	if req.Owner == "" || req.Category == "" {
		return nil, fmt.Errorf("engine: owner and category are required")
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("engine: payload is required")
	}
	if req.EmbeddingID == "" {
		req.EmbeddingID = uuid.New().String()
	}
	if req.StorageLayer == "" {
		req.StorageLayer = index.LayerLongLived
	}

	pol := policy.New(req.Owner, req.Category, req.ExtraRules...)
	ciphertext, identity, meta, err := e.provider.Encrypt(ctx, req.Payload, pol, req.EmbeddingID)
	if err != nil {
		return nil, fmt.Errorf("engine: encrypt: %w", err)
	}

	rec := &index.IndexedEmbedding{
		EmbeddingID:         req.EmbeddingID,
		Owner:               req.Owner,
		Category:            req.Category,
		MetadataVector:      req.MetadataVector,
		EncryptionIdentity:  identity,
		PolicyDigest:        meta.PolicyDigest,
		Entities:            req.Entities,
		Relationships:       req.Relationships,
		Confidence:          req.Confidence,
		SimilarityThreshold: req.SimilarityThreshold,
		StorageLayer:        req.StorageLayer,
		CreatedAt:           time.Now().UTC(),
	}
	if _, err := e.idx.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("engine: index: %w", err)
	}

	item, err := e.batches.Store(ctx, req.Owner, req.Category, ciphertext, map[string]string{
		"embedding_id": req.EmbeddingID,
		"category":     req.Category,
	})
	if err != nil {
		e.log.WithError(err).WithField("embedding_id", req.EmbeddingID).
			Warn("content store write failed, reference left pending")
		return rec, fmt.Errorf("engine: persist content: %w", err)
	}

	rec.ContentRef = item.ContentRef()
	if err := e.idx.SetContentRef(req.EmbeddingID, rec.ContentRef); err != nil {
		return rec, fmt.Errorf("engine: record content reference: %w", err)
	}
	return rec, nil
}

// Candidate is a Stage-1 result: public fields only, no decrypted
// content.
type Candidate struct {
	EmbeddingID        string
	Owner              string
	Category           string
	Similarity         float32
	ContentRef         string
	EncryptionIdentity string
	CreatedAt          time.Time
}

// SearchMetadata is Stage 1: embed the query text and run the
// filtered ANN search over public metadata.
func (e *Engine) SearchMetadata(ctx context.Context, queryText string, k int, f index.Filters) ([]Candidate, error) {
	vec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("engine: embed query: %w", err)
	}

	results, err := e.idx.Search(ctx, vec, k, f)
	if err != nil {
		return nil, fmt.Errorf("engine: search: %w", err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, Candidate{
			EmbeddingID:        r.Record.EmbeddingID,
			Owner:              r.Record.Owner,
			Category:           r.Record.Category,
			Similarity:         r.Similarity,
			ContentRef:         r.Record.ContentRef,
			EncryptionIdentity: r.Record.EncryptionIdentity,
			CreatedAt:          r.Record.CreatedAt,
		})
	}
	return candidates, nil
}

// RetrievalResult is the Stage-2 outcome. Access denial, missing
// records, and retrieval failures are all values here, never Go
// errors, so callers can render them directly.
type RetrievalResult struct {
	EmbeddingID   string
	Found         bool
	AccessGranted bool
	Decrypted     bool
	Payload       []byte
	Category      string
	FailureReason string
}

// Retrieve is Stage 2: authorize the requester's credential, exchange
// the proof for a key, fetch the encrypted payload, and decrypt. The
// credential is opaque to the engine; the configured Authorizer decides
// what it must prove.
func (e *Engine) Retrieve(ctx context.Context, embeddingID, requester, credential string) (*RetrievalResult, error) {
	res := &RetrievalResult{EmbeddingID: embeddingID}

	rec, ok := e.idx.Get(embeddingID)
	if !ok {
		return res, nil
	}
	res.Found = true
	res.Category = rec.Category

	if !e.auth.Authorize(rec.Owner, requester, credential) {
		e.log.WithFields(logrus.Fields{
			"embedding_id": embeddingID,
			"requester":    requester,
		}).Info("access denied")
		return res, nil
	}
	res.AccessGranted = true

	proof := crypt.AuthorizationProof{
		EmbeddingID: embeddingID,
		Requester:   requester,
		Identity:    rec.EncryptionIdentity,
		AccessFunc:  accessFunc,
		Nonce:       uuid.New().String(),
		IssuedAt:    time.Now().UTC(),
	}

	var key []byte
	err := store.Retry(ctx, e.cfg.KeyRetry, func(err error) bool {
		return errors.Is(err, crypt.ErrTransport)
	}, func() error {
		var err error
		key, err = e.provider.RequestKey(ctx, rec.EncryptionIdentity, proof)
		return err
	})
	if err != nil {
		res.FailureReason = fmt.Sprintf("key request failed: %v", err)
		return res, nil
	}

	ciphertext, err := e.fetchContent(ctx, rec.ContentRef)
	if err != nil {
		res.FailureReason = fmt.Sprintf("content retrieval failed: %v", err)
		return res, nil
	}

	payload, err := e.provider.Decrypt(ctx, ciphertext, key, rec.EncryptionIdentity)
	if err != nil {
		res.FailureReason = fmt.Sprintf("decrypt failed: %v", err)
		return res, nil
	}
	res.Decrypted = true
	res.Payload = payload

	e.notifyAccess(rec, requester)
	return res, nil
}

func (e *Engine) fetchContent(ctx context.Context, contentRef string) ([]byte, error) {
	if contentRef == "" {
		return nil, fmt.Errorf("content reference pending")
	}
	if loc, id, ok := store.ParseBatchRef(contentRef); ok {
		return e.contents.GetFromBatch(ctx, loc, id)
	}
	return e.contents.Get(ctx, store.Locator(contentRef))
}

// notifyAccess emits the notification on a detached context so a slow
// or failing notifier cannot affect the retrieval.
func (e *Engine) notifyAccess(rec *index.IndexedEmbedding, requester string) {
	if e.notifier == nil {
		return
	}
	n := AccessNotification{
		EmbeddingID: rec.EmbeddingID,
		Owner:       rec.Owner,
		Requester:   requester,
		Category:    rec.Category,
		At:          time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.NotifyAccess(ctx, n); err != nil {
			e.log.WithError(err).Debug("access notification failed")
		}
	}()
}

// ContextItem is one decrypted memory in a context bundle.
type ContextItem struct {
	EmbeddingID string
	Category    string
	Similarity  float32
	Content     string
	CreatedAt   time.Time
}

// ContextBundle is the caller-facing result of a full query.
type ContextBundle struct {
	Query   string
	Items   []ContextItem
	Skipped int
}

// FullQueryWithContext composes Stage 1 and Stage 2: search, keep
// candidates above the relevance cutoff, retrieve and decrypt each.
// Individual Stage-2 failures are skipped, not fatal to the whole
// operation.
func (e *Engine) FullQueryWithContext(ctx context.Context, queryText, requester, credential string, maxItems int) (*ContextBundle, error) {
	if maxItems <= 0 {
		maxItems = e.cfg.MaxContextItems
	}

	candidates, err := e.SearchMetadata(ctx, queryText, maxItems, index.Filters{Owner: requester})
	if err != nil {
		return nil, err
	}

	bundle := &ContextBundle{Query: queryText}
	for _, cand := range candidates {
		if cand.Similarity < e.cfg.MinSimilarity {
			continue
		}
		if len(bundle.Items) >= maxItems {
			break
		}

		res, err := e.Retrieve(ctx, cand.EmbeddingID, requester, credential)
		if err != nil {
			return nil, err
		}
		if !res.Decrypted {
			bundle.Skipped++
			e.log.WithFields(logrus.Fields{
				"embedding_id": cand.EmbeddingID,
				"reason":       res.FailureReason,
			}).Debug("skipping candidate in context bundle")
			continue
		}

		bundle.Items = append(bundle.Items, ContextItem{
			EmbeddingID: cand.EmbeddingID,
			Category:    cand.Category,
			Similarity:  cand.Similarity,
			Content:     string(res.Payload),
			CreatedAt:   cand.CreatedAt,
		})
	}
	return bundle, nil
}
