package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memvault/batch"
	"github.com/becomeliminal/memvault/crypt/sim"
	"github.com/becomeliminal/memvault/embed/mock"
	"github.com/becomeliminal/memvault/index"
	"github.com/becomeliminal/memvault/store"
	"github.com/becomeliminal/memvault/store/local"
)

const testDims = 8

type fixture struct {
	engine   *Engine
	embedder *mock.Embedder
	contents store.Client
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	contents, err := local.New(local.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { contents.Close() })

	ix, err := index.New(index.Config{Dimension: testDims})
	require.NoError(t, err)

	embedder := mock.NewWithDimensions(testDims)
	batches := batch.NewManager(contents, batch.Config{Capacity: 4})

	return &fixture{
		engine:   New(ix, embedder, sim.New(""), contents, batches, opts...),
		embedder: embedder,
		contents: contents,
	}
}

// ingest embeds the text itself so searches for the same text rank it
// at similarity ~1.0.
func (f *fixture) ingest(t *testing.T, owner, category, text string) *index.IndexedEmbedding {
	t.Helper()

	vec, err := f.embedder.Embed(context.Background(), text)
	require.NoError(t, err)

	rec, err := f.engine.Ingest(context.Background(), IngestRequest{
		Owner:          owner,
		Category:       category,
		Payload:        []byte(text),
		MetadataVector: vec,
	})
	require.NoError(t, err)
	return rec
}

func TestIngestThenRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := f.ingest(t, "user-1", "health", "allergic to penicillin")
	require.NotEmpty(t, rec.EmbeddingID)
	require.NotEmpty(t, rec.EncryptionIdentity)
	assert.True(t, strings.HasPrefix(rec.ContentRef, "quilt://"),
		"content reference points into a batch")

	res, err := f.engine.Retrieve(ctx, rec.EmbeddingID, "user-1", "")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.AccessGranted)
	assert.True(t, res.Decrypted)
	assert.Equal(t, []byte("allergic to penicillin"), res.Payload)
	assert.Equal(t, "health", res.Category)
}

func TestRetrieveUnknownEmbedding(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Retrieve(context.Background(), "nope", "user-1", "")
	require.NoError(t, err, "a missing record is a value, not an error")
	assert.False(t, res.Found)
	assert.False(t, res.AccessGranted)
	assert.Nil(t, res.Payload)
}

func TestRetrieveDeniedForOtherRequester(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := f.ingest(t, "user-1", "health", "private fact")

	res, err := f.engine.Retrieve(ctx, rec.EmbeddingID, "user-2", "")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.False(t, res.AccessGranted)
	assert.False(t, res.Decrypted)
	assert.Nil(t, res.Payload, "no private content leaks on denial")
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Ingest(ctx, IngestRequest{Category: "health", Payload: []byte("x")})
	assert.Error(t, err, "owner is required")

	_, err = f.engine.Ingest(ctx, IngestRequest{Owner: "u1", Category: "health"})
	assert.Error(t, err, "payload is required")
}

func TestSearchMetadataExposesPublicFieldsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.ingest(t, "user-1", "health", "allergic to penicillin")
	f.ingest(t, "user-1", "finance", "monthly rent is 1200")

	candidates, err := f.engine.SearchMetadata(ctx, "allergic to penicillin", 1, index.Filters{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "health", c.Category)
	assert.Equal(t, "user-1", c.Owner)
	assert.InDelta(t, 1.0, float64(c.Similarity), 0.001)
	assert.NotEmpty(t, c.ContentRef)
	assert.NotEmpty(t, c.EncryptionIdentity)
}

func TestFullQueryReturnsDecryptedContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.ingest(t, "user-1", "health", "allergic to penicillin")
	f.ingest(t, "user-1", "finance", "monthly rent is 1200")

	bundle, err := f.engine.FullQueryWithContext(ctx, "allergic to penicillin", "user-1", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Items)
	assert.Equal(t, "allergic to penicillin", bundle.Items[0].Content)
	assert.Equal(t, "health", bundle.Items[0].Category)
}

func TestFullQueryIsScopedToRequester(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.ingest(t, "user-1", "health", "allergic to penicillin")

	bundle, err := f.engine.FullQueryWithContext(ctx, "allergic to penicillin", "user-2", "", 5)
	require.NoError(t, err)
	assert.Empty(t, bundle.Items, "another user's memories never enter the bundle")
	assert.Zero(t, bundle.Skipped)
}

// failingBatchStore rejects batch writes so ingested records stay
// searchable with a pending content reference.
type failingBatchStore struct {
	store.Client
}

func (f *failingBatchStore) PutBatch(ctx context.Context, items []store.BatchItem) (store.BatchRef, error) {
	return store.BatchRef{}, fmt.Errorf("%w: batch endpoint down", store.ErrTransport)
}

func TestFullQuerySkipsPendingContent(t *testing.T) {
	ctx := context.Background()

	contents, err := local.New(local.Config{})
	require.NoError(t, err)
	defer contents.Close()

	ix, err := index.New(index.Config{Dimension: testDims})
	require.NoError(t, err)

	embedder := mock.NewWithDimensions(testDims)
	failing := &failingBatchStore{Client: contents}
	batches := batch.NewManager(failing, batch.Config{})
	e := New(ix, embedder, sim.New(""), failing, batches)

	vec, err := embedder.Embed(ctx, "allergic to penicillin")
	require.NoError(t, err)

	rec, err := e.Ingest(ctx, IngestRequest{
		Owner:          "user-1",
		Category:       "health",
		Payload:        []byte("allergic to penicillin"),
		MetadataVector: vec,
	})
	require.Error(t, err, "the store failure propagates")
	require.NotNil(t, rec)
	assert.Empty(t, rec.ContentRef, "reference stays pending after a failed write")

	// The record is searchable but not retrievable, so the bundle skips
	// it instead of failing.
	bundle, err := e.FullQueryWithContext(ctx, "allergic to penicillin", "user-1", "", 5)
	require.NoError(t, err)
	assert.Empty(t, bundle.Items)
	assert.Equal(t, 1, bundle.Skipped)
}

// credentialAuthorizer grants access only for a known token and records
// what it was handed.
type credentialAuthorizer struct {
	token    string
	lastSeen string
}

func (a *credentialAuthorizer) Authorize(owner, requester, credential string) bool {
	a.lastSeen = credential
	return credential == a.token
}

func TestAuthorizerReceivesCredential(t *testing.T) {
	ctx := context.Background()
	auth := &credentialAuthorizer{token: "valid-token"}
	f := newFixture(t, WithAuthorizer(auth))

	rec := f.ingest(t, "user-1", "health", "fact")

	res, err := f.engine.Retrieve(ctx, rec.EmbeddingID, "user-1", "wrong-token")
	require.NoError(t, err)
	assert.False(t, res.AccessGranted)
	assert.Equal(t, "wrong-token", auth.lastSeen, "the credential reaches the authorizer unchanged")

	res, err = f.engine.Retrieve(ctx, rec.EmbeddingID, "user-1", "valid-token")
	require.NoError(t, err)
	assert.True(t, res.AccessGranted)
	assert.True(t, res.Decrypted)
}

type channelNotifier struct {
	ch chan AccessNotification
}

func (n *channelNotifier) NotifyAccess(ctx context.Context, notif AccessNotification) error {
	n.ch <- notif
	return nil
}

func TestSuccessfulRetrievalNotifies(t *testing.T) {
	ctx := context.Background()
	notifier := &channelNotifier{ch: make(chan AccessNotification, 1)}
	f := newFixture(t, WithNotifier(notifier))

	rec := f.ingest(t, "user-1", "health", "fact")

	res, err := f.engine.Retrieve(ctx, rec.EmbeddingID, "user-1", "")
	require.NoError(t, err)
	require.True(t, res.Decrypted)

	select {
	case n := <-notifier.ch:
		assert.Equal(t, rec.EmbeddingID, n.EmbeddingID)
		assert.Equal(t, "user-1", n.Owner)
		assert.Equal(t, "user-1", n.Requester)
	case <-time.After(2 * time.Second):
		t.Fatal("no access notification arrived")
	}
}

func TestDeniedRetrievalDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	notifier := &channelNotifier{ch: make(chan AccessNotification, 1)}
	f := newFixture(t, WithNotifier(notifier))

	rec := f.ingest(t, "user-1", "health", "fact")

	_, err := f.engine.Retrieve(ctx, rec.EmbeddingID, "user-2", "")
	require.NoError(t, err)

	select {
	case <-notifier.ch:
		t.Fatal("denied access must not notify")
	case <-time.After(50 * time.Millisecond):
	}
}
