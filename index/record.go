package index

import "time"

// Storage layer tags distinguishing retention classes.
const (
	LayerShortLived = "short"
	LayerLongLived  = "long"
)

// Relationship is a public structured annotation linking two entities
// mentioned by a memory.
type Relationship struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// IndexedEmbedding is the public record for one stored memory. It is
// immutable after insertion except for ContentRef, which is filled in
// once the content-store write completes.
type IndexedEmbedding struct {
	// EmbeddingID is assigned by the producer and globally unique.
	EmbeddingID string `json:"embedding_id"`

	// Owner is the data subject's identity, used for access checks.
	Owner string `json:"owner"`

	// Category determines batch routing, e.g. "health", "finance".
	Category string `json:"category"`

	// MetadataVector is the public, searchable vector. It is
	// normalized to unit length before indexing.
	MetadataVector []float32 `json:"metadata_vector"`

	// ContentRef locates the encrypted payload in the content store.
	// Empty means the write has not completed yet.
	ContentRef string `json:"content_reference,omitempty"`

	// EncryptionIdentity is required to request a decryption key.
	EncryptionIdentity string `json:"encryption_identity"`

	// PolicyDigest is the hash of the canonicalized access policy
	// used at encryption time.
	PolicyDigest string `json:"access_policy_digest"`

	// Entities maps entity type to the names seen, e.g.
	// {"person": ["alice"]}. Public, used for filtering.
	Entities map[string][]string `json:"entities,omitempty"`

	// Relationships carried alongside for filtering. Public.
	Relationships []Relationship `json:"relationships,omitempty"`

	// Confidence is the producer's score for the extracted memory.
	Confidence float64 `json:"confidence"`

	// SimilarityThreshold is the per-record minimum cosine similarity
	// for it to surface in search results.
	SimilarityThreshold float32 `json:"similarity_threshold"`

	// StorageLayer tags the retention class.
	StorageLayer string `json:"storage_layer"`

	CreatedAt time.Time `json:"created_at"`
}

// Filters narrow a search. All supplied filters must pass
// (conjunctive); a zero-valued field is a no-op.
type Filters struct {
	Owner            string
	Category         string
	EntityType       string
	RelationshipType string
	MinConfidence    float64
	CreatedAfter     time.Time
}

// match reports whether rec passes every supplied filter.
func (f Filters) match(rec *IndexedEmbedding) bool {
	if f.Owner != "" && rec.Owner != f.Owner {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.EntityType != "" {
		if _, ok := rec.Entities[f.EntityType]; !ok {
			return false
		}
	}
	if f.RelationshipType != "" && !hasRelationship(rec.Relationships, f.RelationshipType) {
		return false
	}
	if f.MinConfidence > 0 && rec.Confidence < f.MinConfidence {
		return false
	}
	if !f.CreatedAfter.IsZero() && !rec.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

func hasRelationship(rels []Relationship, typ string) bool {
	for _, r := range rels {
		if r.Type == typ {
			return true
		}
	}
	return false
}

// Result is one search hit.
type Result struct {
	Record     *IndexedEmbedding
	InternalID int
	Similarity float32
}
