// Package crypt defines the encryption provider contract for the
// private content layer.
//
// A Provider encrypts a payload under an identity derived from an
// access policy, and later exchanges an authorization proof for the
// matching decryption key. Two implementations exist:
//   - crypt/seal: delegates to an external threshold identity-based
//     encryption service over the network
//   - crypt/sim: reversible local transform for environments without
//     that service (NOT cryptographically secure)
//
// The implementation is chosen once at construction; no call site
// branches on whether the system is simulating.
package crypt

import (
	"context"
	"errors"
	"time"

	"github.com/becomeliminal/memvault/policy"
)

// Transport failures are eligible for retry; service rejections are
// not. Providers wrap every returned error with exactly one of these
// so callers can check with errors.Is.
var (
	// ErrTransport marks network-level failures (timeout, connection
	// refused, 5xx) where the request may never have been evaluated.
	ErrTransport = errors.New("crypt: transport failure")

	// ErrRejected marks application-level refusals (wrong policy,
	// unknown identity, denied proof). Retrying cannot succeed.
	ErrRejected = errors.New("crypt: service rejected request")
)

// AuthorizationProof asserts who is requesting a key, for which
// identity, and when. It is constructed by the caller exercising the
// access (the query engine); providers validate or forward it but
// never construct one themselves.
type AuthorizationProof struct {
	EmbeddingID string    `json:"embedding_id"`
	Requester   string    `json:"requester"`
	Identity    string    `json:"identity"`
	AccessFunc  string    `json:"access_func"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Metadata describes how a payload was encrypted. It is stored
// alongside the public record so a requester can re-derive everything
// needed for a key request.
type Metadata struct {
	Scheme       string    `json:"scheme"`
	Identity     string    `json:"identity"`
	PolicyDigest string    `json:"policy_digest"`
	EncryptedAt  time.Time `json:"encrypted_at"`
}

// Provider is the capability interface for the encrypted content
// layer.
type Provider interface {
	// Encrypt seals payload under the identity derived from pol and
	// objectID, returning the ciphertext, the identity, and metadata.
	Encrypt(ctx context.Context, payload []byte, pol policy.AccessPolicy, objectID string) (ciphertext []byte, identity string, meta Metadata, err error)

	// RequestKey exchanges an authorization proof for the decryption
	// key of identity.
	RequestKey(ctx context.Context, identity string, proof AuthorizationProof) (key []byte, err error)

	// Decrypt reverses Encrypt using a key obtained from RequestKey.
	Decrypt(ctx context.Context, ciphertext, key []byte, identity string) ([]byte, error)
}
