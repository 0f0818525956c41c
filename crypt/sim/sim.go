// Package sim provides a simulated encryption provider for local
// development and tests.
//
// The transform is a keyed XOR stream derived from SHA-256 and is NOT
// cryptographically secure. It exists so the rest of the system can run
// without the external key-release service; never deploy it where the
// encrypted layer must actually protect data.
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/becomeliminal/memvault/crypt"
	"github.com/becomeliminal/memvault/policy"
)

// Scheme identifies payloads sealed by this provider.
const Scheme = "simulated-xor-v1"

// Provider implements crypt.Provider with a reversible local
// transform. The decryption key is derived deterministically from the
// identity, so RequestKey needs no server round trip.
type Provider struct {
	secret []byte
}

// New creates a simulated provider. The secret folds into every derived
// key; any non-empty value works for tests.
func New(secret string) *Provider {
	if secret == "" {
		secret = "memvault-simulated"
	}
	return &Provider{secret: []byte(secret)}
}

// Encrypt implements crypt.Provider.
func (p *Provider) Encrypt(ctx context.Context, payload []byte, pol policy.AccessPolicy, objectID string) ([]byte, string, crypt.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", crypt.Metadata{}, err
	}

	identity := policy.DeriveIdentity(pol, objectID)
	key := p.deriveKey(identity)

	meta := crypt.Metadata{
		Scheme:       Scheme,
		Identity:     identity,
		PolicyDigest: pol.Digest,
		EncryptedAt:  time.Now().UTC(),
	}
	return xorStream(payload, key), identity, meta, nil
}

// RequestKey implements crypt.Provider. The proof must name the same
// identity the key is requested for; anything else is a rejection, not
// a transport failure.
func (p *Provider) RequestKey(ctx context.Context, identity string, proof crypt.AuthorizationProof) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity == "" || proof.Requester == "" {
		return nil, fmt.Errorf("%w: empty identity or requester", crypt.ErrRejected)
	}
	if proof.Identity != identity {
		return nil, fmt.Errorf("%w: proof identity mismatch", crypt.ErrRejected)
	}
	return p.deriveKey(identity), nil
}

// Decrypt implements crypt.Provider. XOR is its own inverse, but the
// key is still checked against the identity so a wrong key surfaces as
// a rejection instead of garbage plaintext.
func (p *Provider) Decrypt(ctx context.Context, ciphertext, key []byte, identity string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expected := p.deriveKey(identity)
	if !hashEqual(key, expected) {
		return nil, fmt.Errorf("%w: key does not match identity", crypt.ErrRejected)
	}
	return xorStream(ciphertext, key), nil
}

func (p *Provider) deriveKey(identity string) []byte {
	h := sha256.New()
	h.Write(p.secret)
	h.Write([]byte(identity))
	return h.Sum(nil)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// xorStream XORs data against a SHA-256 keystream expanded from key
// with a block counter.
func xorStream(data, key []byte) []byte {
	out := make([]byte, len(data))
	var counter [8]byte
	block := 0

	for off := 0; off < len(data); off += sha256.Size {
		binary.BigEndian.PutUint64(counter[:], uint64(block))
		h := sha256.New()
		h.Write(key)
		h.Write(counter[:])
		stream := h.Sum(nil)

		for i := 0; i < sha256.Size && off+i < len(data); i++ {
			out[off+i] = data[off+i] ^ stream[i]
		}
		block++
	}
	return out
}
