// Package policy builds canonical access policies and derives the
// deterministic encryption identities used to request decryption keys.
//
// Determinism is load-bearing: a legitimate requester recomputes the
// identity string from the same owner/category/policy inputs, so two
// calls with the same logical policy must always produce the same
// digest and the same identity, regardless of rule input ordering.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// identitySeparator joins the identity components. It never appears in
// owner or category values produced by the ingest layer.
const identitySeparator = "::"

// AccessPolicy is the canonical rule set governing who may obtain a
// decryption key for objects encrypted under it.
type AccessPolicy struct {
	Owner       string
	Category    string
	AccessRules []string
	Digest      string
}

// New builds the canonical policy for an owner/category pair. The rule
// set always begins with an owner rule and a category rule, followed by
// any extra predicates the caller supplies.
func New(owner, category string, extraRules ...string) AccessPolicy {
	rules := make([]string, 0, len(extraRules)+2)
	rules = append(rules, "owner:"+owner, "category:"+category)
	rules = append(rules, extraRules...)

	return AccessPolicy{
		Owner:       owner,
		Category:    category,
		AccessRules: rules,
		Digest:      digest(rules),
	}
}

// digest hashes the rule set serialized in sorted order, so policies
// that differ only in rule ordering are interchangeable downstream.
func digest(rules []string) string {
	sorted := append([]string(nil), rules...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// DeriveIdentity produces the encryption identity for a policy and an
// optional object id. Re-deriving from the same inputs always yields
// the same string.
func DeriveIdentity(p AccessPolicy, objectID string) string {
	parts := []string{p.Owner, p.Category, p.Digest}
	if objectID != "" {
		parts = append(parts, objectID)
	}
	return strings.Join(parts, identitySeparator)
}

// Authorizer decides whether a requester may exercise the access rights
// of a record owner. The engine consults it before any key request is
// made, so a stronger scheme (signature verification of the credential
// against the requester's identity) can replace OwnerMatch without
// changing the retrieval control flow.
type Authorizer interface {
	Authorize(owner, requester, credential string) bool
}

// OwnerMatch authorizes by case-insensitive equality between requester
// and stored owner, ignoring the credential. This is a development-mode
// check, not a cryptographic verification of the requester's claimed
// identity.
type OwnerMatch struct{}

// Authorize implements Authorizer.
func (OwnerMatch) Authorize(owner, requester, _ string) bool {
	return owner != "" && strings.EqualFold(owner, requester)
}
