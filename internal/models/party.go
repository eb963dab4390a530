package models

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
)

// Party is a participant in the settlement network.
// A party is identified by its name and the ed25519 key it signs with;
// two parties with the same name but different keys are different parties.
type Party struct {
	// Name is the legal/display name used for lookup (e.g. "BankA").
	Name string `json:"name"`

	// PublicKey is the party's signing key.
	PublicKey ed25519.PublicKey `json:"publicKey"`
}

// Equal reports whether p and o are the same party.
func (p Party) Equal(o Party) bool {
	return p.Name == o.Name && bytes.Equal(p.PublicKey, o.PublicKey)
}

// IsZero reports whether p is the absent party.
func (p Party) IsZero() bool {
	return p.Name == "" && len(p.PublicKey) == 0
}

// String returns the party name.
func (p Party) String() string {
	return p.Name
}

// Fingerprint returns a short hex prefix of the public key, for logs.
func (p Party) Fingerprint() string {
	if len(p.PublicKey) < 8 {
		return hex.EncodeToString(p.PublicKey)
	}
	return hex.EncodeToString(p.PublicKey[:8])
}

// SameParties reports whether a and b contain exactly the same set of parties.
// Duplicates are ignored.
func SameParties(a, b []Party) bool {
	return containsAll(a, b) && containsAll(b, a)
}

// DistinctParties returns the number of distinct parties in ps.
func DistinctParties(ps []Party) int {
	n := 0
	for i, p := range ps {
		seen := false
		for _, q := range ps[:i] {
			if p.Equal(q) {
				seen = true
				break
			}
		}
		if !seen {
			n++
		}
	}
	return n
}

// ContainsParty reports whether p is in ps.
func ContainsParty(ps []Party, p Party) bool {
	for _, q := range ps {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

func containsAll(set, sub []Party) bool {
	for _, p := range sub {
		if !ContainsParty(set, p) {
			return false
		}
	}
	return true
}
