package models

import (
	"encoding/hex"
	"fmt"
)

// Command is the intent of a transition.
type Command string

const (
	CommandCreate Command = "create"
	CommandUpdate Command = "update"
	CommandDelete Command = "delete"
)

// Transition is an atomic consume/produce step over settlement records.
// Either every consumed version is invalidated and every produced record
// committed, or nothing happens.
type Transition struct {
	// Kind names the record family whose rules govern the transition.
	Kind RecordKind `json:"kind"`

	// Command is the intent: create, update or delete.
	Command Command `json:"command"`

	// Consumed are the record versions this transition invalidates.
	Consumed []SettlementRecord `json:"consumed,omitempty"`

	// Produced are the record versions this transition commits.
	Produced []SettlementRecord `json:"produced,omitempty"`

	// RequiredSigners are the parties that must sign before ordering.
	RequiredSigners []Party `json:"requiredSigners"`
}

// Hash returns the SHA3-256 digest of the canonical encoding.
// Signatures cover exactly these bytes.
func (t *Transition) Hash() [32]byte {
	return hashCanonical(t)
}

// ID returns the hex form of Hash; it identifies the transition everywhere.
func (t *Transition) ID() string {
	h := t.Hash()
	return hex.EncodeToString(h[:])
}

// ConsumedRefs returns the references of every consumed version.
func (t *Transition) ConsumedRefs() []RecordRef {
	refs := make([]RecordRef, len(t.Consumed))
	for i := range t.Consumed {
		refs[i] = t.Consumed[i].Ref()
	}
	return refs
}

// Signature is one party's ed25519 signature over a transition hash.
type Signature struct {
	By    Party  `json:"by"`
	Bytes []byte `json:"bytes"`
}

// SignedTransition is a transition together with the signatures collected so far.
type SignedTransition struct {
	Transition Transition  `json:"transition"`
	Signatures []Signature `json:"signatures"`
}

// SignatureBy returns the signature made by p, if any.
func (s *SignedTransition) SignatureBy(p Party) (Signature, bool) {
	for _, sig := range s.Signatures {
		if sig.By.Equal(p) {
			return sig, true
		}
	}
	return Signature{}, false
}

// WithSignature returns a copy of s with sig appended.
func (s *SignedTransition) WithSignature(sig Signature) *SignedTransition {
	out := &SignedTransition{
		Transition: s.Transition,
		Signatures: make([]Signature, 0, len(s.Signatures)+1),
	}
	out.Signatures = append(out.Signatures, s.Signatures...)
	out.Signatures = append(out.Signatures, sig)
	return out
}

// Signers returns the parties that have signed s.
func (s *SignedTransition) Signers() []Party {
	out := make([]Party, len(s.Signatures))
	for i, sig := range s.Signatures {
		out[i] = sig.By
	}
	return out
}

// MissingSigners returns the required signers with no signature in s.
// Signatures are not verified here.
func (s *SignedTransition) MissingSigners() []Party {
	var missing []Party
	for _, p := range s.Transition.RequiredSigners {
		if _, ok := s.SignatureBy(p); !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// NotarisedTransition is a fully-signed transition accepted by the ordering service.
type NotarisedTransition struct {
	Signed SignedTransition `json:"signed"`

	// Sequence is the global position assigned by the ordering service.
	Sequence uint64 `json:"sequence"`

	// Notary is the ordering service identity.
	Notary Party `json:"notary"`

	// NotarySignature covers the transition hash.
	NotarySignature []byte `json:"notarySignature"`
}

// ID returns the transition ID.
func (n *NotarisedTransition) ID() string {
	return n.Signed.Transition.ID()
}

func (n *NotarisedTransition) String() string {
	return fmt.Sprintf("%s #%d", n.ID(), n.Sequence)
}
