// Package signing provides the ed25519 signing capability of a party.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmynk/settlementd/internal/models"
)

var (
	ErrBadSignature = errors.New("signature does not verify")
	ErrWrongSigner  = errors.New("signature made by unexpected party")
)

// Signer signs transition hashes on behalf of one party.
type Signer interface {
	// Party returns the identity the signer signs as.
	Party() models.Party

	// Sign signs the transition's hash.
	Sign(tx *models.Transition) (models.Signature, error)

	// SignBytes signs an arbitrary digest (notary receipts, session tokens).
	SignBytes(digest []byte) ([]byte, error)
}

// KeySigner is a Signer backed by an in-memory ed25519 private key.
type KeySigner struct {
	party models.Party
	key   ed25519.PrivateKey
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner creates a signer for the named party.
func NewKeySigner(name string, key ed25519.PrivateKey) *KeySigner {
	pub, _ := key.Public().(ed25519.PublicKey)
	return &KeySigner{
		party: models.Party{Name: name, PublicKey: pub},
		key:   key,
	}
}

// Generate creates a signer with a fresh random key.
func Generate(name string) (*KeySigner, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySigner(name, key), nil
}

// Party returns the signer's identity.
func (s *KeySigner) Party() models.Party {
	return s.party
}

// PrivateKey exposes the key for token minting.
func (s *KeySigner) PrivateKey() ed25519.PrivateKey {
	return s.key
}

// Sign signs tx.Hash().
func (s *KeySigner) Sign(tx *models.Transition) (models.Signature, error) {
	h := tx.Hash()
	b, err := s.SignBytes(h[:])
	if err != nil {
		return models.Signature{}, err
	}
	return models.Signature{By: s.party, Bytes: b}, nil
}

// SignBytes signs digest.
func (s *KeySigner) SignBytes(digest []byte) ([]byte, error) {
	if len(s.key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key for %s", s.party.Name)
	}
	return ed25519.Sign(s.key, digest), nil
}

// Verify checks that sig was made by want over tx.Hash().
func Verify(tx *models.Transition, sig models.Signature, want models.Party) error {
	if !sig.By.Equal(want) {
		return fmt.Errorf("%w: want %s, got %s", ErrWrongSigner, want, sig.By)
	}
	h := tx.Hash()
	return VerifyBytes(want, h[:], sig.Bytes)
}

// VerifyBytes checks an ed25519 signature by p over digest.
func VerifyBytes(p models.Party, digest, sig []byte) error {
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %s has no usable public key", ErrBadSignature, p)
	}
	if !ed25519.Verify(p.PublicKey, digest, sig) {
		return fmt.Errorf("%w: by %s", ErrBadSignature, p)
	}
	return nil
}

// VerifyRequired checks that every required signer of stx has a valid signature.
// Signatures by parties that are not required are ignored.
func VerifyRequired(stx *models.SignedTransition) error {
	for _, p := range stx.Transition.RequiredSigners {
		sig, ok := stx.SignatureBy(p)
		if !ok {
			return fmt.Errorf("%w: missing signature from %s", ErrBadSignature, p)
		}
		if err := Verify(&stx.Transition, sig, p); err != nil {
			return err
		}
	}
	return nil
}

// VerifyNotarised checks the notary's signature on ntx against the trusted notary.
func VerifyNotarised(ntx *models.NotarisedTransition, notary models.Party) error {
	if !ntx.Notary.Equal(notary) {
		return fmt.Errorf("%w: notarised by %s, trusted notary is %s", ErrWrongSigner, ntx.Notary, notary)
	}
	h := ntx.Signed.Transition.Hash()
	return VerifyBytes(notary, h[:], ntx.NotarySignature)
}

// LoadKeyFile reads a hex-encoded ed25519 seed from path.
func LoadKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file must hold a %d-byte seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// WriteKeyFile writes key's seed to path, hex-encoded, readable only by the owner.
func WriteKeyFile(path string, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
