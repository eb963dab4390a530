package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/mmynk/settlementd/internal/signing"
)

const registrationDomain = "settlement.netmap.v1.register"

// ErrStaleRegistration is returned when a signed registration is not newer
// than the one already accepted for the same party.
var ErrStaleRegistration = errors.New("stale registration")

// Registration is an entry signed by the key it registers. IssuedAt orders
// registrations of one party so an old one cannot be replayed.
type Registration struct {
	Entry     Entry  `json:"entry"`
	IssuedAt  int64  `json:"issuedAt"`
	Signature []byte `json:"signature"`
}

// SignRegistration registers signer's party at address.
func SignRegistration(signer signing.Signer, address string, at time.Time) (*Registration, error) {
	r := &Registration{
		Entry:    Entry{Party: signer.Party(), Address: address},
		IssuedAt: at.UnixNano(),
	}
	sig, err := signer.SignBytes(r.digest())
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration: %w", err)
	}
	r.Signature = sig
	return r, nil
}

// Verify checks that the registration was signed by the key it registers.
func (r *Registration) Verify() error {
	return signing.VerifyBytes(r.Entry.Party, r.digest(), r.Signature)
}

func (r *Registration) digest() []byte {
	h := sha3.New256()
	field := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	field([]byte(registrationDomain))
	field([]byte(r.Entry.Party.Name))
	field(r.Entry.Party.PublicKey)
	field([]byte(r.Entry.Address))

	var at [8]byte
	binary.BigEndian.PutUint64(at[:], uint64(r.IssuedAt))
	h.Write(at[:])
	return h.Sum(nil)
}
