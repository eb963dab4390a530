// Package identity maps party names to their public keys and session
// addresses. Every node trusts the same network map; a name that is not on
// the map cannot take part in an agreement.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mmynk/settlementd/internal/models"
)

// ErrNotFound is returned when a name is not on the network map.
var ErrNotFound = errors.New("party not found")

// Entry is one network map registration.
type Entry struct {
	Party models.Party `json:"party"`

	// Address is the base URL of the party's peer session endpoint.
	Address string `json:"address"`
}

// Directory is an in-memory network map.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	issued  map[string]int64
}

// NewDirectory creates a directory pre-populated with entries.
func NewDirectory(entries ...Entry) *Directory {
	d := &Directory{
		entries: make(map[string]Entry, len(entries)),
		issued:  make(map[string]int64),
	}
	for _, e := range entries {
		d.entries[e.Party.Name] = e
	}
	return d
}

// Register adds an entry on behalf of a trusted local caller. Repeating an
// identical registration is a no-op. Moving a registered party to another
// address needs RegisterSigned.
func (d *Directory) Register(_ context.Context, e Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.entries[e.Party.Name]
	if ok {
		if !prev.Party.Equal(e.Party) {
			return fmt.Errorf("party %s already registered with a different key", e.Party.Name)
		}
		if prev.Address != e.Address {
			return fmt.Errorf("party %s: address change requires a signed registration", e.Party.Name)
		}
	}
	d.entries[e.Party.Name] = e
	return nil
}

// RegisterSigned adds or moves an entry. The registration must be signed by
// the key it registers, that key must match any earlier registration of the
// name, and it must be newer than the last one accepted.
func (d *Directory) RegisterSigned(_ context.Context, r *Registration) error {
	if r == nil {
		return errors.New("registration is required")
	}
	e := r.Entry
	if err := checkEntry(e); err != nil {
		return err
	}
	if err := r.Verify(); err != nil {
		return fmt.Errorf("party %s: %w", e.Party.Name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.entries[e.Party.Name]; ok && !prev.Party.Equal(e.Party) {
		return fmt.Errorf("party %s already registered with a different key", e.Party.Name)
	}
	if last, ok := d.issued[e.Party.Name]; ok && r.IssuedAt <= last {
		return fmt.Errorf("party %s: %w", e.Party.Name, ErrStaleRegistration)
	}
	d.entries[e.Party.Name] = e
	d.issued[e.Party.Name] = r.IssuedAt
	return nil
}

func checkEntry(e Entry) error {
	if e.Party.Name == "" {
		return errors.New("party name is required")
	}
	if len(e.Party.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("party %s: public key must be %d bytes", e.Party.Name, ed25519.PublicKeySize)
	}
	return nil
}

// Lookup returns the entry registered under name.
func (d *Directory) Lookup(_ context.Context, name string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return e, nil
}

// Resolve returns the party registered under name.
func (d *Directory) Resolve(ctx context.Context, name string) (models.Party, error) {
	e, err := d.Lookup(ctx, name)
	if err != nil {
		return models.Party{}, err
	}
	return e.Party, nil
}

// Peers returns every entry, sorted by name.
func (d *Directory) Peers(_ context.Context) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Party.Name < out[j].Party.Name })
	return out, nil
}
