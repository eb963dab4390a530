// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mmynk/settlementd/internal/models"
)

// ErrNotFound is returned when a record or transition does not exist.
var ErrNotFound = errors.New("not found")

// ListOptions filters list queries.
type ListOptions struct {
	// Kind restricts results to one record variant. Empty means both.
	Kind models.RecordKind

	// IncludeHistory also returns consumed (superseded or deleted) versions.
	IncludeHistory bool
}

// Store defines the interface for a party's committed-record storage.
// It is append-only: writes happen only through Record, as the side effect of
// a committed transition, and never change a stored version's content.
type Store interface {
	// Record applies a notarised transition: consumed versions are marked as
	// consumed and produced versions appended, atomically.
	// Recording the same transition twice is a no-op.
	Record(ctx context.Context, ntx *models.NotarisedTransition) error

	// Get retrieves the current (unconsumed) version of a record.
	// Returns ErrNotFound if the record never existed or was deleted.
	Get(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error)

	// GetVersion retrieves one version of a record, consumed or not.
	GetVersion(ctx context.Context, ref models.RecordRef) (*models.SettlementRecord, error)

	// GetTransaction retrieves a recorded transition by ID.
	GetTransaction(ctx context.Context, txID string) (*models.NotarisedTransition, error)

	// ProducedBy returns the ID of the transition that produced a record version.
	ProducedBy(ctx context.Context, ref models.RecordRef) (string, error)

	// ListAll returns every record visible to this party.
	ListAll(ctx context.Context, opts ListOptions) ([]*models.SettlementRecord, error)

	// ListOwnedBy returns records whose owner has the given name.
	ListOwnedBy(ctx context.Context, owner string, opts ListOptions) ([]*models.SettlementRecord, error)

	// ListByParticipant returns records where the named party is owner or counterparty.
	ListByParticipant(ctx context.Context, party string, opts ListOptions) ([]*models.SettlementRecord, error)

	// Close releases any resources held by the store.
	Close() error
}
