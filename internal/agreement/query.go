package agreement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/signing"
	"github.com/mmynk/settlementd/internal/storage"
)

// ListMine returns the current records this node participates in.
func (n *Node) ListMine(ctx context.Context) ([]*models.SettlementRecord, error) {
	return n.store.ListByParticipant(ctx, n.me.Name, storage.ListOptions{})
}

// ListMineBilateral returns the current bilateral records this node participates in.
func (n *Node) ListMineBilateral(ctx context.Context) ([]*models.SettlementRecord, error) {
	return n.store.ListByParticipant(ctx, n.me.Name, storage.ListOptions{Kind: models.KindBilateral})
}

// ListMineUnilateral returns this node's current unilateral records.
func (n *Node) ListMineUnilateral(ctx context.Context) ([]*models.SettlementRecord, error) {
	return n.store.ListByParticipant(ctx, n.me.Name, storage.ListOptions{Kind: models.KindUnilateral})
}

// ListAll returns every record in the local store, optionally with
// superseded and deleted versions.
func (n *Node) ListAll(ctx context.Context, includeHistory bool) ([]*models.SettlementRecord, error) {
	return n.store.ListAll(ctx, storage.ListOptions{IncludeHistory: includeHistory})
}

// ListOwnedBy returns the current records owned by the named party.
func (n *Node) ListOwnedBy(ctx context.Context, owner string) ([]*models.SettlementRecord, error) {
	return n.store.ListOwnedBy(ctx, owner, storage.ListOptions{})
}

// Get returns the current version of a record.
func (n *Node) Get(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	return n.store.Get(ctx, id)
}

// Verify re-checks the evidence for the current version of a record: the
// producing transition must carry valid signatures from every required
// signer and from the notary.
func (n *Node) Verify(ctx context.Context, id uuid.UUID) (*models.NotarisedTransition, error) {
	rec, err := n.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	txID, err := n.store.ProducedBy(ctx, rec.Ref())
	if err != nil {
		return nil, err
	}
	ntx, err := n.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	if err := signing.VerifyNotarised(ntx, n.notaryID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := signing.VerifyRequired(&ntx.Signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return ntx, nil
}
