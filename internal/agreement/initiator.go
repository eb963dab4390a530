package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/settlementd/internal/contract"
	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/notary"
	"github.com/mmynk/settlementd/internal/signing"
)

// CreateUnilateral commits a new record owned by this node alone.
func (n *Node) CreateUnilateral(ctx context.Context, instruction models.SettlementInstruction) (*models.SettlementRecord, error) {
	rec := models.NewUnilateralRecord(instruction, n.me)
	tx := &models.Transition{
		Kind:            models.KindUnilateral,
		Command:         models.CommandCreate,
		Produced:        []models.SettlementRecord{*rec},
		RequiredSigners: []models.Party{n.me},
	}

	ntx, err := n.runSolo(ctx, tx)
	if err != nil {
		return nil, err
	}
	return ntx.Signed.Transition.Produced[0].Clone(), nil
}

// CreateBilateral agrees a new record with the named counterparty. The record
// is committed on both sides or on neither.
func (n *Node) CreateBilateral(ctx context.Context, instruction models.SettlementInstruction, counterparty string) (*models.SettlementRecord, error) {
	tr := n.track(RoleInitiator)
	ntx, err := n.createBilateral(ctx, tr, instruction, counterparty)
	if err != nil {
		tr.fail(err)
		n.log.Warn("Bilateral create failed", "tx_id", tr.TxID(), "counterparty", counterparty, "error", err)
		return nil, err
	}
	return ntx.Signed.Transition.Produced[0].Clone(), nil
}

func (n *Node) createBilateral(ctx context.Context, tr *Tracker, instruction models.SettlementInstruction, name string) (*models.NotarisedTransition, error) {
	counterparty, err := n.resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	rec := models.NewBilateralRecord(instruction, n.me, counterparty)
	tx := &models.Transition{
		Kind:            models.KindBilateral,
		Command:         models.CommandCreate,
		Produced:        []models.SettlementRecord{*rec},
		RequiredSigners: []models.Party{n.me, counterparty},
	}
	tr.setTxID(tx.ID())

	stx, err := n.validateAndSign(tr, tx)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("abandoned before requesting signature: %w", err)
	}
	if err := tr.advance(StateAwaitingCounterpartySignature); err != nil {
		return nil, err
	}
	n.log.Debug("Requesting counterparty signature", "tx_id", tr.TxID(), "counterparty", counterparty.Name)

	sig, err := n.session.RequestSignature(ctx, counterparty, stx)
	if err != nil {
		var rejected *CounterpartyRejectedError
		if errors.As(err, &rejected) {
			return nil, err
		}
		return nil, fmt.Errorf("session with %s: %w", counterparty.Name, err)
	}
	if !sig.By.Equal(counterparty) {
		return nil, fmt.Errorf("%w: expected signature by %s, got %s", ErrSignatureMismatch, counterparty, sig.By)
	}
	if err := signing.Verify(tx, sig, counterparty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	stx = stx.WithSignature(sig)
	if err := tr.advance(StateCounterpartySigned); err != nil {
		return nil, err
	}

	ntx, err := n.finalize(ctx, tr, stx)
	if err != nil {
		return nil, err
	}

	// The record is committed from here on; delivery failures are reported
	// but do not undo it.
	if err := n.session.SendFinalized(context.WithoutCancel(ctx), counterparty, ntx); err != nil {
		n.log.Error("Failed to deliver finalized transition",
			"tx_id", ntx.ID(),
			"counterparty", counterparty.Name,
			"error", err,
		)
	}
	return ntx, nil
}

// Update replaces the instruction of the given record version. The version
// is the caller's view of the current record; if another update consumed it
// first the result is an *OrderingConflictError.
func (n *Node) Update(ctx context.Context, ref models.RecordRef, instruction models.SettlementInstruction) (*models.SettlementRecord, error) {
	current, err := n.store.GetVersion(ctx, ref)
	if err != nil {
		return nil, err
	}

	next := current.NextVersion(instruction)
	tx := &models.Transition{
		Kind:            current.Kind,
		Command:         models.CommandUpdate,
		Consumed:        []models.SettlementRecord{*current},
		Produced:        []models.SettlementRecord{*next},
		RequiredSigners: []models.Party{n.me},
	}

	ntx, err := n.runSolo(ctx, tx)
	if err != nil {
		return nil, err
	}
	return ntx.Signed.Transition.Produced[0].Clone(), nil
}

// Delete consumes the given record version without producing a successor.
func (n *Node) Delete(ctx context.Context, ref models.RecordRef) error {
	current, err := n.store.GetVersion(ctx, ref)
	if err != nil {
		return err
	}

	tx := &models.Transition{
		Kind:            current.Kind,
		Command:         models.CommandDelete,
		Consumed:        []models.SettlementRecord{*current},
		RequiredSigners: []models.Party{n.me},
	}

	_, err = n.runSolo(ctx, tx)
	return err
}

// runSolo drives a transition that needs no signature but this node's.
func (n *Node) runSolo(ctx context.Context, tx *models.Transition) (*models.NotarisedTransition, error) {
	tr := n.track(RoleInitiator)
	tr.setTxID(tx.ID())

	ntx, err := n.solo(ctx, tr, tx)
	if err != nil {
		tr.fail(err)
		n.log.Warn("Transition failed", "tx_id", tr.TxID(), "command", tx.Command, "kind", tx.Kind, "error", err)
		return nil, err
	}
	return ntx, nil
}

func (n *Node) solo(ctx context.Context, tr *Tracker, tx *models.Transition) (*models.NotarisedTransition, error) {
	stx, err := n.validateAndSign(tr, tx)
	if err != nil {
		return nil, err
	}
	return n.finalize(ctx, tr, stx)
}

func (n *Node) validateAndSign(tr *Tracker, tx *models.Transition) (*models.SignedTransition, error) {
	if err := tr.advance(StateValidating); err != nil {
		return nil, err
	}
	if err := contract.Validate(tx); err != nil {
		return nil, validationError(err)
	}

	sig, err := n.signer.Sign(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transition: %w", err)
	}
	if err := tr.advance(StateLocalSigned); err != nil {
		return nil, err
	}
	return &models.SignedTransition{Transition: *tx, Signatures: []models.Signature{sig}}, nil
}

// finalize submits stx to the notary and records the result. Cancellation is
// honored only until submission: once the notary has the transition the
// outcome is awaited and recorded.
func (n *Node) finalize(ctx context.Context, tr *Tracker, stx *models.SignedTransition) (*models.NotarisedTransition, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("abandoned before finalization: %w", err)
	}
	if err := tr.advance(StateFinalizing); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	ntx, err := n.notary.Submit(ctx, stx)
	if err != nil {
		return nil, notaryError(err)
	}
	if ntx.ID() != stx.Transition.ID() {
		return nil, fmt.Errorf("%w: notary returned transition %s for %s", ErrSignatureMismatch, ntx.ID(), stx.Transition.ID())
	}
	if err := signing.VerifyNotarised(ntx, n.notaryID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	if err := n.store.Record(ctx, ntx); err != nil {
		return nil, fmt.Errorf("failed to record committed transition %s: %w", ntx.ID(), err)
	}
	if err := tr.advance(StateCommitted); err != nil {
		return nil, err
	}
	n.log.Info("Transition committed",
		"tx_id", ntx.ID(),
		"sequence", ntx.Sequence,
		"command", stx.Transition.Command,
		"kind", stx.Transition.Kind,
	)
	return ntx, nil
}

func notaryError(err error) error {
	var (
		conflict  *notary.Conflict
		rejection *notary.Rejection
	)
	switch {
	case errors.As(err, &conflict):
		return &OrderingConflictError{Reason: conflict.Reason}
	case errors.As(err, &rejection):
		return &NotaryRejectedError{Reason: rejection.Reason}
	default:
		return fmt.Errorf("notary unavailable: %w", err)
	}
}
