package agreement

import (
	"context"
	"fmt"

	"github.com/mmynk/settlementd/internal/contract"
	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/signing"
)

// SignProposal is the acceptor side of a bilateral create. caller is the
// authenticated peer that sent the proposal; it must be the record owner and
// must already have signed.
func (n *Node) SignProposal(ctx context.Context, caller models.Party, stx *models.SignedTransition) (models.Signature, error) {
	tr := n.track(RoleAcceptor)
	sig, err := n.acceptProposal(tr, caller, stx)
	if err != nil {
		tr.fail(err)
		n.log.Warn("Rejected proposal", "tx_id", tr.TxID(), "from", caller.Name, "error", err)
		return models.Signature{}, err
	}
	n.log.Info("Signed proposal", "tx_id", tr.TxID(), "from", caller.Name)
	return sig, nil
}

func (n *Node) acceptProposal(tr *Tracker, caller models.Party, stx *models.SignedTransition) (models.Signature, error) {
	if stx == nil {
		return models.Signature{}, &ValidationRejectedError{Reason: "empty proposal"}
	}
	tx := &stx.Transition
	tr.setTxID(tx.ID())

	if err := tr.advance(StateValidating); err != nil {
		return models.Signature{}, err
	}
	if err := contract.Validate(tx); err != nil {
		return models.Signature{}, validationError(err)
	}
	if err := contract.CheckAcceptance(tx, n.me); err != nil {
		return models.Signature{}, err
	}

	owner := tx.Produced[0].Owner
	if !owner.Equal(caller) {
		return models.Signature{}, fmt.Errorf("%w: proposal from %s names %s as owner", ErrSignatureMismatch, caller, owner)
	}
	ownerSig, ok := stx.SignatureBy(owner)
	if !ok {
		return models.Signature{}, fmt.Errorf("%w: proposal is not signed by %s", ErrSignatureMismatch, owner)
	}
	if err := signing.Verify(tx, ownerSig, owner); err != nil {
		return models.Signature{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	sig, err := n.signer.Sign(tx)
	if err != nil {
		return models.Signature{}, fmt.Errorf("failed to sign transition: %w", err)
	}
	if err := tr.advance(StateLocalSigned); err != nil {
		return models.Signature{}, err
	}

	// The initiator finalizes; wait for it to deliver the result.
	if err := tr.advance(StateFinalizing); err != nil {
		return models.Signature{}, err
	}
	if err := n.addPending(tr.TxID(), tr); err != nil {
		return models.Signature{}, err
	}
	return sig, nil
}

// RecordFinalized stores a notarised transition delivered by a peer. It is
// idempotent and accepts transitions this node has no pending flow for, so
// a redelivery after restart or after the finality timeout still lands.
func (n *Node) RecordFinalized(ctx context.Context, caller models.Party, ntx *models.NotarisedTransition) error {
	if ntx == nil {
		return &ValidationRejectedError{Reason: "empty finalized transition"}
	}
	txID := ntx.ID()

	if err := n.checkFinalized(caller, ntx); err != nil {
		n.log.Warn("Refused finalized transition", "tx_id", txID, "from", caller.Name, "error", err)
		return err
	}
	if err := n.store.Record(ctx, ntx); err != nil {
		if tr := n.takePending(txID); tr != nil {
			tr.fail(err)
		}
		return fmt.Errorf("failed to record finalized transition %s: %w", txID, err)
	}

	if tr := n.takePending(txID); tr != nil {
		if err := tr.advance(StateCommitted); err != nil {
			return err
		}
	}
	n.log.Info("Finalized transition recorded", "tx_id", txID, "sequence", ntx.Sequence, "from", caller.Name)
	return nil
}

func (n *Node) checkFinalized(caller models.Party, ntx *models.NotarisedTransition) error {
	if err := signing.VerifyNotarised(ntx, n.notaryID); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := signing.VerifyRequired(&ntx.Signed); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	tx := &ntx.Signed.Transition
	if !models.ContainsParty(tx.RequiredSigners, n.me) {
		return &ValidationRejectedError{Reason: fmt.Sprintf("%s is not a participant", n.me)}
	}
	if !models.ContainsParty(tx.RequiredSigners, caller) {
		return fmt.Errorf("%w: %s is not a participant", ErrSignatureMismatch, caller)
	}
	return nil
}
