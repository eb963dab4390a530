// Package contract implements the settlement validation rules.
//
// Validate is pure and deterministic: it performs no I/O and evaluates rules in
// a fixed order, so the first failing rule always produces the same reason.
package contract

import (
	"fmt"

	"github.com/mmynk/settlementd/internal/models"
)

// Rejection reports the first rule a transition violated.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "transition rejected: " + r.Reason
}

// requireThat returns a Rejection carrying reason unless ok holds.
func requireThat(reason string, ok bool) error {
	if ok {
		return nil
	}
	return &Rejection{Reason: reason}
}

// Validate accepts or rejects a proposed transition.
// It returns nil when every rule holds, or a *Rejection naming the first failing rule.
func Validate(tx *models.Transition) error {
	if tx == nil {
		return &Rejection{Reason: "No transition to verify."}
	}
	if err := requireThat("Unknown settlement record kind.", tx.Kind.Valid()); err != nil {
		return err
	}
	for _, group := range [][]models.SettlementRecord{tx.Consumed, tx.Produced} {
		for i := range group {
			if group[i].Kind != tx.Kind {
				return &Rejection{Reason: fmt.Sprintf("All records must be of kind %s.", tx.Kind)}
			}
		}
	}

	switch tx.Kind {
	case models.KindUnilateral:
		return verifyUnilateral(tx)
	case models.KindBilateral:
		return verifyBilateral(tx)
	}
	return &Rejection{Reason: "Unknown settlement record kind."}
}

func verifyUnilateral(tx *models.Transition) error {
	switch tx.Command {
	case models.CommandCreate:
		return first(
			func() error {
				return requireThat("No inputs should be consumed when issuing a Settlement.", len(tx.Consumed) == 0)
			},
			func() error {
				return requireThat("There should be one output state of type SettlementState.", len(tx.Produced) == 1)
			},
			func() error { return verifyInstruction(&tx.Produced[0].Instruction) },
			func() error { return requireSoleSigner(tx, tx.Produced[0].Owner) },
		)

	case models.CommandUpdate:
		return first(
			func() error {
				return requireThat("There should be one input state of type SettlementState.", len(tx.Consumed) == 1)
			},
			func() error {
				return requireThat("There should be one output state of type SettlementState.", len(tx.Produced) == 1)
			},
			func() error {
				return requireThat("The updated state must keep the same identifier.", tx.Consumed[0].ID == tx.Produced[0].ID)
			},
			func() error {
				return requireThat("The updated state must be the next version.", tx.Produced[0].Version == tx.Consumed[0].Version+1)
			},
			func() error {
				return requireThat("The owner cannot change.", tx.Produced[0].Owner.Equal(tx.Consumed[0].Owner))
			},
			func() error { return verifyInstruction(&tx.Produced[0].Instruction) },
			func() error { return requireSoleSigner(tx, tx.Produced[0].Owner) },
		)

	case models.CommandDelete:
		return first(
			func() error {
				return requireThat("There should be one input state of type SettlementState.", len(tx.Consumed) == 1)
			},
			func() error {
				return requireThat("There should be no output states.", len(tx.Produced) == 0)
			},
			func() error { return requireSoleSigner(tx, tx.Consumed[0].Owner) },
		)
	}
	return unknownCommand(tx.Command)
}

func verifyBilateral(tx *models.Transition) error {
	switch tx.Command {
	case models.CommandCreate:
		return first(
			func() error {
				return requireThat("No inputs should be consumed when issuing a Settlement.", len(tx.Consumed) == 0)
			},
			func() error {
				return requireThat("There should be one output state of type BilateralSettlementState.", len(tx.Produced) == 1)
			},
			func() error { return verifyInstruction(&tx.Produced[0].Instruction) },
			func() error {
				out := &tx.Produced[0]
				return requireThat("The bank and the counterparty cannot be the same entity.",
					!out.Owner.Equal(out.Counterparty) && out.Owner.Name != out.Counterparty.Name)
			},
			func() error {
				return requireThat("There must be two signers.", models.DistinctParties(tx.RequiredSigners) == 2)
			},
			func() error {
				out := &tx.Produced[0]
				return requireThat("The bank and counterparty must be signers.",
					models.SameParties(tx.RequiredSigners, []models.Party{out.Owner, out.Counterparty}))
			},
		)

	case models.CommandUpdate, models.CommandDelete:
		// No signer policy is defined for joint mutation; only create is supported.
		return &Rejection{Reason: "Bilateral settlement records can only be created."}
	}
	return unknownCommand(tx.Command)
}

// verifyInstruction applies the per-method rules to a produced instruction.
func verifyInstruction(in *models.SettlementInstruction) error {
	if !in.Method.Valid() {
		return &Rejection{Reason: fmt.Sprintf("Unknown settlement method %q.", in.Method)}
	}
	if in.Method != models.MethodACH {
		return nil
	}
	return first(
		func() error {
			return requireThat("Settlement method of type ACH must include account and routing number.",
				in.Account != nil && in.RoutingNumber != nil)
		},
		func() error {
			return requireThat("The Settlement account number must be greater than 0.", *in.Account > 0)
		},
		func() error {
			return requireThat("The Settlement routing number must be greater than 0.", *in.RoutingNumber > 0)
		},
	)
}

func requireSoleSigner(tx *models.Transition, owner models.Party) error {
	return requireThat("The party must be a signer.",
		models.DistinctParties(tx.RequiredSigners) == 1 && models.ContainsParty(tx.RequiredSigners, owner))
}

func unknownCommand(c models.Command) error {
	return &Rejection{Reason: fmt.Sprintf("Unknown command %q.", c)}
}

// first runs rules in order and returns the first failure.
// Later rules may assume earlier ones held.
func first(rules ...func() error) error {
	for _, rule := range rules {
		if err := rule(); err != nil {
			return err
		}
	}
	return nil
}
