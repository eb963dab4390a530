package contract

import (
	"fmt"

	"github.com/mmynk/settlementd/internal/models"
)

// UnexpectedStateType is returned when a counterparty is asked to sign a
// transition whose output is not the record type it agreed to accept.
type UnexpectedStateType struct {
	Expected models.RecordKind
	Got      models.RecordKind
	Detail   string
}

func (e *UnexpectedStateType) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unexpected state type: %s", e.Detail)
	}
	return fmt.Sprintf("unexpected state type: expected %s, got %s", e.Expected, e.Got)
}

// CheckAcceptance is the counterparty's discretionary policy: accept any
// transition that produces a bilateral settlement record naming self as the
// counterparty. It assumes Validate has already passed.
func CheckAcceptance(tx *models.Transition, self models.Party) error {
	if len(tx.Produced) != 1 {
		return &UnexpectedStateType{Expected: models.KindBilateral, Detail: "This must be a Bilateral Settlement transaction."}
	}
	out := &tx.Produced[0]
	if tx.Kind != models.KindBilateral || out.Kind != models.KindBilateral {
		return &UnexpectedStateType{Expected: models.KindBilateral, Got: out.Kind}
	}
	if !out.Counterparty.Equal(self) {
		return &UnexpectedStateType{
			Expected: models.KindBilateral,
			Got:      out.Kind,
			Detail:   fmt.Sprintf("record names %s as counterparty, not %s", out.Counterparty, self),
		}
	}
	return nil
}
