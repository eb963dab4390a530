package agreement

import (
	"errors"
	"fmt"

	"github.com/mmynk/settlementd/internal/contract"
)

// ErrSignatureMismatch is returned when a signature does not verify against
// the key the network map holds for its signer.
var ErrSignatureMismatch = errors.New("signature mismatch")

// ValidationRejectedError is returned when the local validation rules reject
// a proposed transition.
type ValidationRejectedError struct {
	Reason string
}

func (e *ValidationRejectedError) Error() string {
	return "validation rejected: " + e.Reason
}

// UnknownPartyError is returned when a counterparty name is not on the
// network map.
type UnknownPartyError struct {
	Name string
	Err  error
}

func (e *UnknownPartyError) Error() string {
	return fmt.Sprintf("unknown party %q", e.Name)
}

func (e *UnknownPartyError) Unwrap() error { return e.Err }

// OrderingConflictError is returned when the notary found a consumed version
// already consumed. The caller may retry against the current version.
type OrderingConflictError struct {
	Reason string
}

func (e *OrderingConflictError) Error() string {
	return "ordering conflict: " + e.Reason
}

// NotaryRejectedError is returned when the notary refused a transition for
// any reason other than a conflict.
type NotaryRejectedError struct {
	Reason string
}

func (e *NotaryRejectedError) Error() string {
	return "notary rejected transition: " + e.Reason
}

// CounterpartyRejectedError is returned when the counterparty declined to sign.
type CounterpartyRejectedError struct {
	Party  string
	Reason string
}

func (e *CounterpartyRejectedError) Error() string {
	return fmt.Sprintf("counterparty %s rejected transition: %s", e.Party, e.Reason)
}

// Reason extracts the human-readable reason from an agreement error, for
// sending to a peer or an API caller. Unknown errors yield err.Error().
func Reason(err error) string {
	var (
		validation   *ValidationRejectedError
		conflict     *OrderingConflictError
		notary       *NotaryRejectedError
		counterparty *CounterpartyRejectedError
		unexpected   *contract.UnexpectedStateType
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return validation.Reason
	case errors.As(err, &conflict):
		return conflict.Reason
	case errors.As(err, &notary):
		return notary.Reason
	case errors.As(err, &counterparty):
		return counterparty.Reason
	case errors.As(err, &unexpected):
		return unexpected.Error()
	default:
		return err.Error()
	}
}

func validationError(err error) error {
	var rej *contract.Rejection
	if errors.As(err, &rej) {
		return &ValidationRejectedError{Reason: rej.Reason}
	}
	return &ValidationRejectedError{Reason: err.Error()}
}
