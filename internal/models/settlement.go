package models

import (
	"fmt"
	"strings"
)

// SettlementMethod is the payment rail an instruction routes through.
type SettlementMethod string

const (
	MethodACH   SettlementMethod = "ACH"
	MethodSWIFT SettlementMethod = "SWIFT"
	MethodWIRE  SettlementMethod = "WIRE"
)

// Methods returns every supported settlement method.
func Methods() []SettlementMethod {
	return []SettlementMethod{MethodACH, MethodSWIFT, MethodWIRE}
}

// Valid reports whether m is one of the supported methods.
func (m SettlementMethod) Valid() bool {
	switch m {
	case MethodACH, MethodSWIFT, MethodWIRE:
		return true
	}
	return false
}

// ParseSettlementMethod parses a method name case-insensitively.
func ParseSettlementMethod(s string) (SettlementMethod, error) {
	m := SettlementMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown settlement method: %q", s)
	}
	return m, nil
}

// SettlementInstruction represents a payment routing record agreed between parties.
// It is an immutable value: changing any field means issuing a new record version.
type SettlementInstruction struct {
	// Method is the payment rail (ACH, SWIFT or WIRE).
	Method SettlementMethod `json:"settlementMethod"`

	// BeneficiaryName is the name of the party receiving funds.
	BeneficiaryName string `json:"beneficiaryName"`

	// BankCode is the bank identifier (BIC, sort code, ABA, depending on Method).
	BankCode string `json:"code"`

	// Institution is the name of the beneficiary's financial institution.
	Institution string `json:"institution"`

	// AdditionalCode is an optional secondary bank code (e.g. intermediary BIC).
	AdditionalCode string `json:"additionalCode,omitempty"`

	// Account is the beneficiary account number. Required for ACH.
	Account *int64 `json:"account,omitempty"`

	// RoutingNumber is the bank routing number. Required for ACH.
	RoutingNumber *int64 `json:"routingNumber,omitempty"`

	// Attention is an optional "for the attention of" line.
	Attention string `json:"attention,omitempty"`

	// Reference is an optional free-form payment reference.
	Reference string `json:"reference,omitempty"`
}

// Equal reports whether two instructions carry the same values.
func (i SettlementInstruction) Equal(o SettlementInstruction) bool {
	return i.Method == o.Method &&
		i.BeneficiaryName == o.BeneficiaryName &&
		i.BankCode == o.BankCode &&
		i.Institution == o.Institution &&
		i.AdditionalCode == o.AdditionalCode &&
		equalInt64(i.Account, o.Account) &&
		equalInt64(i.RoutingNumber, o.RoutingNumber) &&
		i.Attention == o.Attention &&
		i.Reference == o.Reference
}

// Int64 returns a pointer to v, for populating optional instruction numbers.
func Int64(v int64) *int64 {
	return &v
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
