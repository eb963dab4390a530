package contract

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settlementd/internal/models"
)

func newParty(t *testing.T, name string) models.Party {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return models.Party{Name: name, PublicKey: pub}
}

func swift() models.SettlementInstruction {
	return models.SettlementInstruction{
		Method:          models.MethodSWIFT,
		BeneficiaryName: "Acme",
		BankCode:        "X",
		Institution:     "Y",
	}
}

func ach(account, routing *int64) models.SettlementInstruction {
	return models.SettlementInstruction{
		Method:          models.MethodACH,
		BeneficiaryName: "Acme",
		BankCode:        "021000021",
		Institution:     "Chase",
		Account:         account,
		RoutingNumber:   routing,
	}
}

func bilateralCreate(in models.SettlementInstruction, owner, cp models.Party) *models.Transition {
	rec := models.NewBilateralRecord(in, owner, cp)
	return &models.Transition{
		Kind:            models.KindBilateral,
		Command:         models.CommandCreate,
		Produced:        []models.SettlementRecord{*rec},
		RequiredSigners: []models.Party{owner, cp},
	}
}

func unilateralCreate(in models.SettlementInstruction, owner models.Party) *models.Transition {
	rec := models.NewUnilateralRecord(in, owner)
	return &models.Transition{
		Kind:            models.KindUnilateral,
		Command:         models.CommandCreate,
		Produced:        []models.SettlementRecord{*rec},
		RequiredSigners: []models.Party{owner},
	}
}

func requireRejected(t *testing.T, err error, reason string) {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected *Rejection, got %v", err)
	assert.Equal(t, reason, rej.Reason)
}

func TestValidate_BilateralCreate(t *testing.T) {
	bank := newParty(t, "BankA")
	cp := newParty(t, "BankB")
	other := newParty(t, "BankC")

	tests := []struct {
		name   string
		tx     func() *models.Transition
		reason string
	}{
		{
			name: "valid swift instruction",
			tx:   func() *models.Transition { return bilateralCreate(swift(), bank, cp) },
		},
		{
			name: "valid ach instruction",
			tx: func() *models.Transition {
				return bilateralCreate(ach(models.Int64(1), models.Int64(1)), bank, cp)
			},
		},
		{
			name: "must have no inputs",
			tx: func() *models.Transition {
				tx := bilateralCreate(swift(), bank, cp)
				tx.Consumed = []models.SettlementRecord{tx.Produced[0]}
				return tx
			},
			reason: "No inputs should be consumed when issuing a Settlement.",
		},
		{
			name: "must have one output",
			tx: func() *models.Transition {
				tx := bilateralCreate(swift(), bank, cp)
				tx.Produced = append(tx.Produced, tx.Produced[0])
				return tx
			},
			reason: "There should be one output state of type BilateralSettlementState.",
		},
		{
			name: "ach must include account and routing numbers",
			tx: func() *models.Transition {
				return bilateralCreate(ach(nil, nil), bank, cp)
			},
			reason: "Settlement method of type ACH must include account and routing number.",
		},
		{
			name: "account number must be greater than 0",
			tx: func() *models.Transition {
				return bilateralCreate(ach(models.Int64(-1), models.Int64(1)), bank, cp)
			},
			reason: "The Settlement account number must be greater than 0.",
		},
		{
			name: "routing number must be greater than 0",
			tx: func() *models.Transition {
				return bilateralCreate(ach(models.Int64(1), models.Int64(-1)), bank, cp)
			},
			reason: "The Settlement routing number must be greater than 0.",
		},
		{
			name: "bank is not counterparty",
			tx: func() *models.Transition {
				return bilateralCreate(swift(), bank, bank)
			},
			reason: "The bank and the counterparty cannot be the same entity.",
		},
		{
			name: "bank must sign",
			tx: func() *models.Transition {
				tx := bilateralCreate(swift(), bank, cp)
				tx.RequiredSigners = []models.Party{cp}
				return tx
			},
			reason: "There must be two signers.",
		},
		{
			name: "counterparty must sign",
			tx: func() *models.Transition {
				tx := bilateralCreate(swift(), bank, cp)
				tx.RequiredSigners = []models.Party{bank, bank}
				return tx
			},
			reason: "There must be two signers.",
		},
		{
			name: "no extra signers",
			tx: func() *models.Transition {
				tx := bilateralCreate(swift(), bank, cp)
				tx.RequiredSigners = []models.Party{bank, cp, other}
				return tx
			},
			reason: "There must be two signers.",
		},
		{
			name: "signers must be the participants",
			tx: func() *models.Transition {
				tx := bilateralCreate(swift(), bank, cp)
				tx.RequiredSigners = []models.Party{bank, other}
				return tx
			},
			reason: "The bank and counterparty must be signers.",
		},
		{
			name: "unknown method",
			tx: func() *models.Transition {
				in := swift()
				in.Method = "CHEQUE"
				return bilateralCreate(in, bank, cp)
			},
			reason: `Unknown settlement method "CHEQUE".`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.tx())
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}
			requireRejected(t, err, tt.reason)
		})
	}
}

func TestValidate_SameEntityRegardlessOfFields(t *testing.T) {
	bank := newParty(t, "BankA")
	instructions := []models.SettlementInstruction{
		swift(),
		{Method: models.MethodWIRE},
		ach(models.Int64(42), models.Int64(7)),
		{Method: models.MethodSWIFT, BeneficiaryName: "Other", Attention: "ops", Reference: "r-1", AdditionalCode: "Z"},
	}
	for _, in := range instructions {
		requireRejected(t, Validate(bilateralCreate(in, bank, bank)),
			"The bank and the counterparty cannot be the same entity.")
	}
}

func TestValidate_EmptyStringsAccepted(t *testing.T) {
	bank := newParty(t, "BankA")
	cp := newParty(t, "BankB")

	for _, in := range []models.SettlementInstruction{
		{Method: models.MethodSWIFT},
		{Method: models.MethodWIRE, BeneficiaryName: "", BankCode: "", Institution: ""},
		{Method: models.MethodACH, Account: models.Int64(1), RoutingNumber: models.Int64(1)},
	} {
		assert.NoError(t, Validate(bilateralCreate(in, bank, cp)), in.Method)
		assert.NoError(t, Validate(unilateralCreate(in, bank)), in.Method)
	}
}

func TestValidate_ACHNumbersMustBePositive(t *testing.T) {
	bank := newParty(t, "BankA")
	cp := newParty(t, "BankB")

	for _, account := range []int64{-100, -1, 0} {
		err := Validate(bilateralCreate(ach(models.Int64(account), models.Int64(5)), bank, cp))
		require.Error(t, err, "account %d", account)
		err = Validate(unilateralCreate(ach(models.Int64(account), models.Int64(5)), bank))
		require.Error(t, err, "account %d", account)
	}
	for _, routing := range []*int64{nil, models.Int64(0), models.Int64(-3)} {
		err := Validate(bilateralCreate(ach(models.Int64(10), routing), bank, cp))
		require.Error(t, err)
		err = Validate(unilateralCreate(ach(models.Int64(10), routing), bank))
		require.Error(t, err)
	}
}

func TestValidate_UnilateralCreate(t *testing.T) {
	bank := newParty(t, "Bank")
	other := newParty(t, "Other")

	require.NoError(t, Validate(unilateralCreate(models.SettlementInstruction{Method: models.MethodWIRE}, bank)))

	tx := unilateralCreate(swift(), bank)
	tx.Consumed = []models.SettlementRecord{tx.Produced[0]}
	requireRejected(t, Validate(tx), "No inputs should be consumed when issuing a Settlement.")

	tx = unilateralCreate(swift(), bank)
	tx.Produced = nil
	requireRejected(t, Validate(tx), "There should be one output state of type SettlementState.")

	tx = unilateralCreate(swift(), bank)
	tx.RequiredSigners = []models.Party{other}
	requireRejected(t, Validate(tx), "The party must be a signer.")

	tx = unilateralCreate(swift(), bank)
	tx.RequiredSigners = []models.Party{bank, other}
	requireRejected(t, Validate(tx), "The party must be a signer.")

	requireRejected(t, Validate(unilateralCreate(ach(models.Int64(-1), models.Int64(1)), bank)),
		"The Settlement account number must be greater than 0.")
}

func TestValidate_UnilateralUpdate(t *testing.T) {
	bank := newParty(t, "Bank")
	other := newParty(t, "Other")
	current := models.NewUnilateralRecord(swift(), bank)

	update := func(mutate func(next *models.SettlementRecord)) *models.Transition {
		in := swift()
		in.Reference = "updated"
		next := current.NextVersion(in)
		if mutate != nil {
			mutate(next)
		}
		return &models.Transition{
			Kind:            models.KindUnilateral,
			Command:         models.CommandUpdate,
			Consumed:        []models.SettlementRecord{*current},
			Produced:        []models.SettlementRecord{*next},
			RequiredSigners: []models.Party{bank},
		}
	}

	require.NoError(t, Validate(update(nil)))

	tx := update(nil)
	tx.Consumed = nil
	requireRejected(t, Validate(tx), "There should be one input state of type SettlementState.")

	tx = update(nil)
	tx.Produced = nil
	requireRejected(t, Validate(tx), "There should be one output state of type SettlementState.")

	requireRejected(t, Validate(update(func(n *models.SettlementRecord) { n.ID = models.NewUnilateralRecord(swift(), bank).ID })),
		"The updated state must keep the same identifier.")
	requireRejected(t, Validate(update(func(n *models.SettlementRecord) { n.Version = 7 })),
		"The updated state must be the next version.")
	requireRejected(t, Validate(update(func(n *models.SettlementRecord) { n.Owner = other })),
		"The owner cannot change.")
	requireRejected(t, Validate(update(func(n *models.SettlementRecord) { n.Instruction = ach(nil, nil) })),
		"Settlement method of type ACH must include account and routing number.")

	tx = update(nil)
	tx.RequiredSigners = []models.Party{other}
	requireRejected(t, Validate(tx), "The party must be a signer.")
}

func TestValidate_UnilateralDelete(t *testing.T) {
	bank := newParty(t, "Bank")
	other := newParty(t, "Other")
	current := models.NewUnilateralRecord(swift(), bank)

	del := &models.Transition{
		Kind:            models.KindUnilateral,
		Command:         models.CommandDelete,
		Consumed:        []models.SettlementRecord{*current},
		RequiredSigners: []models.Party{bank},
	}
	require.NoError(t, Validate(del))

	withOutput := *del
	withOutput.Produced = []models.SettlementRecord{*current}
	requireRejected(t, Validate(&withOutput), "There should be no output states.")

	noInput := *del
	noInput.Consumed = nil
	requireRejected(t, Validate(&noInput), "There should be one input state of type SettlementState.")

	wrongSigner := *del
	wrongSigner.RequiredSigners = []models.Party{other}
	requireRejected(t, Validate(&wrongSigner), "The party must be a signer.")
}

func TestValidate_BilateralMutationUnsupported(t *testing.T) {
	bank := newParty(t, "BankA")
	cp := newParty(t, "BankB")
	current := models.NewBilateralRecord(swift(), bank, cp)

	for _, cmd := range []models.Command{models.CommandUpdate, models.CommandDelete} {
		tx := &models.Transition{
			Kind:            models.KindBilateral,
			Command:         cmd,
			Consumed:        []models.SettlementRecord{*current},
			RequiredSigners: []models.Party{bank, cp},
		}
		requireRejected(t, Validate(tx), "Bilateral settlement records can only be created.")
	}
}

func TestValidate_KindMismatch(t *testing.T) {
	bank := newParty(t, "BankA")
	cp := newParty(t, "BankB")

	tx := bilateralCreate(swift(), bank, cp)
	tx.Kind = models.KindUnilateral
	requireRejected(t, Validate(tx), "All records must be of kind unilateral.")

	tx.Kind = "trilateral"
	requireRejected(t, Validate(tx), "Unknown settlement record kind.")

	tx = bilateralCreate(swift(), bank, cp)
	tx.Command = "merge"
	requireRejected(t, Validate(tx), `Unknown command "merge".`)
}

func TestValidate_Deterministic(t *testing.T) {
	bank := newParty(t, "BankA")
	// Several rules fail at once; the first in order always wins.
	tx := bilateralCreate(ach(models.Int64(-1), nil), bank, bank)
	tx.RequiredSigners = nil
	for i := 0; i < 10; i++ {
		requireRejected(t, Validate(tx), "Settlement method of type ACH must include account and routing number.")
	}
}

func TestCheckAcceptance(t *testing.T) {
	bank := newParty(t, "BankA")
	cp := newParty(t, "BankB")
	other := newParty(t, "BankC")

	require.NoError(t, CheckAcceptance(bilateralCreate(swift(), bank, cp), cp))

	var unexpected *UnexpectedStateType
	err := CheckAcceptance(unilateralCreate(swift(), bank), cp)
	require.True(t, errors.As(err, &unexpected))
	assert.Equal(t, models.KindUnilateral, unexpected.Got)

	err = CheckAcceptance(bilateralCreate(swift(), bank, other), cp)
	require.True(t, errors.As(err, &unexpected))
}
