package models

import (
	"fmt"

	"github.com/google/uuid"
)

// RecordKind discriminates the two settlement record variants.
type RecordKind string

const (
	// KindUnilateral is a record owned by a single party.
	KindUnilateral RecordKind = "unilateral"
	// KindBilateral is a record jointly owned by a bank and a counterparty.
	KindBilateral RecordKind = "bilateral"
)

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	return k == KindUnilateral || k == KindBilateral
}

// SettlementRecord is a versioned settlement entity tracked by the agreement protocol.
//
// The same logical record keeps its ID across versions. Version 1 is produced by a
// create transition; every update consumes version N and produces version N+1.
type SettlementRecord struct {
	// Kind selects the variant; it decides which rules govern the record.
	Kind RecordKind `json:"kind"`

	// ID is the unique identifier minted at creation (UUID format).
	ID uuid.UUID `json:"id"`

	// Version increases by one on every update, starting at 1.
	Version uint64 `json:"version"`

	// Instruction is the agreed settlement instruction.
	Instruction SettlementInstruction `json:"instruction"`

	// Owner is the party that issued the instruction (the "bank").
	Owner Party `json:"owner"`

	// Counterparty is the party approving the instruction.
	// Zero for unilateral records.
	Counterparty Party `json:"counterparty"`
}

// RecordRef points at one version of a record; it is the unit of consumption.
type RecordRef struct {
	ID      uuid.UUID `json:"id"`
	Version uint64    `json:"version"`
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}

// NewUnilateralRecord mints a new unilateral record at version 1.
func NewUnilateralRecord(instruction SettlementInstruction, owner Party) *SettlementRecord {
	return &SettlementRecord{
		Kind:        KindUnilateral,
		ID:          uuid.New(),
		Version:     1,
		Instruction: instruction,
		Owner:       owner,
	}
}

// NewBilateralRecord mints a new bilateral record at version 1.
func NewBilateralRecord(instruction SettlementInstruction, owner, counterparty Party) *SettlementRecord {
	return &SettlementRecord{
		Kind:         KindBilateral,
		ID:           uuid.New(),
		Version:      1,
		Instruction:  instruction,
		Owner:        owner,
		Counterparty: counterparty,
	}
}

// Ref returns the reference to this version of the record.
func (r *SettlementRecord) Ref() RecordRef {
	return RecordRef{ID: r.ID, Version: r.Version}
}

// Participants returns the parties whose signatures govern the record.
func (r *SettlementRecord) Participants() []Party {
	switch r.Kind {
	case KindBilateral:
		return []Party{r.Owner, r.Counterparty}
	default:
		return []Party{r.Owner}
	}
}

// HasParticipant reports whether the named party participates in the record.
func (r *SettlementRecord) HasParticipant(name string) bool {
	for _, p := range r.Participants() {
		if p.Name == name {
			return true
		}
	}
	return false
}

// NextVersion returns the successor of r carrying a new instruction.
func (r *SettlementRecord) NextVersion(instruction SettlementInstruction) *SettlementRecord {
	next := *r
	next.Version = r.Version + 1
	next.Instruction = instruction
	return &next
}

// Clone returns a copy of r that shares no mutable state with it.
func (r *SettlementRecord) Clone() *SettlementRecord {
	c := *r
	if r.Instruction.Account != nil {
		c.Instruction.Account = Int64(*r.Instruction.Account)
	}
	if r.Instruction.RoutingNumber != nil {
		c.Instruction.RoutingNumber = Int64(*r.Instruction.RoutingNumber)
	}
	return &c
}
