package models

import (
	"golang.org/x/crypto/sha3"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the canonical encoding. They are part of the signing
// format: renumbering changes every transition ID.
const (
	fieldTxKind     protowire.Number = 1
	fieldTxCommand  protowire.Number = 2
	fieldTxConsumed protowire.Number = 3
	fieldTxProduced protowire.Number = 4
	fieldTxSigner   protowire.Number = 5

	fieldRecKind         protowire.Number = 1
	fieldRecID           protowire.Number = 2
	fieldRecVersion      protowire.Number = 3
	fieldRecInstruction  protowire.Number = 4
	fieldRecOwner        protowire.Number = 5
	fieldRecCounterparty protowire.Number = 6

	fieldPartyName protowire.Number = 1
	fieldPartyKey  protowire.Number = 2

	fieldInsMethod         protowire.Number = 1
	fieldInsBeneficiary    protowire.Number = 2
	fieldInsBankCode       protowire.Number = 3
	fieldInsInstitution    protowire.Number = 4
	fieldInsAdditionalCode protowire.Number = 5
	fieldInsAccount        protowire.Number = 6
	fieldInsRoutingNumber  protowire.Number = 7
	fieldInsAttention      protowire.Number = 8
	fieldInsReference      protowire.Number = 9
)

// CanonicalBytes returns the deterministic encoding of t.
// Fields are written in field-number order; repeated fields keep slice order.
func (t *Transition) CanonicalBytes() []byte {
	var b []byte
	b = appendString(b, fieldTxKind, string(t.Kind))
	b = appendString(b, fieldTxCommand, string(t.Command))
	for i := range t.Consumed {
		b = protowire.AppendTag(b, fieldTxConsumed, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRecord(nil, &t.Consumed[i]))
	}
	for i := range t.Produced {
		b = protowire.AppendTag(b, fieldTxProduced, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRecord(nil, &t.Produced[i]))
	}
	for _, p := range t.RequiredSigners {
		b = protowire.AppendTag(b, fieldTxSigner, protowire.BytesType)
		b = protowire.AppendBytes(b, appendParty(nil, p))
	}
	return b
}

func hashCanonical(t *Transition) [32]byte {
	return sha3.Sum256(t.CanonicalBytes())
}

// Hash returns the SHA3-256 digest of the record's canonical encoding.
// The ordering service uses it to check that a consumed input matches the
// version it committed.
func (r *SettlementRecord) Hash() [32]byte {
	return sha3.Sum256(appendRecord(nil, r))
}

func appendRecord(b []byte, r *SettlementRecord) []byte {
	b = appendString(b, fieldRecKind, string(r.Kind))
	b = protowire.AppendTag(b, fieldRecID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ID[:])
	b = protowire.AppendTag(b, fieldRecVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Version)
	b = protowire.AppendTag(b, fieldRecInstruction, protowire.BytesType)
	b = protowire.AppendBytes(b, appendInstruction(nil, &r.Instruction))
	b = protowire.AppendTag(b, fieldRecOwner, protowire.BytesType)
	b = protowire.AppendBytes(b, appendParty(nil, r.Owner))
	if !r.Counterparty.IsZero() {
		b = protowire.AppendTag(b, fieldRecCounterparty, protowire.BytesType)
		b = protowire.AppendBytes(b, appendParty(nil, r.Counterparty))
	}
	return b
}

func appendParty(b []byte, p Party) []byte {
	b = appendString(b, fieldPartyName, p.Name)
	b = protowire.AppendTag(b, fieldPartyKey, protowire.BytesType)
	return protowire.AppendBytes(b, p.PublicKey)
}

func appendInstruction(b []byte, in *SettlementInstruction) []byte {
	b = appendString(b, fieldInsMethod, string(in.Method))
	b = appendString(b, fieldInsBeneficiary, in.BeneficiaryName)
	b = appendString(b, fieldInsBankCode, in.BankCode)
	b = appendString(b, fieldInsInstitution, in.Institution)
	b = appendString(b, fieldInsAdditionalCode, in.AdditionalCode)
	if in.Account != nil {
		b = protowire.AppendTag(b, fieldInsAccount, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*in.Account))
	}
	if in.RoutingNumber != nil {
		b = protowire.AppendTag(b, fieldInsRoutingNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*in.RoutingNumber))
	}
	b = appendString(b, fieldInsAttention, in.Attention)
	b = appendString(b, fieldInsReference, in.Reference)
	return b
}

// appendString always writes the field, even when empty, so that an empty
// required string and a missing field cannot collide.
func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
