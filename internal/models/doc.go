// Package models defines the core domain models for settlementd.
//
// # Models
//
//   - SettlementInstruction: the payment routing data two parties agree on
//   - Party: a named participant identified by its ed25519 public key
//   - SettlementRecord: a versioned record carrying an instruction, either
//     unilateral (one owner) or bilateral (owner and counterparty)
//   - Transition: an atomic consume/produce step over records, the unit that
//     is signed and submitted for ordering
//   - SignedTransition / NotarisedTransition: a transition plus the party
//     signatures, and plus the ordering service's sequence and signature
//
// # Design Principles
//
// 1. **Values, not objects**: records are never mutated in place. An update
// produces a new version with the same ID; a delete produces nothing.
// 2. **Explicit discriminant**: SettlementRecord carries a Kind instead of
// relying on separate types, so validation and persistence switch on it.
// 3. **Deterministic hashing**: Transition.Hash is computed over a canonical
// protobuf-wire encoding, never over JSON or CBOR output, so every party
// signs exactly the same bytes.
package models
