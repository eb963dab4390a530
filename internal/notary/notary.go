// Package notary implements the ordering service: a validating notary that
// assigns every committed transition a global sequence number and guarantees
// each record version is consumed at most once.
package notary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mmynk/settlementd/internal/contract"
	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/signing"
	"github.com/mmynk/settlementd/internal/storage/sqlite"
)

// Conflict is returned when a consumed version was already consumed by
// another committed transition.
type Conflict struct {
	Reason string
}

func (e *Conflict) Error() string {
	return "ordering conflict: " + e.Reason
}

// Rejection is returned when a transition is malformed, fails validation or
// lacks a required signature.
type Rejection struct {
	Reason string
}

func (e *Rejection) Error() string {
	return "notary rejected transition: " + e.Reason
}

// Submission outcomes, as reported to a ResultHook.
const (
	ResultCommitted = "committed"
	ResultDuplicate = "duplicate"
	ResultConflict  = "conflict"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

// ResultHook observes the outcome of every submission.
type ResultHook func(result string)

// Option configures a Service.
type Option func(*Service)

// WithResultHook registers a hook called after every submission.
func WithResultHook(h ResultHook) Option {
	return func(s *Service) { s.hook = h }
}

// WithLogger sets the logger submissions are reported to. It defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service is the notary. Submissions are serialized through a single SQLite
// connection, which makes the consume check and the commit one atomic step.
type Service struct {
	db     *sql.DB
	signer signing.Signer
	hook   ResultHook
	log    *slog.Logger
}

// New opens (or creates) the notary ledger at dbPath.
func New(dbPath string, signer signing.Signer, opts ...Option) (*Service, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run notary migrations: %w", err)
	}

	s := &Service{db: db, signer: signer}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "notary")
	return s, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS committed_transitions (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			tx_id TEXT NOT NULL UNIQUE,
			payload BLOB NOT NULL,
			committed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS record_versions (
			record_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			content_hash BLOB NOT NULL,
			produced_by TEXT NOT NULL,
			consumed_by TEXT,
			PRIMARY KEY (record_id, version)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Identity returns the notary's party.
func (s *Service) Identity() models.Party {
	return s.signer.Party()
}

// Close closes the ledger.
func (s *Service) Close() error {
	return s.db.Close()
}

// Submit orders a fully-signed transition. Resubmitting a committed
// transition returns the original result.
func (s *Service) Submit(ctx context.Context, stx *models.SignedTransition) (*models.NotarisedTransition, error) {
	ntx, result, err := s.submit(ctx, stx)
	if s.hook != nil {
		s.hook(result)
	}

	var txID string
	if stx != nil {
		txID = stx.Transition.ID()
	}
	switch result {
	case ResultCommitted:
		s.log.Info("Transition committed", "tx_id", txID, "sequence", ntx.Sequence, "command", stx.Transition.Command)
	case ResultDuplicate:
		s.log.Debug("Duplicate submission", "tx_id", txID, "sequence", ntx.Sequence)
	case ResultConflict, ResultRejected:
		s.log.Warn("Transition refused", "tx_id", txID, "result", result, "error", err)
	default:
		s.log.Error("Submission failed", "tx_id", txID, "error", err)
	}
	return ntx, err
}

func (s *Service) submit(ctx context.Context, stx *models.SignedTransition) (*models.NotarisedTransition, string, error) {
	if stx == nil {
		return nil, ResultRejected, &Rejection{Reason: "empty submission"}
	}
	tx := &stx.Transition

	if err := signing.VerifyRequired(stx); err != nil {
		return nil, ResultRejected, &Rejection{Reason: err.Error()}
	}
	if err := contract.Validate(tx); err != nil {
		var rej *contract.Rejection
		if errors.As(err, &rej) {
			return nil, ResultRejected, &Rejection{Reason: rej.Reason}
		}
		return nil, ResultRejected, &Rejection{Reason: err.Error()}
	}

	txID := tx.ID()
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ResultError, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	if prev, err := committed(ctx, dbtx, txID); err == nil {
		return prev, ResultDuplicate, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, ResultError, err
	}

	for i := range tx.Consumed {
		if err := consume(ctx, dbtx, &tx.Consumed[i], txID); err != nil {
			return nil, classify(err), err
		}
	}
	for i := range tx.Produced {
		if err := produce(ctx, dbtx, &tx.Produced[i], txID); err != nil {
			return nil, classify(err), err
		}
	}

	res, err := dbtx.ExecContext(ctx,
		"INSERT INTO committed_transitions (tx_id, payload, committed_at) VALUES (?, ?, ?)",
		txID, []byte{}, time.Now().Unix(),
	)
	if err != nil {
		return nil, ResultError, fmt.Errorf("failed to insert transition: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, ResultError, fmt.Errorf("failed to read sequence: %w", err)
	}

	h := tx.Hash()
	sig, err := s.signer.SignBytes(h[:])
	if err != nil {
		return nil, ResultError, fmt.Errorf("failed to sign transition: %w", err)
	}
	ntx := &models.NotarisedTransition{
		Signed:          *stx,
		Sequence:        uint64(seq),
		Notary:          s.signer.Party(),
		NotarySignature: sig,
	}

	payload, err := cbor.Marshal(ntx)
	if err != nil {
		return nil, ResultError, fmt.Errorf("failed to encode transition: %w", err)
	}
	if _, err := dbtx.ExecContext(ctx,
		"UPDATE committed_transitions SET payload = ? WHERE sequence = ?", payload, seq,
	); err != nil {
		return nil, ResultError, fmt.Errorf("failed to store transition: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, ResultError, fmt.Errorf("failed to commit: %w", err)
	}
	return ntx, ResultCommitted, nil
}

func committed(ctx context.Context, dbtx *sql.Tx, txID string) (*models.NotarisedTransition, error) {
	var payload []byte
	err := dbtx.QueryRowContext(ctx,
		"SELECT payload FROM committed_transitions WHERE tx_id = ?", txID,
	).Scan(&payload)
	if err != nil {
		return nil, err
	}
	ntx := &models.NotarisedTransition{}
	if err := cbor.Unmarshal(payload, ntx); err != nil {
		return nil, fmt.Errorf("failed to decode committed transition %s: %w", txID, err)
	}
	return ntx, nil
}

func consume(ctx context.Context, dbtx *sql.Tx, rec *models.SettlementRecord, txID string) error {
	ref := rec.Ref()

	var (
		hash       []byte
		consumedBy sql.NullString
	)
	err := dbtx.QueryRowContext(ctx,
		"SELECT content_hash, consumed_by FROM record_versions WHERE record_id = ? AND version = ?",
		ref.ID.String(), ref.Version,
	).Scan(&hash, &consumedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return &Rejection{Reason: fmt.Sprintf("record %s was never committed", ref)}
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", ref, err)
	}
	if consumedBy.Valid {
		return &Conflict{Reason: fmt.Sprintf("record %s was already consumed by %s", ref, consumedBy.String)}
	}
	want := rec.Hash()
	if string(hash) != string(want[:]) {
		return &Rejection{Reason: fmt.Sprintf("record %s does not match the committed version", ref)}
	}

	if _, err := dbtx.ExecContext(ctx,
		"UPDATE record_versions SET consumed_by = ? WHERE record_id = ? AND version = ?",
		txID, ref.ID.String(), ref.Version,
	); err != nil {
		return fmt.Errorf("failed to consume %s: %w", ref, err)
	}
	return nil
}

func produce(ctx context.Context, dbtx *sql.Tx, rec *models.SettlementRecord, txID string) error {
	ref := rec.Ref()

	var exists int
	err := dbtx.QueryRowContext(ctx,
		"SELECT 1 FROM record_versions WHERE record_id = ? AND version = ?",
		ref.ID.String(), ref.Version,
	).Scan(&exists)
	if err == nil {
		return &Conflict{Reason: fmt.Sprintf("record %s already exists", ref)}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up %s: %w", ref, err)
	}

	h := rec.Hash()
	if _, err := dbtx.ExecContext(ctx,
		"INSERT INTO record_versions (record_id, version, content_hash, produced_by) VALUES (?, ?, ?, ?)",
		ref.ID.String(), ref.Version, h[:], txID,
	); err != nil {
		return fmt.Errorf("failed to insert %s: %w", ref, err)
	}
	return nil
}

func classify(err error) string {
	var conflict *Conflict
	var rejection *Rejection
	switch {
	case errors.As(err, &conflict):
		return ResultConflict
	case errors.As(err, &rejection):
		return ResultRejected
	default:
		return ResultError
	}
}
