package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/storage"
)

const recordColumns = `record_id, version, kind, owner_name, owner_key, counterparty_name, counterparty_key,
	method, beneficiary, code, institution, additional_code, account, routing_number, attention, reference`

// Record applies a notarised transition to the store in one SQL transaction.
func (s *SQLiteStore) Record(ctx context.Context, ntx *models.NotarisedTransition) error {
	txID := ntx.ID()
	t := &ntx.Signed.Transition

	payload, err := cbor.Marshal(ntx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Recording is idempotent per transition
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM transactions WHERE tx_id = ?", txID).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check transaction existence: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO transactions (tx_id, kind, command, sequence, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		txID, string(t.Kind), string(t.Command), ntx.Sequence, payload, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	// Mark consumed versions
	for _, ref := range t.ConsumedRefs() {
		res, err := tx.ExecContext(ctx,
			"UPDATE settlement_records SET consumed_by = ? WHERE record_id = ? AND version = ? AND consumed_by IS NULL",
			txID, ref.ID.String(), ref.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to mark %s consumed: %w", ref, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var consumedBy sql.NullString
			err := tx.QueryRowContext(ctx,
				"SELECT consumed_by FROM settlement_records WHERE record_id = ? AND version = ?",
				ref.ID.String(), ref.Version,
			).Scan(&consumedBy)
			if errors.Is(err, sql.ErrNoRows) {
				// This party never saw the consumed version; nothing to mark.
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to check consumed record %s: %w", ref, err)
			}
			return fmt.Errorf("record %s already consumed by %s", ref, consumedBy.String)
		}
	}

	// Append produced versions
	for i := range t.Produced {
		if err := insertRecord(ctx, tx, &t.Produced[i], txID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec *models.SettlementRecord, txID string, now int64) error {
	in := &rec.Instruction

	var cpName interface{}
	var cpKey interface{}
	if !rec.Counterparty.IsZero() {
		cpName = rec.Counterparty.Name
		cpKey = []byte(rec.Counterparty.PublicKey)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO settlement_records (`+recordColumns+`, produced_by, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Version, string(rec.Kind),
		rec.Owner.Name, []byte(rec.Owner.PublicKey), cpName, cpKey,
		string(in.Method), in.BeneficiaryName, in.BankCode, in.Institution,
		nullString(in.AdditionalCode), nullInt64(in.Account), nullInt64(in.RoutingNumber),
		nullString(in.Attention), nullString(in.Reference),
		txID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.Ref(), err)
	}

	for _, p := range rec.Participants() {
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO record_participants (record_id, version, party) VALUES (?, ?, ?)",
			rec.ID.String(), rec.Version, p.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
	}
	return nil
}

// Get retrieves the current version of a record.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM settlement_records WHERE record_id = ? AND consumed_by IS NULL",
		id.String(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// GetVersion retrieves one version of a record regardless of whether it was consumed.
func (s *SQLiteStore) GetVersion(ctx context.Context, ref models.RecordRef) (*models.SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM settlement_records WHERE record_id = ? AND version = ?",
		ref.ID.String(), ref.Version,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record version: %w", err)
	}
	return rec, nil
}

// GetTransaction retrieves a recorded transition by ID.
func (s *SQLiteStore) GetTransaction(ctx context.Context, txID string) (*models.NotarisedTransition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM transactions WHERE tx_id = ?", txID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	ntx := &models.NotarisedTransition{}
	if err := cbor.Unmarshal(payload, ntx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txID, err)
	}
	return ntx, nil
}

// ProducedBy returns the ID of the transition that produced ref.
func (s *SQLiteStore) ProducedBy(ctx context.Context, ref models.RecordRef) (string, error) {
	var txID string
	err := s.db.QueryRowContext(ctx,
		"SELECT produced_by FROM settlement_records WHERE record_id = ? AND version = ?",
		ref.ID.String(), ref.Version,
	).Scan(&txID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("record %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get producing transaction: %w", err)
	}
	return txID, nil
}

// ListAll returns every record visible to this party.
func (s *SQLiteStore) ListAll(ctx context.Context, opts storage.ListOptions) ([]*models.SettlementRecord, error) {
	return s.list(ctx, opts, "", nil)
}

// ListOwnedBy returns records owned by the named party.
func (s *SQLiteStore) ListOwnedBy(ctx context.Context, owner string, opts storage.ListOptions) ([]*models.SettlementRecord, error) {
	return s.list(ctx, opts, "owner_name = ?", []interface{}{owner})
}

// ListByParticipant returns records in which the named party participates.
func (s *SQLiteStore) ListByParticipant(ctx context.Context, party string, opts storage.ListOptions) ([]*models.SettlementRecord, error) {
	return s.list(ctx, opts,
		`EXISTS (SELECT 1 FROM record_participants p
		         WHERE p.record_id = settlement_records.record_id
		           AND p.version = settlement_records.version
		           AND p.party = ?)`,
		[]interface{}{party},
	)
}

func (s *SQLiteStore) list(ctx context.Context, opts storage.ListOptions, filter string, args []interface{}) ([]*models.SettlementRecord, error) {
	var where []string
	if filter != "" {
		where = append(where, filter)
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if !opts.IncludeHistory {
		where = append(where, "consumed_by IS NULL")
	}

	query := "SELECT " + recordColumns + " FROM settlement_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at, record_id, version"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*models.SettlementRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.SettlementRecord, error) {
	var (
		rec            models.SettlementRecord
		id             string
		kind           string
		ownerKey       []byte
		cpName         sql.NullString
		cpKey          []byte
		method         string
		additionalCode sql.NullString
		account        sql.NullInt64
		routingNumber  sql.NullInt64
		attention      sql.NullString
		reference      sql.NullString
	)
	err := row.Scan(&id, &rec.Version, &kind, &rec.Owner.Name, &ownerKey, &cpName, &cpKey,
		&method, &rec.Instruction.BeneficiaryName, &rec.Instruction.BankCode, &rec.Instruction.Institution,
		&additionalCode, &account, &routingNumber, &attention, &reference)
	if err != nil {
		return nil, err
	}

	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q: %w", id, err)
	}
	rec.Kind = models.RecordKind(kind)
	rec.Owner.PublicKey = ownerKey
	if cpName.Valid {
		rec.Counterparty = models.Party{Name: cpName.String, PublicKey: cpKey}
	}
	rec.Instruction.Method = models.SettlementMethod(method)
	rec.Instruction.AdditionalCode = additionalCode.String
	rec.Instruction.Attention = attention.String
	rec.Instruction.Reference = reference.String
	if account.Valid {
		rec.Instruction.Account = models.Int64(account.Int64)
	}
	if routingNumber.Valid {
		rec.Instruction.RoutingNumber = models.Int64(routingNumber.Int64)
	}
	return &rec, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
