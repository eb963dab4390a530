package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// IMPORTANT: transactions must be created BEFORE settlement_records due to the foreign key.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    tx_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    command TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    payload BLOB NOT NULL,
    recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement_records (
    record_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    kind TEXT NOT NULL,
    owner_name TEXT NOT NULL,
    owner_key BLOB NOT NULL,
    counterparty_name TEXT,
    counterparty_key BLOB,
    method TEXT NOT NULL,
    beneficiary TEXT NOT NULL,
    code TEXT NOT NULL,
    institution TEXT NOT NULL,
    additional_code TEXT,
    account INTEGER,
    routing_number INTEGER,
    attention TEXT,
    reference TEXT,
    produced_by TEXT NOT NULL,
    consumed_by TEXT,
    recorded_at INTEGER NOT NULL,
    PRIMARY KEY (record_id, version),
    FOREIGN KEY (produced_by) REFERENCES transactions(tx_id),
    FOREIGN KEY (consumed_by) REFERENCES transactions(tx_id)
);

CREATE TABLE IF NOT EXISTS record_participants (
    record_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    party TEXT NOT NULL,
    PRIMARY KEY (record_id, version, party),
    FOREIGN KEY (record_id, version) REFERENCES settlement_records(record_id, version) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_settlement_records_owner ON settlement_records(owner_name);
CREATE INDEX IF NOT EXISTS idx_settlement_records_consumed_by ON settlement_records(consumed_by);
CREATE INDEX IF NOT EXISTS idx_record_participants_party ON record_participants(party);
CREATE INDEX IF NOT EXISTS idx_transactions_sequence ON transactions(sequence);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
