package storage

// schema is applied in order by Migrate. Statements are idempotent.
var schema = []string{
	// Metadata table for KV storage (schema version, snapshot marks).
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS assets (
		symbol TEXT PRIMARY KEY,
		scale INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	// version and last_seq tag the balance cache for replay.
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		overdraft INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		last_seq INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT NOT NULL REFERENCES accounts(id),
		asset TEXT NOT NULL REFERENCES assets(symbol),
		mantissa INTEGER NOT NULL,
		scale INTEGER NOT NULL,
		PRIMARY KEY (account_id, asset)
	);`,
	// Append-only. seq is assigned by the ledger, never by sqlite.
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY,
		tx_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		mantissa INTEGER NOT NULL,
		scale INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_tx ON ledger_entries(tx_id);`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, seq);`,
	`CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		asset_a TEXT NOT NULL REFERENCES assets(symbol),
		asset_b TEXT NOT NULL REFERENCES assets(symbol),
		fee_ppm INTEGER NOT NULL,
		share_asset TEXT NOT NULL REFERENCES assets(symbol),
		reserve_a_account TEXT NOT NULL REFERENCES accounts(id),
		reserve_b_account TEXT NOT NULL REFERENCES accounts(id),
		issuer_account TEXT NOT NULL REFERENCES accounts(id),
		lock_account TEXT NOT NULL REFERENCES accounts(id),
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (asset_a, asset_b)
	);`,
	// Written after commit; may lag the ledger. last_seq drives replay.
	`CREATE TABLE IF NOT EXISTS pool_cache (
		pool_id TEXT PRIMARY KEY REFERENCES pools(id),
		reserve_a INTEGER NOT NULL,
		reserve_a_scale INTEGER NOT NULL,
		reserve_b INTEGER NOT NULL,
		reserve_b_scale INTEGER NOT NULL,
		total_shares INTEGER NOT NULL,
		shares_scale INTEGER NOT NULL,
		last_seq INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT,
		first_seq INTEGER NOT NULL DEFAULT 0,
		last_seq INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_msg TEXT NOT NULL DEFAULT '',
		request BLOB NOT NULL,
		outcome BLOB,
		created_at INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idem
		ON transactions(idempotency_key) WHERE status = 'APPLIED' AND idempotency_key IS NOT NULL;`,
}

// migrations upgrade a database from schema version i+1 to i+2. The base
// schema above is version 1.
var migrations = []string{
	`ALTER TABLE accounts ADD COLUMN overdraft_limit TEXT NOT NULL DEFAULT '0';`,
}

// SchemaVersion is the version Migrate brings a database to.
var SchemaVersion = len(migrations) + 1

// Metadata keys.
const (
	MetaSchemaVersion   = "schema_version"
	MetaLastSnapshotSeq = "last_snapshot_seq"
)
