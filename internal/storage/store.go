package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/pkg/quant"
)

// ErrDuplicate is returned when a unique constraint rejects a write,
// e.g. a second APPLIED transaction with the same idempotency key.
var ErrDuplicate = errors.New("storage: duplicate key")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the durable sqlite (WAL) store behind the ledger and pool engine.
type Store struct {
	db *sqlx.DB
}

// NewStore opens the database at dbPath with WAL mode enabled and applies the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; keeps pragmas and transactions on a single connection.
	db.SetMaxOpenConns(1)

	// Durable WAL: every committed ledger transaction survives a crash.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing database without applying the schema or
// writing anything, for audits of a file another process may own.
func OpenReadOnly(dbPath string) (*Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	db, err := sqlx.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA query_only=ON;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	raw, err := s.GetMetadata(context.Background(), MetaSchemaVersion)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if v, _ := strconv.Atoi(raw); v > SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("database schema version %d is newer than supported version %d", v, SchemaVersion)
	}
	return s, nil
}

// NewStoreFromDB wraps an existing handle. The schema is not applied.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables and indexes, then applies the migrations
// the stored schema version has not seen. A database written by a newer
// build is refused.
func (s *Store) Migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		version := 1
		var raw string
		err := tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", MetaSchemaVersion).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read schema version: %w", err)
		default:
			if version, err = strconv.Atoi(raw); err != nil {
				return fmt.Errorf("invalid schema version %q: %w", raw, err)
			}
		}
		if version > SchemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
		}
		for v := version; v < SchemaVersion; v++ {
			if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
				return fmt.Errorf("failed to migrate schema to version %d: %w", v+1, err)
			}
		}
		return upsertMetadata(ctx, tx, MetaSchemaVersion, strconv.Itoa(SchemaVersion))
	})
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() int64 { return time.Now().UnixMicro() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// --- assets ---

// InsertAsset registers an asset.
func (s *Store) InsertAsset(ctx context.Context, a domain.Asset) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO assets (symbol, scale, created_at) VALUES (?, ?, ?)",
		a.Symbol, a.Scale, now())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: asset %s", ErrDuplicate, a.Symbol)
	}
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

// LoadAssets returns every registered asset.
func (s *Store) LoadAssets(ctx context.Context) ([]domain.Asset, error) {
	var rows []assetRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT symbol, scale, created_at FROM assets ORDER BY symbol"); err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	out := make([]domain.Asset, len(rows))
	for i, r := range rows {
		out[i] = domain.Asset{Symbol: r.Symbol, Scale: r.Scale}
	}
	return out, nil
}

// --- accounts ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAccount(ctx context.Context, ex execer, a domain.Account) error {
	_, err := ex.ExecContext(ctx,
		"INSERT INTO accounts (id, owner, status, overdraft, overdraft_limit, version, last_seq, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.Owner, string(a.Status), boolInt(a.Overdraft), a.OverdraftLimit.String(), a.Version, a.LastSeq, a.CreatedAt.UnixMicro())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	for asset, amt := range a.Balances {
		if err := upsertBalance(ctx, ex, a.ID, asset, amt); err != nil {
			return err
		}
	}
	return nil
}

func upsertBalance(ctx context.Context, ex execer, accountID, asset string, amt quant.Amount) error {
	_, err := ex.ExecContext(ctx,
		"INSERT INTO balances (account_id, asset, mantissa, scale) VALUES (?, ?, ?, ?) ON CONFLICT(account_id, asset) DO UPDATE SET mantissa=excluded.mantissa, scale=excluded.scale",
		accountID, asset, amt.Mantissa(), amt.Scale())
	if err != nil {
		return fmt.Errorf("failed to upsert balance %s/%s: %w", accountID, asset, err)
	}
	return nil
}

// InsertAccount persists a new account with its initial balances.
func (s *Store) InsertAccount(ctx context.Context, a domain.Account) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertAccount(ctx, tx, a)
	})
}

// LoadAccounts returns every account with its cached balances.
func (s *Store) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT id, owner, status, overdraft, overdraft_limit, version, last_seq, created_at FROM accounts ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	var bals []balanceRow
	if err := s.db.SelectContext(ctx, &bals, "SELECT account_id, asset, mantissa, scale FROM balances"); err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	byAccount := make(map[string]map[string]quant.Amount, len(rows))
	for _, b := range bals {
		m, ok := byAccount[b.AccountID]
		if !ok {
			m = make(map[string]quant.Amount)
			byAccount[b.AccountID] = m
		}
		m[b.Asset] = quant.New(b.Mantissa, b.Scale)
	}

	out := make([]domain.Account, len(rows))
	for i, r := range rows {
		balances := byAccount[r.ID]
		if balances == nil {
			balances = make(map[string]quant.Amount)
		}
		// Zero stays the zero value so loaded accounts compare equal to new ones.
		var limit decimal.Decimal
		if r.OverdraftLimit != "0" {
			var err error
			if limit, err = decimal.NewFromString(r.OverdraftLimit); err != nil {
				return nil, fmt.Errorf("account %s has invalid overdraft limit %q: %w", r.ID, r.OverdraftLimit, err)
			}
		}
		out[i] = domain.Account{
			ID:             r.ID,
			Owner:          r.Owner,
			Status:         domain.AccountStatus(r.Status),
			Overdraft:      r.Overdraft,
			OverdraftLimit: limit,
			Version:        r.Version,
			LastSeq:        r.LastSeq,
			Balances:       balances,
			CreatedAt:      time.UnixMicro(r.CreatedAt).UTC(),
		}
	}
	return out, nil
}

// UpdateAccountStatus sets the lifecycle status of an account.
func (s *Store) UpdateAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE accounts SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

// AccountCache is the cached state of one account after a set of entries.
type AccountCache struct {
	ID       string
	Version  uint64
	LastSeq  uint64
	Balances map[string]quant.Amount // only the assets that changed
}

func saveAccountCache(ctx context.Context, ex execer, c AccountCache) error {
	if _, err := ex.ExecContext(ctx,
		"UPDATE accounts SET version = ?, last_seq = ? WHERE id = ?",
		c.Version, c.LastSeq, c.ID); err != nil {
		return fmt.Errorf("failed to update account %s: %w", c.ID, err)
	}
	for asset, amt := range c.Balances {
		if err := upsertBalance(ctx, ex, c.ID, asset, amt); err != nil {
			return err
		}
	}
	return nil
}

// SaveAccountCaches rewrites cached balances and tags, e.g. after replay.
func (s *Store) SaveAccountCaches(ctx context.Context, caches []AccountCache) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range caches {
			if err := saveAccountCache(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetCaches clears every derived row: balances, account tags and pool caches.
// Entries, accounts and pools are kept.
func (s *Store) ResetCaches(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM balances",
			"UPDATE accounts SET version = 0, last_seq = 0",
			"DELETE FROM pool_cache",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset caches: %w", err)
			}
		}
		return nil
	})
}

// --- entries ---

// Batch is everything one ledger transaction writes.
type Batch struct {
	Entries  []domain.Entry
	Accounts []AccountCache
	Journal  *TxRecord
}

// CommitBatch writes entries, the balance cache and the journal row atomically.
// On error nothing is written.
func (s *Store) CommitBatch(ctx context.Context, b Batch) error {
	ts := now()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range b.Entries {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO ledger_entries (seq, tx_id, account_id, asset, mantissa, scale, prev_hash, hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
				e.Seq, e.TxID, e.AccountID, e.Asset, e.Amount.Mantissa(), e.Amount.Scale(), e.PrevHash, e.Hash, ts)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: entry seq %d", ErrDuplicate, e.Seq)
			}
			if err != nil {
				return fmt.Errorf("failed to insert entry %d: %w", e.Seq, err)
			}
		}
		for _, c := range b.Accounts {
			if err := saveAccountCache(ctx, tx, c); err != nil {
				return err
			}
		}
		if b.Journal != nil {
			if err := insertTransaction(ctx, tx, *b.Journal); err != nil {
				return err
			}
		}
		return nil
	})
}

const entryColumns = "seq, tx_id, account_id, asset, mantissa, scale, prev_hash, hash, created_at"

func toEntries(rows []entryRow) []domain.Entry {
	out := make([]domain.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// LoadEntries returns entries with from <= seq <= to in order. to == 0 means the head.
func (s *Store) LoadEntries(ctx context.Context, from, to uint64) ([]domain.Entry, error) {
	var rows []entryRow
	var err error
	if to == 0 {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT "+entryColumns+" FROM ledger_entries WHERE seq >= ? ORDER BY seq ASC", from)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT "+entryColumns+" FROM ledger_entries WHERE seq >= ? AND seq <= ? ORDER BY seq ASC", from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return toEntries(rows), nil
}

// LoadEntriesByTx returns the entries of one transaction in order.
func (s *Store) LoadEntriesByTx(ctx context.Context, txID string) ([]domain.Entry, error) {
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE tx_id = ? ORDER BY seq ASC", txID); err != nil {
		return nil, fmt.Errorf("failed to query entries for %s: %w", txID, err)
	}
	return toEntries(rows), nil
}

// LoadAccountEntries returns the latest limit entries of account, newest first.
func (s *Store) LoadAccountEntries(ctx context.Context, account string, limit int) ([]domain.Entry, error) {
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = ? ORDER BY seq DESC LIMIT ?", account, limit); err != nil {
		return nil, fmt.Errorf("failed to query entries for account %s: %w", account, err)
	}
	return toEntries(rows), nil
}

// LastEntry returns the entry at the head of the chain, or nil if the ledger is empty.
func (s *Store) LastEntry(ctx context.Context) (*domain.Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+entryColumns+" FROM ledger_entries ORDER BY seq DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last entry: %w", err)
	}
	e := row.toDomain()
	return &e, nil
}

// GetLastSeq returns the highest entry sequence number, or 0 if none exist.
func (s *Store) GetLastSeq(ctx context.Context) (uint64, error) {
	var lastSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM ledger_entries").Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !lastSeq.Valid {
		return 0, nil
	}
	return uint64(lastSeq.Int64), nil
}

// --- pools ---

// PoolRecord is everything created with a pool.
type PoolRecord struct {
	Pool       domain.Pool
	ShareAsset domain.Asset
	Accounts   []domain.Account
}

// CreatePool writes the share asset, the pool accounts and the pool row atomically.
func (s *Store) CreatePool(ctx context.Context, r PoolRecord) error {
	ts := now()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO assets (symbol, scale, created_at) VALUES (?, ?, ?) ON CONFLICT(symbol) DO NOTHING",
			r.ShareAsset.Symbol, r.ShareAsset.Scale, ts)
		if err != nil {
			return fmt.Errorf("failed to insert share asset: %w", err)
		}
		for _, a := range r.Accounts {
			if err := insertAccount(ctx, tx, a); err != nil {
				return err
			}
		}
		p := r.Pool
		_, err = tx.ExecContext(ctx,
			"INSERT INTO pools (id, asset_a, asset_b, fee_ppm, share_asset, reserve_a_account, reserve_b_account, issuer_account, lock_account, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			p.ID, p.Pair.A, p.Pair.B, p.FeeRate.PPM(), p.ShareAsset,
			p.ReserveAccountA, p.ReserveAccountB, p.IssuerAccount, p.LockAccount,
			string(p.Status), p.CreatedAt.UnixMicro())
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pool %s", ErrDuplicate, p.Pair.Key())
		}
		if err != nil {
			return fmt.Errorf("failed to insert pool: %w", err)
		}
		return nil
	})
}

// LoadPools returns every pool definition.
func (s *Store) LoadPools(ctx context.Context) ([]domain.Pool, error) {
	var rows []poolRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT id, asset_a, asset_b, fee_ppm, share_asset, reserve_a_account, reserve_b_account, issuer_account, lock_account, status, created_at FROM pools ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to load pools: %w", err)
	}
	out := make([]domain.Pool, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", r.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// UpdatePoolStatus sets the status of a pool.
func (s *Store) UpdatePoolStatus(ctx context.Context, id string, status domain.PoolStatus) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE pools SET status = ? WHERE id = ?", string(status), id); err != nil {
		return fmt.Errorf("failed to update pool status: %w", err)
	}
	return nil
}

// UpsertPoolCache stores the derived state of a pool tagged with its last seq.
func (s *Store) UpsertPoolCache(ctx context.Context, st domain.PoolState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_cache (pool_id, reserve_a, reserve_a_scale, reserve_b, reserve_b_scale, total_shares, shares_scale, last_seq, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pool_id) DO UPDATE SET reserve_a=excluded.reserve_a, reserve_a_scale=excluded.reserve_a_scale,
		   reserve_b=excluded.reserve_b, reserve_b_scale=excluded.reserve_b_scale,
		   total_shares=excluded.total_shares, shares_scale=excluded.shares_scale,
		   last_seq=excluded.last_seq, updated_at=excluded.updated_at`,
		st.PoolID, st.ReserveA.Mantissa(), st.ReserveA.Scale(), st.ReserveB.Mantissa(), st.ReserveB.Scale(),
		st.TotalShares.Mantissa(), st.TotalShares.Scale(), st.LastSeq, now())
	if err != nil {
		return fmt.Errorf("failed to upsert pool cache: %w", err)
	}
	return nil
}

// LoadPoolCache returns the cached state of a pool, or nil if none was written.
// Only reserves, supply and last seq are filled in.
func (s *Store) LoadPoolCache(ctx context.Context, poolID string) (*domain.PoolState, error) {
	var r poolCacheRow
	err := s.db.GetContext(ctx, &r,
		"SELECT pool_id, reserve_a, reserve_a_scale, reserve_b, reserve_b_scale, total_shares, shares_scale, last_seq, updated_at FROM pool_cache WHERE pool_id = ?",
		poolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pool cache: %w", err)
	}
	return &domain.PoolState{
		PoolID:      r.PoolID,
		ReserveA:    quant.New(r.ReserveA, r.ReserveAScale),
		ReserveB:    quant.New(r.ReserveB, r.ReserveBScale),
		TotalShares: quant.New(r.TotalShares, r.SharesScale),
		LastSeq:     r.LastSeq,
	}, nil
}

// --- transactions journal ---

// insertTransaction writes a journal row. A REJECTED row with the same id is
// replaced, so a caller may retry a rejected transaction under its own id;
// any other existing row is a duplicate.
func insertTransaction(ctx context.Context, ex execer, r TxRecord) error {
	created := r.CreatedAt
	if created == 0 {
		created = now()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO transactions (id, kind, status, idempotency_key, first_seq, last_seq, error_kind, error_msg, request, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, status=excluded.status, idempotency_key=excluded.idempotency_key,
			first_seq=excluded.first_seq, last_seq=excluded.last_seq, error_kind=excluded.error_kind, error_msg=excluded.error_msg,
			request=excluded.request, outcome=excluded.outcome, created_at=excluded.created_at
		WHERE transactions.status = 'REJECTED'`,
		r.ID, r.Kind, r.Status, r.IdempotencyKey, r.FirstSeq, r.LastSeq, r.ErrorKind, r.ErrorMsg, r.Request, r.Outcome, created)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, r.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, r.ID)
	}
	return nil
}

// InsertTransaction journals a transaction outside of an entry batch (rejections).
func (s *Store) InsertTransaction(ctx context.Context, r TxRecord) error {
	return insertTransaction(ctx, s.db, r)
}

const txColumns = "id, kind, status, idempotency_key, first_seq, last_seq, error_kind, error_msg, request, outcome, created_at"

// FindAppliedByKey returns the APPLIED transaction with the idempotency key, or nil.
func (s *Store) FindAppliedByKey(ctx context.Context, key string) (*TxRecord, error) {
	var r TxRecord
	err := s.db.GetContext(ctx, &r,
		"SELECT "+txColumns+" FROM transactions WHERE idempotency_key = ? AND status = 'APPLIED'", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction by key: %w", err)
	}
	return &r, nil
}

// GetTransaction returns a journaled transaction by id, or nil.
func (s *Store) GetTransaction(ctx context.Context, id string) (*TxRecord, error) {
	var r TxRecord
	err := s.db.GetContext(ctx, &r, "SELECT "+txColumns+" FROM transactions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &r, nil
}

// --- metadata ---

func upsertMetadata(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, now())
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *Store) UpsertMetadata(ctx context.Context, key, value string) error {
	return upsertMetadata(ctx, s.db, key, value)
}

// GetMetadata retrieves a value from the metadata table.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
