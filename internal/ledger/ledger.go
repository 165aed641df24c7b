// Package ledger is the append-only, hash-chained, double-entry store of
// record. All balance changes, including pool reserves and liquidity shares,
// are postings appended here.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

// Ledger owns the entry stream and the in-memory balance view derived from it.
type Ledger struct {
	store *storage.Store
	log   *slog.Logger
	now   func() time.Time

	// Positive postings above this value log LARGE_TRANSFER. Zero disables.
	largeWarn decimal.Decimal

	// appendMu serialises sequence assignment, commit and lifecycle changes.
	appendMu sync.Mutex

	mu       sync.RWMutex // guards the fields below for readers
	assets   map[string]domain.Asset
	accounts map[string]*domain.Account
	headSeq  uint64
	headHash string
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option { return func(lg *Ledger) { lg.log = l } }

func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

// WithLargeTransferWarn sets the warning threshold, in asset units.
func WithLargeTransferWarn(d decimal.Decimal) Option {
	return func(lg *Ledger) { lg.largeWarn = d }
}

// New creates an empty ledger over store. Call Recover before use on an
// existing database.
func New(store *storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		log:      slog.Default(),
		now:      time.Now,
		assets:   make(map[string]domain.Asset),
		accounts: make(map[string]*domain.Account),
		headHash: domain.GenesisHash,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func cloneAccount(a *domain.Account) *domain.Account {
	cp := *a
	cp.Balances = make(map[string]quant.Amount, len(a.Balances))
	for k, v := range a.Balances {
		cp.Balances[k] = v
	}
	return &cp
}

// --- assets ---

// RegisterAsset adds an immutable asset. Registering the same symbol and
// scale again is a no-op.
func (l *Ledger) RegisterAsset(ctx context.Context, symbol string, scale uint8) (domain.Asset, error) {
	a := domain.Asset{Symbol: symbol, Scale: scale}
	if err := a.Validate(); err != nil {
		return domain.Asset{}, err
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	existing, ok := l.assets[symbol]
	l.mu.RUnlock()
	if ok {
		if existing.Scale != scale {
			return domain.Asset{}, domain.EntityErrorf(domain.KindValidation, "register_asset", symbol,
				"already registered with scale %d", existing.Scale)
		}
		return existing, nil
	}
	if err := l.store.InsertAsset(ctx, a); err != nil {
		return domain.Asset{}, err
	}

	l.mu.Lock()
	l.assets[symbol] = a
	l.mu.Unlock()
	return a, nil
}

// Asset returns a registered asset.
func (l *Ledger) Asset(symbol string) (domain.Asset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[symbol]
	return a, ok
}

// Assets returns every registered asset, sorted by symbol.
func (l *Ledger) Assets() []domain.Asset {
	l.mu.RLock()
	out := make([]domain.Asset, 0, len(l.assets))
	for _, a := range l.assets {
		out = append(out, a)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// --- accounts ---

// NewAccount builds an unpersisted account with zero balances in each asset.
func NewAccount(spec domain.AccountSpec, now time.Time, assets ...domain.Asset) domain.Account {
	acc := domain.Account{
		ID:             uuid.NewString(),
		Owner:          spec.Owner,
		Status:         domain.AccountActive,
		Overdraft:      spec.Overdraft,
		OverdraftLimit: spec.OverdraftLimit,
		Balances:       make(map[string]quant.Amount, len(assets)),
		CreatedAt:      now.UTC().Truncate(time.Microsecond),
	}
	for _, a := range assets {
		acc.Balances[a.Symbol] = a.Zero()
	}
	return acc
}

// OpenAccount opens an account holding a zero balance of asset.
func (l *Ledger) OpenAccount(ctx context.Context, asset string) (domain.Account, error) {
	return l.OpenAccountWith(ctx, domain.AccountSpec{Asset: asset})
}

// OpenAccountWith opens an account from spec. The account is tagged with the
// current head: no earlier entry can concern it.
func (l *Ledger) OpenAccountWith(ctx context.Context, spec domain.AccountSpec) (domain.Account, error) {
	a, ok := l.Asset(spec.Asset)
	if !ok {
		return domain.Account{}, domain.Errorf(domain.KindValidation, "open_account", "unknown asset %q", spec.Asset)
	}
	if spec.OverdraftLimit.IsNegative() {
		return domain.Account{}, domain.Errorf(domain.KindValidation, "open_account", "overdraft limit %s is negative", spec.OverdraftLimit)
	}
	acc := NewAccount(spec, l.now(), a)

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	acc.LastSeq, _ = l.Head()
	if err := l.store.InsertAccount(ctx, acc); err != nil {
		return domain.Account{}, err
	}

	l.mu.Lock()
	l.accounts[acc.ID] = cloneAccount(&acc)
	l.mu.Unlock()

	l.log.Info("Account opened",
		slog.String("account_id", acc.ID),
		slog.String("asset", spec.Asset),
		slog.Bool("overdraft", spec.Overdraft),
		slog.String("overdraft_limit", spec.OverdraftLimit.String()))
	return acc, nil
}

// Adopt registers assets and accounts that another component persists in its
// own store transaction, such as pool creation. The accounts are tagged with
// the current head and persist runs with appends held, so no entry can slip
// between the tag and the write.
func (l *Ledger) Adopt(assets []domain.Asset, accounts []domain.Account, persist func([]domain.Account) error) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	head, _ := l.Head()
	for i := range accounts {
		accounts[i].LastSeq = head
	}
	if err := persist(accounts); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range assets {
		l.assets[a.Symbol] = a
	}
	for i := range accounts {
		cp := cloneAccount(&accounts[i])
		l.accounts[cp.ID] = cp
	}
	return nil
}

// Account returns a copy of the account.
func (l *Ledger) Account(id string) (domain.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[id]
	if !ok {
		return domain.Account{}, domain.EntityErrorf(domain.KindValidation, "account", id, "unknown account")
	}
	return *cloneAccount(acc), nil
}

// Accounts returns copies of every account, sorted by id.
func (l *Ledger) Accounts() []domain.Account {
	l.mu.RLock()
	out := make([]domain.Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *cloneAccount(a))
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Balance returns the balance of account in asset. An asset the account has
// never held reads as zero.
func (l *Ledger) Balance(account, asset string) (quant.Amount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[account]
	if !ok {
		return quant.Amount{}, domain.EntityErrorf(domain.KindValidation, "get_balance", account, "unknown account")
	}
	a, ok := l.assets[asset]
	if !ok {
		return quant.Amount{}, domain.Errorf(domain.KindValidation, "get_balance", "unknown asset %q", asset)
	}
	if bal, ok := acc.Balances[asset]; ok {
		return bal, nil
	}
	return a.Zero(), nil
}

// Head returns the last sequence number and its hash.
func (l *Ledger) Head() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headSeq, l.headHash
}

func (l *Ledger) setStatus(ctx context.Context, op, id string, from []domain.AccountStatus, to domain.AccountStatus, check func(*domain.Account) error) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	acc, ok := l.accounts[id]
	var cur domain.AccountStatus
	var checkErr error
	if ok {
		cur = acc.Status
		if check != nil {
			checkErr = check(acc)
		}
	}
	l.mu.RUnlock()
	if !ok {
		return domain.EntityErrorf(domain.KindValidation, op, id, "unknown account")
	}
	if cur == to {
		return nil
	}
	allowed := false
	for _, s := range from {
		allowed = allowed || s == cur
	}
	if !allowed {
		return domain.EntityErrorf(domain.KindValidation, op, id, "account is %s", cur)
	}
	if checkErr != nil {
		return checkErr
	}
	if err := l.store.UpdateAccountStatus(ctx, id, to); err != nil {
		return err
	}

	l.mu.Lock()
	l.accounts[id].Status = to
	l.mu.Unlock()
	return nil
}

// Freeze halts all mutation of the account pending manual audit.
func (l *Ledger) Freeze(ctx context.Context, id, reason string) error {
	err := l.setStatus(ctx, "freeze", id, []domain.AccountStatus{domain.AccountActive}, domain.AccountFrozen, nil)
	if err == nil {
		l.log.Error("ACCOUNT_FROZEN", slog.String("account_id", id), slog.String("reason", reason))
	}
	return err
}

// Unfreeze returns a frozen account to ACTIVE after audit.
func (l *Ledger) Unfreeze(ctx context.Context, id string) error {
	err := l.setStatus(ctx, "unfreeze", id, []domain.AccountStatus{domain.AccountFrozen}, domain.AccountActive, nil)
	if err == nil {
		l.log.Warn("ACCOUNT_UNFROZEN", slog.String("account_id", id))
	}
	return err
}

// CloseAccount closes an account whose balances are all zero.
func (l *Ledger) CloseAccount(ctx context.Context, id string) error {
	return l.setStatus(ctx, "close_account", id, []domain.AccountStatus{domain.AccountActive}, domain.AccountClosed,
		func(acc *domain.Account) error {
			for asset, bal := range acc.Balances {
				if !bal.IsZero() {
					return domain.EntityErrorf(domain.KindValidation, "close_account", id, "non-zero %s balance %s", asset, bal)
				}
			}
			return nil
		})
}

// GetLedgerRange returns entries with from <= seq <= to. to == 0 reads to the head.
func (l *Ledger) GetLedgerRange(ctx context.Context, from, to uint64) ([]domain.Entry, error) {
	if from == 0 {
		return nil, domain.Errorf(domain.KindValidation, "get_ledger_range", "sequence numbers start at 1")
	}
	if to != 0 && to < from {
		return nil, domain.Errorf(domain.KindValidation, "get_ledger_range", "to %d before from %d", to, from)
	}
	return l.store.LoadEntries(ctx, from, to)
}

// AccountEntries returns the latest limit entries posted to account, newest
// first.
func (l *Ledger) AccountEntries(ctx context.Context, account string, limit int) ([]domain.Entry, error) {
	const op = "account_entries"
	if limit <= 0 {
		return nil, domain.Errorf(domain.KindValidation, op, "limit must be positive, got %d", limit)
	}
	l.mu.RLock()
	_, ok := l.accounts[account]
	l.mu.RUnlock()
	if !ok {
		return nil, domain.EntityErrorf(domain.KindValidation, op, account, "unknown account")
	}
	return l.store.LoadAccountEntries(ctx, account, limit)
}

func (l *Ledger) String() string {
	seq, hash := l.Head()
	return fmt.Sprintf("ledger(head=%d hash=%.12s)", seq, hash)
}
