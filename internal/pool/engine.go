// Package pool implements constant-product liquidity pools on top of the
// ledger. A pool's reserves and share supply are balances of accounts it owns,
// so every pool change is a ledger posting and pool state is derivable by
// replaying entries.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/ledger"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

// Config holds pool policy.
type Config struct {
	// MinimumLiquidity share units (mantissa) locked on a pool's first deposit.
	MinimumLiquidity int64
	// RatioTolerance bounds how far a deposit may deviate from the reserve ratio.
	RatioTolerance quant.Rate
	// ReserveFloor is the least output reserve (mantissa) a swap may leave.
	ReserveFloor int64
	// MaxFeeRate caps the fee accepted by CreatePool.
	MaxFeeRate quant.Rate
}

func DefaultConfig() Config {
	return Config{
		MinimumLiquidity: 1000,
		RatioTolerance:   quant.MustRate("0.01"),
		ReserveFloor:     1,
		MaxFeeRate:       quant.MustRate("0.1"),
	}
}

type entry struct {
	def        domain.Pool
	state      domain.PoolState
	shareScale uint8
	shift      uint8
}

// Engine is the registry of pools and their derived state.
type Engine struct {
	ledger *ledger.Ledger
	store  *storage.Store
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	pools     map[string]*entry
	byPair    map[domain.Pair]string
	byAccount map[string]string // pool-owned account -> pool id
}

func NewEngine(l *ledger.Ledger, store *storage.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReserveFloor < 1 {
		cfg.ReserveFloor = 1
	}
	return &Engine{
		ledger:    l,
		store:     store,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		pools:     make(map[string]*entry),
		byPair:    make(map[domain.Pair]string),
		byAccount: make(map[string]string),
	}
}

// shareScale is the scale of the share asset: the mean of the pair's scales,
// rounded up so the initial root never needs to drop a digit.
func shareScale(sa, sb uint8) (scale, shift uint8) {
	scale = (sa + sb + 1) / 2
	return scale, 2*scale - (sa + sb)
}

func (e *Engine) register(p domain.Pool, st domain.PoolState, scale, shift uint8) {
	e.pools[p.ID] = &entry{def: p, state: st, shareScale: scale, shift: shift}
	e.byPair[p.Pair] = p.ID
	for _, acc := range p.Accounts() {
		e.byAccount[acc] = p.ID
	}
}

// CreatePool registers a pool over the unordered pair {a, b}.
func (e *Engine) CreatePool(ctx context.Context, a, b string, fee quant.Rate) (domain.Pool, error) {
	const op = "create_pool"
	if a == b {
		return domain.Pool{}, domain.Errorf(domain.KindValidation, op, "pool assets must differ")
	}
	if fee.Cmp(e.cfg.MaxFeeRate) > 0 || fee.PPM() >= quant.RateScale {
		return domain.Pool{}, domain.Errorf(domain.KindValidation, op, "fee rate %s above maximum %s", fee, e.cfg.MaxFeeRate)
	}
	pair := domain.NewPair(a, b)
	assetA, ok := e.ledger.Asset(pair.A)
	if !ok {
		return domain.Pool{}, domain.Errorf(domain.KindValidation, op, "unknown asset %q", pair.A)
	}
	assetB, ok := e.ledger.Asset(pair.B)
	if !ok {
		return domain.Pool{}, domain.Errorf(domain.KindValidation, op, "unknown asset %q", pair.B)
	}
	scale, shift := shareScale(assetA.Scale, assetB.Scale)
	share := domain.Asset{Symbol: domain.ShareAssetSymbol(pair), Scale: scale}
	if existing, ok := e.ledger.Asset(share.Symbol); ok && existing.Scale != scale {
		return domain.Pool{}, domain.Errorf(domain.KindValidation, op, "asset %s already registered with scale %d", share.Symbol, existing.Scale)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byPair[pair]; ok {
		return domain.Pool{}, domain.EntityErrorf(domain.KindValidation, op, id, "pool for %s already exists", pair.Key())
	}

	id := uuid.NewString()
	now := e.now()
	owner := domain.AccountSpec{Owner: domain.PoolOwner(id)}
	issuer := owner
	issuer.Overdraft = true
	accounts := []domain.Account{
		ledger.NewAccount(owner, now, assetA),
		ledger.NewAccount(owner, now, assetB),
		ledger.NewAccount(issuer, now, share),
		ledger.NewAccount(owner, now, share),
	}
	p := domain.Pool{
		ID:              id,
		Pair:            pair,
		FeeRate:         fee,
		ShareAsset:      share.Symbol,
		ReserveAccountA: accounts[0].ID,
		ReserveAccountB: accounts[1].ID,
		IssuerAccount:   accounts[2].ID,
		LockAccount:     accounts[3].ID,
		Status:          domain.PoolActive,
		CreatedAt:       now.UTC().Truncate(time.Microsecond),
	}
	err := e.ledger.Adopt([]domain.Asset{share}, accounts, func(tagged []domain.Account) error {
		return e.store.CreatePool(ctx, storage.PoolRecord{Pool: p, ShareAsset: share, Accounts: tagged})
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return domain.Pool{}, domain.Errorf(domain.KindValidation, op, "pool for %s already exists", pair.Key())
	}
	if err != nil {
		return domain.Pool{}, err
	}

	// The pool starts where its accounts do.
	head := accounts[0].LastSeq
	st := domain.PoolState{
		PoolID:      id,
		AssetA:      pair.A,
		AssetB:      pair.B,
		ReserveA:    assetA.Zero(),
		ReserveB:    assetB.Zero(),
		TotalShares: share.Zero(),
		FeeRate:     fee,
		LastSeq:     head,
		Status:      domain.PoolActive,
	}
	e.register(p, st, scale, shift)
	if err := e.store.UpsertPoolCache(ctx, st); err != nil {
		e.log.Warn("Pool cache write failed", slog.String("pool_id", id), slog.Any("error", err))
	}

	e.log.Info("Pool created",
		slog.String("pool_id", id),
		slog.String("pair", pair.Key()),
		slog.String("fee_rate", fee.String()))
	return p, nil
}

func (e *Engine) get(id string) (*entry, error) {
	p, ok := e.pools[id]
	if !ok {
		return nil, domain.EntityErrorf(domain.KindPoolNotFound, "pool", id, "no such pool")
	}
	return p, nil
}

// Pool returns the pool definition.
func (e *Engine) Pool(id string) (domain.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.get(id)
	if err != nil {
		return domain.Pool{}, err
	}
	return p.def, nil
}

// Pools returns every pool definition, sorted by id.
func (e *Engine) Pools() []domain.Pool {
	e.mu.RLock()
	out := make([]domain.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p.def)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the current state of a pool.
func (e *Engine) State(id string) (domain.PoolState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.get(id)
	if err != nil {
		return domain.PoolState{}, err
	}
	return p.state, nil
}

// States returns the state of every pool, sorted by id.
func (e *Engine) States() []domain.PoolState {
	e.mu.RLock()
	out := make([]domain.PoolState, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p.state)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// PoolOf returns the pool owning account, if any.
func (e *Engine) PoolOf(account string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byAccount[account]
	return id, ok
}

// Price returns the spot price of asset in units of the counter asset.
func (e *Engine) Price(id, asset string) (decimal.Decimal, error) {
	st, err := e.State(id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	in, out, ok := st.Reserves(asset)
	if !ok {
		return decimal.Decimal{}, domain.EntityErrorf(domain.KindValidation, "price", id, "asset %q not in pool", asset)
	}
	if in.IsZero() {
		return decimal.Decimal{}, domain.EntityErrorf(domain.KindInsufficientLiquidity, "price", id, "pool is empty")
	}
	return out.Decimal().DivRound(in.Decimal(), int32(quant.MaxScale)), nil
}

// Position returns the provider's shares in a pool.
func (e *Engine) Position(id, provider string) (domain.LiquidityPosition, error) {
	p, err := e.Pool(id)
	if err != nil {
		return domain.LiquidityPosition{}, err
	}
	shares, err := e.ledger.Balance(provider, p.ShareAsset)
	if err != nil {
		return domain.LiquidityPosition{}, err
	}
	return domain.LiquidityPosition{PoolID: id, Provider: provider, Shares: shares}, nil
}

// Positions returns every non-zero position in a pool, including the
// minimum-liquidity lock. Their sum equals the pool's share supply.
func (e *Engine) Positions(id string) ([]domain.LiquidityPosition, error) {
	p, err := e.Pool(id)
	if err != nil {
		return nil, err
	}
	var out []domain.LiquidityPosition
	for _, acc := range e.ledger.Accounts() {
		if acc.ID == p.IssuerAccount {
			continue
		}
		if bal, ok := acc.Balances[p.ShareAsset]; ok && !bal.IsZero() {
			out = append(out, domain.LiquidityPosition{PoolID: id, Provider: acc.ID, Shares: bal})
		}
	}
	return out, nil
}

func (e *Engine) setStatus(ctx context.Context, id string, status domain.PoolStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.get(id)
	if err != nil {
		return err
	}
	if p.def.Status == status {
		return nil
	}
	if err := e.store.UpdatePoolStatus(ctx, id, status); err != nil {
		return err
	}
	p.def.Status = status
	p.state.Status = status
	return nil
}

// Freeze halts mutation of a pool pending manual audit.
func (e *Engine) Freeze(ctx context.Context, id, reason string) error {
	if err := e.setStatus(ctx, id, domain.PoolFrozen); err != nil {
		return err
	}
	e.log.Error("POOL_FROZEN", slog.String("pool_id", id), slog.String("reason", reason))
	return nil
}

// Unfreeze reactivates a pool after audit.
func (e *Engine) Unfreeze(ctx context.Context, id string) error {
	if err := e.setStatus(ctx, id, domain.PoolActive); err != nil {
		return err
	}
	e.log.Warn("POOL_UNFROZEN", slog.String("pool_id", id))
	return nil
}
