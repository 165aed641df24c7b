package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/event"
	"liquidity_ledger/internal/ledger"
	"liquidity_ledger/internal/pool"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

// lock takes a single entity lock under the configured timeout.
func (c *Coordinator) lock(ctx context.Context, op string, key LockKey) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	defer cancel()
	release, err := c.locks.Acquire(lctx, []LockKey{key})
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindConcurrencyConflict, Op: op, Entity: key.ID, Msg: "lock wait exceeded", Err: err}
	}
	return release, nil
}

// RegisterAsset declares an asset and its scale.
func (c *Coordinator) RegisterAsset(ctx context.Context, symbol string, scale uint8) (domain.Asset, error) {
	return c.ledger.RegisterAsset(ctx, symbol, scale)
}

// OpenAccount creates an empty account holding asset.
func (c *Coordinator) OpenAccount(ctx context.Context, asset string) (domain.Account, error) {
	return c.ledger.OpenAccount(ctx, asset)
}

// OpenAccountWith creates an account from a full spec.
func (c *Coordinator) OpenAccountWith(ctx context.Context, spec domain.AccountSpec) (domain.Account, error) {
	return c.ledger.OpenAccountWith(ctx, spec)
}

func (c *Coordinator) GetBalance(account, asset string) (quant.Amount, error) {
	return c.ledger.Balance(account, asset)
}

func (c *Coordinator) Account(id string) (domain.Account, error) {
	return c.ledger.Account(id)
}

// CreatePool registers a pool over the unordered pair {a, b}.
func (c *Coordinator) CreatePool(ctx context.Context, a, b string, fee quant.Rate) (domain.Pool, error) {
	p, err := c.pools.CreatePool(ctx, a, b, fee)
	if err != nil {
		return domain.Pool{}, err
	}
	c.log.Info("Pool created",
		slog.String("pool_id", p.ID),
		slog.String("pair", p.Pair.Key()),
		slog.String("fee", p.FeeRate.String()))
	return p, nil
}

func (c *Coordinator) QueryPoolState(id string) (domain.PoolState, error) {
	return c.pools.State(id)
}

func (c *Coordinator) PoolStates() []domain.PoolState {
	return c.pools.States()
}

func (c *Coordinator) Position(poolID, provider string) (domain.LiquidityPosition, error) {
	return c.pools.Position(poolID, provider)
}

// Positions lists every provider's share of a pool.
func (c *Coordinator) Positions(poolID string) ([]domain.LiquidityPosition, error) {
	return c.pools.Positions(poolID)
}

// Price is the spot price of asset in units of the counter asset.
func (c *Coordinator) Price(poolID, asset string) (decimal.Decimal, error) {
	return c.pools.Price(poolID, asset)
}

// AccountEntries returns the latest limit entries of account, newest first.
func (c *Coordinator) AccountEntries(ctx context.Context, account string, limit int) ([]domain.Entry, error) {
	return c.ledger.AccountEntries(ctx, account, limit)
}

// GetLedgerRange returns entries with from <= seq <= to.
func (c *Coordinator) GetLedgerRange(ctx context.Context, from, to uint64) ([]domain.Entry, error) {
	return c.ledger.GetLedgerRange(ctx, from, to)
}

// Head returns the last sequence number and its hash.
func (c *Coordinator) Head() (uint64, string) {
	return c.ledger.Head()
}

// Transaction returns the journal row of a transaction, or nil.
func (c *Coordinator) Transaction(ctx context.Context, id string) (*storage.TxRecord, error) {
	return c.store.GetTransaction(ctx, id)
}

// VerifyChain recomputes hash links and balance over [from, to].
func (c *Coordinator) VerifyChain(ctx context.Context, from, to uint64) error {
	return c.ledger.VerifyChain(ctx, from, to)
}

func (c *Coordinator) FreezeAccount(ctx context.Context, id, reason string) error {
	release, err := c.lock(ctx, "freeze_account", LockKey{EntityAccount, id})
	if err != nil {
		return err
	}
	defer release()
	return c.ledger.Freeze(ctx, id, reason)
}

func (c *Coordinator) UnfreezeAccount(ctx context.Context, id string) error {
	release, err := c.lock(ctx, "unfreeze_account", LockKey{EntityAccount, id})
	if err != nil {
		return err
	}
	defer release()
	return c.ledger.Unfreeze(ctx, id)
}

func (c *Coordinator) CloseAccount(ctx context.Context, id string) error {
	release, err := c.lock(ctx, "close_account", LockKey{EntityAccount, id})
	if err != nil {
		return err
	}
	defer release()
	return c.ledger.CloseAccount(ctx, id)
}

func (c *Coordinator) FreezePool(ctx context.Context, id, reason string) error {
	release, err := c.lock(ctx, "freeze_pool", LockKey{EntityPool, id})
	if err != nil {
		return err
	}
	defer release()
	return c.pools.Freeze(ctx, id, reason)
}

// UnfreezePool reactivates a pool after a clean audit against ledger balances.
func (c *Coordinator) UnfreezePool(ctx context.Context, id string) error {
	release, err := c.lock(ctx, "unfreeze_pool", LockKey{EntityPool, id})
	if err != nil {
		return err
	}
	defer release()
	if err := c.pools.Audit(id); err != nil {
		return err
	}
	return c.pools.Unfreeze(ctx, id)
}

// halt freezes the entity named by cause, publishes EntityFrozen and dumps
// state. An error naming a pool-owned account freezes the pool. Errors that
// name no stored entity, or one already on hold, change nothing.
func (c *Coordinator) halt(ctx context.Context, cause *domain.Error) {
	if cause == nil {
		return
	}
	kind, id, frozen := c.resolve(cause.Entity)
	if id == "" || frozen {
		return
	}
	c.log.Error("INTEGRITY_HALT",
		slog.String("error_kind", string(cause.Kind)),
		slog.String("entity", id),
		slog.String("error", cause.Error()))

	var err error
	switch kind {
	case EntityPool:
		err = c.pools.Freeze(ctx, id, cause.Error())
	case EntityAccount:
		err = c.ledger.Freeze(ctx, id, cause.Error())
	}
	if err != nil {
		c.log.Error("Failed to freeze entity", slog.String("entity", id), slog.Any("error", err))
		return
	}
	c.bus.Publish(&event.EntityFrozenEvent{
		BaseEvent:  event.BaseEvent{Seq: c.headSeq(), Ts: c.ts()},
		EntityKind: kind.String(),
		EntityID:   id,
		Reason:     cause.Error(),
	})
	c.obs.ObserveFrozen(kind.String())

	if c.cfg.DumpDir != "" {
		name := fmt.Sprintf("integrity_%s_%d.json", id, c.now().UnixMilli())
		if err := c.DumpState(filepath.Join(c.cfg.DumpDir, name)); err != nil {
			c.log.Error("Failed to write state dump", slog.Any("error", err))
		}
	}
}

// resolve maps an entity id from an error to the pool or account to freeze.
func (c *Coordinator) resolve(entity string) (kind EntityKind, id string, frozen bool) {
	if entity == "" {
		return 0, "", false
	}
	if p, err := c.pools.Pool(entity); err == nil {
		return EntityPool, p.ID, p.Status == domain.PoolFrozen
	}
	if poolID, ok := c.pools.PoolOf(entity); ok {
		p, _ := c.pools.Pool(poolID)
		return EntityPool, poolID, p.Status == domain.PoolFrozen
	}
	if acc, err := c.ledger.Account(entity); err == nil {
		return EntityAccount, acc.ID, acc.Status != domain.AccountActive
	}
	return 0, "", false
}

// DumpState writes ledger head, accounts and pools to filename for post-mortem.
func (c *Coordinator) DumpState(filename string) error {
	c.log.Info("Dumping internal state...", slog.String("file", filename))
	seq, hash := c.ledger.Head()
	data := struct {
		HeadSeq  uint64             `json:"head_seq"`
		HeadHash string             `json:"head_hash"`
		Accounts []domain.Account   `json:"accounts"`
		Pools    []domain.PoolState `json:"pools"`
	}{seq, hash, c.ledger.Accounts(), c.pools.States()}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

// RecoveryReport summarises startup recovery.
type RecoveryReport struct {
	Ledger *ledger.RecoveryReport
	Pools  *pool.RecoveryReport
}

// Recover rebuilds in-memory state from the store: the ledger first, then
// pool state from its cache tags. Pools that disagree with ledger balances
// are frozen.
func (c *Coordinator) Recover(ctx context.Context) (*RecoveryReport, error) {
	lr, err := c.ledger.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger recovery failed: %w", err)
	}
	pr, err := c.pools.Recover(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pool recovery failed: %w", err)
	}
	c.afterRecovery(lr, pr)
	return &RecoveryReport{Ledger: lr, Pools: pr}, nil
}

// Rebuild discards every cache and replays the ledger from snap, or from
// genesis when snap is nil.
func (c *Coordinator) Rebuild(ctx context.Context, snap *storage.Snapshot) (*RecoveryReport, error) {
	lr, err := c.ledger.Rebuild(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("ledger rebuild failed: %w", err)
	}
	var seeds []domain.PoolState
	if snap != nil {
		seeds = snap.Pools
	}
	pr, err := c.pools.Recover(ctx, seeds)
	if err != nil {
		return nil, fmt.Errorf("pool rebuild failed: %w", err)
	}
	c.afterRecovery(lr, pr)
	return &RecoveryReport{Ledger: lr, Pools: pr}, nil
}

func (c *Coordinator) afterRecovery(lr *ledger.RecoveryReport, pr *pool.RecoveryReport) {
	for _, id := range pr.Frozen {
		c.bus.Publish(&event.EntityFrozenEvent{
			BaseEvent:  event.BaseEvent{Seq: lr.HeadSeq, Ts: c.ts()},
			EntityKind: EntityPool.String(),
			EntityID:   id,
			Reason:     "pool state disagrees with ledger balances",
		})
		c.obs.ObserveFrozen(EntityPool.String())
	}
	c.obs.ObserveHead(lr.HeadSeq)
	c.log.Info("Recovery complete",
		slog.Uint64("head_seq", lr.HeadSeq),
		slog.Int("entries_replayed", lr.Replayed),
		slog.Int("pools", pr.Pools),
		slog.Int("pools_replayed", pr.Replayed),
		slog.Int("pools_frozen", len(pr.Frozen)))
}

// Snapshot writes the current state through sm. Each account and pool carries
// its own seq tag, so the snapshot stays usable for rebuild while
// transactions keep committing.
func (c *Coordinator) Snapshot(ctx context.Context, sm *storage.SnapshotManager) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seq, hash := c.ledger.Head()
	snap := storage.CreateSnapshot(seq, hash, c.ledger.Assets(), c.ledger.Accounts(), c.pools.States())
	path, err := sm.Save(snap)
	if err != nil {
		return "", err
	}
	// Recovery refuses a log that ends before this mark.
	if err := c.store.UpsertMetadata(ctx, storage.MetaLastSnapshotSeq, strconv.FormatUint(seq, 10)); err != nil {
		return "", err
	}
	c.log.Info("Snapshot saved", slog.String("path", path), slog.Uint64("seq", seq))
	return path, nil
}
