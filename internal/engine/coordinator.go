package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/event"
	"liquidity_ledger/internal/infra"
	"liquidity_ledger/internal/ledger"
	"liquidity_ledger/internal/pool"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

// Config controls lock waits and retries.
type Config struct {
	LockTimeout time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxRetries  int

	// DumpDir receives a state dump whenever an entity is frozen. Empty disables dumps.
	DumpDir string
}

func DefaultConfig() Config {
	return Config{
		LockTimeout: 5 * time.Second,
		RetryBase:   10 * time.Millisecond,
		RetryMax:    time.Second,
		MaxRetries:  5,
	}
}

// Observer receives coordinator measurements.
type Observer interface {
	ObserveApplied(kind domain.TxKind, entries int, took time.Duration)
	ObserveRejected(kind domain.TxKind, errKind domain.ErrorKind)
	ObserveLockWait(took time.Duration)
	ObserveFrozen(entityKind string)
	ObserveHead(seq uint64)
}

type nopObserver struct{}

func (nopObserver) ObserveApplied(domain.TxKind, int, time.Duration) {}
func (nopObserver) ObserveRejected(domain.TxKind, domain.ErrorKind)  {}
func (nopObserver) ObserveLockWait(time.Duration)                    {}
func (nopObserver) ObserveFrozen(string)                             {}
func (nopObserver) ObserveHead(uint64)                               {}

// Coordinator executes transactions against the ledger and pool engine.
// Transactions touching disjoint entities run in parallel; those sharing an
// account or pool are serialised by the lock table.
type Coordinator struct {
	ledger *ledger.Ledger
	pools  *pool.Engine
	store  *storage.Store
	locks  *LockTable
	bus    *event.Bus
	obs    Observer
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

type Option func(*Coordinator)

func WithBus(b *event.Bus) Option           { return func(c *Coordinator) { c.bus = b } }
func WithObserver(o Observer) Option        { return func(c *Coordinator) { c.obs = o } }
func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.log = l } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(l *ledger.Ledger, pools *pool.Engine, store *storage.Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger: l,
		pools:  pools,
		store:  store,
		locks:  NewLockTable(),
		obs:    nopObserver{},
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bus returns the event bus, which may be nil.
func (c *Coordinator) Bus() *event.Bus { return c.bus }

func (c *Coordinator) ts() quant.TimeStamp { return quant.FromTime(c.now()) }

// Submit runs one transaction through PENDING -> VALIDATING -> APPLIED or
// REJECTED. The result is always returned; err is the rejection cause.
// Once the ledger append returns, the transaction is durable regardless of ctx.
func (c *Coordinator) Submit(ctx context.Context, req domain.TransactionRequest) (*domain.TransactionResult, error) {
	start := c.now()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	tx := domain.NewTransaction(id, req, start)

	if err := req.Validate(); err != nil {
		return c.reject(ctx, tx, err)
	}

	keys := c.lockSet(req)
	waitStart := time.Now()
	lctx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	release, err := c.locks.Acquire(lctx, keys)
	cancel()
	c.obs.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		return c.reject(ctx, tx, &domain.Error{
			Kind: domain.KindConcurrencyConflict, Op: "acquire_locks", Entity: id,
			Msg: fmt.Sprintf("could not lock %d entities", len(keys)), Err: err,
		})
	}
	defer release()

	if req.IdempotencyKey != "" {
		res, err := c.replayed(ctx, req)
		if err != nil {
			return c.reject(ctx, tx, err)
		}
		if res != nil {
			c.log.Info("Idempotent replay", slog.String("key", req.IdempotencyKey), slog.String("tx_id", res.TxID))
			return res, nil
		}
	}

	if err := tx.Transition(domain.TxValidating); err != nil {
		return c.reject(ctx, tx, err)
	}

	postings, plan, err := c.plan(id, req)
	if err != nil {
		return c.reject(ctx, tx, err)
	}
	if plan != nil {
		tx.Outcome = plan.Outcome
	}

	journal, err := c.journal(tx, domain.TxApplied)
	if err != nil {
		return c.reject(ctx, tx, err)
	}
	receipt, err := c.ledger.AppendTransfer(ctx, ledger.TransferRequest{
		TxID:             id,
		Postings:         postings,
		ExpectedVersions: req.ExpectedVersions,
		Journal:          journal,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		err = c.duplicate(context.WithoutCancel(ctx), id, err)
	}
	if err != nil {
		return c.reject(ctx, tx, err)
	}

	tx.Entries, tx.Range = receipt.Entries, receipt.Range
	if err := tx.Transition(domain.TxApplied); err != nil {
		return c.reject(ctx, tx, err)
	}

	// Durable from here on: the ledger is the source of truth.
	after := c.applyPools(context.WithoutCancel(ctx), receipt.Entries, plan)

	c.bus.Publish(&event.EntriesCommittedEvent{
		BaseEvent: event.BaseEvent{Seq: receipt.Range.Last, Ts: c.ts()},
		TxID:      id,
		Kind:      req.Kind,
		PoolID:    req.PoolID(),
		Entries:   receipt.Entries,
		Pool:      after,
	})
	c.obs.ObserveApplied(req.Kind, len(receipt.Entries), c.now().Sub(start))
	c.obs.ObserveHead(receipt.Range.Last)
	c.log.Debug("Transaction applied",
		slog.String("tx_id", id),
		slog.String("kind", string(req.Kind)),
		slog.Uint64("first_seq", receipt.Range.First),
		slog.Uint64("last_seq", receipt.Range.Last))
	return tx.Result(), nil
}

// SubmitWithRetry retries ConcurrencyConflict rejections with exponential
// backoff. Each attempt after the first gets a fresh transaction id; use an
// idempotency key to make the request safe to repeat.
func (c *Coordinator) SubmitWithRetry(ctx context.Context, req domain.TransactionRequest) (*domain.TransactionResult, error) {
	policy := infra.Backoff{Base: c.cfg.RetryBase, Max: c.cfg.RetryMax}
	for attempt := 0; ; attempt++ {
		res, err := c.Submit(ctx, req)
		if err == nil || !domain.KindOf(err).Retryable() || attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return res, err
		}
		d := policy.Delay(attempt)
		c.log.Warn("Retrying transaction",
			slog.String("kind", string(req.Kind)),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", d),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return res, err
		case <-time.After(d):
		}
		req.ID = ""
	}
}

// lockSet returns the entities a request must hold. Pool-owned accounts are
// covered by the pool lock.
func (c *Coordinator) lockSet(req domain.TransactionRequest) []LockKey {
	var keys []LockKey
	for _, a := range req.Accounts() {
		keys = append(keys, LockKey{EntityAccount, a})
	}
	if id := req.PoolID(); id != "" {
		keys = append(keys, LockKey{EntityPool, id})
	}
	if req.IdempotencyKey != "" {
		keys = append(keys, LockKey{EntityIdempotencyKey, req.IdempotencyKey})
	}
	return keys
}

// plan turns a request into postings. Pool requests also return the pool plan.
// The paying side of a pool request is checked for funds before any reserve
// math runs, and an overflow while planning is charged to the request.
func (c *Coordinator) plan(id string, req domain.TransactionRequest) ([]domain.Posting, *pool.Plan, error) {
	postings, plan, err := c.planKind(id, req)
	if domain.KindOf(err) == domain.KindArithmeticOverflow {
		de := domain.AsError(err)
		return nil, nil, &domain.Error{
			Kind: domain.KindArithmeticOverflow,
			Op:   de.Op,
			Msg:  fmt.Sprintf("transaction %s exceeds the representable range", id),
			Err:  err,
		}
	}
	return postings, plan, err
}

func (c *Coordinator) planKind(id string, req domain.TransactionRequest) ([]domain.Posting, *pool.Plan, error) {
	switch req.Kind {
	case domain.KindTransfer:
		p := req.Transfer
		for _, a := range []string{p.From, p.To} {
			if poolID, ok := c.pools.PoolOf(a); ok {
				return nil, nil, domain.EntityErrorf(domain.KindValidation, "transfer", a, "account belongs to pool %s", poolID)
			}
		}
		neg, err := p.Amount.Neg()
		if err != nil {
			return nil, nil, domain.Wrap(err, "transfer", p.From)
		}
		return []domain.Posting{
			{AccountID: p.From, Asset: p.Asset, Amount: neg},
			{AccountID: p.To, Asset: p.Asset, Amount: p.Amount},
		}, nil, nil

	case domain.KindAddLiquidity:
		p := req.AddLiquidity
		def, err := c.pools.Pool(p.PoolID)
		if err != nil {
			return nil, nil, err
		}
		if err := c.funded(id, p.Provider, map[string]quant.Amount{def.Pair.A: p.AmountA, def.Pair.B: p.AmountB}); err != nil {
			return nil, nil, err
		}
		plan, err := c.pools.PlanAddLiquidity(*p)
		if err != nil {
			return nil, nil, err
		}
		return plan.Postings, plan, nil

	case domain.KindRemoveLiquidity:
		p := req.Remove
		def, err := c.pools.Pool(p.PoolID)
		if err != nil {
			return nil, nil, err
		}
		held, err := c.ledger.Balance(p.Provider, def.ShareAsset)
		if err != nil {
			return nil, nil, err
		}
		plan, err := c.pools.PlanRemoveLiquidity(*p, held)
		if err != nil {
			return nil, nil, err
		}
		return plan.Postings, plan, nil

	case domain.KindSwap:
		p := req.Swap
		def, err := c.pools.Pool(p.PoolID)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := def.Pair.Other(p.AssetIn); ok {
			if err := c.funded(id, p.Trader, map[string]quant.Amount{p.AssetIn: p.AmountIn}); err != nil {
				return nil, nil, err
			}
		}
		plan, err := c.pools.PlanSwap(*p)
		if err != nil {
			return nil, nil, err
		}
		return plan.Postings, plan, nil
	}
	return nil, nil, domain.Errorf(domain.KindValidation, "submit", "unknown kind %q", req.Kind)
}

// funded checks that account can pay amounts, keyed by asset, before a pool
// plan runs.
func (c *Coordinator) funded(id, account string, amounts map[string]quant.Amount) error {
	postings := make([]domain.Posting, 0, len(amounts))
	for asset, amt := range amounts {
		neg, err := amt.Neg()
		if err != nil {
			return domain.Wrap(err, "check_funds", "")
		}
		postings = append(postings, domain.Posting{AccountID: account, Asset: asset, Amount: neg})
	}
	sort.Slice(postings, func(i, j int) bool { return postings[i].Asset < postings[j].Asset })
	return c.ledger.CheckFunds(id, postings)
}

// applyPools folds committed entries into pool state and checks the result
// against the plan. A divergence freezes the pool; the transaction stands.
func (c *Coordinator) applyPools(ctx context.Context, entries []domain.Entry, plan *pool.Plan) *domain.PoolState {
	states, err := c.pools.Apply(ctx, entries)
	if plan == nil {
		if err != nil {
			c.halt(ctx, domain.AsError(err))
		}
		return nil
	}
	var after *domain.PoolState
	for i := range states {
		if states[i].PoolID == plan.PoolID {
			after = &states[i]
		}
	}
	switch {
	case err != nil:
		c.halt(ctx, domain.AsError(domain.Wrap(err, "apply", plan.PoolID)))
	case after == nil:
		c.halt(ctx, domain.EntityErrorf(domain.KindIntegrityViolation, "apply", plan.PoolID, "committed entries did not touch the pool"))
	case !after.SameBalances(plan.After):
		c.halt(ctx, domain.EntityErrorf(domain.KindIntegrityViolation, "apply", plan.PoolID,
			"pool state %s/%s/%s diverged from plan %s/%s/%s",
			after.ReserveA, after.ReserveB, after.TotalShares,
			plan.After.ReserveA, plan.After.ReserveB, plan.After.TotalShares))
	}
	return after
}

// reject finalises tx as REJECTED, journals it and freezes the affected
// entity when the failure calls for it.
func (c *Coordinator) reject(ctx context.Context, tx *domain.Transaction, cause error) (*domain.TransactionResult, error) {
	tx.Reject(cause)
	if tx.Err.Kind == domain.KindUnknown && isContextErr(cause) {
		tx.Err = &domain.Error{Kind: domain.KindConcurrencyConflict, Op: "submit", Entity: tx.ID, Msg: "cancelled before commit", Err: cause}
	}
	ctx = context.WithoutCancel(ctx)

	if tx.Err.Kind.HaltsEntity() {
		c.halt(ctx, tx.Err)
	}

	if rec, err := c.journal(tx, domain.TxRejected); err == nil {
		if err := c.store.InsertTransaction(ctx, *rec); err != nil {
			c.log.Warn("Failed to journal rejection", slog.String("tx_id", tx.ID), slog.Any("error", err))
		}
	}

	c.bus.Publish(&event.TransactionRejectedEvent{
		BaseEvent: event.BaseEvent{Seq: c.headSeq(), Ts: c.ts()},
		TxID:      tx.ID,
		Kind:      tx.Request.Kind,
		Err:       tx.Err.Kind,
	})
	c.obs.ObserveRejected(tx.Request.Kind, tx.Err.Kind)

	lvl := slog.LevelInfo
	if !tx.Err.Kind.Rejection() {
		lvl = slog.LevelWarn
	}
	c.log.Log(ctx, lvl, "Transaction rejected",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Request.Kind)),
		slog.String("error_kind", string(tx.Err.Kind)),
		slog.String("error", tx.Err.Error()))
	return tx.Result(), tx.Err
}

// duplicate classifies a unique-key failure on commit: a reused transaction id
// is the caller's fault, anything else means the store and memory disagree.
func (c *Coordinator) duplicate(ctx context.Context, id string, err error) error {
	if rec, _ := c.store.GetTransaction(ctx, id); rec != nil {
		return &domain.Error{Kind: domain.KindValidation, Op: "submit", Entity: id, Msg: "transaction id already used", Err: err}
	}
	return &domain.Error{Kind: domain.KindIntegrityViolation, Op: "submit", Msg: "ledger store rejected entries", Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) headSeq() uint64 {
	seq, _ := c.ledger.Head()
	return seq
}

// journal builds the transactions row for tx.
func (c *Coordinator) journal(tx *domain.Transaction, status domain.TxStatus) (*storage.TxRecord, error) {
	reqJSON, err := json.Marshal(tx.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	outJSON, err := json.Marshal(tx.Outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	rec := &storage.TxRecord{
		ID:        tx.ID,
		Kind:      string(tx.Request.Kind),
		Status:    string(status),
		Request:   reqJSON,
		Outcome:   outJSON,
		CreatedAt: tx.CreatedAt.UnixMicro(),
	}
	if k := tx.Request.IdempotencyKey; k != "" {
		rec.IdempotencyKey = &k
	}
	if tx.Err != nil {
		rec.ErrorKind = string(tx.Err.Kind)
		rec.ErrorMsg = tx.Err.Error()
	}
	return rec, nil
}

// replayed returns the stored result of an APPLIED transaction with the same
// idempotency key, or nil if there is none.
func (c *Coordinator) replayed(ctx context.Context, req domain.TransactionRequest) (*domain.TransactionResult, error) {
	rec, err := c.store.FindAppliedByKey(ctx, req.IdempotencyKey)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Kind != string(req.Kind) {
		return nil, domain.Errorf(domain.KindValidation, "submit",
			"idempotency key %q already used for a %s transaction", req.IdempotencyKey, rec.Kind)
	}
	entries, err := c.store.LoadEntriesByTx(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	var outcome domain.PoolOutcome
	if len(rec.Outcome) > 0 {
		if err := json.Unmarshal(rec.Outcome, &outcome); err != nil {
			return nil, fmt.Errorf("failed to decode outcome of %s: %w", rec.ID, err)
		}
	}
	return &domain.TransactionResult{
		TxID:     rec.ID,
		Kind:     req.Kind,
		Status:   domain.TxApplied,
		Entries:  entries,
		Range:    domain.SequenceRange{First: rec.FirstSeq, Last: rec.LastSeq},
		Outcome:  outcome,
		Replayed: true,
	}, nil
}
