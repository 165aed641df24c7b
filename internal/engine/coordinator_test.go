package engine

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/event"
	"liquidity_ledger/internal/ledger"
	"liquidity_ledger/internal/pool"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

type fixture struct {
	t      *testing.T
	path   string
	cfg    Config
	store  *storage.Store
	ledger *ledger.Ledger
	pools  *pool.Engine
	coord  *Coordinator
	events <-chan event.Event
}

func amtA(s string) quant.Amount { return quant.MustParse(s, 8) }
func amtB(s string) quant.Amount { return quant.MustParse(s, 2) }

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{t: t, path: filepath.Join(t.TempDir(), "ledger.db"), cfg: cfg}
	f.open()
	ctx := context.Background()
	_, err := f.coord.RegisterAsset(ctx, "A", 8)
	require.NoError(t, err)
	_, err = f.coord.RegisterAsset(ctx, "B", 2)
	require.NoError(t, err)
	return f
}

// open builds every component over the database file, as a process start does.
func (f *fixture) open() {
	f.t.Helper()
	store, err := storage.NewStore(f.path)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { store.Close() })

	bus := event.NewBus()
	events, _ := bus.Subscribe(256)
	f.store = store
	f.ledger = ledger.New(store)
	f.pools = pool.NewEngine(f.ledger, store, pool.DefaultConfig(), nil)
	f.coord = New(f.ledger, f.pools, store, f.cfg, WithBus(bus))
	f.events = events
}

func (f *fixture) reopen() *RecoveryReport {
	f.t.Helper()
	require.NoError(f.t, f.store.Close())
	f.open()
	report, err := f.coord.Recover(context.Background())
	require.NoError(f.t, err)
	return report
}

func (f *fixture) account(asset string) string {
	f.t.Helper()
	acc, err := f.coord.OpenAccount(context.Background(), asset)
	require.NoError(f.t, err)
	return acc.ID
}

// fund mints amt into to from a fresh overdraft account.
func (f *fixture) fund(to, asset string, amt quant.Amount) {
	f.t.Helper()
	ctx := context.Background()
	src, err := f.coord.OpenAccountWith(ctx, domain.AccountSpec{Owner: "treasury", Asset: asset, Overdraft: true})
	require.NoError(f.t, err)
	_, err = f.coord.Submit(ctx, transferReq(src.ID, to, asset, amt))
	require.NoError(f.t, err)
}

func transferReq(from, to, asset string, amt quant.Amount) domain.TransactionRequest {
	return domain.TransactionRequest{
		Kind:     domain.KindTransfer,
		Transfer: &domain.TransferParams{From: from, To: to, Asset: asset, Amount: amt},
	}
}

func swapReq(poolID, trader, asset string, amt quant.Amount) domain.TransactionRequest {
	return domain.TransactionRequest{
		Kind: domain.KindSwap,
		Swap: &domain.SwapParams{PoolID: poolID, Trader: trader, AssetIn: asset, AmountIn: amt},
	}
}

// trader returns an account funded with 1000 A and 1000000 B.
func (f *fixture) trader() string {
	id := f.account("A")
	f.fund(id, "A", amtA("1000"))
	f.fund(id, "B", amtB("1000000"))
	return id
}

func (f *fixture) seedPool(a, b quant.Amount) domain.Pool {
	f.t.Helper()
	ctx := context.Background()
	p, err := f.coord.CreatePool(ctx, "A", "B", quant.MustRate("0.003"))
	require.NoError(f.t, err)
	provider := f.account("A")
	f.fund(provider, "A", a)
	f.fund(provider, "B", b)
	_, err = f.coord.Submit(ctx, domain.TransactionRequest{
		Kind:         domain.KindAddLiquidity,
		AddLiquidity: &domain.AddLiquidityParams{PoolID: p.ID, Provider: provider, AmountA: a, AmountB: b},
	})
	require.NoError(f.t, err)
	return p
}

// drain returns the buffered events of type typ.
func (f *fixture) drain(typ event.Type) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-f.events:
			if ev.GetType() == typ {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestSubmit_Transfer(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))

	res, err := f.coord.Submit(ctx, transferReq(alice, bob, "B", amtB("30")))
	require.NoError(t, err)
	assert.Equal(t, domain.TxApplied, res.Status)
	assert.Len(t, res.Entries, 2)
	assert.Equal(t, 2, res.Range.Len())

	bal, err := f.coord.GetBalance(bob, "B")
	require.NoError(t, err)
	assert.Equal(t, amtB("30"), bal)

	rec, err := f.coord.Transaction(ctx, res.TxID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "APPLIED", rec.Status)
	assert.Equal(t, res.Range.First, rec.FirstSeq)
	assert.Equal(t, res.Range.Last, rec.LastSeq)

	committed := f.drain(event.EvEntriesCommitted)
	require.NotEmpty(t, committed)
	last := committed[len(committed)-1].(*event.EntriesCommittedEvent)
	assert.Equal(t, res.TxID, last.TxID)
	assert.Equal(t, res.Range.Last, last.GetSeq())
}

// Overdrawing an account rejects with InsufficientBalance, writes no entries
// and journals the rejection.
func TestSubmit_InsufficientBalance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))
	head, _ := f.coord.Head()

	res, err := f.coord.Submit(ctx, transferReq(alice, bob, "B", amtB("150")))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.TxRejected, res.Status)
	assert.Empty(t, res.Entries)
	require.NotNil(t, res.Err)
	assert.Equal(t, domain.KindInsufficientBalance, res.Err.Kind)

	after, _ := f.coord.Head()
	assert.Equal(t, head, after)
	bal, _ := f.coord.GetBalance(alice, "B")
	assert.Equal(t, amtB("100"), bal)
	bal, _ = f.coord.GetBalance(bob, "B")
	assert.True(t, bal.IsZero())

	rec, err := f.coord.Transaction(ctx, res.TxID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "REJECTED", rec.Status)
	assert.Equal(t, string(domain.KindInsufficientBalance), rec.ErrorKind)

	rejected := f.drain(event.EvTransactionRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.KindInsufficientBalance, rejected[0].(*event.TransactionRejectedEvent).Err)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	alice := f.account("B")
	f.fund(alice, "B", amtB("100"))

	tests := []struct {
		name string
		req  domain.TransactionRequest
		want error
	}{
		{"no params", domain.TransactionRequest{Kind: domain.KindSwap}, domain.ErrValidation},
		{"into pool reserve", transferReq(alice, p.ReserveAccountB, "B", amtB("1")), domain.ErrValidation},
		{"out of pool reserve", transferReq(p.ReserveAccountB, alice, "B", amtB("1")), domain.ErrValidation},
		{"unknown pool", swapReq("missing", alice, "A", amtA("1")), domain.ErrPoolNotFound},
		{"no shares", domain.TransactionRequest{
			Kind:   domain.KindRemoveLiquidity,
			Remove: &domain.RemoveLiquidityParams{PoolID: p.ID, Provider: alice, Shares: quant.New(1, 5)},
		}, domain.ErrInsufficientShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.coord.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.TxRejected, res.Status)
		})
	}
}

// Swapping 1 A into (10 A, 20000 B) at 0.3% pays 1813.22 B.
func TestSubmit_Swap(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	trader := f.trader()

	res, err := f.coord.Submit(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	require.NoError(t, err)
	require.NotNil(t, res.Outcome.AmountOut)
	assert.Equal(t, amtB("1813.22"), *res.Outcome.AmountOut)
	assert.Len(t, res.Entries, 4)

	st, err := f.coord.QueryPoolState(p.ID)
	require.NoError(t, err)
	assert.Equal(t, amtA("11"), st.ReserveA)
	assert.Equal(t, amtB("18186.78"), st.ReserveB)
	// The payout leaves reserve B before it reaches the trader, so the pool
	// tag is the seq before the transaction's last.
	assert.Equal(t, p.ReserveAccountB, res.Entries[2].AccountID)
	assert.Equal(t, res.Entries[2].Seq, st.LastSeq)
	assert.Equal(t, res.Range.Last-1, st.LastSeq)

	bal, _ := f.coord.GetBalance(trader, "B")
	assert.Equal(t, amtB("1001813.22"), bal)

	committed := f.drain(event.EvEntriesCommitted)
	last := committed[len(committed)-1].(*event.EntriesCommittedEvent)
	require.NotNil(t, last.Pool)
	assert.Equal(t, st, *last.Pool)
}

// Two swaps in opposite directions on one pool, submitted concurrently, end
// in the state of one of the two sequential orders.
func TestSubmit_ConcurrentSwapsSerialise(t *testing.T) {
	ctx := context.Background()
	run := func(order []int) domain.PoolState {
		f := newFixture(t, DefaultConfig())
		p := f.seedPool(amtA("10"), amtB("20000"))
		t1, t2 := f.trader(), f.trader()
		reqs := []domain.TransactionRequest{
			swapReq(p.ID, t1, "A", amtA("1")),
			swapReq(p.ID, t2, "B", amtB("1000")),
		}
		if order == nil {
			g, gctx := errgroup.WithContext(ctx)
			for _, r := range reqs {
				r := r
				g.Go(func() error {
					_, err := f.coord.Submit(gctx, r)
					return err
				})
			}
			require.NoError(t, g.Wait())
		} else {
			for _, i := range order {
				_, err := f.coord.Submit(ctx, reqs[i])
				require.NoError(t, err)
			}
		}
		st, err := f.coord.QueryPoolState(p.ID)
		require.NoError(t, err)
		head, _ := f.coord.Head()
		require.NoError(t, f.coord.VerifyChain(ctx, 1, head))
		return st
	}

	ab, ba := run([]int{0, 1}), run([]int{1, 0})
	for i := 0; i < 5; i++ {
		got := run(nil)
		assert.True(t, got.SameBalances(ab) || got.SameBalances(ba),
			"concurrent result %s/%s matches neither order", got.ReserveA, got.ReserveB)
	}
}

func TestSubmit_ConcurrentTransfersKeepBalance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	accounts := make([]string, 6)
	for i := range accounts {
		accounts[i] = f.account("B")
		f.fund(accounts[i], "B", amtB("1000"))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 60; i++ {
		from, to := accounts[i%6], accounts[(i*5+1)%6]
		if from == to {
			continue
		}
		g.Go(func() error {
			_, err := f.coord.SubmitWithRetry(gctx, transferReq(from, to, "B", amtB("1.25")))
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := amtB("0")
	for _, id := range accounts {
		bal, err := f.coord.GetBalance(id, "B")
		require.NoError(t, err)
		total, err = total.Add(bal)
		require.NoError(t, err)
	}
	assert.Equal(t, amtB("6000"), total)
	head, _ := f.coord.Head()
	assert.NoError(t, f.coord.VerifyChain(ctx, 1, head))
}

// A swap commits, then its pool cache write is lost. After a restart the
// pool state is replayed from the ledger.
func TestRecover_StalePoolCache(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	trader := f.trader()

	stale, err := f.coord.QueryPoolState(p.ID)
	require.NoError(t, err)
	_, err = f.coord.Submit(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	require.NoError(t, err)
	want, err := f.coord.QueryPoolState(p.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertPoolCache(ctx, stale))

	report := f.reopen()
	assert.Equal(t, 1, report.Pools.Replayed)
	assert.Empty(t, report.Pools.Frozen)

	got, err := f.coord.QueryPoolState(p.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	bal, err := f.coord.GetBalance(trader, "B")
	require.NoError(t, err)
	assert.Equal(t, amtB("1001813.22"), bal)

	// The recovered coordinator keeps serving.
	_, err = f.coord.Submit(ctx, swapReq(p.ID, trader, "B", amtB("100")))
	assert.NoError(t, err)
}

func TestRebuild_FromSnapshot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	trader := f.trader()
	sm := storage.NewSnapshotManager(t.TempDir())

	_, err := f.coord.Submit(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	require.NoError(t, err)
	_, err = f.coord.Snapshot(ctx, sm)
	require.NoError(t, err)
	_, err = f.coord.Submit(ctx, swapReq(p.ID, trader, "B", amtB("500")))
	require.NoError(t, err)
	want, _ := f.coord.QueryPoolState(p.ID)
	wantBal, _ := f.coord.GetBalance(trader, "A")

	snap, err := sm.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	report, err := f.coord.Rebuild(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, report.Pools.Frozen)

	got, _ := f.coord.QueryPoolState(p.ID)
	assert.Equal(t, want, got)
	bal, _ := f.coord.GetBalance(trader, "A")
	assert.Equal(t, wantBal, bal)

	_, err = f.coord.Rebuild(ctx, nil)
	require.NoError(t, err)
	got, _ = f.coord.QueryPoolState(p.ID)
	assert.True(t, want.SameBalances(got))
}

func TestSubmit_LockTimeoutAndRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryMax = 40 * time.Millisecond
	cfg.MaxRetries = 10
	f := newFixture(t, cfg)
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	trader := f.trader()

	release, err := f.coord.locks.Acquire(ctx, []LockKey{{EntityPool, p.ID}})
	require.NoError(t, err)

	res, err := f.coord.Submit(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.True(t, res.Err.Kind.Retryable())

	time.AfterFunc(50*time.Millisecond, release)
	res, err = f.coord.SubmitWithRetry(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	require.NoError(t, err)
	assert.Equal(t, amtB("1813.22"), *res.Outcome.AmountOut)
}

func TestSubmit_Idempotency(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))

	req := transferReq(alice, bob, "B", amtB("10"))
	req.IdempotencyKey = "order-1"
	first, err := f.coord.Submit(ctx, req)
	require.NoError(t, err)
	head, _ := f.coord.Head()

	second, err := f.coord.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TxID, second.TxID)
	assert.Equal(t, first.Range, second.Range)
	assert.Equal(t, first.Entries, second.Entries)
	after, _ := f.coord.Head()
	assert.Equal(t, head, after)
	bal, _ := f.coord.GetBalance(bob, "B")
	assert.Equal(t, amtB("10"), bal)

	other := swapReq("missing", alice, "A", amtA("1"))
	other.IdempotencyKey = "order-1"
	_, err = f.coord.Submit(ctx, other)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// A rejected attempt does not consume the key.
	big := transferReq(alice, bob, "B", amtB("500"))
	big.IdempotencyKey = "order-2"
	_, err = f.coord.Submit(ctx, big)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	f.fund(alice, "B", amtB("500"))
	res, err := f.coord.Submit(ctx, big)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestSubmit_DuplicateTxID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))

	req := transferReq(alice, bob, "B", amtB("1"))
	req.ID = "tx-1"
	_, err := f.coord.Submit(ctx, req)
	require.NoError(t, err)
	head, _ := f.coord.Head()

	res, err := f.coord.Submit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.TxRejected, res.Status)
	after, _ := f.coord.Head()
	assert.Equal(t, head, after)
}

func TestSubmit_CancelledBeforeCommit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))
	head, _ := f.coord.Head()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.coord.Submit(ctx, transferReq(alice, bob, "B", amtB("1")))
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, domain.TxRejected, res.Status)
	after, _ := f.coord.Head()
	assert.Equal(t, head, after)

	rec, err := f.coord.Transaction(context.Background(), res.TxID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "REJECTED", rec.Status)
}

// A funded swap whose reserve math overflows is the request's fault: it is
// rejected and the pool keeps trading.
func TestSubmit_OverflowingSwapIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DumpDir = t.TempDir()
	f := newFixture(t, cfg)
	ctx := context.Background()
	p := f.seedPool(quant.New(6e18, 8), amtB("20000"))
	whale := f.account("A")
	f.fund(whale, "A", quant.New(6e18, 8))
	head, _ := f.coord.Head()

	_, err := f.coord.Submit(ctx, swapReq(p.ID, whale, "A", quant.New(6e18, 8)))
	require.ErrorIs(t, err, domain.ErrArithmeticOverflow)
	assert.Empty(t, domain.AsError(err).Entity)
	after, _ := f.coord.Head()
	assert.Equal(t, head, after)

	st, _ := f.coord.QueryPoolState(p.ID)
	assert.Equal(t, domain.PoolActive, st.Status)
	assert.Empty(t, f.drain(event.EvEntityFrozen))
	dumps, err := filepath.Glob(filepath.Join(cfg.DumpDir, "integrity_*.json"))
	require.NoError(t, err)
	assert.Empty(t, dumps)

	f.fund(whale, "B", amtB("100"))
	_, err = f.coord.Submit(ctx, swapReq(p.ID, whale, "B", amtB("100")))
	assert.NoError(t, err)
}

// Requests from accounts that cannot pay fail on funds, whatever they would
// have done to the other side.
func TestSubmit_UnfundedRequestsFreezeNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	mallory, victim := f.account("B"), f.account("B")
	f.fund(victim, "B", amtB("1"))

	_, err := f.coord.Submit(ctx, transferReq(mallory, victim, "B", quant.New(math.MaxInt64, 2)))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, mallory, domain.AsError(err).Entity)

	_, err = f.coord.Submit(ctx, swapReq(p.ID, mallory, "A", quant.New(math.MaxInt64, 8)))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Empty(t, f.drain(event.EvEntityFrozen))
	acc, err := f.coord.Account(victim)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, acc.Status)
	acc, err = f.coord.Account(mallory)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, acc.Status)
	st, _ := f.coord.QueryPoolState(p.ID)
	assert.Equal(t, domain.PoolActive, st.Status)

	_, err = f.coord.Submit(ctx, transferReq(victim, mallory, "B", amtB("1")))
	assert.NoError(t, err)
}

// A funded transfer that would overflow the recipient names no entity, so the
// recipient is not frozen.
func TestSubmit_CreditOverflowLeavesRecipientActive(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	sender, victim := f.account("B"), f.account("B")
	f.fund(sender, "B", amtB("1"))
	f.fund(victim, "B", quant.New(math.MaxInt64-50, 2))
	head, _ := f.coord.Head()

	_, err := f.coord.Submit(ctx, transferReq(sender, victim, "B", amtB("1")))
	require.ErrorIs(t, err, domain.ErrArithmeticOverflow)
	assert.Empty(t, domain.AsError(err).Entity)
	after, _ := f.coord.Head()
	assert.Equal(t, head, after)

	assert.Empty(t, f.drain(event.EvEntityFrozen))
	acc, err := f.coord.Account(victim)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, acc.Status)
	_, err = f.coord.Submit(ctx, transferReq(victim, sender, "B", amtB("1")))
	assert.NoError(t, err)
}

// Only the first halt of an entity publishes and dumps.
func TestHalt_DumpsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DumpDir = t.TempDir()
	f := newFixture(t, cfg)
	ctx := context.Background()
	p := f.seedPool(amtA("10"), amtB("20000"))
	trader := f.trader()
	dumps := func() []string {
		out, err := filepath.Glob(filepath.Join(cfg.DumpDir, "integrity_*.json"))
		require.NoError(t, err)
		return out
	}

	cause := domain.EntityErrorf(domain.KindIntegrityViolation, "apply", p.ID, "reserves diverged")
	f.coord.halt(ctx, cause)
	st, _ := f.coord.QueryPoolState(p.ID)
	assert.Equal(t, domain.PoolFrozen, st.Status)
	frozen := f.drain(event.EvEntityFrozen)
	require.Len(t, frozen, 1)
	ev := frozen[0].(*event.EntityFrozenEvent)
	assert.Equal(t, "pool", ev.EntityKind)
	assert.Equal(t, p.ID, ev.EntityID)
	assert.Len(t, dumps(), 1)

	// Frozen pools reject everything without freezing or dumping again.
	time.Sleep(2 * time.Millisecond)
	_, err := f.coord.Submit(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	assert.ErrorIs(t, err, domain.ErrIntegrityViolation)
	f.coord.halt(ctx, cause)
	assert.Empty(t, f.drain(event.EvEntityFrozen))
	assert.Len(t, dumps(), 1)

	// The ledger still agrees with the pool, so it may be reactivated.
	require.NoError(t, f.coord.UnfreezePool(ctx, p.ID))
	_, err = f.coord.Submit(ctx, swapReq(p.ID, trader, "A", amtA("1")))
	assert.NoError(t, err)
}

// A transaction id rejected for lock contention may be submitted again.
func TestSubmit_RetrySameIDAfterConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))

	release, err := f.coord.locks.Acquire(ctx, []LockKey{{EntityAccount, alice}})
	require.NoError(t, err)
	req := transferReq(alice, bob, "B", amtB("10"))
	req.ID = "client-tx-1"
	res, err := f.coord.Submit(ctx, req)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, "client-tx-1", res.TxID)
	rec, err := f.coord.Transaction(ctx, "client-tx-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "REJECTED", rec.Status)
	release()

	res, err = f.coord.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.TxApplied, res.Status)
	rec, err = f.coord.Transaction(ctx, "client-tx-1")
	require.NoError(t, err)
	assert.Equal(t, "APPLIED", rec.Status)
	assert.Empty(t, rec.ErrorKind)

	bal, _ := f.coord.GetBalance(bob, "B")
	assert.Equal(t, amtB("10"), bal)
	bal, _ = f.coord.GetBalance(alice, "B")
	assert.Equal(t, amtB("90"), bal)

	// Once applied, the id is spent.
	_, err = f.coord.Submit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFreezeAccount(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	alice, bob := f.account("B"), f.account("B")
	f.fund(alice, "B", amtB("100"))

	require.NoError(t, f.coord.FreezeAccount(ctx, alice, "audit"))
	_, err := f.coord.Submit(ctx, transferReq(alice, bob, "B", amtB("1")))
	assert.ErrorIs(t, err, domain.ErrIntegrityViolation)
	assert.Empty(t, f.drain(event.EvEntityFrozen))

	require.NoError(t, f.coord.UnfreezeAccount(ctx, alice))
	_, err = f.coord.Submit(ctx, transferReq(alice, bob, "B", amtB("1")))
	assert.NoError(t, err)
}
