package pool

import (
	"context"
	"log/slog"
	"sort"

	"liquidity_ledger/internal/domain"
)

// applyTo folds entries touching pool accounts into copies of pool states.
// Entries at or below a pool's LastSeq are skipped. Callers hold e.mu.
func (e *Engine) applyTo(states map[string]domain.PoolState, entries []domain.Entry) error {
	for _, en := range entries {
		id, ok := e.byAccount[en.AccountID]
		if !ok {
			continue
		}
		pe := e.pools[id]
		st, ok := states[id]
		if !ok {
			st = pe.state
		}
		if en.Seq <= st.LastSeq {
			continue
		}
		var err error
		switch {
		case en.AccountID == pe.def.ReserveAccountA && en.Asset == pe.def.Pair.A:
			st.ReserveA, err = st.ReserveA.Add(en.Amount)
		case en.AccountID == pe.def.ReserveAccountB && en.Asset == pe.def.Pair.B:
			st.ReserveB, err = st.ReserveB.Add(en.Amount)
		case en.AccountID == pe.def.IssuerAccount && en.Asset == pe.def.ShareAsset:
			st.TotalShares, err = st.TotalShares.Sub(en.Amount)
		case en.AccountID == pe.def.LockAccount && en.Asset == pe.def.ShareAsset:
			// Locked shares are already counted in supply.
		default:
			return domain.EntityErrorf(domain.KindIntegrityViolation, "apply", id,
				"entry %d posts %s to pool account %s", en.Seq, en.Asset, en.AccountID)
		}
		if err != nil {
			return domain.Wrap(err, "apply", id)
		}
		st.LastSeq = en.Seq
		states[id] = st
	}
	return nil
}

// Apply folds committed entries into pool state. It is the single state
// transition for pools, used for live commits and replay alike. The returned
// states are those of touched pools; their cache rows are rewritten.
func (e *Engine) Apply(ctx context.Context, entries []domain.Entry) ([]domain.PoolState, error) {
	e.mu.Lock()
	touched := make(map[string]domain.PoolState)
	if err := e.applyTo(touched, entries); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	var violation error
	out := make([]domain.PoolState, 0, len(touched))
	for id, st := range touched {
		// The ledger is the source of truth: keep the state even if it is broken.
		e.pools[id].state = st
		out = append(out, st)
		if err := st.CheckInvariants(); err != nil && violation == nil {
			violation = err
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })

	for _, st := range out {
		if err := e.store.UpsertPoolCache(ctx, st); err != nil {
			// Replay from the stale tag repairs this on the next recovery.
			e.log.Warn("Pool cache write failed", slog.String("pool_id", st.PoolID), slog.Any("error", err))
		}
	}
	return out, violation
}

// RecoveryReport summarises pool recovery.
type RecoveryReport struct {
	Pools    int
	Replayed int      // pools whose cache was behind the ledger
	Frozen   []string // pools that failed the audit against ledger balances
}

// Recover loads pools and their cached state, replays ledger entries newer
// than each cache tag, and audits the result against ledger balances. seeds,
// typically from a snapshot, stand in for missing cache rows. The ledger must
// be recovered first.
func (e *Engine) Recover(ctx context.Context, seeds []domain.PoolState) (*RecoveryReport, error) {
	defs, err := e.store.LoadPools(ctx)
	if err != nil {
		return nil, err
	}
	seedBy := make(map[string]domain.PoolState, len(seeds))
	for _, s := range seeds {
		seedBy[s.PoolID] = s
	}
	head, _ := e.ledger.Head()

	e.mu.Lock()
	e.pools = make(map[string]*entry, len(defs))
	e.byPair = make(map[domain.Pair]string, len(defs))
	e.byAccount = make(map[string]string, len(defs)*4)
	from := head
	for _, def := range defs {
		assetA, okA := e.ledger.Asset(def.Pair.A)
		assetB, okB := e.ledger.Asset(def.Pair.B)
		share, okS := e.ledger.Asset(def.ShareAsset)
		if !okA || !okB || !okS {
			e.mu.Unlock()
			return nil, domain.EntityErrorf(domain.KindIntegrityViolation, "recover", def.ID, "pool assets not registered")
		}
		st := domain.PoolState{
			PoolID:      def.ID,
			AssetA:      def.Pair.A,
			AssetB:      def.Pair.B,
			ReserveA:    assetA.Zero(),
			ReserveB:    assetB.Zero(),
			TotalShares: share.Zero(),
			FeeRate:     def.FeeRate,
			Status:      def.Status,
		}
		cached, err := e.store.LoadPoolCache(ctx, def.ID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if cached == nil {
			if s, ok := seedBy[def.ID]; ok {
				cached = &s
			}
		}
		if cached != nil {
			if cached.LastSeq > head {
				e.mu.Unlock()
				return nil, domain.EntityErrorf(domain.KindIntegrityViolation, "recover", def.ID,
					"cache tag %d beyond chain head %d", cached.LastSeq, head)
			}
			st.ReserveA, st.ReserveB, st.TotalShares, st.LastSeq =
				cached.ReserveA, cached.ReserveB, cached.TotalShares, cached.LastSeq
		}
		_, shift := shareScale(assetA.Scale, assetB.Scale)
		e.register(def, st, share.Scale, shift)
		if st.LastSeq < from {
			from = st.LastSeq
		}
	}
	e.mu.Unlock()

	report := &RecoveryReport{Pools: len(defs)}
	if from < head {
		entries, err := e.ledger.GetLedgerRange(ctx, from+1, head)
		if err != nil {
			return nil, err
		}
		states, err := e.Apply(ctx, entries)
		if err != nil && domain.KindOf(err) != domain.KindIntegrityViolation {
			return nil, err
		}
		report.Replayed = len(states)
	}

	for _, def := range e.Pools() {
		if err := e.audit(def); err != nil {
			e.log.Error("INTEGRITY_VIOLATION", slog.String("pool_id", def.ID), slog.String("error", err.Error()))
			if def.Status != domain.PoolFrozen {
				if ferr := e.Freeze(ctx, def.ID, err.Error()); ferr != nil {
					return nil, ferr
				}
			}
			report.Frozen = append(report.Frozen, def.ID)
		}
	}

	e.log.Info("Pools recovered",
		slog.Int("pools", report.Pools),
		slog.Int("replayed", report.Replayed),
		slog.Int("frozen", len(report.Frozen)))
	return report, nil
}

// audit checks a pool's derived state against the ledger balances of its accounts.
func (e *Engine) audit(def domain.Pool) error {
	st, err := e.State(def.ID)
	if err != nil {
		return err
	}
	if err := st.CheckInvariants(); err != nil {
		return err
	}
	ra, err := e.ledger.Balance(def.ReserveAccountA, def.Pair.A)
	if err != nil {
		return err
	}
	rb, err := e.ledger.Balance(def.ReserveAccountB, def.Pair.B)
	if err != nil {
		return err
	}
	issued, err := e.ledger.Balance(def.IssuerAccount, def.ShareAsset)
	if err != nil {
		return err
	}
	supply, err := issued.Neg()
	if err != nil {
		return domain.Wrap(err, "audit", def.ID)
	}
	ledgerView := domain.PoolState{ReserveA: ra, ReserveB: rb, TotalShares: supply}
	if !st.SameBalances(ledgerView) {
		return domain.EntityErrorf(domain.KindIntegrityViolation, "audit", def.ID,
			"pool state (%s, %s, %s) disagrees with ledger (%s, %s, %s)",
			st.ReserveA, st.ReserveB, st.TotalShares, ra, rb, supply)
	}
	return nil
}

// Audit checks one pool against the ledger without changing anything.
func (e *Engine) Audit(id string) error {
	def, err := e.Pool(id)
	if err != nil {
		return err
	}
	return e.audit(def)
}
