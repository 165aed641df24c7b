package pool

import (
	"liquidity_ledger/internal/domain"
	"liquidity_ledger/pkg/quant"
)

// Plan is the in-memory result of a pool operation: the postings to append
// and the state the pool must reach once they are applied.
type Plan struct {
	PoolID   string
	Postings []domain.Posting
	After    domain.PoolState
	Outcome  domain.PoolOutcome
}

// Accounts returns the pool-owned accounts touched by the plan.
func (p *Plan) Accounts() []string {
	var out []string
	seen := make(map[string]bool)
	for _, ps := range p.Postings {
		if !seen[ps.AccountID] {
			seen[ps.AccountID] = true
			out = append(out, ps.AccountID)
		}
	}
	return out
}

func ptr(a quant.Amount) *quant.Amount { return &a }

func post(account, asset string, mantissa int64, scale uint8) domain.Posting {
	return domain.Posting{AccountID: account, Asset: asset, Amount: quant.New(mantissa, scale)}
}

// postPair appends a debit of from and a credit of to. Zero amounts are skipped.
func postPair(ps []domain.Posting, from, to, asset string, mantissa int64, scale uint8) []domain.Posting {
	if mantissa == 0 {
		return ps
	}
	return append(ps, post(from, asset, -mantissa, scale), post(to, asset, mantissa, scale))
}

// active returns the pool for a mutating operation.
func (e *Engine) active(op, id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if p.def.Status != domain.PoolActive {
		return nil, domain.EntityErrorf(domain.KindIntegrityViolation, op, id, "pool is %s", p.def.Status)
	}
	cp := *p
	return &cp, nil
}

func checkAmount(op, poolID string, a quant.Amount, scale uint8, name string) error {
	if a.Scale() != scale {
		return domain.EntityErrorf(domain.KindValidation, op, poolID, "%s at scale %d, expected %d", name, a.Scale(), scale)
	}
	if !a.IsPositive() {
		return domain.EntityErrorf(domain.KindValidation, op, poolID, "%s must be positive", name)
	}
	return nil
}

// PlanAddLiquidity computes the deposit of amount_a and amount_b by provider.
func (e *Engine) PlanAddLiquidity(p domain.AddLiquidityParams) (*Plan, error) {
	const op = "add_liquidity"
	pe, err := e.active(op, p.PoolID)
	if err != nil {
		return nil, err
	}
	st, def := pe.state, pe.def
	if err := checkAmount(op, def.ID, p.AmountA, st.ReserveA.Scale(), "amount_a"); err != nil {
		return nil, err
	}
	if err := checkAmount(op, def.ID, p.AmountB, st.ReserveB.Scale(), "amount_b"); err != nil {
		return nil, err
	}
	a, b := p.AmountA.Mantissa(), p.AmountB.Mantissa()
	ra, rb, supply := st.ReserveA.Mantissa(), st.ReserveB.Mantissa(), st.TotalShares.Mantissa()
	ss := pe.shareScale

	var minted, issued, locked int64
	if supply == 0 {
		root, err := initialShares(a, b, pe.shift)
		if err != nil {
			return nil, domain.Wrap(err, op, def.ID)
		}
		locked = e.cfg.MinimumLiquidity
		minted = root - locked
		if minted <= 0 {
			return nil, domain.EntityErrorf(domain.KindInsufficientLiquidity, op, def.ID,
				"initial deposit yields %d share units, minimum liquidity is %d", root, locked)
		}
		issued = root
	} else {
		if !ratioWithin(a, b, ra, rb, e.cfg.RatioTolerance) {
			return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID,
				"deposit %s:%s deviates from reserve ratio %s:%s beyond %s",
				p.AmountA, p.AmountB, st.ReserveA, st.ReserveB, e.cfg.RatioTolerance)
		}
		minted, err = proportionalShares(supply, a, ra, b, rb)
		if err != nil {
			return nil, domain.Wrap(err, op, def.ID)
		}
		if minted <= 0 {
			return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID, "deposit too small to mint shares")
		}
		issued = minted
	}

	after := st
	if after.ReserveA, err = st.ReserveA.Add(p.AmountA); err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if after.ReserveB, err = st.ReserveB.Add(p.AmountB); err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if after.TotalShares, err = st.TotalShares.Add(quant.New(issued, ss)); err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}

	var ps []domain.Posting
	ps = postPair(ps, p.Provider, def.ReserveAccountA, def.Pair.A, a, p.AmountA.Scale())
	ps = postPair(ps, p.Provider, def.ReserveAccountB, def.Pair.B, b, p.AmountB.Scale())
	ps = postPair(ps, def.IssuerAccount, p.Provider, def.ShareAsset, minted, ss)
	ps = postPair(ps, def.IssuerAccount, def.LockAccount, def.ShareAsset, locked, ss)

	return &Plan{
		PoolID:   def.ID,
		Postings: ps,
		After:    after,
		Outcome:  domain.PoolOutcome{SharesMinted: ptr(quant.New(minted, ss))},
	}, nil
}

// PlanRemoveLiquidity computes the pro-rata withdrawal for shares.
// held is the provider's current share balance.
func (e *Engine) PlanRemoveLiquidity(p domain.RemoveLiquidityParams, held quant.Amount) (*Plan, error) {
	const op = "remove_liquidity"
	pe, err := e.active(op, p.PoolID)
	if err != nil {
		return nil, err
	}
	st, def := pe.state, pe.def
	if err := checkAmount(op, def.ID, p.Shares, pe.shareScale, "shares"); err != nil {
		return nil, err
	}
	if held.Cmp(p.Shares) < 0 {
		return nil, domain.EntityErrorf(domain.KindInsufficientShares, op, p.Provider,
			"holds %s shares, requested %s", held, p.Shares)
	}
	s, supply := p.Shares.Mantissa(), st.TotalShares.Mantissa()
	if s > supply {
		return nil, domain.EntityErrorf(domain.KindIntegrityViolation, op, def.ID, "shares %d exceed supply %d", s, supply)
	}
	outA, err := quant.MulDiv(st.ReserveA.Mantissa(), s, supply, quant.Floor)
	if err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	outB, err := quant.MulDiv(st.ReserveB.Mantissa(), s, supply, quant.Floor)
	if err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if outA == 0 && outB == 0 {
		return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID, "shares too few to withdraw anything")
	}
	sa, sb := st.ReserveA.Scale(), st.ReserveB.Scale()

	after := st
	if after.ReserveA, err = st.ReserveA.Sub(quant.New(outA, sa)); err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if after.ReserveB, err = st.ReserveB.Sub(quant.New(outB, sb)); err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if after.TotalShares, err = st.TotalShares.Sub(p.Shares); err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if err := after.CheckInvariants(); err != nil {
		// Rounding left one reserve empty while shares remain.
		return nil, domain.EntityErrorf(domain.KindInsufficientLiquidity, op, def.ID, "withdrawal would leave one-sided reserves")
	}

	var ps []domain.Posting
	ps = postPair(ps, p.Provider, def.IssuerAccount, def.ShareAsset, s, pe.shareScale)
	ps = postPair(ps, def.ReserveAccountA, p.Provider, def.Pair.A, outA, sa)
	ps = postPair(ps, def.ReserveAccountB, p.Provider, def.Pair.B, outB, sb)

	return &Plan{
		PoolID:   def.ID,
		Postings: ps,
		After:    after,
		Outcome: domain.PoolOutcome{
			SharesBurned: ptr(p.Shares),
			AmountA:      ptr(quant.New(outA, sa)),
			AmountB:      ptr(quant.New(outB, sb)),
		},
	}, nil
}

// PlanSwap computes a constant-product swap of amount_in of asset_in.
func (e *Engine) PlanSwap(p domain.SwapParams) (*Plan, error) {
	const op = "swap"
	pe, err := e.active(op, p.PoolID)
	if err != nil {
		return nil, err
	}
	st, def := pe.state, pe.def
	assetOut, ok := def.Pair.Other(p.AssetIn)
	if !ok {
		return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID, "asset %q not in pool %s", p.AssetIn, def.Pair.Key())
	}
	rIn, rOut, _ := st.Reserves(p.AssetIn)
	if err := checkAmount(op, def.ID, p.AmountIn, rIn.Scale(), "amount_in"); err != nil {
		return nil, err
	}
	if !p.MinAmountOut.IsZero() && p.MinAmountOut.Scale() != rOut.Scale() {
		return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID, "min_amount_out at scale %d, expected %d", p.MinAmountOut.Scale(), rOut.Scale())
	}
	if p.MinAmountOut.IsNegative() {
		return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID, "min_amount_out is negative")
	}
	if rIn.IsZero() || rOut.IsZero() {
		return nil, domain.EntityErrorf(domain.KindInsufficientLiquidity, op, def.ID, "pool has no reserves")
	}

	in := p.AmountIn.Mantissa()
	net, out, err := swapOut(rIn.Mantissa(), rOut.Mantissa(), in, def.FeeRate)
	if err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	if out <= 0 {
		return nil, domain.EntityErrorf(domain.KindValidation, op, def.ID, "amount_in %s too small to produce output", p.AmountIn)
	}
	amountOut := quant.New(out, rOut.Scale())
	if amountOut.Cmp(p.MinAmountOut) < 0 {
		return nil, domain.EntityErrorf(domain.KindSlippageExceeded, op, def.ID, "amount_out %s below minimum %s", amountOut, p.MinAmountOut)
	}
	if rOut.Mantissa()-out < e.cfg.ReserveFloor {
		return nil, domain.EntityErrorf(domain.KindInsufficientLiquidity, op, def.ID,
			"swap would leave %s reserve below floor", assetOut)
	}

	inAfter, err := rIn.Add(p.AmountIn)
	if err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	outAfter, err := rOut.Sub(amountOut)
	if err != nil {
		return nil, domain.Wrap(err, op, def.ID)
	}
	c := kGrew(rIn.Mantissa(), rOut.Mantissa(), inAfter.Mantissa(), outAfter.Mantissa())
	if c < 0 || (c == 0 && !def.FeeRate.IsZero()) {
		return nil, domain.EntityErrorf(domain.KindIntegrityViolation, op, def.ID, "constant product would not grow")
	}

	after := st
	if p.AssetIn == def.Pair.A {
		after.ReserveA, after.ReserveB = inAfter, outAfter
	} else {
		after.ReserveB, after.ReserveA = inAfter, outAfter
	}
	reserveIn, reserveOut := def.ReserveAccountA, def.ReserveAccountB
	if p.AssetIn != def.Pair.A {
		reserveIn, reserveOut = reserveOut, reserveIn
	}

	var ps []domain.Posting
	ps = postPair(ps, p.Trader, reserveIn, p.AssetIn, in, rIn.Scale())
	ps = postPair(ps, reserveOut, p.Trader, assetOut, out, rOut.Scale())

	return &Plan{
		PoolID:   def.ID,
		Postings: ps,
		After:    after,
		Outcome: domain.PoolOutcome{
			AmountInNet: ptr(quant.New(net, rIn.Scale())),
			AmountOut:   ptr(amountOut),
		},
	}, nil
}
