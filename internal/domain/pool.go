package domain

import (
	"time"

	"liquidity_ledger/pkg/quant"
)

// PoolStatus is the mutation state of a pool.
type PoolStatus string

const (
	PoolActive PoolStatus = "ACTIVE"
	PoolFrozen PoolStatus = "FROZEN"
)

// Pair is an asset pair in canonical (lexicographic) order.
type Pair struct {
	A string `json:"asset_a"`
	B string `json:"asset_b"`
}

// NewPair orders x and y canonically.
func NewPair(x, y string) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

func (p Pair) Key() string { return p.A + "/" + p.B }

// Other returns the counter asset of asset, or false if asset is not in the pair.
func (p Pair) Other(asset string) (string, bool) {
	switch asset {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	}
	return "", false
}

// ShareAssetSymbol names the share asset of the pool over p.
func ShareAssetSymbol(p Pair) string {
	return "LP:" + p.Key()
}

// PoolOwner is the Owner of ledger accounts held by a pool.
func PoolOwner(poolID string) string {
	return "pool:" + poolID
}

// Pool is the static definition of a liquidity pool.
type Pool struct {
	ID              string     `json:"id"`
	Pair            Pair       `json:"pair"`
	FeeRate         quant.Rate `json:"fee_rate"`
	ShareAsset      string     `json:"share_asset"`
	ReserveAccountA string     `json:"reserve_account_a"`
	ReserveAccountB string     `json:"reserve_account_b"`
	IssuerAccount   string     `json:"issuer_account"`
	LockAccount     string     `json:"lock_account"`
	Status          PoolStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Accounts returns every ledger account owned by the pool.
func (p Pool) Accounts() []string {
	return []string{p.ReserveAccountA, p.ReserveAccountB, p.IssuerAccount, p.LockAccount}
}

// PoolState is the queryable state of a pool.
type PoolState struct {
	PoolID      string       `json:"pool_id"`
	AssetA      string       `json:"asset_a"`
	AssetB      string       `json:"asset_b"`
	ReserveA    quant.Amount `json:"reserve_a"`
	ReserveB    quant.Amount `json:"reserve_b"`
	TotalShares quant.Amount `json:"total_share_supply"`
	FeeRate     quant.Rate   `json:"fee_rate"`
	// LastSeq is the seq of the last entry posted to one of the pool's
	// accounts, not the last seq of the transaction that posted it.
	LastSeq uint64     `json:"last_seq"`
	Status  PoolStatus `json:"status"`
}

// Reserves returns (reserve of asset, reserve of the counter asset).
func (s PoolState) Reserves(asset string) (in, out quant.Amount, ok bool) {
	switch asset {
	case s.AssetA:
		return s.ReserveA, s.ReserveB, true
	case s.AssetB:
		return s.ReserveB, s.ReserveA, true
	}
	return quant.Amount{}, quant.Amount{}, false
}

// SameBalances reports whether two states agree on reserves and supply.
func (s PoolState) SameBalances(o PoolState) bool {
	return s.ReserveA.Equal(o.ReserveA) && s.ReserveB.Equal(o.ReserveB) && s.TotalShares.Equal(o.TotalShares)
}

// CheckInvariants verifies the pool's structural invariants:
// nothing negative, and supply is zero exactly when both reserves are zero.
func (s PoolState) CheckInvariants() error {
	if s.ReserveA.IsNegative() || s.ReserveB.IsNegative() || s.TotalShares.IsNegative() {
		return EntityErrorf(KindIntegrityViolation, "pool", s.PoolID, "negative reserve or supply")
	}
	empty := s.ReserveA.IsZero() && s.ReserveB.IsZero()
	if s.TotalShares.IsZero() != empty {
		return EntityErrorf(KindIntegrityViolation, "pool", s.PoolID,
			"supply %s inconsistent with reserves (%s, %s)", s.TotalShares, s.ReserveA, s.ReserveB)
	}
	if !empty && (s.ReserveA.IsZero() || s.ReserveB.IsZero()) {
		return EntityErrorf(KindIntegrityViolation, "pool", s.PoolID, "one-sided reserves (%s, %s)", s.ReserveA, s.ReserveB)
	}
	return nil
}

// PoolOutcome carries the amounts produced by a pool operation.
type PoolOutcome struct {
	SharesMinted *quant.Amount `json:"shares_minted,omitempty"`
	SharesBurned *quant.Amount `json:"shares_burned,omitempty"`
	AmountA      *quant.Amount `json:"amount_a,omitempty"`
	AmountB      *quant.Amount `json:"amount_b,omitempty"`
	AmountInNet  *quant.Amount `json:"amount_in_net,omitempty"`
	AmountOut    *quant.Amount `json:"amount_out,omitempty"`
}
