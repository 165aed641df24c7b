package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidity_ledger/pkg/quant"
)

// AccountStatus is the mutation state of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountFrozen AccountStatus = "FROZEN" // integrity hold, pending manual audit
	AccountClosed AccountStatus = "CLOSED"
)

// Account is a point-in-time copy of an account and its balances.
type Account struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner"`
	Status    AccountStatus `json:"status"`
	Overdraft bool          `json:"overdraft"`
	// OverdraftLimit lets a non-overdraft account go this far below zero
	// in any asset, in asset units.
	OverdraftLimit decimal.Decimal         `json:"overdraft_limit"`
	Version        uint64                  `json:"version"`
	LastSeq        uint64                  `json:"last_seq"`
	Balances       map[string]quant.Amount `json:"balances"`
	CreatedAt      time.Time               `json:"created_at"`
}

// AccountSpec describes an account to open.
type AccountSpec struct {
	Owner          string
	Asset          string // primary asset, created with a zero balance
	Overdraft      bool   // unbounded
	OverdraftLimit decimal.Decimal
}

// Permits reports whether the account may hold bal.
func (a *Account) Permits(bal quant.Amount) bool {
	if a.Overdraft || !bal.IsNegative() {
		return true
	}
	return bal.Decimal().Neg().LessThanOrEqual(a.OverdraftLimit)
}

// Posting is one intended balance change, before it is sequenced.
type Posting struct {
	AccountID string       `json:"account_id"`
	Asset     string       `json:"asset"`
	Amount    quant.Amount `json:"amount"`
}

// LiquidityPosition is a provider's claim on a pool.
type LiquidityPosition struct {
	PoolID   string       `json:"pool_id"`
	Provider string       `json:"provider"`
	Shares   quant.Amount `json:"shares"`
}

// SumByAsset totals postings per asset.
func SumByAsset(postings []Posting) (map[string]quant.Amount, error) {
	sums := make(map[string]quant.Amount)
	for _, p := range postings {
		cur, ok := sums[p.Asset]
		if !ok {
			cur = quant.Zero(p.Amount.Scale())
		}
		next, err := cur.Add(p.Amount)
		if err != nil {
			return nil, Wrap(err, "sum", p.AccountID)
		}
		sums[p.Asset] = next
	}
	return sums, nil
}
