package domain

import (
	"time"

	"liquidity_ledger/pkg/quant"
)

// TxKind is the type of work a transaction performs.
type TxKind string

const (
	KindTransfer        TxKind = "transfer"
	KindAddLiquidity    TxKind = "add_liquidity"
	KindRemoveLiquidity TxKind = "remove_liquidity"
	KindSwap            TxKind = "swap"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxValidating TxStatus = "VALIDATING"
	TxApplied    TxStatus = "APPLIED"
	TxRejected   TxStatus = "REJECTED"
)

func (s TxStatus) Terminal() bool {
	return s == TxApplied || s == TxRejected
}

// CanTransition reports whether s -> to is a legal lifecycle step.
// PENDING may be rejected before validation (e.g. malformed requests).
func (s TxStatus) CanTransition(to TxStatus) bool {
	switch s {
	case TxPending:
		return to == TxValidating || to == TxRejected
	case TxValidating:
		return to == TxApplied || to == TxRejected
	}
	return false
}

type TransferParams struct {
	From   string       `json:"from"`
	To     string       `json:"to"`
	Asset  string       `json:"asset"`
	Amount quant.Amount `json:"amount"`
}

type AddLiquidityParams struct {
	PoolID   string       `json:"pool_id"`
	Provider string       `json:"provider"`
	AmountA  quant.Amount `json:"amount_a"`
	AmountB  quant.Amount `json:"amount_b"`
}

type RemoveLiquidityParams struct {
	PoolID   string       `json:"pool_id"`
	Provider string       `json:"provider"`
	Shares   quant.Amount `json:"shares"`
}

type SwapParams struct {
	PoolID       string       `json:"pool_id"`
	Trader       string       `json:"trader"`
	AssetIn      string       `json:"asset_in"`
	AmountIn     quant.Amount `json:"amount_in"`
	MinAmountOut quant.Amount `json:"min_amount_out"`
}

// TransactionRequest is the unit of work submitted to the coordinator.
// Exactly one params field, matching Kind, must be set.
type TransactionRequest struct {
	ID             string                 `json:"id,omitempty"`
	Kind           TxKind                 `json:"kind"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Transfer       *TransferParams        `json:"transfer,omitempty"`
	AddLiquidity   *AddLiquidityParams    `json:"add_liquidity,omitempty"`
	Remove         *RemoveLiquidityParams `json:"remove_liquidity,omitempty"`
	Swap           *SwapParams            `json:"swap,omitempty"`

	// ExpectedVersions optionally pins account versions read by the caller.
	ExpectedVersions map[string]uint64 `json:"expected_versions,omitempty"`
}

// Validate checks the request shape. Amount semantics are checked by the
// component that executes the request.
func (r TransactionRequest) Validate() error {
	const op = "request"
	set := 0
	for _, p := range []bool{r.Transfer != nil, r.AddLiquidity != nil, r.Remove != nil, r.Swap != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return Errorf(KindValidation, op, "exactly one params block required, got %d", set)
	}
	switch r.Kind {
	case KindTransfer:
		if r.Transfer == nil {
			return Errorf(KindValidation, op, "transfer params missing")
		}
		if r.Transfer.From == "" || r.Transfer.To == "" || r.Transfer.Asset == "" {
			return Errorf(KindValidation, op, "transfer requires from, to and asset")
		}
		if r.Transfer.From == r.Transfer.To {
			return Errorf(KindValidation, op, "transfer to the same account")
		}
		if !r.Transfer.Amount.IsPositive() {
			return Errorf(KindValidation, op, "transfer amount must be positive")
		}
	case KindAddLiquidity:
		if r.AddLiquidity == nil || r.AddLiquidity.PoolID == "" || r.AddLiquidity.Provider == "" {
			return Errorf(KindValidation, op, "add_liquidity requires pool and provider")
		}
	case KindRemoveLiquidity:
		if r.Remove == nil || r.Remove.PoolID == "" || r.Remove.Provider == "" {
			return Errorf(KindValidation, op, "remove_liquidity requires pool and provider")
		}
	case KindSwap:
		if r.Swap == nil || r.Swap.PoolID == "" || r.Swap.Trader == "" || r.Swap.AssetIn == "" {
			return Errorf(KindValidation, op, "swap requires pool, trader and asset_in")
		}
	default:
		return Errorf(KindValidation, op, "unknown kind %q", r.Kind)
	}
	return nil
}

// PoolID returns the pool the request touches, if any.
func (r TransactionRequest) PoolID() string {
	switch {
	case r.AddLiquidity != nil:
		return r.AddLiquidity.PoolID
	case r.Remove != nil:
		return r.Remove.PoolID
	case r.Swap != nil:
		return r.Swap.PoolID
	}
	return ""
}

// Accounts returns the caller-owned accounts the request touches.
func (r TransactionRequest) Accounts() []string {
	switch {
	case r.Transfer != nil:
		return []string{r.Transfer.From, r.Transfer.To}
	case r.AddLiquidity != nil:
		return []string{r.AddLiquidity.Provider}
	case r.Remove != nil:
		return []string{r.Remove.Provider}
	case r.Swap != nil:
		return []string{r.Swap.Trader}
	}
	return nil
}

// TransactionResult is returned to callers of submit_transaction.
type TransactionResult struct {
	TxID     string        `json:"tx_id"`
	Kind     TxKind        `json:"kind"`
	Status   TxStatus      `json:"status"`
	Entries  []Entry       `json:"entries"`
	Range    SequenceRange `json:"range"`
	Outcome  PoolOutcome   `json:"outcome"`
	Err      *Error        `json:"error,omitempty"`
	Replayed bool          `json:"replayed,omitempty"`
}

// Transaction tracks one request through its lifecycle.
type Transaction struct {
	ID        string
	Request   TransactionRequest
	Status    TxStatus
	Entries   []Entry
	Range     SequenceRange
	Outcome   PoolOutcome
	Err       *Error
	CreatedAt time.Time
}

// NewTransaction starts a transaction in PENDING.
func NewTransaction(id string, req TransactionRequest, now time.Time) *Transaction {
	req.ID = id
	return &Transaction{ID: id, Request: req, Status: TxPending, CreatedAt: now}
}

// Transition moves the transaction to the next lifecycle state.
func (t *Transaction) Transition(to TxStatus) error {
	if !t.Status.CanTransition(to) {
		return EntityErrorf(KindIntegrityViolation, "transition", t.ID, "illegal transition %s -> %s", t.Status, to)
	}
	t.Status = to
	return nil
}

// Reject moves the transaction to REJECTED with the given cause.
func (t *Transaction) Reject(err error) {
	t.Err = AsError(err)
	t.Entries = nil
	t.Range = SequenceRange{}
	t.Outcome = PoolOutcome{}
	if t.Status.CanTransition(TxRejected) {
		t.Status = TxRejected
	}
}

// Result builds the caller-facing result.
func (t *Transaction) Result() *TransactionResult {
	entries := t.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return &TransactionResult{
		TxID:    t.ID,
		Kind:    t.Request.Kind,
		Status:  t.Status,
		Entries: entries,
		Range:   t.Range,
		Outcome: t.Outcome,
		Err:     t.Err,
	}
}
