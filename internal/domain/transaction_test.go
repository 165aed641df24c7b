package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity_ledger/pkg/quant"
)

func TestTxStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to TxStatus
		ok       bool
	}{
		{TxPending, TxValidating, true},
		{TxPending, TxRejected, true},
		{TxPending, TxApplied, false},
		{TxValidating, TxApplied, true},
		{TxValidating, TxRejected, true},
		{TxApplied, TxRejected, false},
		{TxRejected, TxApplied, false},
		{TxApplied, TxPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
	assert.True(t, TxApplied.Terminal())
	assert.False(t, TxValidating.Terminal())
}

func TestTransaction_Lifecycle(t *testing.T) {
	tx := NewTransaction("tx-1", TransactionRequest{Kind: KindSwap}, time.Unix(0, 0))
	require.Equal(t, TxPending, tx.Status)
	assert.Equal(t, "tx-1", tx.Request.ID)

	err := tx.Transition(TxApplied)
	assert.ErrorIs(t, err, ErrIntegrityViolation)

	require.NoError(t, tx.Transition(TxValidating))
	tx.Reject(Errorf(KindSlippageExceeded, "swap", "too little"))
	assert.Equal(t, TxRejected, tx.Status)

	res := tx.Result()
	assert.Equal(t, KindSlippageExceeded, res.Err.Kind)
	assert.Empty(t, res.Entries)
	assert.NotNil(t, res.Entries)
}

func TestTransactionRequest_Validate(t *testing.T) {
	amt := quant.New(100, 2)
	tests := []struct {
		name    string
		req     TransactionRequest
		wantErr bool
	}{
		{"transfer", TransactionRequest{Kind: KindTransfer, Transfer: &TransferParams{From: "a", To: "b", Asset: "USD", Amount: amt}}, false},
		{"self transfer", TransactionRequest{Kind: KindTransfer, Transfer: &TransferParams{From: "a", To: "a", Asset: "USD", Amount: amt}}, true},
		{"zero transfer", TransactionRequest{Kind: KindTransfer, Transfer: &TransferParams{From: "a", To: "b", Asset: "USD"}}, true},
		{"kind mismatch", TransactionRequest{Kind: KindSwap, Transfer: &TransferParams{From: "a", To: "b", Asset: "USD", Amount: amt}}, true},
		{"no params", TransactionRequest{Kind: KindSwap}, true},
		{"two params", TransactionRequest{Kind: KindSwap, Swap: &SwapParams{PoolID: "p", Trader: "t", AssetIn: "A"}, Remove: &RemoveLiquidityParams{}}, true},
		{"swap", TransactionRequest{Kind: KindSwap, Swap: &SwapParams{PoolID: "p", Trader: "t", AssetIn: "A"}}, false},
		{"add", TransactionRequest{Kind: KindAddLiquidity, AddLiquidity: &AddLiquidityParams{PoolID: "p", Provider: "u"}}, false},
		{"remove no provider", TransactionRequest{Kind: KindRemoveLiquidity, Remove: &RemoveLiquidityParams{PoolID: "p"}}, true},
		{"unknown kind", TransactionRequest{Kind: "mint", Swap: &SwapParams{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransactionRequest_Entities(t *testing.T) {
	req := TransactionRequest{Kind: KindSwap, Swap: &SwapParams{PoolID: "p", Trader: "t", AssetIn: "A"}}
	assert.Equal(t, "p", req.PoolID())
	assert.Equal(t, []string{"t"}, req.Accounts())

	tr := TransactionRequest{Kind: KindTransfer, Transfer: &TransferParams{From: "a", To: "b"}}
	assert.Empty(t, tr.PoolID())
	assert.Equal(t, []string{"a", "b"}, tr.Accounts())
}
