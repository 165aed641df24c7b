package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"liquidity_ledger/pkg/quant"
	"liquidity_ledger/pkg/safe"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := EntityErrorf(KindInsufficientBalance, "transfer", "acc-1", "need %s", "10")
	wrapped := fmt.Errorf("submit: %w", err)

	assert.ErrorIs(t, wrapped, ErrInsufficientBalance)
	assert.NotErrorIs(t, wrapped, ErrInsufficientShares)
	assert.Equal(t, KindInsufficientBalance, KindOf(wrapped))
	assert.Contains(t, err.Error(), "acc-1")
}

func TestKindOf_ArithmeticErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"quant overflow", quant.ErrOverflow, KindArithmeticOverflow},
		{"precision loss", fmt.Errorf("x: %w", quant.ErrPrecisionLoss), KindArithmeticOverflow},
		{"safe divide", safe.ErrDivideByZero, KindArithmeticOverflow},
		{"scale mismatch", quant.ErrScaleMismatch, KindValidation},
		{"opaque", errors.New("disk full"), KindUnknown},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "op", "x"))

	err := Wrap(quant.ErrOverflow, "swap", "pool-1")
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
	assert.ErrorIs(t, err, quant.ErrOverflow)
	assert.Equal(t, "pool-1", AsError(err).Entity)

	// Existing *Error keeps its kind and gains the entity.
	orig := Errorf(KindSlippageExceeded, "swap", "out below minimum")
	err = Wrap(orig, "submit", "pool-2")
	assert.ErrorIs(t, err, ErrSlippageExceeded)
	assert.Equal(t, "pool-2", AsError(err).Entity)
	assert.Empty(t, orig.Entity)
}

func TestErrorKind_Classes(t *testing.T) {
	assert.True(t, KindConcurrencyConflict.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.True(t, KindIntegrityViolation.HaltsEntity())
	assert.True(t, KindArithmeticOverflow.HaltsEntity())
	assert.False(t, KindSlippageExceeded.HaltsEntity())
	assert.True(t, KindPoolNotFound.Rejection())
	assert.False(t, KindConcurrencyConflict.Rejection())
}
