package domain

import (
	"errors"
	"fmt"

	"liquidity_ledger/pkg/quant"
	"liquidity_ledger/pkg/safe"
)

// ErrorKind classifies every failure surfaced by the ledger core.
type ErrorKind string

const (
	KindValidation            ErrorKind = "VALIDATION_ERROR"
	KindInsufficientBalance   ErrorKind = "INSUFFICIENT_BALANCE"
	KindInsufficientShares    ErrorKind = "INSUFFICIENT_SHARES"
	KindInsufficientLiquidity ErrorKind = "INSUFFICIENT_LIQUIDITY"
	KindSlippageExceeded      ErrorKind = "SLIPPAGE_EXCEEDED"
	KindPoolNotFound          ErrorKind = "POOL_NOT_FOUND"
	KindArithmeticOverflow    ErrorKind = "ARITHMETIC_OVERFLOW"
	KindConcurrencyConflict   ErrorKind = "CONCURRENCY_CONFLICT"
	KindIntegrityViolation    ErrorKind = "INTEGRITY_VIOLATION"
	KindUnknown               ErrorKind = "UNKNOWN"
)

// Retryable reports whether the caller may retry the same request.
func (k ErrorKind) Retryable() bool {
	return k == KindConcurrencyConflict
}

// HaltsEntity reports whether the failure must freeze the affected entity
// pending manual audit.
func (k ErrorKind) HaltsEntity() bool {
	return k == KindArithmeticOverflow || k == KindIntegrityViolation
}

// Rejection reports whether the failure is a terminal, user-facing rejection.
func (k ErrorKind) Rejection() bool {
	switch k {
	case KindValidation, KindInsufficientBalance, KindInsufficientShares,
		KindInsufficientLiquidity, KindSlippageExceeded, KindPoolNotFound:
		return true
	}
	return false
}

// Error is the structured failure returned by ledger operations.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Op     string    `json:"op,omitempty"`
	Entity string    `json:"entity,omitempty"`
	Msg    string    `json:"message"`
	Err    error     `json:"-"`
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Entity != "" {
		s += " [" + e.Entity + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrInsufficientBalance   = &Error{Kind: KindInsufficientBalance}
	ErrInsufficientShares    = &Error{Kind: KindInsufficientShares}
	ErrInsufficientLiquidity = &Error{Kind: KindInsufficientLiquidity}
	ErrSlippageExceeded      = &Error{Kind: KindSlippageExceeded}
	ErrPoolNotFound          = &Error{Kind: KindPoolNotFound}
	ErrArithmeticOverflow    = &Error{Kind: KindArithmeticOverflow}
	ErrConcurrencyConflict   = &Error{Kind: KindConcurrencyConflict}
	ErrIntegrityViolation    = &Error{Kind: KindIntegrityViolation}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// EntityErrorf builds an *Error naming the entity it concerns.
func EntityErrorf(kind ErrorKind, op, entity, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err and attaches op/entity context. Nil stays nil.
func Wrap(err error, op, entity string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Entity == "" && entity != "" {
			cp := *de
			cp.Entity = entity
			return &cp
		}
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Entity: entity, Err: err}
}

// KindOf classifies any error, including arithmetic errors from pkg/quant and pkg/safe.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, quant.ErrOverflow),
		errors.Is(err, quant.ErrPrecisionLoss),
		errors.Is(err, quant.ErrDivideByZero),
		errors.Is(err, safe.ErrOverflow),
		errors.Is(err, safe.ErrDivideByZero):
		return KindArithmeticOverflow
	case errors.Is(err, quant.ErrScaleMismatch),
		errors.Is(err, quant.ErrInvalidAmount):
		return KindValidation
	}
	return KindUnknown
}

// AsError returns err as an *Error, classifying it if needed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindOf(err), Err: err, Msg: ""}
}
