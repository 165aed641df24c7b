package safe

import (
	"errors"
	"math"
)

var (
	// ErrOverflow is returned when an int64 operation leaves the representable range.
	ErrOverflow = errors.New("int64 overflow")
	// ErrDivideByZero is returned by Div for a zero divisor.
	ErrDivideByZero = errors.New("division by zero")
)

// Add performs int64 addition and reports overflow/underflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub performs int64 subtraction and reports overflow/underflow.
func Sub(a, b int64) (int64, error) {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// Mul performs int64 multiplication and reports overflow/underflow.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > 0 {
		if b > 0 {
			if a > math.MaxInt64/b {
				return 0, ErrOverflow
			}
		} else {
			if b < math.MinInt64/a {
				return 0, ErrOverflow
			}
		}
	} else {
		if b > 0 {
			if a < math.MinInt64/b {
				return 0, ErrOverflow
			}
		} else {
			if a < math.MaxInt64/b {
				return 0, ErrOverflow
			}
		}
	}
	return a * b, nil
}

// Div performs truncating int64 division.
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	if a == math.MinInt64 && b == -1 {
		return 0, ErrOverflow
	}
	return a / b, nil
}

// Neg negates a, failing for MinInt64.
func Neg(a int64) (int64, error) {
	return Sub(0, a)
}

// Pow10 returns 10^n for 0 <= n <= 18.
func Pow10(n uint8) (int64, error) {
	if n > 18 {
		return 0, ErrOverflow
	}
	p := int64(1)
	for i := uint8(0); i < n; i++ {
		p *= 10
	}
	return p, nil
}
