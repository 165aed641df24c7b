// Package quant implements exact fixed-point monetary values.
//
// An Amount is an int64 mantissa tagged with its decimal scale: the value is
// mantissa × 10^-scale. The scale is checked on every operation that combines
// two amounts, and every operation that could leave the int64 range or drop
// significant digits reports an error instead of truncating. float64 is never
// used for money.
package quant

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"liquidity_ledger/pkg/safe"
)

// MaxScale is the largest supported number of fractional digits.
const MaxScale uint8 = 18

var (
	ErrOverflow      = errors.New("fixed-point overflow")
	ErrPrecisionLoss = errors.New("fixed-point precision loss")
	ErrDivideByZero  = errors.New("fixed-point division by zero")
	ErrScaleMismatch = errors.New("fixed-point scale mismatch")
	ErrInvalidAmount = errors.New("invalid fixed-point amount")
)

// Rounding selects the direction of an inexact result.
// Amounts owed to a party use Floor, amounts required from a party use Ceil.
type Rounding uint8

const (
	Floor Rounding = iota
	Ceil
)

func (r Rounding) String() string {
	if r == Ceil {
		return "CEIL"
	}
	return "FLOOR"
}

// Amount is a fixed-point decimal value. The zero value is 0 at scale 0.
type Amount struct {
	mantissa int64
	scale    uint8
}

// New returns mantissa × 10^-scale.
func New(mantissa int64, scale uint8) Amount {
	return Amount{mantissa: mantissa, scale: scale}
}

// Zero returns 0 at the given scale.
func Zero(scale uint8) Amount {
	return Amount{scale: scale}
}

func (a Amount) Mantissa() int64 { return a.mantissa }
func (a Amount) Scale() uint8    { return a.scale }

func (a Amount) Sign() int {
	switch {
	case a.mantissa > 0:
		return 1
	case a.mantissa < 0:
		return -1
	default:
		return 0
	}
}

func (a Amount) IsZero() bool     { return a.mantissa == 0 }
func (a Amount) IsPositive() bool { return a.mantissa > 0 }
func (a Amount) IsNegative() bool { return a.mantissa < 0 }

// Neg returns -a.
func (a Amount) Neg() (Amount, error) {
	m, err := safe.Neg(a.mantissa)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: -%s", ErrOverflow, a)
	}
	return Amount{mantissa: m, scale: a.scale}, nil
}

// Add returns a + b. Both operands must share a scale.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.scale != b.scale {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, a.scale, b.scale)
	}
	m, err := safe.Add(a.mantissa, b.mantissa)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a, b)
	}
	return Amount{mantissa: m, scale: a.scale}, nil
}

// Sub returns a - b. Both operands must share a scale.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.scale != b.scale {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, a.scale, b.scale)
	}
	m, err := safe.Sub(a.mantissa, b.mantissa)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrOverflow, a, b)
	}
	return Amount{mantissa: m, scale: a.scale}, nil
}

// Cmp compares the values of a and b, regardless of scale.
func (a Amount) Cmp(b Amount) int {
	if a.scale == b.scale {
		switch {
		case a.mantissa < b.mantissa:
			return -1
		case a.mantissa > b.mantissa:
			return 1
		default:
			return 0
		}
	}
	return a.Decimal().Cmp(b.Decimal())
}

// Equal reports whether a and b have the same value and scale.
func (a Amount) Equal(b Amount) bool {
	return a.scale == b.scale && a.mantissa == b.mantissa
}

// MulRatio returns a × num / den rounded in the given direction.
func (a Amount) MulRatio(num, den int64, mode Rounding) (Amount, error) {
	m, err := MulDiv(a.mantissa, num, den, mode)
	if err != nil {
		return Amount{}, err
	}
	return Amount{mantissa: m, scale: a.scale}, nil
}

// MulRate returns a × r rounded in the given direction.
func (a Amount) MulRate(r Rate, mode Rounding) (Amount, error) {
	return a.MulRatio(r.ppm, RateScale, mode)
}

// Rescale converts a to another scale. Dropping non-zero digits is an error.
func (a Amount) Rescale(scale uint8) (Amount, error) {
	if scale > MaxScale {
		return Amount{}, fmt.Errorf("%w: scale %d", ErrInvalidAmount, scale)
	}
	if scale == a.scale {
		return a, nil
	}
	if scale > a.scale {
		p, err := safe.Pow10(scale - a.scale)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: rescale %s to %d", ErrOverflow, a, scale)
		}
		m, err := safe.Mul(a.mantissa, p)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: rescale %s to %d", ErrOverflow, a, scale)
		}
		return Amount{mantissa: m, scale: scale}, nil
	}
	p, _ := safe.Pow10(a.scale - scale)
	if a.mantissa%p != 0 {
		return Amount{}, fmt.Errorf("%w: rescale %s to %d", ErrPrecisionLoss, a, scale)
	}
	return Amount{mantissa: a.mantissa / p, scale: scale}, nil
}

// Decimal returns the exact decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(a.mantissa, -int32(a.scale))
}

// String renders the value with exactly Scale() fractional digits.
func (a Amount) String() string {
	return a.Decimal().StringFixed(int32(a.scale))
}

// Parse reads a decimal string at the given scale.
// More fractional digits than the scale allows is ErrPrecisionLoss.
func Parse(s string, scale uint8) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, scale)
}

// MustParse is Parse for constants and tests.
func MustParse(s string, scale uint8) Amount {
	a, err := Parse(s, scale)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts d to an Amount at the given scale without rounding.
func FromDecimal(d decimal.Decimal, scale uint8) (Amount, error) {
	if scale > MaxScale {
		return Amount{}, fmt.Errorf("%w: scale %d", ErrInvalidAmount, scale)
	}
	shifted := d.Shift(int32(scale))
	if !shifted.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %s at scale %d", ErrPrecisionLoss, d, scale)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return Amount{}, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return Amount{mantissa: bi.Int64(), scale: scale}, nil
}

// MarshalJSON encodes the amount as a decimal string carrying its scale.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON infers the scale from the number of fractional digits.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	scale := int32(0)
	if d.Exponent() < 0 {
		scale = -d.Exponent()
	}
	if scale > int32(MaxScale) {
		return fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, s, MaxScale)
	}
	parsed, err := FromDecimal(d, uint8(scale))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MulDiv returns x*y/z rounded in the given direction, with an exact
// intermediate product.
func MulDiv(x, y, z int64, mode Rounding) (int64, error) {
	if z == 0 {
		return 0, ErrDivideByZero
	}
	p := new(big.Int).Mul(big.NewInt(x), big.NewInt(y))
	d := big.NewInt(z)
	if z < 0 {
		p.Neg(p)
		d.Neg(d)
	}
	q, m := new(big.Int).DivMod(p, d, new(big.Int))
	if mode == Ceil && m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("%w: %d*%d/%d", ErrOverflow, x, y, z)
	}
	return q.Int64(), nil
}

// SqrtProduct returns floor(sqrt(a*b*10^shift)) for non-negative a and b.
// A non-zero shift raises a product of odd scale to an even one before the
// root is taken.
func SqrtProduct(a, b int64, shift uint8) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: sqrt of negative product", ErrInvalidAmount)
	}
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	p.Mul(p, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil))
	r := new(big.Int).Sqrt(p)
	if !r.IsInt64() {
		return 0, fmt.Errorf("%w: sqrt(%d*%d*10^%d)", ErrOverflow, a, b, shift)
	}
	return r.Int64(), nil
}

// MulCmp compares a*b with c*d exactly.
func MulCmp(a, b, c, d int64) int {
	left := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	right := new(big.Int).Mul(big.NewInt(c), big.NewInt(d))
	return left.Cmp(right)
}
