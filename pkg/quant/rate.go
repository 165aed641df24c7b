package quant

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RateScale is the denominator of a Rate (parts per million).
const RateScale int64 = 1_000_000

const rateDigits uint8 = 6

// Rate is a fraction in [0, 1] held in parts per million.
// E.g., a 0.3% fee is Rate{ppm: 3000}.
type Rate struct {
	ppm int64
}

// NewRate builds a rate from parts per million.
func NewRate(ppm int64) (Rate, error) {
	if ppm < 0 || ppm > RateScale {
		return Rate{}, fmt.Errorf("%w: rate %d ppm outside [0, 1]", ErrInvalidAmount, ppm)
	}
	return Rate{ppm: ppm}, nil
}

// ParseRate reads a decimal fraction such as "0.003".
func ParseRate(s string) (Rate, error) {
	a, err := Parse(s, rateDigits)
	if err != nil {
		return Rate{}, err
	}
	return NewRate(a.Mantissa())
}

// MustRate is ParseRate for constants and tests.
func MustRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) PPM() int64   { return r.ppm }
func (r Rate) IsZero() bool { return r.ppm == 0 }

// Complement returns 1 - r.
func (r Rate) Complement() Rate {
	return Rate{ppm: RateScale - r.ppm}
}

func (r Rate) Cmp(o Rate) int {
	switch {
	case r.ppm < o.ppm:
		return -1
	case r.ppm > o.ppm:
		return 1
	default:
		return 0
	}
}

func (r Rate) String() string {
	return decimal.New(r.ppm, -int32(rateDigits)).String()
}

func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rate) UnmarshalText(b []byte) error {
	parsed, err := ParseRate(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Rate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return r.UnmarshalText([]byte(s))
}
