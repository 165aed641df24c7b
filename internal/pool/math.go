package pool

import (
	"math/big"

	"liquidity_ledger/pkg/quant"
	"liquidity_ledger/pkg/safe"
)

// All functions here work on mantissas. Callers guarantee that operands
// paired in a sum share a scale.

// swapOut returns (amountInNet, amountOut) for a constant-product swap:
// net = floor(in * (1 - fee)), out = floor(rOut * net / (rIn + net)).
// This equals rOut - ceil(rIn*rOut / (rIn+net)), so the pool never pays more
// than the curve allows.
func swapOut(rIn, rOut, in int64, fee quant.Rate) (net, out int64, err error) {
	net, err = quant.MulDiv(in, fee.Complement().PPM(), quant.RateScale, quant.Floor)
	if err != nil {
		return 0, 0, err
	}
	den, err := safe.Add(rIn, net)
	if err != nil {
		return 0, 0, err
	}
	out, err = quant.MulDiv(rOut, net, den, quant.Floor)
	if err != nil {
		return 0, 0, err
	}
	return net, out, nil
}

// initialShares returns floor(sqrt(a*b)) at the share scale. shift is
// 2*shareScale - (scaleA+scaleB), zero or one.
func initialShares(a, b int64, shift uint8) (int64, error) {
	return quant.SqrtProduct(a, b, shift)
}

// proportionalShares returns min(floor(S*a/ra), floor(S*b/rb)).
func proportionalShares(supply, a, ra, b, rb int64) (int64, error) {
	sa, err := quant.MulDiv(supply, a, ra, quant.Floor)
	if err != nil {
		return 0, err
	}
	sb, err := quant.MulDiv(supply, b, rb, quant.Floor)
	if err != nil {
		return 0, err
	}
	return min(sa, sb), nil
}

// ratioWithin reports whether a:b matches ra:rb within tol, measured as
// |a*rb - b*ra| / max(a*rb, b*ra).
func ratioWithin(a, b, ra, rb int64, tol quant.Rate) bool {
	x := new(big.Int).Mul(big.NewInt(a), big.NewInt(rb))
	y := new(big.Int).Mul(big.NewInt(b), big.NewInt(ra))
	hi := x
	if y.Cmp(x) > 0 {
		hi = y
	}
	if hi.Sign() == 0 {
		return true
	}
	diff := new(big.Int).Sub(x, y)
	diff.Abs(diff)
	// diff/hi <= ppm/1e6  <=>  diff*1e6 <= ppm*hi
	lhs := diff.Mul(diff, big.NewInt(quant.RateScale))
	rhs := new(big.Int).Mul(hi, big.NewInt(tol.PPM()))
	return lhs.Cmp(rhs) <= 0
}

// kGrew compares the constant product before and after a swap.
func kGrew(rIn, rOut, rInAfter, rOutAfter int64) int {
	return quant.MulCmp(rInAfter, rOutAfter, rIn, rOut)
}
