package domain

import (
	"strings"

	"liquidity_ledger/pkg/quant"
)

// Asset is a registered unit of account. Immutable once created.
type Asset struct {
	Symbol string `json:"symbol"`
	Scale  uint8  `json:"scale"`
}

// Validate checks the symbol and scale.
func (a Asset) Validate() error {
	if a.Symbol == "" || len(a.Symbol) > 32 {
		return Errorf(KindValidation, "asset", "symbol must be 1-32 characters")
	}
	if strings.ContainsAny(a.Symbol, " \t\n|") {
		return Errorf(KindValidation, "asset", "symbol %q contains reserved characters", a.Symbol)
	}
	if a.Scale > quant.MaxScale {
		return Errorf(KindValidation, "asset", "scale %d exceeds %d", a.Scale, quant.MaxScale)
	}
	return nil
}

// Zero returns 0 at the asset's scale.
func (a Asset) Zero() quant.Amount {
	return quant.Zero(a.Scale)
}

// Parse reads a decimal string at the asset's scale.
func (a Asset) Parse(s string) (quant.Amount, error) {
	return quant.Parse(s, a.Scale)
}
