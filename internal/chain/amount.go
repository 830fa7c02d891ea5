package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
)

// ToleranceTokenHundredths is the accepted deviation, in either direction,
// when comparing a received amount to the expected amount: 0.01 token units.
const ToleranceTokenHundredths = 1

// ToBaseUnits parses a decimal token amount string into integer base units.
// Rejects negative amounts and more fractional digits than the token carries.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount: %w", config.ErrValidation)
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amount %q: %w", amount, config.ErrValidation)
	}

	whole := amount
	frac := ""
	if idx := strings.IndexByte(amount, '.'); idx >= 0 {
		whole, frac = amount[:idx], amount[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places: %w", amount, decimals, config.ErrValidation)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q: %w", amount, config.ErrValidation)
	}
	return v, nil
}

// FromBaseUnits formats integer base units as a decimal token amount string
// with trailing zeros trimmed.
func FromBaseUnits(v *big.Int, decimals int) string {
	s := v.String()
	if decimals == 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}

	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ToleranceBaseUnits returns 0.01 token units in base units for a token with
// the given decimals.
func ToleranceBaseUnits(decimals int) *big.Int {
	exp := decimals - 2
	if exp < 0 {
		exp = 0
	}
	tol := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	return tol.Mul(tol, big.NewInt(ToleranceTokenHundredths))
}

// MeetsExpected reports whether a received amount matches the expected amount
// for a chain's token. The match is two-sided: under- and overpayment both
// pass only while |actual - expected| stays within the tolerance.
func MeetsExpected(actual, expected *big.Int, chain models.Chain) bool {
	diff := new(big.Int).Sub(actual, expected)
	return diff.CmpAbs(ToleranceBaseUnits(chain.Decimals())) <= 0
}
