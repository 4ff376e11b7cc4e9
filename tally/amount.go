package tally

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits of the ledger base unit.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// DefaultVoteCeiling is the largest weight one vote may carry: 2 whole units.
var DefaultVoteCeiling = Units(2)

// Units converts whole units to base units.
func Units(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), unit)
}

// ParseAmount converts a decimal string such as "2", "0.5" or ".25" into base
// units. Signs, exponents and more than Decimals fractional digits are
// rejected with ErrInvalidAmount. Zero parses successfully; positivity is a
// separate precondition.
func ParseAmount(raw string) (*big.Int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}
	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return out, nil
}

// FormatAmount renders base units as a decimal string without trailing
// fractional zeros.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))
	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", Decimals-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
