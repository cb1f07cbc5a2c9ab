// Package amount converts between decimal coin literals and exact satoshi
// amounts. Values never pass through float64.
package amount

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Satoshi is the smallest representable unit.
const Satoshi = btcutil.Amount(1)

// Parse converts a decimal literal such as "0.00012" or "-1.5" into an exact
// amount. Literals with more than eight fractional digits, or beyond the
// total coin supply, are rejected.
func Parse(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", s)
	}

	return FromDecimal(d)
}

// FromDecimal converts a coin-denominated decimal into satoshis.
func FromDecimal(d decimal.Decimal) (btcutil.Amount, error) {
	sat := d.Shift(8)
	if !sat.IsInteger() {
		return 0, errors.Errorf("amount %s has sub-satoshi precision", d.String())
	}

	if sat.Abs().GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {
		return 0, errors.Errorf("amount %s out of range", d.String())
	}

	return btcutil.Amount(sat.IntPart()), nil
}

// Decimal returns the coin-denominated decimal for a.
func Decimal(a btcutil.Amount) decimal.Decimal {
	return decimal.New(int64(a), -8)
}

// Format renders a without a unit suffix, e.g. "0.6".
func Format(a btcutil.Amount) string {
	return Decimal(a).String()
}
