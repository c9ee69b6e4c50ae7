package client

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the number of fractional digits of one sBTC.
	Decimals = 8
	// Symbol is the currency suffix used when rendering prices.
	Symbol = "sBTC"
)

// FormatPrice renders an amount in the smallest unit as sBTC with all eight
// decimals, e.g. 5000000 -> "0.05000000 sBTC".
func FormatPrice(units uint64) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(units), -Decimals)
	return d.StringFixed(Decimals) + " " + Symbol
}

// ParsePrice converts an sBTC amount such as "0.05" or "0.05 sBTC" to the
// smallest unit. Amounts finer than one unit are rejected.
func ParsePrice(s string) (uint64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), Symbol))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount %q: negative", s)
	}
	units := d.Shift(Decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimals", s, Decimals)
	}
	b := units.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: too large", s)
	}
	return b.Uint64(), nil
}
