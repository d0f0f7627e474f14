// Package term handles market symbol parsing, validation, and the maturity
// cadence of a currency's term structure.
package term

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// symbolRegex matches: {CURRENCY}-{maturity unix seconds}
// Example: FIL-1767225600
var symbolRegex = regexp.MustCompile(`^([A-Z]{2,10})-(\d{9,11})$`)

var (
	ErrInvalidSymbol   = errors.New("term: invalid market symbol format")
	ErrInvalidCurrency = errors.New("term: invalid currency code")
)

// Market identifies one (currency, maturity) order book.
type Market struct {
	Symbol   string `json:"symbol"`
	Currency string `json:"currency"`
	Maturity int64  `json:"maturity"`
}

// ParseSymbol parses and validates a market symbol string.
// Format: {CURRENCY}-{maturity unix seconds}
func ParseSymbol(symbol string) (*Market, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {CCY}-{maturity})", ErrInvalidSymbol, symbol)
	}

	maturity, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}

	return &Market{
		Symbol:   symbol,
		Currency: matches[1],
		Maturity: maturity,
	}, nil
}

// Symbol formats a (currency, maturity) pair as a market symbol.
func Symbol(currency string, maturity int64) string {
	return fmt.Sprintf("%s-%d", currency, maturity)
}

// ValidCurrency reports whether a currency code has the expected shape.
func ValidCurrency(currency string) bool {
	if len(currency) < 2 || len(currency) > 10 {
		return false
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Maturities returns count maturities spaced period apart starting one
// period after genesis, the standard quarterly cadence of the term
// structure.
func Maturities(genesis time.Time, period time.Duration, count int) []int64 {
	out := make([]int64, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, genesis.Add(time.Duration(i)*period).Unix())
	}
	return out
}

// NextMaturity returns the slot one period past the current furthest
// maturity, used when a rotation opens a new market.
func NextMaturity(furthest int64, period time.Duration) int64 {
	return furthest + int64(period/time.Second)
}
