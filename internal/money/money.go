// Package money provides parsing and formatting for stable-currency amounts.
//
// The platform settles in a 6-decimal stablecoin. All amounts are carried
// as big.Int in the smallest unit (1 unit = 1,000,000 sub-units) and cross
// API boundaries as decimal strings like "1.50".
package money

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: negative amounts not allowed")
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000).
//
// Rules:
//   - Empty string is rejected
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return nil, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegativeAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// ParsePositive is Parse plus a strictly-positive check. Order prices and
// transfer amounts must be positive.
func ParsePositive(s string) (*big.Int, error) {
	amount, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return amount, nil
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}
