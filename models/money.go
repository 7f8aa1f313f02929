package models

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AmountPrecision is the number of fractional digits kept for every stored amount.
const AmountPrecision = 6

// RoundAmount rounds d to AmountPrecision fractional digits.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPrecision)
}

// ParseAmount parses a strictly positive monetary value such as "100" or "0.25".
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "amount %q must be positive", s)
	}
	return d, nil
}

// ParseDelta parses a signed, non-zero balance adjustment such as "-5".
func ParseDelta(s string) (decimal.Decimal, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsZero() {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "delta %q must not be zero", s)
	}
	return d, nil
}

// CheckPositive rejects non-positive amounts before they reach storage.
func CheckPositive(amount decimal.Decimal) error {
	if !RoundAmount(amount).IsPositive() {
		return errors.Wrapf(ErrInvalidAmount, "amount %s must be positive", amount)
	}
	return nil
}

// parseDecimal accepts a comma as decimal separator, since users type both.
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return decimal.Zero, errors.Wrap(ErrInvalidAmount, "empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "malformed amount %q", s)
	}
	return RoundAmount(d), nil
}
