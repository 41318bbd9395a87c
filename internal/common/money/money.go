package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"paysettle/internal/common/errs"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	ARS Currency = "ARS"
)

// MaxFractionDigits is the precision every ledger amount must fit in.
const MaxFractionDigits = 2

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	ARS: {Code: ARS, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Valid reports whether c is a supported currency
func (c Currency) Valid() bool {
	_, ok := currencies[c]
	return ok
}

func (c Currency) minorUnits() int {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return MaxFractionDigits
}

// ValidateAmount checks that amount is strictly positive and has at most two
// fractional digits. decimal.Decimal cannot hold NaN or infinities, so a value
// that reached this point is already finite.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", errs.ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(MaxFractionDigits)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", errs.ErrInvalidAmount, amount, MaxFractionDigits)
	}
	return nil
}

// FromFloat converts a float amount, rejecting NaN and infinities before
// applying ValidateAmount.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v is not finite", errs.ErrInvalidAmount, f)
	}
	d := decimal.NewFromFloat(f)
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ParseAmount parses a decimal string such as "12.50" and validates it.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal number", errs.ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// FromMinor converts an amount in minor units (cents) to major units.
func FromMinor(amountMinor int64, currency Currency) decimal.Decimal {
	return decimal.New(amountMinor, -int32(currency.minorUnits()))
}

// ToMinor converts a major-unit amount to minor units, truncating any excess
// precision.
func ToMinor(amount decimal.Decimal, currency Currency) int64 {
	return amount.Shift(int32(currency.minorUnits())).IntPart()
}

// Format renders amount with the currency symbol, e.g. "$12.50".
func Format(amount decimal.Decimal, currency Currency) string {
	info, ok := currencies[currency]
	if !ok {
		return fmt.Sprintf("%s %s", amount.StringFixed(MaxFractionDigits), currency)
	}
	s := amount.StringFixed(int32(info.MinorUnits))
	if info.SymbolFirst {
		return info.Symbol + s
	}
	return s + info.Symbol
}
