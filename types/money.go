// Package types provides the value types shared by billing records.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrAmountOverflow is returned when a charge computation exceeds int64.
var ErrAmountOverflow = errors.New("money: amount overflow")

// Money is an amount in the smallest currency unit plus an ISO 4217 code.
// Arithmetic is integer-only.
//
//   - USD(300) is $3.00
//   - EUR(1200) is €12.00
type Money struct {
	Amount   int64  `json:"amount"`   // minor units
	Currency string `json:"currency"` // lowercase ISO 4217
}

// New returns Money with a normalized currency code.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// GBP creates a Money value in British Pounds (pence).
func GBP(pence int64) Money { return Money{Amount: pence, Currency: "gbp"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return New(0, currency) }

// Multiply multiplies the Money by a quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// Times is Multiply with overflow detection, used for unit-priced charges.
func (m Money) Times(qty int64) (Money, error) {
	if qty != 0 && m.Amount != 0 {
		if qty > math.MaxInt64/absInt(m.Amount) || qty < -math.MaxInt64/absInt(m.Amount) {
			return Money{}, fmt.Errorf("%w: %d x %d", ErrAmountOverflow, m.Amount, qty)
		}
	}
	return m.Multiply(qty), nil
}

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Equal reports whether amount and currency both match.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// formatMajor renders the amount in major units without a symbol:
// "49.00" for USD(4900), "100" for zero-decimal currencies.
func (m Money) formatMajor() string {
	decimals := currencyDecimals(m.Currency)
	if decimals == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}

	divisor := int64(1)
	for i := 0; i < decimals; i++ {
		divisor *= 10
	}

	sign := ""
	abs := m.Amount
	if abs < 0 {
		sign = "-"
		abs = -abs
	}

	return fmt.Sprintf("%s%d.%0*d", sign, abs/divisor, decimals, abs%divisor)
}

// String returns a display string such as "$3.00".
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.formatMajor()
}

// MarshalJSON adds a display field next to amount and currency.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON ignores the display field.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Currency)
	return nil
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

var symbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
	"cad": "C$",
	"aud": "A$",
}

func currencySymbol(currency string) string {
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

var zeroDecimal = map[string]bool{"jpy": true, "krw": true, "vnd": true, "clp": true}

func currencyDecimals(currency string) int {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}
