// README: Common money value object used across modules.
package types

import "math"

const DefaultCurrency = "BRL"

// Money holds an amount in cents; prices carry exactly two fractional digits.
type Money struct {
	Amount   int64
	Currency string
}

// MoneyFromFloat converts a decimal amount (e.g. 1800.5) into cents, rounding half away from zero.
func MoneyFromFloat(v float64, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: int64(math.Round(v * 100)), Currency: currency}
}

// Float returns the decimal amount.
func (m Money) Float() float64 {
	return float64(m.Amount) / 100
}

func (m Money) IsPositive() bool {
	return m.Amount > 0
}
