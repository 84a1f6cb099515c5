package money

import (
	"fmt"
	"math"
)

// Amounts cross the billing boundary as integer cents. Floats only appear at
// the edges, so conversion must be exact for any value with two decimals.

func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func FromCents(cents int64) float64 {
	return float64(cents) / 100
}

func Format(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
