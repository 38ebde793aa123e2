package money

import (
	"fmt"
	"math/big"
)

// Amounts are int64 minor units; FX rates are fixed-point with RateScale.
// No floats in money paths.
const (
	RatePrecision = 8
	RateScale     = 100_000_000 // 10^8
)

// ApplyRate converts amount by a fixed-point rate, using int128 math so
// intermediate products cannot overflow. Rounds half up.
func ApplyRate(amount, rate int64) int64 {
	product := new(big.Int).Mul(big.NewInt(amount), big.NewInt(rate))

	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.DivMod(product, big.NewInt(RateScale), remainder)

	result := quotient.Int64()
	if remainder.Int64()*2 >= RateScale {
		result++
	}
	return result
}

// FormatMinor renders a minor-unit amount with a currency code, assuming
// two decimal places, for logs and human-readable reasons only.
func FormatMinor(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}
