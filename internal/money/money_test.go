package money_test

import (
	"testing"

	"TradeKernel/internal/money"
)

func TestApplyRate_Identity(t *testing.T) {
	if got := money.ApplyRate(123_456, money.RateScale); got != 123_456 {
		t.Errorf("identity rate changed the amount: %d", got)
	}
}

func TestApplyRate_RoundsHalfUp(t *testing.T) {
	// 3 * 0.5 = 1.5 -> 2
	if got := money.ApplyRate(3, money.RateScale/2); got != 2 {
		t.Errorf("got %d, want 2", got)
	}
	// 1 * 0.4 = 0.4 -> 0
	if got := money.ApplyRate(1, 40_000_000); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestApplyRate_LargeAmountsNoOverflow(t *testing.T) {
	// 10^15 minor units at a 0.92 rate overflows int64 in the intermediate
	// product; the result must still be exact.
	amount := int64(1_000_000_000_000_000)
	if got := money.ApplyRate(amount, 92_000_000); got != 920_000_000_000_000 {
		t.Errorf("got %d", got)
	}
}

func TestFormatMinor(t *testing.T) {
	if got := money.FormatMinor(250_075, "USD"); got != "2500.75 USD" {
		t.Errorf("got %q", got)
	}
	if got := money.FormatMinor(-305, "EUR"); got != "-3.05 EUR" {
		t.Errorf("got %q", got)
	}
}
