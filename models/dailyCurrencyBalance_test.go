package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestClosingFromComponents(t *testing.T) {
	got := ClosingFromComponents(d("100"), d("50"), d("20"), d("5"), d("10"), d("30"))
	if !got.Equal(d("125")) {
		t.Fatalf("closing = %s; want 125", got)
	}

	// Negative closings are representable; admissibility checks live in the
	// write path, not in the formula.
	got = ClosingFromComponents(d("0"), d("0"), d("0"), d("0"), d("0"), d("10"))
	if !got.Equal(d("-10")) {
		t.Fatalf("closing = %s; want -10", got)
	}
}

func TestPreDepositBalanceExcludesDeposits(t *testing.T) {
	row := DailyCurrencyBalance{
		CurrencyType:   CurrencyTypeUSD,
		Date:           time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		OpeningBalance: d("100"),
		Purchases:      d("50"),
		Deposits:       d("150"),
	}

	if got := row.PreDepositBalance(); !got.Equal(d("150")) {
		t.Fatalf("pre-deposit balance = %s; want 150", got)
	}

	row.RecalculateClosing()
	if !row.ClosingBalance.Equal(d("0")) {
		t.Fatalf("closing = %s; want 0", row.ClosingBalance)
	}

	// Depositing the full pre-deposit balance leaves nothing available.
	available := row.PreDepositBalance().Sub(row.Deposits)
	if !available.Equal(d("0")) {
		t.Fatalf("available = %s; want 0", available)
	}
	if d("1").LessThanOrEqual(available) {
		t.Fatal("a further deposit of 1 should be inadmissible")
	}
}

func TestRecalculateClosingIsIdempotent(t *testing.T) {
	row := DailyCurrencyBalance{
		OpeningBalance: d("30"),
		Purchases:      d("15"),
		ExchangeSell:   d("2.5"),
		Deposits:       d("7.5"),
	}
	row.RecalculateClosing()
	first := row.ClosingBalance
	row.RecalculateClosing()
	if !row.ClosingBalance.Equal(first) {
		t.Fatalf("second recalculation changed closing: %s -> %s", first, row.ClosingBalance)
	}
	if !first.Equal(d("35")) {
		t.Fatalf("closing = %s; want 35", first)
	}
}
