package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyCurrencyBalance is the authoritative daily projection of foreign
// currency inventory: one row per (currency_type, date).
//
// Chain invariants (must hold after every write):
// - opening_balance equals the closing_balance of the chronologically
//   previous existing row for the same currency (0 if none).
// - closing_balance equals the canonical formula below.
// - deposits equals the sum of deposit_records for the same (currency, day).
//
// exchange_buy / exchange_sell / sales have no recording path yet but
// participate in the formula so future postings slot in without migration.
type DailyCurrencyBalance struct {
	ID             int             `gorm:"primary_key" json:"id"`
	CurrencyType   CurrencyType    `gorm:"size:3;not null;uniqueIndex:idx_dcb_currency_date,priority:1" json:"currency_type"`
	Date           time.Time       `gorm:"not null;uniqueIndex:idx_dcb_currency_date,priority:2;index:idx_dcb_date" json:"date"`
	OpeningBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	Purchases      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchases"`
	ExchangeBuy    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"exchange_buy"`
	ExchangeSell   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"exchange_sell"`
	Sales          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales"`
	Deposits       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"deposits"`
	ClosingBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_balance"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ClosingFromComponents is the single source-of-truth balance formula.
// Every path that derives a closing balance must go through it.
func ClosingFromComponents(opening, purchases, exchangeBuy, exchangeSell, sales, deposits decimal.Decimal) decimal.Decimal {
	return opening.
		Add(purchases).
		Add(exchangeBuy).
		Sub(exchangeSell).
		Sub(sales).
		Sub(deposits)
}

// PreDepositBalance is the balance available on the day before deposits are
// applied. Deposit admissibility is always checked against this value.
func (b *DailyCurrencyBalance) PreDepositBalance() decimal.Decimal {
	return b.OpeningBalance.
		Add(b.Purchases).
		Add(b.ExchangeBuy).
		Sub(b.ExchangeSell).
		Sub(b.Sales)
}

// RecalculateClosing re-derives closing_balance from the stored components.
// Idempotent: repeated calls converge to the same value.
func (b *DailyCurrencyBalance) RecalculateClosing() {
	b.ClosingBalance = ClosingFromComponents(
		b.OpeningBalance, b.Purchases, b.ExchangeBuy, b.ExchangeSell, b.Sales, b.Deposits)
}
