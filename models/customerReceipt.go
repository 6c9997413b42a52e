package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CustomerReceipt is a foreign currency purchase from a walk-in customer.
// The ledger engine only ever aggregates amount_fcy per currency per day;
// receipt rows themselves are immutable once recorded.
type CustomerReceipt struct {
	ID           int                        `gorm:"primary_key" json:"id"`
	SerialNumber string                     `gorm:"size:50;index" json:"serial_number"`
	CustomerName string                     `gorm:"size:255;not null" json:"customer_name"`
	NicPassport  string                     `gorm:"size:50" json:"nic_passport"`
	Source       string                     `gorm:"size:255" json:"source_of_foreign_currency"`
	Remarks      string                     `gorm:"size:255" json:"remarks"`
	ReceiptDate  time.Time                  `gorm:"not null;index" json:"receipt_date"`
	Currencies   []*CustomerReceiptCurrency `gorm:"foreignKey:CustomerReceiptId" json:"currencies"`
	CreatedAt    time.Time                  `gorm:"autoCreateTime" json:"created_at"`
}

type CustomerReceiptCurrency struct {
	ID                int             `gorm:"primary_key" json:"id"`
	CustomerReceiptId int             `gorm:"not null;index" json:"customer_receipt_id"`
	CurrencyType      CurrencyType    `gorm:"size:3;not null;index" json:"currency_type"`
	AmountFcy         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount_fcy"`
	Rate              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate"`
	AmountLkr         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_lkr"`
}

type NewCustomerReceiptCurrency struct {
	CurrencyType string          `json:"currency_type" binding:"required"`
	AmountFcy    decimal.Decimal `json:"amount_fcy" binding:"required"`
	Rate         decimal.Decimal `json:"rate"`
	AmountLkr    decimal.Decimal `json:"amount_lkr"`
}

type NewCustomerReceipt struct {
	SerialNumber string                       `json:"serial_number"`
	CustomerName string                       `json:"customer_name" binding:"required"`
	NicPassport  string                       `json:"nic_passport"`
	Source       string                       `json:"source_of_foreign_currency"`
	Remarks      string                       `json:"remarks"`
	ReceiptDate  string                       `json:"receipt_date" binding:"required"`
	Currencies   []NewCustomerReceiptCurrency `json:"currencies" binding:"required,min=1,dive"`
}

// sumPurchases totals recorded purchases (amount_fcy) for one currency over
// the half-open instant range [from, to). Callers working in whole days pass
// [day, nextDay); the half-open convention is fixed here so day boundaries
// are never double counted.
func sumPurchases(tx *gorm.DB, ctx context.Context, currency CurrencyType, from, to time.Time) (decimal.Decimal, error) {
	sql := `
SELECT
	COALESCE(SUM(crc.amount_fcy), 0)
FROM
	customer_receipt_currencies crc
	JOIN customer_receipts cr ON cr.id = crc.customer_receipt_id
WHERE
	crc.currency_type = ?
	AND cr.receipt_date >= ?
	AND cr.receipt_date < ?
`

	total := decimal.Zero
	if err := tx.WithContext(ctx).Raw(sql, currency, from, to).Scan(&total).Error; err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// SumPurchases is the read-only aggregation used by the statement fallback.
func SumPurchases(ctx context.Context, currency CurrencyType, from, to time.Time) (decimal.Decimal, error) {
	return sumPurchases(config.GetDB(), ctx, currency, from, to)
}

func (input *NewCustomerReceipt) validate() ([]CurrencyType, time.Time, error) {
	day, err := utils.ParseDay(input.ReceiptDate)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, input.ReceiptDate)
	}

	seen := make(map[CurrencyType]bool, len(input.Currencies))
	currencies := make([]CurrencyType, 0, len(input.Currencies))
	for _, line := range input.Currencies {
		currency, err := ParseCurrencyType(line.CurrencyType)
		if err != nil {
			return nil, time.Time{}, err
		}
		if !line.AmountFcy.IsPositive() {
			return nil, time.Time{}, ErrInvalidAmount
		}
		if seen[currency] {
			return nil, time.Time{}, fmt.Errorf("%w: %s", ErrDuplicateCurrencyLine, currency)
		}
		seen[currency] = true
		currencies = append(currencies, currency)
	}
	return currencies, day, nil
}

// CreateCustomerReceipt records a purchase receipt and brings the daily
// balance chain of every currency on it up to date, including forward
// propagation when the receipt is backdated.
func CreateCustomerReceipt(ctx context.Context, input *NewCustomerReceipt) (*CustomerReceipt, error) {
	currencies, day, err := input.validate()
	if err != nil {
		return nil, err
	}

	for _, currency := range currencies {
		release, lockErr := obtainCurrencyLock(ctx, currency)
		if lockErr == nil {
			defer release()
		}
	}

	receipt := CustomerReceipt{
		SerialNumber: input.SerialNumber,
		CustomerName: input.CustomerName,
		NicPassport:  input.NicPassport,
		Source:       input.Source,
		Remarks:      input.Remarks,
		ReceiptDate:  day,
	}
	for _, line := range input.Currencies {
		receipt.Currencies = append(receipt.Currencies, &CustomerReceiptCurrency{
			CurrencyType: CurrencyType(line.CurrencyType),
			AmountFcy:    line.AmountFcy,
			Rate:         line.Rate,
			AmountLkr:    line.AmountLkr,
		})
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&receipt).Error; err != nil {
			return err
		}
		// Same update-then-propagate protocol as deposits: the new purchase
		// changes the day's closing, so every later committed day shifts.
		for _, currency := range currencies {
			row, err := recomputeDayRow(tx, ctx, currency, day)
			if err != nil {
				return err
			}
			if err := propagateForward(tx, ctx, currency, day, row.ClosingBalance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	invalidateStatementCache()
	return &receipt, nil
}

// GetCustomerReceipts lists receipts whose receipt_date falls in [from, to],
// newest first, with currency lines preloaded.
func GetCustomerReceipts(ctx context.Context, from, to time.Time) ([]*CustomerReceipt, error) {
	from = utils.ToDayDate(from)
	toExclusive := utils.NextDay(to)

	var receipts []*CustomerReceipt
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Preload("Currencies").
		Where("receipt_date >= ? AND receipt_date < ?", from, toExclusive).
		Order("receipt_date DESC, id DESC").
		Find(&receipts).Error; err != nil {
		return nil, err
	}
	return receipts, nil
}
