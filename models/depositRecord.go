package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DepositRecord is the append-only audit log of inventory withdrawals.
// date is the business day the withdrawal applies to; created_at is the true
// insertion timestamp and is used only for audit ordering/display.
// Records are never updated or deleted; corrections are handled outside the
// ledger engine.
type DepositRecord struct {
	ID           int             `gorm:"primary_key" json:"id"`
	CurrencyType CurrencyType    `gorm:"size:3;not null;index:idx_dr_currency_date,priority:1" json:"currency_type"`
	Date         time.Time       `gorm:"not null;index:idx_dr_currency_date,priority:2" json:"date"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CreatedBy    string          `gorm:"size:100" json:"created_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (r *DepositRecord) BeforeCreate(tx *gorm.DB) error {
	if name, ok := utils.GetUserNameFromContext(tx.Statement.Context); ok {
		r.CreatedBy = name
	}
	return nil
}

// sumDeposits totals the deposit audit rows for one (currency, day).
func sumDeposits(tx *gorm.DB, ctx context.Context, currency CurrencyType, day time.Time) (decimal.Decimal, error) {
	day = utils.ToDayDate(day)

	total := decimal.Zero
	if err := tx.WithContext(ctx).Model(&DepositRecord{}).
		Where("currency_type = ? AND date >= ? AND date < ?", currency, day, utils.NextDay(day)).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error; err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// SumDeposits totals deposit audit rows over the half-open instant range
// [from, to). The statement fallback passes [from, nextDay(to)).
func SumDeposits(ctx context.Context, currency CurrencyType, from, to time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&DepositRecord{}).
		Where("currency_type = ? AND date >= ? AND date < ?", currency, from, to).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error; err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// ListDepositRecords returns a day's audit rows, newest insertion first.
func ListDepositRecords(ctx context.Context, currency CurrencyType, day time.Time) ([]*DepositRecord, error) {
	day = utils.ToDayDate(day)

	var records []*DepositRecord
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("currency_type = ? AND date >= ? AND date < ?", currency, day, utils.NextDay(day)).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
