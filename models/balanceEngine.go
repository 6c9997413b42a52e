package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxPropagationDays bounds the forward walk. The chain normally has at most
// a few future rows; hitting the cap means the data is pathological and the
// write is aborted with a diagnosable error instead of grinding on.
const maxPropagationDays = 3700

var (
	ErrInvalidAmount         = errors.New("amount must be a positive number")
	ErrInvalidCurrency       = errors.New("invalid currency type")
	ErrInvalidDate           = errors.New("invalid date, expected YYYY-MM-DD")
	ErrDuplicateCurrencyLine = errors.New("duplicate currency line on receipt")
)

// IsInvalidInput reports whether err is a request-input validation failure,
// as opposed to a storage failure. Handlers map these to 400 responses.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrDuplicateCurrencyLine)
}

// DepositExceedsBalanceError rejects a withdrawal that would push the day's
// closing balance negative. Available is pre-deposit balance minus deposits
// already posted for the day, so callers can surface it to the teller.
type DepositExceedsBalanceError struct {
	Available decimal.Decimal
}

func (e *DepositExceedsBalanceError) Error() string {
	return fmt.Sprintf("deposit amount cannot exceed today's available balance (available %s)", e.Available.StringFixed(2))
}

// DepositResult reports the committed state after a successful deposit.
type DepositResult struct {
	AcceptedAmount    decimal.Decimal `json:"accepted_amount"`
	NewDayTotal       decimal.Decimal `json:"new_day_total"`
	NewClosingBalance decimal.Decimal `json:"new_closing_balance"`
}

// obtainCurrencyLock takes a best-effort per-currency redis lock. The real
// serialization guarantee comes from the DB transaction + row locks; the
// redis lock only keeps concurrent writers from piling up on the same rows.
// If redis is down or the lock is contended we log and continue.
func obtainCurrencyLock(ctx context.Context, currency CurrencyType) (func(), error) {
	logger := config.GetLogger()
	redisLock := config.GetRedisLock()
	if redisLock == nil {
		logger.WithFields(logrus.Fields{
			"field":    "obtainCurrencyLock",
			"currency": currency,
		}).Warn("redis lock not ready; proceeding without redis lock")
		return func() {}, redislock.ErrNotObtained
	}

	lock, err := redisLock.Obtain(ctx, fmt.Sprintf("lock:balance:%s", currency), 30*time.Second,
		&redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50)})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field":    "obtainCurrencyLock",
			"currency": currency,
		}).Warn("could not obtain redis lock; proceeding without redis lock: " + err.Error())
		return func() {}, err
	}
	return func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil && releaseErr != redislock.ErrLockNotHeld {
			logger.WithFields(logrus.Fields{
				"field":    "obtainCurrencyLock",
				"currency": currency,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}, nil
}

// loadDayRow fetches the (currency, day) row FOR UPDATE within tx.
// Returns nil when no row exists.
func loadDayRow(tx *gorm.DB, ctx context.Context, currency CurrencyType, day time.Time) (*DailyCurrencyBalance, error) {
	var row DailyCurrencyBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("currency_type = ? AND date = ?", currency, day).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// previousClosing returns the closing balance of the most recent existing row
// strictly before day (0 if the currency has no earlier history).
func previousClosing(tx *gorm.DB, ctx context.Context, currency CurrencyType, day time.Time) (decimal.Decimal, error) {
	var prev DailyCurrencyBalance
	err := tx.WithContext(ctx).
		Where("currency_type = ? AND date < ?", currency, day).
		Order("date DESC").
		Take(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return prev.ClosingBalance, nil
}

// recomputeDayRow is the canonical per-day recompute shared by every write
// path and the repair pass. It synthesizes the row if missing, re-derives
// opening from the previous day's closing, re-aggregates purchases and
// deposits from their source tables, applies the canonical formula and
// persists the result.
//
// Purchases are deliberately re-aggregated rather than trusted from the
// stored row: incremental updates drift once two code paths disagree, and a
// fresh SUM over an indexed day range is cheap.
func recomputeDayRow(tx *gorm.DB, ctx context.Context, currency CurrencyType, day time.Time) (*DailyCurrencyBalance, error) {
	day = utils.ToDayDate(day)

	row, err := loadDayRow(tx, ctx, currency, day)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &DailyCurrencyBalance{CurrencyType: currency, Date: day}
	}

	opening, err := previousClosing(tx, ctx, currency, day)
	if err != nil {
		return nil, err
	}
	purchases, err := sumPurchases(tx, ctx, currency, day, utils.NextDay(day))
	if err != nil {
		return nil, err
	}
	deposits, err := sumDeposits(tx, ctx, currency, day)
	if err != nil {
		return nil, err
	}

	row.OpeningBalance = opening
	row.Purchases = purchases
	row.Deposits = deposits
	row.RecalculateClosing()

	if err := tx.WithContext(ctx).Save(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// propagateForward walks the chain from day onwards: each existing next-day
// row gets its opening replaced by the previous day's new closing, and its
// closing recomputed from its own stored components (no re-aggregation during
// the walk). The walk stops at the first missing row; rows beyond a calendar
// gap are synthesized lazily elsewhere, never eagerly here.
func propagateForward(tx *gorm.DB, ctx context.Context, currency CurrencyType, day time.Time, closing decimal.Decimal) error {
	cursor := utils.ToDayDate(day)

	for i := 0; ; i++ {
		if i >= maxPropagationDays {
			return fmt.Errorf("balance propagation for %s exceeded %d days starting %s; aborting",
				currency, maxPropagationDays, day.Format("2006-01-02"))
		}

		next := utils.NextDay(cursor)
		row, err := loadDayRow(tx, ctx, currency, next)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}

		row.OpeningBalance = closing
		row.RecalculateClosing()
		if err := tx.WithContext(ctx).Save(row).Error; err != nil {
			return err
		}

		cursor = next
		closing = row.ClosingBalance
	}
}

// RecordDeposit applies a withdrawal of currency inventory to a business day.
//
// Protocol (single transaction, serialized per currency):
//  1. load or synthesize the day row with fresh components
//  2. check admissibility against the pre-deposit balance
//  3. append the audit record, re-sum deposits, recompute closing, upsert
//  4. propagate the new closing forward through later committed days
//
// A rejected deposit persists nothing.
func RecordDeposit(ctx context.Context, currency CurrencyType, day time.Time, amount decimal.Decimal) (*DepositResult, error) {
	if !currency.IsValid() {
		return nil, ErrInvalidCurrency
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	day = utils.ToDayDate(day)

	release, lockErr := obtainCurrencyLock(ctx, currency)
	if lockErr == nil {
		defer release()
	}

	var result *DepositResult
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadDayRow(tx, ctx, currency, day)
		if err != nil {
			return err
		}
		if row == nil {
			row = &DailyCurrencyBalance{CurrencyType: currency, Date: day}
		}

		opening, err := previousClosing(tx, ctx, currency, day)
		if err != nil {
			return err
		}
		purchases, err := sumPurchases(tx, ctx, currency, day, utils.NextDay(day))
		if err != nil {
			return err
		}
		existingDeposits, err := sumDeposits(tx, ctx, currency, day)
		if err != nil {
			return err
		}

		row.OpeningBalance = opening
		row.Purchases = purchases

		available := row.PreDepositBalance().Sub(existingDeposits)
		if amount.GreaterThan(available) {
			return &DepositExceedsBalanceError{Available: available}
		}

		record := DepositRecord{
			CurrencyType: currency,
			Date:         day,
			Amount:       amount,
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}

		// Re-sum rather than add: the audit table is the source of truth for
		// the day's deposit total.
		deposits, err := sumDeposits(tx, ctx, currency, day)
		if err != nil {
			return err
		}
		row.Deposits = deposits
		row.RecalculateClosing()
		if err := tx.WithContext(ctx).Save(row).Error; err != nil {
			return err
		}

		if err := propagateForward(tx, ctx, currency, day, row.ClosingBalance); err != nil {
			return err
		}

		result = &DepositResult{
			AcceptedAmount:    amount,
			NewDayTotal:       deposits,
			NewClosingBalance: row.ClosingBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	invalidateStatementCache()
	return result, nil
}

// RepairCurrencyBalances rebuilds one currency's chain from its first row
// forward, re-deriving every component from the source tables and the
// canonical formula. Idempotent: a second run is a no-op.
func RepairCurrencyBalances(ctx context.Context, currency CurrencyType) (int, error) {
	if !currency.IsValid() {
		return 0, ErrInvalidCurrency
	}

	release, lockErr := obtainCurrencyLock(ctx, currency)
	if lockErr == nil {
		defer release()
	}

	repaired := 0
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []*DailyCurrencyBalance
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("currency_type = ?", currency).
			Order("date ASC").
			Find(&rows).Error; err != nil {
			return err
		}

		runningClosing := decimal.Zero
		for i, row := range rows {
			day := utils.ToDayDate(row.Date)

			purchases, err := sumPurchases(tx, ctx, currency, day, utils.NextDay(day))
			if err != nil {
				return err
			}
			deposits, err := sumDeposits(tx, ctx, currency, day)
			if err != nil {
				return err
			}

			if i == 0 {
				row.OpeningBalance = decimal.Zero
			} else {
				row.OpeningBalance = runningClosing
			}
			row.Purchases = purchases
			row.Deposits = deposits
			row.RecalculateClosing()

			if err := tx.WithContext(ctx).Save(row).Error; err != nil {
				return err
			}
			runningClosing = row.ClosingBalance
			repaired++
		}
		return nil
	})
	if err != nil {
		return repaired, err
	}
	if repaired > 0 {
		invalidateStatementCache()
	}
	return repaired, nil
}

// RepairAllBalances runs the repair pass for every currency. This is the
// ground-truth reconciliation procedure; its output must match what the
// per-transaction engine would have produced.
func RepairAllBalances(ctx context.Context) (map[CurrencyType]int, error) {
	repaired := make(map[CurrencyType]int, len(AllCurrencyTypes))
	for _, currency := range AllCurrencyTypes {
		n, err := RepairCurrencyBalances(ctx, currency)
		if err != nil {
			return repaired, fmt.Errorf("repair %s: %w", currency, err)
		}
		repaired[currency] = n
	}
	return repaired, nil
}
