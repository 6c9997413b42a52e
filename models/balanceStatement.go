package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CurrencyBalanceResponse is one statement line. All amounts are fixed-point
// strings with 2 fraction digits, ready for display.
type CurrencyBalanceResponse struct {
	CurrencyType   string `json:"currency_type"`
	OpeningBalance string `json:"opening_balance"`
	Purchases      string `json:"purchases"`
	ExchangeBuy    string `json:"exchange_buy"`
	ExchangeSell   string `json:"exchange_sell"`
	Sales          string `json:"sales"`
	Deposits       string `json:"deposits"`
	ClosingBalance string `json:"closing_balance"`
}

type StatementOptions struct {
	// IncludeZeroCurrencies keeps lines whose opening, movements and closing
	// are all zero. Default comes from config.IncludeZeroCurrenciesInStatement.
	IncludeZeroCurrencies bool
	// BackfillMissingRows persists synthesized day rows when the range has
	// gaps, so later statement queries take the fast path.
	BackfillMissingRows bool
}

type statementComponents struct {
	Opening      decimal.Decimal
	Purchases    decimal.Decimal
	ExchangeBuy  decimal.Decimal
	ExchangeSell decimal.Decimal
	Sales        decimal.Decimal
	Deposits     decimal.Decimal
	Closing      decimal.Decimal
}

func (c statementComponents) isZero() bool {
	return c.Opening.IsZero() &&
		c.Purchases.IsZero() &&
		c.ExchangeBuy.IsZero() &&
		c.ExchangeSell.IsZero() &&
		c.Sales.IsZero() &&
		c.Deposits.IsZero()
}

// GetBalanceStatement produces the balance statement for [fromDay, toDay]
// per currency.
//
// Fast path: when every day in the range has a committed row, the statement
// is read straight off the chain (first opening, last closing, summed
// components). Otherwise opening falls back to the closing of the most
// recent row before the range and movements are aggregated directly from the
// source transaction tables.
func GetBalanceStatement(ctx context.Context, fromDay, toDay time.Time, opts StatementOptions) ([]*CurrencyBalanceResponse, error) {
	fromDay = utils.ToDayDate(fromDay)
	toDay = utils.ToDayDate(toDay)
	if toDay.Before(fromDay) {
		return nil, errors.New("toDate must not be before fromDate")
	}

	var cacheKey string
	if statementCacheEnabled() {
		cacheKey = statementCacheKey(fromDay, toDay, opts)
		var cached []*CurrencyBalanceResponse
		if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok && cached != nil {
			return cached, nil
		}
	}

	db := config.GetDB()
	results := make([]*CurrencyBalanceResponse, 0, len(AllCurrencyTypes))
	for _, currency := range AllCurrencyTypes {
		components, err := statementForCurrency(db, ctx, currency, fromDay, toDay, opts)
		if err != nil {
			return nil, err
		}
		if components.isZero() && !opts.IncludeZeroCurrencies {
			continue
		}
		results = append(results, &CurrencyBalanceResponse{
			CurrencyType:   string(currency),
			OpeningBalance: components.Opening.StringFixed(2),
			Purchases:      components.Purchases.StringFixed(2),
			ExchangeBuy:    components.ExchangeBuy.StringFixed(2),
			ExchangeSell:   components.ExchangeSell.StringFixed(2),
			Sales:          components.Sales.StringFixed(2),
			Deposits:       components.Deposits.StringFixed(2),
			ClosingBalance: components.Closing.StringFixed(2),
		})
	}
	if cacheKey != "" {
		_ = config.SetRedisObject(cacheKey, results, statementCacheTTL())
	}
	return results, nil
}

func statementForCurrency(db *gorm.DB, ctx context.Context, currency CurrencyType, fromDay, toDay time.Time, opts StatementOptions) (statementComponents, error) {
	var agg struct {
		Cnt          int64
		Purchases    decimal.Decimal
		ExchangeBuy  decimal.Decimal
		ExchangeSell decimal.Decimal
		Sales        decimal.Decimal
		Deposits     decimal.Decimal
	}
	if err := db.WithContext(ctx).Model(&DailyCurrencyBalance{}).
		Where("currency_type = ? AND date >= ? AND date < ?", currency, fromDay, utils.NextDay(toDay)).
		Select(`COUNT(*) AS cnt,
			COALESCE(SUM(purchases), 0) AS purchases,
			COALESCE(SUM(exchange_buy), 0) AS exchange_buy,
			COALESCE(SUM(exchange_sell), 0) AS exchange_sell,
			COALESCE(SUM(sales), 0) AS sales,
			COALESCE(SUM(deposits), 0) AS deposits`).
		Scan(&agg).Error; err != nil {
		return statementComponents{}, err
	}

	if int(agg.Cnt) == utils.DaysInclusive(fromDay, toDay) {
		// Complete chain coverage: read the statement off the committed rows.
		var first, last DailyCurrencyBalance
		if err := db.WithContext(ctx).
			Where("currency_type = ? AND date = ?", currency, fromDay).
			Take(&first).Error; err != nil {
			return statementComponents{}, err
		}
		if err := db.WithContext(ctx).
			Where("currency_type = ? AND date = ?", currency, toDay).
			Take(&last).Error; err != nil {
			return statementComponents{}, err
		}
		return statementComponents{
			Opening:      first.OpeningBalance,
			Purchases:    agg.Purchases,
			ExchangeBuy:  agg.ExchangeBuy,
			ExchangeSell: agg.ExchangeSell,
			Sales:        agg.Sales,
			Deposits:     agg.Deposits,
			Closing:      last.ClosingBalance,
		}, nil
	}

	if opts.BackfillMissingRows {
		if err := backfillRange(db, ctx, currency, fromDay, toDay); err != nil {
			return statementComponents{}, err
		}
	}

	// Gap fallback: derive from source tables.
	var prev DailyCurrencyBalance
	opening := decimal.Zero
	err := db.WithContext(ctx).
		Where("currency_type = ? AND date < ?", currency, fromDay).
		Order("date DESC").
		Take(&prev).Error
	if err == nil {
		opening = prev.ClosingBalance
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return statementComponents{}, err
	}

	purchases, err := SumPurchases(ctx, currency, fromDay, utils.NextDay(toDay))
	if err != nil {
		return statementComponents{}, err
	}
	deposits, err := SumDeposits(ctx, currency, fromDay, utils.NextDay(toDay))
	if err != nil {
		return statementComponents{}, err
	}

	// Exchange and sales terms have no recording path yet; zero here until
	// their source tables exist.
	components := statementComponents{
		Opening:   opening,
		Purchases: purchases,
		Deposits:  deposits,
	}
	components.Closing = ClosingFromComponents(
		components.Opening, components.Purchases,
		components.ExchangeBuy, components.ExchangeSell,
		components.Sales, components.Deposits)
	return components, nil
}

// BackfillBalanceRows persists committed day rows for every day in
// [fromDay, toDay] for one currency. Exposed for the backfill CLI.
func BackfillBalanceRows(ctx context.Context, currency CurrencyType, fromDay, toDay time.Time) error {
	fromDay = utils.ToDayDate(fromDay)
	toDay = utils.ToDayDate(toDay)
	if toDay.Before(fromDay) {
		return errors.New("toDate must not be before fromDate")
	}
	if err := backfillRange(config.GetDB(), ctx, currency, fromDay, toDay); err != nil {
		return err
	}
	invalidateStatementCache()
	return nil
}

// backfillRange persists day rows for every day in [fromDay, toDay] using the
// same synthesis as the recompute engine, so future statement queries hit the
// fast path. Runs as one transaction per currency.
func backfillRange(db *gorm.DB, ctx context.Context, currency CurrencyType, fromDay, toDay time.Time) error {
	release, lockErr := obtainCurrencyLock(ctx, currency)
	if lockErr == nil {
		defer release()
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for day := fromDay; !day.After(toDay); day = utils.NextDay(day) {
			if _, err := recomputeDayRow(tx, ctx, currency, day); err != nil {
				return err
			}
		}
		// The last backfilled day may have changed; keep any later committed
		// rows consistent with it.
		last, err := loadDayRow(tx, ctx, currency, toDay)
		if err != nil {
			return err
		}
		if last == nil {
			return nil
		}
		return propagateForward(tx, ctx, currency, toDay, last.ClosingBalance)
	})
}
