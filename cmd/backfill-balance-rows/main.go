package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/models"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
)

func main() {
	currencyFlag := flag.String("currency", "", "Optional: backfill only one currency (e.g. USD). If empty, backfills all currencies.")
	from := flag.String("from", "", "Start date (YYYY-MM-DD). Required.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Defaults to today (UTC).")
	flag.Parse()

	if strings.TrimSpace(*from) == "" {
		fmt.Fprintln(os.Stderr, "-from is required (YYYY-MM-DD)")
		os.Exit(1)
	}
	fromDay, err := utils.ParseDay(strings.TrimSpace(*from))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	toDay := utils.ToDayDate(time.Now().UTC())
	if strings.TrimSpace(*to) != "" {
		toDay, err = utils.ParseDay(strings.TrimSpace(*to))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	if toDay.Before(fromDay) {
		fmt.Fprintln(os.Stderr, "-to must not be before -from")
		os.Exit(1)
	}

	currencies := models.AllCurrencyTypes
	if c := strings.TrimSpace(*currencyFlag); c != "" {
		currency, err := models.ParseCurrencyType(c)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		currencies = []models.CurrencyType{currency}
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	models.MigrateTable()

	ctx = utils.SetUserNameInContext(ctx, "BackfillBalanceRows")

	for _, currency := range currencies {
		fmt.Printf("Backfilling %s from %s to %s\n",
			currency, fromDay.Format("2006-01-02"), toDay.Format("2006-01-02"))
		if err := models.BackfillBalanceRows(ctx, currency, fromDay, toDay); err != nil {
			fmt.Fprintf(os.Stderr, "%s backfill failed: %v\n", currency, err)
			os.Exit(1)
		}
	}
	fmt.Println("Backfill complete")
}
