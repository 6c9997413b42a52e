package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/models"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
)

func main() {
	currencyFlag := flag.String("currency", "", "Optional: repair only one currency (e.g. USD). If empty, repairs all currencies.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	// Redis is optional here; the repair runs entirely under DB row locks.
	config.ConnectRedisWithRetry()

	models.MigrateTable()

	ctx = utils.SetUserNameInContext(ctx, "RepairBalances")

	if c := strings.TrimSpace(*currencyFlag); c != "" {
		currency, err := models.ParseCurrencyType(c)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		n, err := models.RepairCurrencyBalances(ctx, currency)
		if err != nil {
			fmt.Fprintf(os.Stderr, "repair %s failed after %d rows: %v\n", currency, n, err)
			os.Exit(1)
		}
		fmt.Printf("Repaired %d rows for %s\n", n, currency)
		return
	}

	repaired, err := models.RepairAllBalances(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
		os.Exit(1)
	}
	for _, currency := range models.AllCurrencyTypes {
		fmt.Printf("%s: repaired %d rows\n", currency, repaired[currency])
	}
	fmt.Println("Repair complete")
}
