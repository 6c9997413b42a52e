package config

import (
	"os"
	"strings"
)

// IncludeZeroCurrenciesInStatement controls whether balance statements include
// currencies whose opening, movements and closing are all zero for the range.
// Some report consumers want the full zero-filled currency set.
//
// Set via env:
// - STATEMENT_INCLUDE_ZERO_CURRENCIES=true
func IncludeZeroCurrenciesInStatement() bool {
	return boolFromEnv("STATEMENT_INCLUDE_ZERO_CURRENCIES")
}

// BackfillStatementRows enables persisting synthesized daily balance rows when
// a statement query hits a range with missing rows, so later queries take the
// fast path.
//
// Set via env:
// - STATEMENT_BACKFILL_ROWS=true
func BackfillStatementRows() bool {
	return boolFromEnv("STATEMENT_BACKFILL_ROWS")
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
