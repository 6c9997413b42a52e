package models

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
)

const statementCacheEpochKey = "statement:cache:epoch"

func statementCacheEnabled() bool {
	v := strings.TrimSpace(os.Getenv("ENABLE_STATEMENT_CACHE"))
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
}

func statementCacheTTL() time.Duration {
	// Env: STATEMENT_CACHE_TTL_SECONDS (default 120s)
	ttl := 120
	if v := strings.TrimSpace(os.Getenv("STATEMENT_CACHE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttl = n
		}
	}
	return time.Duration(ttl) * time.Second
}

// statementCacheEpoch returns the current cache generation, minting one when
// absent. Every cached statement is keyed by epoch, so dropping the epoch key
// orphans all cached entries at once; orphans age out via their TTL.
func statementCacheEpoch() int64 {
	var epoch int64
	if ok, err := config.GetRedisObject(statementCacheEpochKey, &epoch); err == nil && ok && epoch != 0 {
		return epoch
	}
	epoch = time.Now().UnixNano()
	_ = config.SetRedisObject(statementCacheEpochKey, epoch, 0)
	return epoch
}

func statementCacheKey(fromDay, toDay time.Time, opts StatementOptions) string {
	return fmt.Sprintf("report:balance_statement:%d:%s:%s:%t:%t",
		statementCacheEpoch(),
		fromDay.Format("2006-01-02"), toDay.Format("2006-01-02"),
		opts.IncludeZeroCurrencies, opts.BackfillMissingRows)
}

// invalidateStatementCache is called after any committed balance write.
func invalidateStatementCache() {
	_ = config.RemoveRedisKey(statementCacheEpochKey)
}
