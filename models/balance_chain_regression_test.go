package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/models"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
	"github.com/shopspring/decimal"
)

// End-to-end exercise of the daily balance chain against real MySQL + Redis:
// purchase receipts, deposit admissibility, backdated writes with forward
// propagation, the repair pass and the statement reporter.
func TestBalanceChainRegression(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "moneychanger_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	ctx = utils.SetUserNameInContext(ctx, "Test")

	day1 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	day2 := utils.NextDay(day1)
	day3 := utils.NextDay(day2)

	// 1) Purchase 100 USD on day1, 50 USD more on day1 via a second receipt.
	mustReceipt(t, ctx, "R-0001", "2026-04-01", "USD", "100")
	mustReceipt(t, ctx, "R-0002", "2026-04-01", "USD", "50")

	row1 := mustDayRow(t, ctx, models.CurrencyTypeUSD, day1)
	assertEq(t, "day1 opening", row1.OpeningBalance, "0")
	assertEq(t, "day1 purchases", row1.Purchases, "150")
	assertEq(t, "day1 closing", row1.ClosingBalance, "150")

	// 2) Purchase 30 USD on day2; opening must carry over day1's closing.
	mustReceipt(t, ctx, "R-0003", "2026-04-02", "USD", "30")
	row2 := mustDayRow(t, ctx, models.CurrencyTypeUSD, day2)
	assertEq(t, "day2 opening", row2.OpeningBalance, "150")
	assertEq(t, "day2 closing", row2.ClosingBalance, "180")

	// 3) Deposit the full day1 balance; day2 must shift down.
	result, err := models.RecordDeposit(ctx, models.CurrencyTypeUSD, day1, decimal.NewFromInt(150))
	if err != nil {
		t.Fatalf("RecordDeposit(150): %v", err)
	}
	assertEq(t, "deposit accepted", result.AcceptedAmount, "150")
	assertEq(t, "deposit day total", result.NewDayTotal, "150")
	assertEq(t, "deposit new closing", result.NewClosingBalance, "0")

	row2 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day2)
	assertEq(t, "day2 opening after deposit", row2.OpeningBalance, "0")
	assertEq(t, "day2 closing after deposit", row2.ClosingBalance, "30")

	// 4) A further deposit of 1 on day1 must be rejected with available=0 and
	// must not leave any trace in the audit table or the chain.
	_, err = models.RecordDeposit(ctx, models.CurrencyTypeUSD, day1, decimal.NewFromInt(1))
	var exceeds *models.DepositExceedsBalanceError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected DepositExceedsBalanceError; got %v", err)
	}
	assertEq(t, "rejected deposit available", exceeds.Available, "0")

	records, err := models.ListDepositRecords(ctx, models.CurrencyTypeUSD, day1)
	if err != nil {
		t.Fatalf("ListDepositRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record after rejection; got %d", len(records))
	}
	row1 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day1)
	assertEq(t, "day1 deposits after rejection", row1.Deposits, "150")
	assertEq(t, "day1 closing after rejection", row1.ClosingBalance, "0")

	// 5) Backdated purchase on day1 after day2 exists: propagation must lift
	// every later committed day.
	mustReceipt(t, ctx, "R-0004", "2026-04-01", "USD", "20")
	row1 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day1)
	assertEq(t, "day1 closing after backdated purchase", row1.ClosingBalance, "20")
	row2 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day2)
	assertEq(t, "day2 opening after backdated purchase", row2.OpeningBalance, "20")
	assertEq(t, "day2 closing after backdated purchase", row2.ClosingBalance, "50")

	// 6) Propagation stops at gaps: write day3 only later, leaving no day
	// between day2 and day3 missing, then a write on day4 past a real gap.
	mustReceipt(t, ctx, "R-0005", "2026-04-03", "USD", "5")
	row3 := mustDayRow(t, ctx, models.CurrencyTypeUSD, day3)
	assertEq(t, "day3 opening", row3.OpeningBalance, "50")
	assertEq(t, "day3 closing", row3.ClosingBalance, "55")

	day6 := day1.AddDate(0, 0, 5)
	mustReceipt(t, ctx, "R-0006", "2026-04-06", "USD", "10")
	row6 := mustDayRow(t, ctx, models.CurrencyTypeUSD, day6)
	// Opening still bridges the gap via previousClosing at write time.
	assertEq(t, "day6 opening across gap", row6.OpeningBalance, "55")
	assertEq(t, "day6 closing", row6.ClosingBalance, "65")

	// A backdated purchase on day3 must update day3 but stop at the gap; the
	// repair pass is the tool that reconciles across gaps.
	mustReceipt(t, ctx, "R-0007", "2026-04-03", "USD", "100")
	row3 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day3)
	assertEq(t, "day3 closing after second purchase", row3.ClosingBalance, "155")
	row6 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day6)
	assertEq(t, "day6 opening unchanged across gap", row6.OpeningBalance, "55")

	// 7) Repair pass: rebuild the chain from source tables; day6 picks up the
	// drifted opening. A second run must change nothing.
	repaired, err := models.RepairCurrencyBalances(ctx, models.CurrencyTypeUSD)
	if err != nil {
		t.Fatalf("RepairCurrencyBalances: %v", err)
	}
	if repaired != 4 {
		t.Fatalf("repaired = %d; want 4 rows", repaired)
	}
	row6 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day6)
	assertEq(t, "day6 opening after repair", row6.OpeningBalance, "155")
	assertEq(t, "day6 closing after repair", row6.ClosingBalance, "165")

	before := chainSnapshot(t, ctx, models.CurrencyTypeUSD)
	if _, err := models.RepairCurrencyBalances(ctx, models.CurrencyTypeUSD); err != nil {
		t.Fatalf("second repair: %v", err)
	}
	after := chainSnapshot(t, ctx, models.CurrencyTypeUSD)
	if before != after {
		t.Fatalf("repair is not idempotent:\nbefore: %s\nafter:  %s", before, after)
	}

	// 8) Statement over the full range must agree with the chain.
	rows, err := models.GetBalanceStatement(ctx, day1, day6, models.StatementOptions{})
	if err != nil {
		t.Fatalf("GetBalanceStatement: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only USD in the statement; got %d lines", len(rows))
	}
	usd := rows[0]
	if usd.CurrencyType != "USD" {
		t.Fatalf("statement currency = %s; want USD", usd.CurrencyType)
	}
	if usd.OpeningBalance != "0.00" {
		t.Fatalf("statement opening = %s; want 0.00", usd.OpeningBalance)
	}
	if usd.Purchases != "315.00" {
		t.Fatalf("statement purchases = %s; want 315.00", usd.Purchases)
	}
	if usd.Deposits != "150.00" {
		t.Fatalf("statement deposits = %s; want 150.00", usd.Deposits)
	}
	if usd.ClosingBalance != "165.00" {
		t.Fatalf("statement closing = %s; want 165.00", usd.ClosingBalance)
	}

	// Zero currencies appear when explicitly requested.
	rows, err = models.GetBalanceStatement(ctx, day1, day6, models.StatementOptions{IncludeZeroCurrencies: true})
	if err != nil {
		t.Fatalf("GetBalanceStatement(includeZero): %v", err)
	}
	if len(rows) != len(models.AllCurrencyTypes) {
		t.Fatalf("expected %d lines; got %d", len(models.AllCurrencyTypes), len(rows))
	}

	// 9) Multi-currency receipts keep chains independent.
	mustMultiReceipt(t, ctx, "R-0008", "2026-04-02", map[string]string{"EUR": "40", "GBP": "25"})
	rowEUR := mustDayRow(t, ctx, models.CurrencyTypeEUR, day2)
	assertEq(t, "EUR opening", rowEUR.OpeningBalance, "0")
	assertEq(t, "EUR closing", rowEUR.ClosingBalance, "40")
	row2 = mustDayRow(t, ctx, models.CurrencyTypeUSD, day2)
	assertEq(t, "USD day2 untouched by EUR receipt", row2.ClosingBalance, "50")

	// 10) Statement cache: a cached response must be served until a balance
	// write drops it, and the next read must see the committed numbers.
	t.Setenv("ENABLE_STATEMENT_CACHE", "true")
	first, err := models.GetBalanceStatement(ctx, day1, day6, models.StatementOptions{})
	if err != nil {
		t.Fatalf("GetBalanceStatement(warm): %v", err)
	}
	cached, err := models.GetBalanceStatement(ctx, day1, day6, models.StatementOptions{})
	if err != nil {
		t.Fatalf("GetBalanceStatement(cached): %v", err)
	}
	if statementLine(t, cached, "USD").ClosingBalance != statementLine(t, first, "USD").ClosingBalance {
		t.Fatal("cached statement differs from the first read")
	}

	if _, err := models.RecordDeposit(ctx, models.CurrencyTypeUSD, day6, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("RecordDeposit(cache invalidation): %v", err)
	}
	fresh, err := models.GetBalanceStatement(ctx, day1, day6, models.StatementOptions{})
	if err != nil {
		t.Fatalf("GetBalanceStatement(after write): %v", err)
	}
	usdFresh := statementLine(t, fresh, "USD")
	if usdFresh.Deposits != "155.00" {
		t.Fatalf("deposits after invalidation = %s; want 155.00", usdFresh.Deposits)
	}
	if usdFresh.ClosingBalance != "160.00" {
		t.Fatalf("closing after invalidation = %s; want 160.00", usdFresh.ClosingBalance)
	}
}

func statementLine(t *testing.T, rows []*models.CurrencyBalanceResponse, currency string) *models.CurrencyBalanceResponse {
	t.Helper()
	for _, row := range rows {
		if row.CurrencyType == currency {
			return row
		}
	}
	t.Fatalf("no %s line in statement", currency)
	return nil
}

func mustReceipt(t *testing.T, ctx context.Context, serial, date, currency, amount string) {
	t.Helper()
	mustMultiReceipt(t, ctx, serial, date, map[string]string{currency: amount})
}

func mustMultiReceipt(t *testing.T, ctx context.Context, serial, date string, lines map[string]string) {
	t.Helper()
	input := &models.NewCustomerReceipt{
		SerialNumber: serial,
		CustomerName: "Walk-in",
		ReceiptDate:  date,
	}
	for currency, amount := range lines {
		v, err := decimal.NewFromString(amount)
		if err != nil {
			t.Fatalf("bad amount %q: %v", amount, err)
		}
		input.Currencies = append(input.Currencies, models.NewCustomerReceiptCurrency{
			CurrencyType: currency,
			AmountFcy:    v,
		})
	}
	if _, err := models.CreateCustomerReceipt(ctx, input); err != nil {
		t.Fatalf("CreateCustomerReceipt(%s): %v", serial, err)
	}
}

func mustDayRow(t *testing.T, ctx context.Context, currency models.CurrencyType, day time.Time) *models.DailyCurrencyBalance {
	t.Helper()
	var row models.DailyCurrencyBalance
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("currency_type = ? AND date = ?", currency, day).
		Take(&row).Error; err != nil {
		t.Fatalf("load day row %s %s: %v", currency, day.Format("2006-01-02"), err)
	}
	return &row
}

func chainSnapshot(t *testing.T, ctx context.Context, currency models.CurrencyType) string {
	t.Helper()
	var rows []*models.DailyCurrencyBalance
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("currency_type = ?", currency).
		Order("date ASC").
		Find(&rows).Error; err != nil {
		t.Fatalf("chain snapshot: %v", err)
	}
	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "%s o=%s p=%s d=%s c=%s;",
			r.Date.Format("2006-01-02"),
			r.OpeningBalance.StringFixed(4), r.Purchases.StringFixed(4),
			r.Deposits.StringFixed(4), r.ClosingBalance.StringFixed(4))
	}
	return sb.String()
}

func assertEq(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	w, err := decimal.NewFromString(want)
	if err != nil {
		t.Fatalf("bad want %q: %v", want, err)
	}
	if !got.Equal(w) {
		t.Fatalf("%s = %s; want %s", what, got.StringFixed(4), want)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("moneychanger-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("moneychanger-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=moneychanger_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
