package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
	"bitbucket.org/mmdatafocus/moneychanger_backend/models"
	"bitbucket.org/mmdatafocus/moneychanger_backend/models/reports"
	"bitbucket.org/mmdatafocus/moneychanger_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("moneychanger-backend")

// RateLimiter implements simple fixed-window limiting backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type updateDepositRequest struct {
	CurrencyType string          `json:"currency_type" binding:"required"`
	Date         string          `json:"date" binding:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
}

func updateDepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateDepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		currency, err := models.ParseCurrencyType(req.CurrencyType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		day, err := utils.ParseDay(req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := models.RecordDeposit(c.Request.Context(), currency, day, req.Amount)
		if err != nil {
			var exceeds *models.DepositExceedsBalanceError
			if errors.As(err, &exceeds) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":     exceeds.Error(),
					"available": exceeds.Available.StringFixed(2),
				})
				return
			}
			if models.IsInvalidInput(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			config.LogError(config.GetLogger(), "server.go", "updateDepositHandler", "RecordDeposit", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"accepted_amount":     result.AcceptedAmount.StringFixed(2),
			"new_day_total":       result.NewDayTotal.StringFixed(2),
			"new_closing_balance": result.NewClosingBalance.StringFixed(2),
		})
	}
}

func listDepositsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		currencyParam := c.Query("currency")
		dateParam := c.Query("date")
		if currencyParam == "" || dateParam == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "currency and date are required"})
			return
		}
		currency, err := models.ParseCurrencyType(currencyParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		day, err := utils.ParseDay(dateParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		records, err := models.ListDepositRecords(c.Request.Context(), currency, day)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "listDepositsHandler", "ListDepositRecords", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func statementRange(c *gin.Context) (time.Time, time.Time, bool) {
	fromParam := c.Query("fromDate")
	toParam := c.Query("toDate")
	if fromParam == "" || toParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing date range"})
		return time.Time{}, time.Time{}, false
	}
	from, err := utils.ParseDay(fromParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return time.Time{}, time.Time{}, false
	}
	to, err := utils.ParseDay(toParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "toDate must not be before fromDate"})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func balanceStatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, ok := statementRange(c)
		if !ok {
			return
		}

		opts := models.StatementOptions{
			IncludeZeroCurrencies: config.IncludeZeroCurrenciesInStatement(),
			BackfillMissingRows:   config.BackfillStatementRows(),
		}
		if v := strings.TrimSpace(c.Query("includeZero")); v != "" {
			opts.IncludeZeroCurrencies = v == "1" || strings.EqualFold(v, "true")
		}

		rows, err := models.GetBalanceStatement(c.Request.Context(), from, to, opts)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "balanceStatementHandler", "GetBalanceStatement", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func balanceStatementExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, ok := statementRange(c)
		if !ok {
			return
		}

		filename := fmt.Sprintf("balance-statement_%s_%s.xlsx",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+filename)
		if err := reports.ExportBalanceStatement(c.Request.Context(), c.Writer, from, to); err != nil {
			config.LogError(config.GetLogger(), "server.go", "balanceStatementExportHandler", "ExportBalanceStatement", nil, err)
			c.Status(http.StatusInternalServerError)
		}
	}
}

func customerReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewCustomerReceipt
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		receipt, err := models.CreateCustomerReceipt(c.Request.Context(), &req)
		if err != nil {
			if models.IsInvalidInput(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			config.LogError(config.GetLogger(), "server.go", "customerReceiptHandler", "CreateCustomerReceipt", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func listCustomerReceiptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, ok := statementRange(c)
		if !ok {
			return
		}
		receipts, err := models.GetCustomerReceipts(c.Request.Context(), from, to)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "listCustomerReceiptsHandler", "GetCustomerReceipts", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, receipts)
	}
}

func repairBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "repair-balances")
		defer span.End()

		repaired, err := models.RepairAllBalances(ctx)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "repairBalancesHandler", "RepairAllBalances", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "repaired": repaired})
			return
		}
		c.JSON(http.StatusOK, gin.H{"repaired": repaired})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS
	// (comma-separated). In non-production, allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/balance-statement", balanceStatementHandler())
	r.GET("/balance-statement/export", balanceStatementExportHandler())
	r.GET("/balance-statement/deposits", listDepositsHandler())
	r.POST("/balance-statement/update-deposit", updateDepositHandler())
	r.POST("/customer-receipt", customerReceiptHandler())
	r.GET("/customer-receipts", listCustomerReceiptsHandler())
	// Ops tooling: ground-truth reconciliation of the whole chain.
	r.POST("/internal/ops/repair-balances", repairBalancesHandler())
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling on startup
	// (run as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that accumulated gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"correlationId": cid,
				"path":          c.Request.URL.Path,
			}).Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
