package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/commerce/dualwrite/internal/config"
	"github.com/commerce/dualwrite/internal/coordinator"
	"github.com/commerce/dualwrite/internal/events"
	"github.com/commerce/dualwrite/internal/keylock"
	"github.com/commerce/dualwrite/internal/ledger"
	"github.com/commerce/dualwrite/internal/metrics"
	"github.com/commerce/dualwrite/internal/retry"
	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/internal/validator"
	"github.com/commerce/dualwrite/pkg/health"
	"github.com/commerce/dualwrite/pkg/logger"
	"github.com/commerce/dualwrite/pkg/snowflake"
	"github.com/commerce/dualwrite/pkg/tracing"
)

const (
	// 启动时回放的幂等窗口大小
	ledgerReplayWindow = 10000

	// 事件流裁剪
	streamMaxLen       = 100000
	streamTrimInterval = time.Hour

	maxBodyBytes int64 = 1 << 20
)

// 错误码，响应体中随 message 一起返回
const (
	codeInvalidRequest  = "INVALID_REQUEST"
	codeNotFound        = "NOT_FOUND"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeRepairDisabled  = "REPAIR_DISABLED"
	codeNotRepairable   = "NOT_REPAIRABLE"
	codeRequestTooLarge = "REQUEST_TOO_LARGE"
	codeInternal        = "INTERNAL"
)

type redisHealthClient struct {
	client *redis.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

func main() {
	cfg := config.Load()
	l := logger.New(cfg.ServiceName, os.Stdout)
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	if err := cfg.Validate(); err != nil {
		l.Error(fmt.Sprintf("Invalid config: %v", err))
		os.Exit(1)
	}

	registry, err := validator.ParseRegistry(cfg.Sync.ParityFields)
	if err != nil {
		l.Error(fmt.Sprintf("Invalid DUAL_WRITE_PARITY_FIELDS: %v", err))
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Tracing.JaegerEndpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		l.Error(fmt.Sprintf("Failed to init tracing: %v", err))
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		l.Error(fmt.Sprintf("Failed to init snowflake: %v", err))
		os.Exit(1)
	}

	// 两个库：新库承担主写与引擎自身的表，旧库只收同步写
	primaryDB := openDB(l, "new store", cfg.PrimaryDB)
	defer primaryDB.Close()
	secondaryDB := openDB(l, "legacy store", cfg.SecondaryDB)
	defer secondaryDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     200,
		MinIdleConns: 20,
	})
	defer redisClient.Close()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		l.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
		os.Exit(1)
	}
	l.Info("Connected to Redis")

	primary := store.NewPostgres(primaryDB, cfg.PrimaryDB.Schema)
	secondary := store.NewPostgres(secondaryDB, cfg.SecondaryDB.Schema)

	led, err := ledger.NewPersistent(primaryDB, cfg.PrimaryDB.Schema, idGen,
		ledger.WithErrorHandler(func(err error) {
			l.WithError(err).Warn("persist ledger entry")
		}))
	if err != nil {
		l.Error(fmt.Sprintf("Failed to create ledger: %v", err))
		os.Exit(1)
	}
	defer led.Close()

	m := metrics.New()
	locks := keylock.New()
	publisher := events.NewPublisher(redisClient, cfg.OutcomeStream, cfg.DriftStream, cfg.RetryDLQStream)

	queue := retry.New(cfg, primaryDB, secondary, locks, led, idGen, l, m)
	queue.SetPublisher(publisher)

	schemaCtx, schemaCancel := context.WithTimeout(ctx, 10*time.Second)
	defer schemaCancel()
	if err := primary.EnsureSchema(schemaCtx); err != nil {
		l.Error(fmt.Sprintf("Failed to prepare new store schema: %v", err))
		os.Exit(1)
	}
	if err := secondary.EnsureSchema(schemaCtx); err != nil {
		l.Error(fmt.Sprintf("Failed to prepare legacy store schema: %v", err))
		os.Exit(1)
	}
	if err := led.EnsureSchema(schemaCtx); err != nil {
		l.Error(fmt.Sprintf("Failed to prepare ledger schema: %v", err))
		os.Exit(1)
	}
	if err := queue.EnsureSchema(schemaCtx); err != nil {
		l.Error(fmt.Sprintf("Failed to prepare retry queue schema: %v", err))
		os.Exit(1)
	}

	loaded, err := led.LoadRecent(schemaCtx, ledgerReplayWindow)
	if err != nil {
		l.Error(fmt.Sprintf("Failed to replay write ledger: %v", err))
		os.Exit(1)
	}
	l.Infof("write ledger replayed", map[string]interface{}{"entries": loaded})

	coord := coordinator.New(cfg, primary, secondary, locks, led, l, m)
	coord.SetRetryQueue(queue)
	coord.SetPublisher(publisher)

	v, err := validator.New(cfg, primary, secondary, locks, registry, l, m)
	if err != nil {
		l.Error(fmt.Sprintf("Failed to create validator: %v", err))
		os.Exit(1)
	}
	v.SetPublisher(publisher)

	queue.Start(ctx)
	if cfg.Sync.ValidateSync {
		v.StartPeriodic(ctx)
	}
	go trimStreams(ctx, publisher, l)

	healthz := health.New()
	healthz.Register(health.NewPostgresChecker("postgres_new", primaryDB))
	healthz.Register(health.NewPostgresChecker("postgres_legacy", secondaryDB))
	healthz.Register(health.NewRedisChecker(redisHealthClient{client: redisClient}))
	healthz.Register(health.NewLoopChecker("retry_drain", queue.Monitor(), loopMaxAge(cfg.Retry.DrainInterval)))
	if cfg.Sync.ValidateSync {
		healthz.Register(health.NewLoopChecker("validation", v.Monitor(), loopMaxAge(cfg.Sync.Interval)))
	}
	healthz.SetReady(true)

	mux := http.NewServeMux()

	mux.HandleFunc("/health/live", healthz.LiveHandler())
	mux.HandleFunc("/health/ready", healthz.ReadyHandler())
	mux.HandleFunc("/health/detailed", func(w http.ResponseWriter, r *http.Request) {
		resp := healthz.Health(r.Context())

		retryStats := map[string]interface{}{}
		if depth, err := queue.Depth(r.Context()); err == nil {
			retryStats["depth"] = depth
		}
		if age, ok, err := queue.OldestAge(r.Context()); err == nil {
			oldest := int64(0)
			if ok {
				oldest = int64(age.Seconds())
			}
			retryStats["oldestAgeSeconds"] = oldest
		}

		engine := map[string]interface{}{
			"ledger":     led.Stats(),
			"retryQueue": retryStats,
		}
		if stats, ok := v.LastRun(); ok {
			engine["lastValidation"] = stats
		}

		code := http.StatusOK
		if resp.Status != health.StatusUp {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":       resp.Status,
			"dependencies": resp.Dependencies,
			"engine":       engine,
		})
	})

	metricsHandler := http.Handler(m.Handler())
	if token := os.Getenv("METRICS_TOKEN"); token != "" {
		inner := metricsHandler
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, token) {
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, "unauthorized")
				return
			}
			inner.ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)

	// 提交双写操作
	mux.HandleFunc("/v1/operations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}

		var req operationRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		op := &store.Operation{
			OperationID: strings.TrimSpace(req.OperationID),
			EntityType:  strings.TrimSpace(req.EntityType),
			EntityKey:   strings.TrimSpace(req.EntityKey),
			Kind:        store.Kind(strings.TrimSpace(req.Kind)),
			Payload:     req.Payload,
		}
		if op.OperationID == "" {
			op.OperationID = uuid.NewString()
		}

		result, err := coord.Execute(r.Context(), op)
		if err != nil {
			if errors.Is(err, coordinator.ErrInvalidOperation) {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
				return
			}
			writeInternalError(w, l, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	// 查询操作流水
	mux.HandleFunc("/v1/operations/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v1/operations/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		entry, ok := led.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "operation not recorded")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	// 补偿队列：查看与按类型撤销
	mux.HandleFunc("/v1/retries", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			tasks, err := queue.List(r.Context(), limit)
			if err != nil {
				writeInternalError(w, l, err)
				return
			}
			if tasks == nil {
				tasks = []retry.Task{}
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"tasks": tasks,
				"count": len(tasks),
			})

		case http.MethodDelete:
			entityType := strings.TrimSpace(r.URL.Query().Get("entityType"))
			if entityType == "" {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, "entityType query parameter required")
				return
			}
			cancelled, err := queue.CancelByEntityType(r.Context(), entityType)
			if err != nil {
				writeInternalError(w, l, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"entityType": entityType,
				"cancelled":  cancelled,
			})

		default:
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		}
	})

	// 单键校验
	mux.HandleFunc("/v1/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}

		var req validateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.EntityType = strings.TrimSpace(req.EntityType)
		req.EntityKey = strings.TrimSpace(req.EntityKey)
		if req.EntityType == "" || req.EntityKey == "" {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "entityType and entityKey are required")
			return
		}

		record, err := v.ValidateOne(r.Context(), req.EntityType, req.EntityKey)
		if err != nil {
			if errors.Is(err, validator.ErrUnknownEntityType) {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
				return
			}
			writeInternalError(w, l, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	})

	// 批量校验，游标翻页
	mux.HandleFunc("/v1/validate/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}

		var req batchValidateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.EntityType = strings.TrimSpace(req.EntityType)
		if req.EntityType == "" {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "entityType is required")
			return
		}

		diffs, next, err := v.ValidateBatch(r.Context(), req.EntityType, req.Cursor, req.PageSize)
		if err != nil {
			if errors.Is(err, validator.ErrUnknownEntityType) {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
				return
			}
			writeInternalError(w, l, err)
			return
		}
		if diffs == nil {
			diffs = []validator.DiffRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"diffs":      diffs,
			"nextCursor": next,
			"summary":    validator.Summarize(diffs),
		})
	})

	// 校验并修复单键，受 DUAL_WRITE_ALLOW_REPAIR 保护
	mux.HandleFunc("/v1/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
			return
		}

		var req reconcileRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.EntityType = strings.TrimSpace(req.EntityType)
		req.EntityKey = strings.TrimSpace(req.EntityKey)
		if req.EntityType == "" || req.EntityKey == "" {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "entityType and entityKey are required")
			return
		}

		before, err := v.ValidateOne(r.Context(), req.EntityType, req.EntityKey)
		if err != nil {
			if errors.Is(err, validator.ErrUnknownEntityType) {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
				return
			}
			writeInternalError(w, l, err)
			return
		}

		direction := validator.Direction(strings.TrimSpace(req.Direction))
		if direction == "" {
			direction = validator.NewToLegacy
		}

		if before.Classification == validator.ClassMatch {
			writeJSON(w, http.StatusOK, reconcileResponse{Before: before, Repaired: false, Direction: direction})
			return
		}

		if err := v.Repair(r.Context(), before, direction); err != nil {
			switch {
			case errors.Is(err, validator.ErrRepairDisabled):
				writeError(w, http.StatusForbidden, codeRepairDisabled, err.Error())
			case errors.Is(err, validator.ErrNotRepairable):
				writeError(w, http.StatusConflict, codeNotRepairable, err.Error())
			case errors.Is(err, validator.ErrUnknownDirection):
				writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
			default:
				writeInternalError(w, l, err)
			}
			return
		}

		after, err := v.ValidateOne(r.Context(), req.EntityType, req.EntityKey)
		if err != nil {
			writeInternalError(w, l, err)
			return
		}
		writeJSON(w, http.StatusOK, reconcileResponse{
			Before:    before,
			Repaired:  true,
			Direction: direction,
			After:     after,
		})
	})

	handler := limitBodyMiddleware(maxBodyBytes, mux)
	handler = tracing.HTTPMiddleware(handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error(fmt.Sprintf("HTTP server error: %v", err))
			os.Exit(1)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	l.Info("Shutdown complete")
}

type operationRequest struct {
	OperationID string                 `json:"operationId"`
	EntityType  string                 `json:"entityType"`
	EntityKey   string                 `json:"entityKey"`
	Kind        string                 `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

type validateRequest struct {
	EntityType string `json:"entityType"`
	EntityKey  string `json:"entityKey"`
}

type batchValidateRequest struct {
	EntityType string `json:"entityType"`
	Cursor     string `json:"cursor,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
}

type reconcileRequest struct {
	EntityType string `json:"entityType"`
	EntityKey  string `json:"entityKey"`
	Direction  string `json:"direction,omitempty"`
}

type reconcileResponse struct {
	Before    *validator.DiffRecord `json:"before"`
	Repaired  bool                  `json:"repaired"`
	Direction validator.Direction   `json:"direction"`
	After     *validator.DiffRecord `json:"after,omitempty"`
}

func openDB(l *logger.Logger, label string, cfg config.DBConfig) *sql.DB {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		l.Error(fmt.Sprintf("Failed to open %s database: %v", label, err))
		os.Exit(1)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		l.Error(fmt.Sprintf("Failed to ping %s database: %v", label, err))
		os.Exit(1)
	}
	l.Info(fmt.Sprintf("Connected to %s database", label))
	return db
}

// loopMaxAge 心跳超时取轮询间隔的三倍，至少 45 秒
func loopMaxAge(interval time.Duration) time.Duration {
	maxAge := 3 * interval
	if maxAge < 45*time.Second {
		maxAge = 45 * time.Second
	}
	return maxAge
}

func trimStreams(ctx context.Context, publisher *events.Publisher, l *logger.Logger) {
	ticker := time.NewTicker(streamTrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := publisher.Trim(ctx, streamMaxLen); err != nil && ctx.Err() == nil {
				l.WithError(err).Warn("trim event streams")
			}
		}
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

func writeInternalError(w http.ResponseWriter, l *logger.Logger, err error) {
	l.WithError(err).Error("internal error")
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codeRequestTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request")
		return false
	}
	return true
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
