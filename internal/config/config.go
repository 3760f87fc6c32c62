// Package config 双写引擎配置
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 服务配置，进程启动时加载一次，之后只读
type Config struct {
	ServiceName string
	HTTPPort    int

	// 新库（服务自有库，主写目标）
	PrimaryDB DBConfig
	// 旧共享库（迁移期间保持同步）
	SecondaryDB DBConfig

	// Redis
	RedisAddr     string
	RedisPassword string

	// Streams
	OutcomeStream  string
	DriftStream    string
	RetryDLQStream string

	DualWrite DualWriteConfig
	Retry     RetryConfig
	Sync      SyncConfig

	Tracing TracingConfig

	WorkerID int64
}

// DBConfig 单个数据库的连接配置
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Schema   string
}

// DualWriteConfig 双写策略
type DualWriteConfig struct {
	Enabled           bool
	WriteToNew        bool
	WriteToLegacy     bool
	FailOnLegacyError bool
	AsyncLegacy       bool
	StoreTimeout      time.Duration
}

// RetryConfig 旧库写入重试策略
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	DrainInterval time.Duration
}

// SyncConfig 一致性校验策略
type SyncConfig struct {
	ValidateSync     bool
	Interval         time.Duration
	BatchSize        int
	NumericTolerance string
	IgnoreFields     []string
	ParityFields     string
	AllowRepair      bool
}

// 默认参与比对的实体与字段，随迁移批次扩充
const defaultParityFields = "users:email,display_name,role,is_active;" +
	"products:name,price,stock_quantity,is_active;" +
	"carts:user_id,status;" +
	"cart_items:cart_id,product_id,quantity"

// TracingConfig 链路追踪
type TracingConfig struct {
	Enabled        bool
	JaegerEndpoint string
	SampleRate     float64
}

// Load 加载配置。每个业务服务用自己的前缀覆盖全局键，
// 例如 CART_DUAL_WRITE_ENABLED 优先于 DUAL_WRITE_ENABLED。
func Load() *Config {
	service := getEnv("", "DUAL_WRITE_SERVICE", "")
	prefix := envPrefix(service)

	name := "dualwrite"
	if service != "" {
		name = "dualwrite-" + strings.ToLower(service)
	}

	return &Config{
		ServiceName: getEnv(prefix, "SERVICE_NAME", name),
		HTTPPort:    getEnvInt(prefix, "HTTP_PORT", 8086),

		PrimaryDB: DBConfig{
			Host:     getEnv(prefix, "NEW_DB_HOST", "localhost"),
			Port:     getEnvInt(prefix, "NEW_DB_PORT", 5437), // 默认使用5437避免与旧库冲突
			User:     getEnv(prefix, "NEW_DB_USER", "commerce"),
			Password: getEnv(prefix, "NEW_DB_PASSWORD", "commerce123"),
			Name:     getEnv(prefix, "NEW_DB_NAME", "commerce_service"),
			Schema:   getEnv(prefix, "NEW_DB_SCHEMA", "dualwrite"),
		},
		SecondaryDB: DBConfig{
			Host:     getEnv(prefix, "LEGACY_DB_HOST", "localhost"),
			Port:     getEnvInt(prefix, "LEGACY_DB_PORT", 5432),
			User:     getEnv(prefix, "LEGACY_DB_USER", "commerce"),
			Password: getEnv(prefix, "LEGACY_DB_PASSWORD", "commerce123"),
			Name:     getEnv(prefix, "LEGACY_DB_NAME", "commerce_legacy"),
			Schema:   getEnv(prefix, "LEGACY_DB_SCHEMA", "public"),
		},

		RedisAddr:     getEnv(prefix, "REDIS_ADDR", "localhost:6380"),
		RedisPassword: getEnv(prefix, "REDIS_PASSWORD", ""),

		OutcomeStream:  getEnv(prefix, "OUTCOME_STREAM", "dualwrite:outcomes"),
		DriftStream:    getEnv(prefix, "DRIFT_STREAM", "dualwrite:drift"),
		RetryDLQStream: getEnv(prefix, "RETRY_DLQ_STREAM", "dualwrite:retry:dlq"),

		DualWrite: DualWriteConfig{
			Enabled:           getEnvBool(prefix, "DUAL_WRITE_ENABLED", true),
			WriteToNew:        getEnvBool(prefix, "DUAL_WRITE_TO_NEW", true),
			WriteToLegacy:     getEnvBool(prefix, "DUAL_WRITE_TO_LEGACY", true),
			FailOnLegacyError: getEnvBool(prefix, "DUAL_WRITE_FAIL_ON_LEGACY_ERROR", false),
			AsyncLegacy:       getEnvBool(prefix, "DUAL_WRITE_ASYNC_LEGACY", true),
			StoreTimeout:      getEnvDuration(prefix, "DUAL_WRITE_STORE_TIMEOUT", 3*time.Second),
		},

		Retry: RetryConfig{
			MaxAttempts:   getEnvInt(prefix, "DUAL_WRITE_RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:     getEnvDuration(prefix, "DUAL_WRITE_RETRY_BASE_DELAY", time.Second),
			MaxDelay:      getEnvDuration(prefix, "DUAL_WRITE_RETRY_MAX_DELAY", 5*time.Minute),
			DrainInterval: getEnvDuration(prefix, "DUAL_WRITE_RETRY_DRAIN_INTERVAL", 5*time.Second),
		},

		Sync: SyncConfig{
			ValidateSync:     getEnvBool(prefix, "DUAL_WRITE_VALIDATE_SYNC", true),
			Interval:         getEnvDuration(prefix, "DUAL_WRITE_SYNC_INTERVAL", 5*time.Minute),
			BatchSize:        getEnvInt(prefix, "DUAL_WRITE_BATCH_SIZE", 100),
			NumericTolerance: getEnv(prefix, "DUAL_WRITE_NUMERIC_TOLERANCE", "0.01"),
			IgnoreFields:     getEnvSlice(prefix, "DUAL_WRITE_IGNORE_FIELDS", []string{"updated_at"}),
			ParityFields:     getEnv(prefix, "DUAL_WRITE_PARITY_FIELDS", defaultParityFields),
			AllowRepair:      getEnvBool(prefix, "DUAL_WRITE_ALLOW_REPAIR", false),
		},

		Tracing: TracingConfig{
			Enabled:        getEnvBool(prefix, "TRACING_ENABLED", false),
			JaegerEndpoint: getEnv(prefix, "JAEGER_ENDPOINT", ""),
			SampleRate:     getEnvFloat(prefix, "TRACING_SAMPLE_RATE", 0.1),
		},

		WorkerID: int64(getEnvInt(prefix, "WORKER_ID", 1)),
	}
}

// Validate 启动时校验，不合法的组合直接拒绝
func (c *Config) Validate() error {
	if !c.DualWrite.WriteToNew && !c.DualWrite.WriteToLegacy {
		return fmt.Errorf("DUAL_WRITE_TO_NEW and DUAL_WRITE_TO_LEGACY must not both be false")
	}
	if c.DualWrite.AsyncLegacy && c.DualWrite.FailOnLegacyError {
		return fmt.Errorf("DUAL_WRITE_FAIL_ON_LEGACY_ERROR requires DUAL_WRITE_ASYNC_LEGACY=false")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if c.DualWrite.StoreTimeout <= 0 {
		return fmt.Errorf("DUAL_WRITE_STORE_TIMEOUT must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("DUAL_WRITE_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("DUAL_WRITE_RETRY_BASE_DELAY must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("DUAL_WRITE_RETRY_MAX_DELAY must not be smaller than DUAL_WRITE_RETRY_BASE_DELAY")
	}
	if c.Retry.DrainInterval <= 0 {
		return fmt.Errorf("DUAL_WRITE_RETRY_DRAIN_INTERVAL must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("DUAL_WRITE_BATCH_SIZE must be at least 1")
	}
	if strings.TrimSpace(c.Sync.ParityFields) == "" {
		return fmt.Errorf("DUAL_WRITE_PARITY_FIELDS must not be empty")
	}
	if _, ok := new(big.Rat).SetString(c.Sync.NumericTolerance); !ok {
		return fmt.Errorf("DUAL_WRITE_NUMERIC_TOLERANCE must be a decimal number")
	}
	if tol, _ := new(big.Rat).SetString(c.Sync.NumericTolerance); tol.Sign() < 0 {
		return fmt.Errorf("DUAL_WRITE_NUMERIC_TOLERANCE must not be negative")
	}
	if c.Sync.ValidateSync && c.Sync.Interval <= 0 {
		return fmt.Errorf("DUAL_WRITE_SYNC_INTERVAL must be positive when DUAL_WRITE_VALIDATE_SYNC is true")
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be between 0 and 1023")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1")
	}
	return nil
}

// SecondaryEnabled 旧库写入是否开启（总开关与目标开关同时成立）
func (c *Config) SecondaryEnabled() bool {
	return c.DualWrite.Enabled && c.DualWrite.WriteToLegacy
}

// DSN 返回数据库连接字符串
func (d DBConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Name +
		" sslmode=disable"
}

func envPrefix(service string) string {
	if service == "" {
		return ""
	}
	return strings.ToUpper(service) + "_"
}

func getEnv(prefix, key, defaultValue string) string {
	if prefix != "" {
		if value := os.Getenv(prefix + key); value != "" {
			return value
		}
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(prefix, key string, defaultValue int) int {
	if value := getEnv(prefix, key, ""); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(prefix, key string, defaultValue float64) float64 {
	if value := getEnv(prefix, key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(prefix, key string, defaultValue bool) bool {
	if value := getEnv(prefix, key, ""); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration 支持 Go 时长（"5m"）和裸秒数（"300"）两种写法
func getEnvDuration(prefix, key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(prefix, key, ""); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(prefix, key string, defaultValue []string) []string {
	value := getEnv(prefix, key, "")
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
