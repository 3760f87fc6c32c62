// Package store 双库存储适配层
package store

import (
	"context"
	"errors"
	"time"
)

// Kind 操作类型
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Target 写入目标
type Target string

const (
	TargetPrimary   Target = "primary"
	TargetSecondary Target = "secondary"
)

// Status 单库写入状态
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Overall 一次双写的总体结局
type Overall string

const (
	OverallSuccess        Overall = "success"
	OverallPartialSuccess Overall = "partial_success"
	OverallFailed         Overall = "failed"
)

// 错误码，随 WriteOutcome 落账并对外暴露
const (
	CodeDuplicateKey     = "DUPLICATE_KEY"
	CodeNotFound         = "NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeStoreFailure     = "STORE_FAILURE"
	CodePrimaryDisabled  = "PRIMARY_WRITES_DISABLED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
)

var (
	ErrDuplicateKey = errors.New("entity key already exists")
	ErrNotFound     = errors.New("entity not found")
)

// Operation 一次逻辑写操作，提交后不可变
type Operation struct {
	OperationID string                 `json:"operationId"`
	EntityType  string                 `json:"entityType"`
	EntityKey   string                 `json:"entityKey"`
	Kind        Kind                   `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt"`
}

// WriteOutcome 单库写入结果
type WriteOutcome struct {
	OperationID string        `json:"operationId"`
	Store       Target        `json:"store"`
	Status      Status        `json:"status"`
	ErrorCode   string        `json:"errorCode,omitempty"`
	Error       string        `json:"error,omitempty"`
	AttemptedAt time.Time     `json:"attemptedAt"`
	Duration    time.Duration `json:"duration"`
}

// Entity 批量扫描返回的实体快照
type Entity struct {
	EntityType string                 `json:"entityType"`
	EntityKey  string                 `json:"entityKey"`
	Payload    map[string]interface{} `json:"payload"`
}

// Store 存储适配器接口，新库与旧库各实现一份
type Store interface {
	// Put 写入实体。Create 遇到已存在的键返回 ErrDuplicateKey，
	// Update 按 upsert 处理（重放与修复路径依赖该语义）。
	Put(ctx context.Context, entityType, entityKey string, kind Kind, payload map[string]interface{}) error
	// Delete 删除实体，键不存在视为成功（幂等删除）
	Delete(ctx context.Context, entityType, entityKey string) error
	// Get 读取实体，不存在返回 ErrNotFound
	Get(ctx context.Context, entityType, entityKey string) (map[string]interface{}, error)
	// List 按键序分页扫描某一实体类型，afterKey 为空表示从头开始
	List(ctx context.Context, entityType, afterKey string, limit int) ([]Entity, error)
	Ping(ctx context.Context) error
}

// Classify 将适配器错误映射为错误码
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateKey):
		return CodeDuplicateKey
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeStoreFailure
	}
}
