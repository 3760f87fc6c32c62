package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore 基于 Postgres 的通用实体存储。
// 新库与旧库使用同一实现，仅连接池与 schema 不同。
type PostgresStore struct {
	db     *sql.DB
	schema string
	table  string
}

// NewPostgres 创建适配器，schema 为空时使用 public
func NewPostgres(db *sql.DB, schema string) *PostgresStore {
	if schema == "" {
		schema = "public"
	}
	return &PostgresStore{
		db:     db,
		schema: schema,
		table:  pq.QuoteIdentifier(schema) + ".entities",
	}
}

// EnsureSchema 建表（幂等），供进程启动时调用
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s.schema != "public" {
		if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(s.schema)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	query := `
		CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			entity_type   TEXT NOT NULL,
			entity_key    TEXT NOT NULL,
			payload       JSONB NOT NULL,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (entity_type, entity_key)
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create entities table: %w", err)
	}
	return nil
}

// Put 写入实体
func (s *PostgresStore) Put(ctx context.Context, entityType, entityKey string, kind Kind, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UnixMilli()

	switch kind {
	case KindCreate:
		query := `
			INSERT INTO ` + s.table + ` (entity_type, entity_key, payload, created_at_ms, updated_at_ms)
			VALUES ($1, $2, $3, $4, $4)
		`
		if _, err := s.db.ExecContext(ctx, query, entityType, entityKey, body, now); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert entity: %w", err)
		}
		return nil
	default:
		// Update 按 upsert 处理，重试重放与修复都走这条路径
		query := `
			INSERT INTO ` + s.table + ` (entity_type, entity_key, payload, created_at_ms, updated_at_ms)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (entity_type, entity_key)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at_ms = EXCLUDED.updated_at_ms
		`
		if _, err := s.db.ExecContext(ctx, query, entityType, entityKey, body, now); err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}
		return nil
	}
}

// Delete 删除实体，键不存在视为成功
func (s *PostgresStore) Delete(ctx context.Context, entityType, entityKey string) error {
	query := `DELETE FROM ` + s.table + ` WHERE entity_type = $1 AND entity_key = $2`
	if _, err := s.db.ExecContext(ctx, query, entityType, entityKey); err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

// Get 读取实体
func (s *PostgresStore) Get(ctx context.Context, entityType, entityKey string) (map[string]interface{}, error) {
	query := `SELECT payload FROM ` + s.table + ` WHERE entity_type = $1 AND entity_key = $2`

	var body []byte
	err := s.db.QueryRowContext(ctx, query, entityType, entityKey).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

// List 按键序分页扫描
func (s *PostgresStore) List(ctx context.Context, entityType, afterKey string, limit int) ([]Entity, error) {
	query := `
		SELECT entity_key, payload FROM ` + s.table + `
		WHERE entity_type = $1 AND entity_key > $2
		ORDER BY entity_key
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, entityType, afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %s: %w", key, err)
		}
		entities = append(entities, Entity{EntityType: entityType, EntityKey: key, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// Ping 连接探活
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
