package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/pkg/snowflake"
)

// persister 异步落库，写入失败不影响主链路
type persister struct {
	db    *sql.DB
	table string
	idGen *snowflake.Generator

	queue   chan row
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	onError func(error)
}

type row struct {
	op      store.Operation
	overall store.Overall
	outcome store.WriteOutcome
}

type PersistOption func(*persistOptions)

type persistOptions struct {
	queueSize   int
	workers     int
	onError     func(error)
	synchronous bool
}

func WithQueueSize(size int) PersistOption {
	return func(o *persistOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) PersistOption {
	return func(o *persistOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) PersistOption {
	return func(o *persistOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 直接写库，测试用
func WithSynchronousWrite() PersistOption {
	return func(o *persistOptions) {
		o.synchronous = true
	}
}

// NewPersistent 创建带 Postgres 持久化的账本
func NewPersistent(db *sql.DB, schema string, idGen *snowflake.Generator, opts ...PersistOption) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: db is nil")
	}
	if idGen == nil {
		return nil, errors.New("ledger: id generator is nil")
	}
	if schema == "" {
		schema = "public"
	}

	cfg := persistOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	p := &persister{
		db:      db,
		table:   pq.QuoteIdentifier(schema) + ".write_ledger",
		idGen:   idGen,
		onError: cfg.onError,
	}

	l := New()
	l.persist = p

	if cfg.synchronous {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.queue = make(chan row, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.drain()
					return
				case item := <-p.queue:
					if err := p.insert(ctx, item); err != nil {
						p.onError(err)
					}
				}
			}
		}()
	}

	return l, nil
}

// EnsureSchema 建流水表（幂等）
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}
	query := `
		CREATE TABLE IF NOT EXISTS ` + l.persist.table + ` (
			ledger_id       BIGINT PRIMARY KEY,
			operation_id    TEXT NOT NULL,
			entity_type     TEXT NOT NULL,
			entity_key      TEXT NOT NULL,
			kind            TEXT NOT NULL,
			target          TEXT NOT NULL,
			status          TEXT NOT NULL,
			error_code      TEXT NOT NULL DEFAULT '',
			error_msg       TEXT NOT NULL DEFAULT '',
			overall         TEXT NOT NULL,
			attempted_at_ms BIGINT NOT NULL,
			duration_ms     BIGINT NOT NULL
		)
	`
	if _, err := l.persist.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create write_ledger table: %w", err)
	}
	return nil
}

// LoadRecent 启动时回放最近 limit 个操作的流水，恢复幂等窗口。
// 返回载入的条目数。更早的历史留在库里，不占内存。
func (l *Ledger) LoadRecent(ctx context.Context, limit int) (int, error) {
	if l.persist == nil || limit <= 0 {
		return 0, nil
	}

	query := `
		SELECT operation_id, entity_type, entity_key, kind, target, status,
		       error_code, error_msg, overall, attempted_at_ms, duration_ms
		FROM ` + l.persist.table + `
		WHERE operation_id IN (
			SELECT operation_id FROM ` + l.persist.table + `
			GROUP BY operation_id ORDER BY MAX(ledger_id) DESC LIMIT $1
		)
		ORDER BY ledger_id
	`
	rows, err := l.persist.db.QueryContext(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("load ledger rows: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]*Entry)
	order := make([]string, 0, limit)
	for rows.Next() {
		var (
			opID, entityType, entityKey, kind string
			target, status, errCode, errMsg   string
			overall                           string
			attemptedMs, durationMs           int64
		)
		if err := rows.Scan(&opID, &entityType, &entityKey, &kind, &target, &status,
			&errCode, &errMsg, &overall, &attemptedMs, &durationMs); err != nil {
			return 0, fmt.Errorf("scan ledger row: %w", err)
		}

		entry, ok := loaded[opID]
		if !ok {
			entry = &Entry{
				Operation: store.Operation{
					OperationID: opID,
					EntityType:  entityType,
					EntityKey:   entityKey,
					Kind:        store.Kind(kind),
					SubmittedAt: time.UnixMilli(attemptedMs),
				},
				Overall:   store.Overall(overall),
				CreatedAt: time.UnixMilli(attemptedMs),
			}
			loaded[opID] = entry
			order = append(order, opID)
		}
		entry.Outcomes = append(entry.Outcomes, store.WriteOutcome{
			OperationID: opID,
			Store:       store.Target(target),
			Status:      store.Status(status),
			ErrorCode:   errCode,
			Error:       errMsg,
			AttemptedAt: time.UnixMilli(attemptedMs),
			Duration:    time.Duration(durationMs) * time.Millisecond,
		})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate ledger rows: %w", err)
	}

	count := 0
	l.mu.Lock()
	for _, opID := range order {
		if _, exists := l.entries[opID]; exists {
			continue
		}
		entry := loaded[opID]
		l.entries[opID] = entry
		l.stats.Total++
		switch entry.Overall {
		case store.OverallSuccess:
			l.stats.Success++
		case store.OverallPartialSuccess:
			l.stats.PartialSuccess++
		case store.OverallFailed:
			l.stats.Failed++
		}
		count++
	}
	l.mu.Unlock()

	return count, nil
}

func (p *persister) enqueue(op store.Operation, overall store.Overall, outcome store.WriteOutcome) {
	if p.queue == nil {
		if err := p.insert(context.Background(), row{op: op, overall: overall, outcome: outcome}); err != nil {
			p.onError(err)
		}
		return
	}

	select {
	case p.queue <- row{op: op, overall: overall, outcome: outcome}:
	default:
		// 队列满：丢弃并通知，不阻塞写链路
		p.onError(errors.New("ledger: persistence queue full, outcome dropped"))
	}
}

func (p *persister) drain() {
	for {
		select {
		case item := <-p.queue:
			if err := p.insert(context.Background(), item); err != nil {
				p.onError(err)
			}
		default:
			return
		}
	}
}

func (p *persister) insert(ctx context.Context, item row) error {
	id, err := p.idGen.Generate()
	if err != nil {
		return fmt.Errorf("generate ledger id: %w", err)
	}

	query := `
		INSERT INTO ` + p.table + ` (
			ledger_id, operation_id, entity_type, entity_key, kind, target, status,
			error_code, error_msg, overall, attempted_at_ms, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = p.db.ExecContext(ctx, query,
		id,
		item.outcome.OperationID,
		item.op.EntityType,
		item.op.EntityKey,
		string(item.op.Kind),
		string(item.outcome.Store),
		string(item.outcome.Status),
		item.outcome.ErrorCode,
		item.outcome.Error,
		string(item.overall),
		item.outcome.AttemptedAt.UnixMilli(),
		item.outcome.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

func (p *persister) close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
