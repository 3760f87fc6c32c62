// Package retry 旧库补偿队列，任务落在新库侧随进程重启存活
package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/lib/pq"

	"github.com/commerce/dualwrite/internal/config"
	"github.com/commerce/dualwrite/internal/events"
	"github.com/commerce/dualwrite/internal/keylock"
	"github.com/commerce/dualwrite/internal/ledger"
	"github.com/commerce/dualwrite/internal/metrics"
	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/pkg/health"
	"github.com/commerce/dualwrite/pkg/logger"
)

const drainBatchSize = 100

// Task 一条待补偿的旧库写入
type Task struct {
	TaskID      int64                  `json:"taskId"`
	OperationID string                 `json:"operationId"`
	EntityType  string                 `json:"entityType"`
	EntityKey   string                 `json:"entityKey"`
	Kind        store.Kind             `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Attempts    int                    `json:"attempts"`
	NextAttempt time.Time              `json:"nextAttemptAt"`
	LastError   string                 `json:"lastError,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// IDGenerator 任务 ID 生成器
type IDGenerator interface {
	Generate() (int64, error)
}

// abandonPublisher 死信事件发布
type abandonPublisher interface {
	PublishAbandonedRetry(ctx context.Context, evt *events.AbandonedRetryEvent) error
}

// Queue 补偿队列。入队与扫描都走新库的 retry_tasks 表，
// 同一实体键按任务序补偿，旧任务未完成时新任务排队等待。
type Queue struct {
	cfg       *config.Config
	db        *sql.DB
	table     string
	secondary store.Store
	locks     *keylock.Serializer
	ledger    *ledger.Ledger
	idGen     IDGenerator
	publisher abandonPublisher
	metrics   *metrics.Metrics
	log       *logger.Logger

	loop health.LoopMonitor
}

// New 创建补偿队列
func New(cfg *config.Config, db *sql.DB, secondary store.Store, locks *keylock.Serializer, led *ledger.Ledger, idGen IDGenerator, log *logger.Logger, m *metrics.Metrics) *Queue {
	schema := cfg.PrimaryDB.Schema
	if schema == "" {
		schema = "public"
	}
	return &Queue{
		cfg:       cfg,
		db:        db,
		table:     pq.QuoteIdentifier(schema) + ".retry_tasks",
		secondary: secondary,
		locks:     locks,
		ledger:    led,
		idGen:     idGen,
		metrics:   m,
		log:       log.WithComponent("retry"),
	}
}

// SetPublisher 注入事件发布器
func (q *Queue) SetPublisher(p abandonPublisher) {
	q.publisher = p
}

// EnsureSchema 建任务表（幂等）
func (q *Queue) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ` + q.table + ` (
			task_id            BIGINT PRIMARY KEY,
			operation_id       TEXT NOT NULL,
			entity_type        TEXT NOT NULL,
			entity_key         TEXT NOT NULL,
			kind               TEXT NOT NULL,
			payload            JSONB,
			attempts           INT NOT NULL,
			next_attempt_at_ms BIGINT NOT NULL,
			last_error         TEXT NOT NULL DEFAULT '',
			created_at_ms      BIGINT NOT NULL
		)
	`
	if _, err := q.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create retry_tasks table: %w", err)
	}

	index := `CREATE INDEX IF NOT EXISTS idx_retry_tasks_due ON ` + q.table + ` (next_attempt_at_ms)`
	if _, err := q.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("create retry_tasks index: %w", err)
	}

	keyIndex := `CREATE INDEX IF NOT EXISTS idx_retry_tasks_key ON ` + q.table + ` (entity_type, entity_key)`
	if _, err := q.db.ExecContext(ctx, keyIndex); err != nil {
		return fmt.Errorf("create retry_tasks key index: %w", err)
	}
	return nil
}

// Enqueue 登记补偿任务。attempts 为已发生的旧库写入次数：
// 异步首写传 0 立即到期，同步失败传 1 按退避排期。
func (q *Queue) Enqueue(ctx context.Context, op *store.Operation, attempts int, lastErr string) error {
	id, err := q.idGen.Generate()
	if err != nil {
		return fmt.Errorf("generate task id: %w", err)
	}

	var payload []byte
	if len(op.Payload) > 0 {
		payload, err = json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	now := time.Now()
	next := now
	if attempts > 0 {
		next = now.Add(q.backoff(attempts))
	}

	query := `
		INSERT INTO ` + q.table + ` (
			task_id, operation_id, entity_type, entity_key, kind,
			payload, attempts, next_attempt_at_ms, last_error, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = q.db.ExecContext(ctx, query,
		id, op.OperationID, op.EntityType, op.EntityKey, string(op.Kind),
		payload, attempts, next.UnixMilli(), lastErr, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert retry task: %w", err)
	}
	return nil
}

// HasPending 该实体键上是否还有待补偿任务
func (q *Queue) HasPending(ctx context.Context, entityType, entityKey string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM ` + q.table + ` WHERE entity_type = $1 AND entity_key = $2)`
	var pending bool
	if err := q.db.QueryRowContext(ctx, query, entityType, entityKey).Scan(&pending); err != nil {
		return false, fmt.Errorf("check pending retry tasks: %w", err)
	}
	return pending, nil
}

// Start 启动后台补偿循环
func (q *Queue) Start(ctx context.Context) {
	q.loop.Tick()
	go q.drainLoop(ctx)
}

// LoopHealthy 供健康检查读取循环状态
func (q *Queue) LoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return q.loop.Healthy(now, maxAge)
}

// Monitor 返回循环监视器
func (q *Queue) Monitor() *health.LoopMonitor {
	return &q.loop
}

func (q *Queue) drainLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.loop.SetError(fmt.Errorf("panic: %v", r))
			q.log.Errorf("drain loop panic", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			})
		}
	}()

	ticker := time.NewTicker(q.cfg.Retry.DrainInterval)
	defer ticker.Stop()

	for {
		q.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				q.loop.SetError(err)
				q.log.WithError(err).Error("drain retry tasks")
			}
			q.refreshGauges(ctx)
		}
	}
}

// DrainOnce 处理一批到期任务，返回处理数
func (q *Queue) DrainOnce(ctx context.Context) (int, error) {
	tasks, err := q.dueTasks(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range tasks {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := q.processTask(ctx, &tasks[i]); err != nil {
			q.log.WithError(err).Errorf("process retry task", map[string]interface{}{
				"taskId":      tasks[i].TaskID,
				"operationId": tasks[i].OperationID,
			})
			continue
		}
		processed++
	}
	return processed, nil
}

// dueTasks 扫描到期任务。NOT EXISTS 子句保证同一实体键
// 只放行最老的任务，失败的任务挡住后续写以维持键内顺序。
func (q *Queue) dueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	query := `
		SELECT task_id, operation_id, entity_type, entity_key, kind,
		       payload, attempts, next_attempt_at_ms, last_error, created_at_ms
		FROM ` + q.table + ` t
		WHERE t.next_attempt_at_ms <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM ` + q.table + ` o
			WHERE o.entity_type = t.entity_type
			  AND o.entity_key = t.entity_key
			  AND o.task_id < t.task_id
		  )
		ORDER BY t.next_attempt_at_ms, t.task_id
		LIMIT $2
	`
	rows, err := q.db.QueryContext(ctx, query, now.UnixMilli(), drainBatchSize)
	if err != nil {
		return nil, fmt.Errorf("scan due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due tasks: %w", err)
	}
	return tasks, nil
}

func (q *Queue) processTask(ctx context.Context, task *Task) error {
	release, err := q.locks.Acquire(ctx, task.EntityType, task.EntityKey)
	if err != nil {
		return fmt.Errorf("acquire key lease: %w", err)
	}
	defer release()

	outcome := q.writeSecondary(ctx, task)
	if outcome.Status == store.StatusSuccess {
		return q.resolve(ctx, task, outcome)
	}

	task.Attempts++
	task.LastError = outcome.Error
	if task.Attempts >= q.cfg.Retry.MaxAttempts {
		return q.abandon(ctx, task, outcome)
	}
	return q.reschedule(ctx, task)
}

func (q *Queue) writeSecondary(ctx context.Context, task *Task) store.WriteOutcome {
	wctx, cancel := context.WithTimeout(ctx, q.cfg.DualWrite.StoreTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if task.Kind == store.KindDelete {
		err = q.secondary.Delete(wctx, task.EntityType, task.EntityKey)
	} else {
		err = q.secondary.Put(wctx, task.EntityType, task.EntityKey, task.Kind, task.Payload)
	}

	outcome := store.WriteOutcome{
		OperationID: task.OperationID,
		Store:       store.TargetSecondary,
		Status:      store.StatusSuccess,
		AttemptedAt: start,
		Duration:    time.Since(start),
	}
	if err != nil {
		outcome.Status = store.StatusFailed
		outcome.ErrorCode = store.Classify(err)
		outcome.Error = err.Error()
	}
	return outcome
}

func (q *Queue) resolve(ctx context.Context, task *Task, outcome store.WriteOutcome) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM `+q.table+` WHERE task_id = $1`, task.TaskID); err != nil {
		return fmt.Errorf("delete resolved task: %w", err)
	}

	if err := q.ledger.AppendOutcome(task.OperationID, outcome); err != nil {
		// 重启后内存账本可能已不含旧条目
		q.log.WithError(err).Warnf("append resolved outcome", map[string]interface{}{
			"operationId": task.OperationID,
		})
	}

	q.metrics.IncRetryResolved(task.EntityType)
	q.log.Infof("retry task resolved", map[string]interface{}{
		"operationId": task.OperationID,
		"entityType":  task.EntityType,
		"entityKey":   task.EntityKey,
		"attempts":    task.Attempts + 1,
	})
	return nil
}

// abandon 耗尽重试次数，记最终失败结局并推死信流告警
func (q *Queue) abandon(ctx context.Context, task *Task, outcome store.WriteOutcome) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM `+q.table+` WHERE task_id = $1`, task.TaskID); err != nil {
		return fmt.Errorf("delete abandoned task: %w", err)
	}

	outcome.ErrorCode = store.CodeRetriesExhausted
	if err := q.ledger.AppendOutcome(task.OperationID, outcome); err != nil {
		q.log.WithError(err).Warnf("append abandoned outcome", map[string]interface{}{
			"operationId": task.OperationID,
		})
	}

	if q.publisher != nil {
		evt := &events.AbandonedRetryEvent{
			OperationID: task.OperationID,
			EntityType:  task.EntityType,
			EntityKey:   task.EntityKey,
			Kind:        string(task.Kind),
			Attempts:    task.Attempts,
			LastError:   task.LastError,
		}
		if err := q.publisher.PublishAbandonedRetry(ctx, evt); err != nil {
			q.metrics.IncPublishError("retry:dlq")
			q.log.WithError(err).Warn("publish abandoned retry event")
		}
	}

	q.metrics.IncRetryAbandoned(task.EntityType)
	q.log.Errorf("retry task abandoned", map[string]interface{}{
		"operationId": task.OperationID,
		"entityType":  task.EntityType,
		"entityKey":   task.EntityKey,
		"attempts":    task.Attempts,
		"lastError":   task.LastError,
	})
	return nil
}

func (q *Queue) reschedule(ctx context.Context, task *Task) error {
	next := time.Now().Add(q.backoff(task.Attempts))
	query := `UPDATE ` + q.table + ` SET attempts = $1, next_attempt_at_ms = $2, last_error = $3 WHERE task_id = $4`
	if _, err := q.db.ExecContext(ctx, query, task.Attempts, next.UnixMilli(), task.LastError, task.TaskID); err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return nil
}

// backoff 指数退避加 ±20% 抖动，封顶 MaxDelay
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.Retry.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.Retry.MaxDelay {
			break
		}
	}
	if d > q.cfg.Retry.MaxDelay {
		d = q.cfg.Retry.MaxDelay
	}

	spread := int64(d) / 5
	if spread > 0 {
		d += time.Duration(rand.Int63n(2*spread+1) - spread)
	}
	if d < 0 {
		d = q.cfg.Retry.BaseDelay
	}
	return d
}

// Depth 当前待补偿任务数
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count retry tasks: %w", err)
	}
	return n, nil
}

// OldestAge 最老待补偿任务的年龄，队列为空时 ok 为 false
func (q *Queue) OldestAge(ctx context.Context) (age time.Duration, ok bool, err error) {
	var createdMs sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT MIN(created_at_ms) FROM `+q.table).Scan(&createdMs); err != nil {
		return 0, false, fmt.Errorf("oldest retry task: %w", err)
	}
	if !createdMs.Valid {
		return 0, false, nil
	}
	return time.Since(time.UnixMilli(createdMs.Int64)), true, nil
}

// List 按到期顺序列出任务，供运维查看
func (q *Queue) List(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = drainBatchSize
	}
	query := `
		SELECT task_id, operation_id, entity_type, entity_key, kind,
		       payload, attempts, next_attempt_at_ms, last_error, created_at_ms
		FROM ` + q.table + `
		ORDER BY next_attempt_at_ms, task_id
		LIMIT $1
	`
	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list retry tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry tasks: %w", err)
	}
	return tasks, nil
}

// CancelByEntityType 撤销某实体类型的全部待补偿任务，返回撤销数
func (q *Queue) CancelByEntityType(ctx context.Context, entityType string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM `+q.table+` WHERE entity_type = $1`, entityType)
	if err != nil {
		return 0, fmt.Errorf("cancel retry tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	q.log.Warnf("retry tasks cancelled", map[string]interface{}{
		"entityType": entityType,
		"cancelled":  n,
	})
	return n, nil
}

func (q *Queue) refreshGauges(ctx context.Context) {
	if depth, err := q.Depth(ctx); err == nil {
		q.metrics.SetRetryDepth(depth)
	}
	if age, ok, err := q.OldestAge(ctx); err == nil {
		if !ok {
			age = 0
		}
		q.metrics.SetOldestRetryAge(age)
	}
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var (
		task      Task
		kind      string
		payload   []byte
		nextMs    int64
		createdMs int64
	)
	if err := rows.Scan(&task.TaskID, &task.OperationID, &task.EntityType, &task.EntityKey,
		&kind, &payload, &task.Attempts, &nextMs, &task.LastError, &createdMs); err != nil {
		return nil, fmt.Errorf("scan retry task: %w", err)
	}

	task.Kind = store.Kind(kind)
	task.NextAttempt = time.UnixMilli(nextMs)
	task.CreatedAt = time.UnixMilli(createdMs)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal task payload: %w", err)
		}
	}
	return &task, nil
}
