// Package coordinator 双写协调器
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commerce/dualwrite/internal/config"
	"github.com/commerce/dualwrite/internal/events"
	"github.com/commerce/dualwrite/internal/keylock"
	"github.com/commerce/dualwrite/internal/ledger"
	"github.com/commerce/dualwrite/internal/metrics"
	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/pkg/logger"
	"github.com/commerce/dualwrite/pkg/tracing"
)

// ErrInvalidOperation 操作参数不合法，拒绝执行
var ErrInvalidOperation = errors.New("invalid operation")

// DualWriteResult 一次双写的结构化结果
type DualWriteResult struct {
	OperationID string              `json:"operationId"`
	Overall     store.Overall       `json:"overall"`
	Primary     store.WriteOutcome  `json:"primary"`
	Secondary   *store.WriteOutcome `json:"secondary,omitempty"`
	Replayed    bool                `json:"replayed,omitempty"`
}

// retryEnqueuer 补偿队列入口。attempts 为已发生的旧库写入次数；
// HasPending 报告实体键上是否还有任务排队
type retryEnqueuer interface {
	Enqueue(ctx context.Context, op *store.Operation, attempts int, lastErr string) error
	HasPending(ctx context.Context, entityType, entityKey string) (bool, error)
}

// outcomePublisher 结果事件发布
type outcomePublisher interface {
	PublishOutcome(ctx context.Context, evt *events.OutcomeEvent) error
}

// Coordinator 对两个库执行一次逻辑写操作
type Coordinator struct {
	cfg       *config.Config
	primary   store.Store
	secondary store.Store
	locks     *keylock.Serializer
	ledger    *ledger.Ledger
	retries   retryEnqueuer
	publisher outcomePublisher
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New 创建协调器
func New(cfg *config.Config, primary, secondary store.Store, locks *keylock.Serializer, led *ledger.Ledger, log *logger.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		locks:     locks,
		ledger:    led,
		metrics:   m,
		log:       log.WithComponent("coordinator"),
	}
}

// SetRetryQueue 注入补偿队列
func (c *Coordinator) SetRetryQueue(q retryEnqueuer) {
	c.retries = q
}

// SetPublisher 注入事件发布器
func (c *Coordinator) SetPublisher(p outcomePublisher) {
	c.publisher = p
}

// Execute 执行一次双写。存储层失败表现为结果数据而非 error；
// error 仅在操作本身不合法时返回。
func (c *Coordinator) Execute(ctx context.Context, op *store.Operation) (*DualWriteResult, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveExecuteLatency(time.Since(start)) }()

	if err := validateOperation(op); err != nil {
		return nil, err
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = start
	}

	ctx, span := tracing.StartSpan(ctx, "coordinator.execute",
		trace.WithAttributes(
			attribute.String("dualwrite.entity_type", op.EntityType),
			attribute.String("dualwrite.kind", string(op.Kind)),
		))
	defer span.End()

	// 1. 按实体键串行化
	release, err := c.locks.Acquire(ctx, op.EntityType, op.EntityKey)
	if err != nil {
		return nil, fmt.Errorf("acquire key lease: %w", err)
	}
	defer release()

	// 2. 幂等：同一 operation_id 重复提交返回原始结果
	if entry, ok := c.ledger.Get(op.OperationID); ok {
		c.log.WithContext(ctx).Infof("duplicate submission replayed", map[string]interface{}{
			"operationId": op.OperationID,
			"entityType":  entry.Operation.EntityType,
			"entityKey":   entry.Operation.EntityKey,
		})
		return replayFromEntry(&entry), nil
	}

	// 3. 主库写入。关闭主库写入时记一条合成失败，仍继续旧库路径
	var primary store.WriteOutcome
	if !c.cfg.DualWrite.WriteToNew {
		primary = store.WriteOutcome{
			OperationID: op.OperationID,
			Store:       store.TargetPrimary,
			Status:      store.StatusFailed,
			ErrorCode:   store.CodePrimaryDisabled,
			Error:       "primary writes disabled by configuration",
			AttemptedAt: time.Now(),
		}
	} else {
		primary = c.writeStore(ctx, store.TargetPrimary, c.primary, op)
		if primary.Status == store.StatusFailed {
			// 主库失败即整体失败，不再写旧库
			c.metrics.IncWriteFailure(string(store.TargetPrimary), primary.ErrorCode)
			result := &DualWriteResult{
				OperationID: op.OperationID,
				Overall:     store.OverallFailed,
				Primary:     primary,
			}
			c.finish(ctx, op, result)
			return result, nil
		}
	}

	// 4. 旧库写入：同步执行、异步入队或按配置跳过。
	// 同键还有补偿任务排队时不得直写，否则队列稍后会用旧值盖掉新值
	result := &DualWriteResult{
		OperationID: op.OperationID,
		Primary:     primary,
	}

	switch {
	case !c.cfg.SecondaryEnabled():
		// 旧库写入关闭，无 Secondary 结局

	case c.cfg.DualWrite.AsyncLegacy || c.pendingBlocksDirectWrite(ctx, op):
		skipped := store.WriteOutcome{
			OperationID: op.OperationID,
			Store:       store.TargetSecondary,
			Status:      store.StatusSkipped,
			AttemptedAt: time.Now(),
		}
		result.Secondary = &skipped

	default:
		secondary := c.writeStore(ctx, store.TargetSecondary, c.secondary, op)
		result.Secondary = &secondary
		if secondary.Status == store.StatusFailed {
			c.metrics.IncWriteFailure(string(store.TargetSecondary), secondary.ErrorCode)
		}
	}

	// 5. 先入队再记账：入队失败会把 Skipped 结局降级成失败，
	// 账本要落降级后的终值。键租约未释放，任务不会先于账本被补偿
	c.enqueueRetry(ctx, op, result)
	result.Overall = overallOf(c.cfg, &primary, result.Secondary)

	c.finish(ctx, op, result)

	return result, nil
}

// pendingBlocksDirectWrite 同步直写前查同键补偿任务，查询失败按有任务处理
func (c *Coordinator) pendingBlocksDirectWrite(ctx context.Context, op *store.Operation) bool {
	if c.retries == nil {
		return false
	}
	pending, err := c.retries.HasPending(ctx, op.EntityType, op.EntityKey)
	if err != nil {
		c.log.WithContext(ctx).WithError(err).Warnf("check pending retry tasks", map[string]interface{}{
			"operationId": op.OperationID,
			"entityType":  op.EntityType,
			"entityKey":   op.EntityKey,
		})
		return true
	}
	if pending {
		tracing.AddEvent(ctx, "secondary.write_deferred",
			attribute.String("dualwrite.entity_key", op.EntityKey))
		c.log.WithContext(ctx).Infof("secondary write deferred behind pending retry tasks", map[string]interface{}{
			"operationId": op.OperationID,
			"entityType":  op.EntityType,
			"entityKey":   op.EntityKey,
		})
	}
	return pending
}

// writeStore 带单次调用超时执行一次存储写入
func (c *Coordinator) writeStore(ctx context.Context, target store.Target, st store.Store, op *store.Operation) store.WriteOutcome {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.DualWrite.StoreTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if op.Kind == store.KindDelete {
		err = st.Delete(wctx, op.EntityType, op.EntityKey)
	} else {
		err = st.Put(wctx, op.EntityType, op.EntityKey, op.Kind, op.Payload)
	}

	outcome := store.WriteOutcome{
		OperationID: op.OperationID,
		Store:       target,
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

// finish 登记账本、更新指标并发布结果事件
func (c *Coordinator) finish(ctx context.Context, op *store.Operation, result *DualWriteResult) {
	outcomes := []store.WriteOutcome{result.Primary}
	if result.Secondary != nil {
		outcomes = append(outcomes, *result.Secondary)
	}
	if err := c.ledger.Record(*op, result.Overall, outcomes...); err != nil {
		c.log.WithContext(ctx).WithError(err).Errorf("record ledger entry", map[string]interface{}{
			"operationId": op.OperationID,
		})
	}

	c.metrics.IncOperation(string(result.Overall))
	if result.Overall == store.OverallFailed {
		msg := result.Primary.Error
		if msg == "" && result.Secondary != nil {
			msg = result.Secondary.Error
		}
		tracing.SetError(ctx, errors.New(msg))
	}

	if c.publisher != nil {
		evt := &events.OutcomeEvent{
			Operation: *op,
			Overall:   result.Overall,
			Primary:   result.Primary,
			Secondary: result.Secondary,
		}
		if err := c.publisher.PublishOutcome(ctx, evt); err != nil {
			c.metrics.IncPublishError("outcomes")
			c.log.WithContext(ctx).WithError(err).Warnf("publish outcome event", map[string]interface{}{
				"operationId": op.OperationID,
			})
		}
	}
}

// enqueueRetry 把欠下的旧库写入登记成补偿任务：Skipped 结局欠整笔写入，
// 容忍的同步失败欠后续重试。任务没落库时旧库写入无人兜底，
// Skipped 结局降级为失败，按策略参与总体结局计算。
func (c *Coordinator) enqueueRetry(ctx context.Context, op *store.Operation, result *DualWriteResult) {
	if !c.cfg.SecondaryEnabled() || result.Secondary == nil {
		return
	}

	var attempts int
	var lastErr string
	switch {
	case result.Secondary.Status == store.StatusSkipped:
		attempts = 0
	case result.Secondary.Status == store.StatusFailed && !c.cfg.DualWrite.FailOnLegacyError:
		attempts = 1
		lastErr = result.Secondary.Error
	default:
		return
	}

	var err error
	if c.retries == nil {
		err = errors.New("no retry queue configured")
	} else {
		err = c.retries.Enqueue(ctx, op, attempts, lastErr)
	}
	if err == nil {
		return
	}

	c.metrics.IncRetryEnqueueFailure(op.EntityType)
	tracing.AddEvent(ctx, "retry.enqueue_failed")
	c.log.WithContext(ctx).WithError(err).Errorf("enqueue retry task", map[string]interface{}{
		"operationId": op.OperationID,
		"entityType":  op.EntityType,
		"entityKey":   op.EntityKey,
	})

	if result.Secondary.Status == store.StatusSkipped {
		result.Secondary.Status = store.StatusFailed
		result.Secondary.ErrorCode = store.CodeStoreFailure
		result.Secondary.Error = "enqueue retry task: " + err.Error()
	}
}

// overallOf 计算总体结局：主库失败即失败；旧库失败按策略
// 升级为失败或降级为部分成功；跳过与成功都算成功。
func overallOf(cfg *config.Config, primary *store.WriteOutcome, secondary *store.WriteOutcome) store.Overall {
	if primary.Status == store.StatusFailed {
		return store.OverallFailed
	}
	if secondary != nil && secondary.Status == store.StatusFailed {
		if cfg.DualWrite.FailOnLegacyError {
			return store.OverallFailed
		}
		return store.OverallPartialSuccess
	}
	return store.OverallSuccess
}

// replayFromEntry 从账本条目还原首次执行的结果
func replayFromEntry(entry *ledger.Entry) *DualWriteResult {
	result := &DualWriteResult{
		OperationID: entry.Operation.OperationID,
		Overall:     entry.Overall,
		Replayed:    true,
	}
	for i := range entry.Outcomes {
		outcome := entry.Outcomes[i]
		switch outcome.Store {
		case store.TargetPrimary:
			if result.Primary.OperationID == "" {
				result.Primary = outcome
			}
		case store.TargetSecondary:
			if result.Secondary == nil {
				result.Secondary = &outcome
			}
		}
	}
	return result
}

func validateOperation(op *store.Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if _, err := uuid.Parse(op.OperationID); err != nil {
		return fmt.Errorf("%w: operation_id must be a UUID: %v", ErrInvalidOperation, err)
	}
	if op.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvalidOperation)
	}
	if op.EntityKey == "" {
		return fmt.Errorf("%w: entity_key is required", ErrInvalidOperation)
	}
	switch op.Kind {
	case store.KindCreate, store.KindUpdate:
		if len(op.Payload) == 0 {
			return fmt.Errorf("%w: payload is required for %s", ErrInvalidOperation, op.Kind)
		}
	case store.KindDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}
