// Package events 双写结果与漂移事件发布
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/pkg/tracing"
)

// 事件类型
const (
	TypeOutcome        = "dualwrite.outcome"
	TypeDrift          = "dualwrite.drift"
	TypeRetryAbandoned = "dualwrite.retry.abandoned"
)

// Envelope 流消息信封
type Envelope struct {
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
	EmittedAt int64       `json:"emittedAtMs"`
}

// OutcomeEvent 单次双写的最终结果
type OutcomeEvent struct {
	Operation store.Operation     `json:"operation"`
	Overall   store.Overall       `json:"overall"`
	Primary   store.WriteOutcome  `json:"primary"`
	Secondary *store.WriteOutcome `json:"secondary,omitempty"`
}

// DriftEvent 校验发现的单条数据漂移
type DriftEvent struct {
	EntityType     string   `json:"entityType"`
	EntityKey      string   `json:"entityKey"`
	Classification string   `json:"classification"`
	Fields         []string `json:"fields,omitempty"`
	DetectedAt     int64    `json:"detectedAtMs"`
}

// AbandonedRetryEvent 放弃重试的补偿任务
type AbandonedRetryEvent struct {
	OperationID string `json:"operationId"`
	EntityType  string `json:"entityType"`
	EntityKey   string `json:"entityKey"`
	Kind        string `json:"kind"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"lastError,omitempty"`
}

// Publisher 发布事件到 Redis Streams
type Publisher struct {
	client        *redis.Client
	outcomeStream string
	driftStream   string
	dlqStream     string
}

// NewPublisher 创建发布器
func NewPublisher(client *redis.Client, outcomeStream, driftStream, dlqStream string) *Publisher {
	return &Publisher{
		client:        client,
		outcomeStream: outcomeStream,
		driftStream:   driftStream,
		dlqStream:     dlqStream,
	}
}

// PublishOutcome 发布写结果事件
func (p *Publisher) PublishOutcome(ctx context.Context, evt *OutcomeEvent) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.outcomeStream, TypeOutcome, evt)
}

// PublishDrift 发布漂移事件
func (p *Publisher) PublishDrift(ctx context.Context, evt *DriftEvent) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.driftStream, TypeDrift, evt)
}

// PublishAbandonedRetry 发布放弃重试事件到死信流
func (p *Publisher) PublishAbandonedRetry(ctx context.Context, evt *AbandonedRetryEvent) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, p.dlqStream, TypeRetryAbandoned, evt)
}

func (p *Publisher) publish(ctx context.Context, stream, eventType string, payload interface{}) error {
	if p == nil || p.client == nil {
		return nil
	}

	data, err := json.Marshal(&Envelope{
		EventType: eventType,
		Payload:   payload,
		EmittedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	tracing.InjectRedisStream(ctx, values)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}

	return nil
}

// Trim 裁剪事件流长度
func (p *Publisher) Trim(ctx context.Context, maxLen int64) error {
	for _, stream := range []string{p.outcomeStream, p.driftStream, p.dlqStream} {
		if err := p.client.XTrimMaxLen(ctx, stream, maxLen).Err(); err != nil {
			return fmt.Errorf("xtrim %s: %w", stream, err)
		}
	}
	return nil
}
