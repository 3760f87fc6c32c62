package coordinator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/commerce/dualwrite/internal/config"
	"github.com/commerce/dualwrite/internal/events"
	"github.com/commerce/dualwrite/internal/keylock"
	"github.com/commerce/dualwrite/internal/ledger"
	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/pkg/logger"
)

// stubStore 包装内存实现，可注入错误并记录调用
type stubStore struct {
	mu      sync.Mutex
	inner   *store.MemoryStore
	putErr  error
	delErr  error
	calls   []string
	putGate chan struct{}
}

func newStubStore() *stubStore {
	return &stubStore{inner: store.NewMemory()}
}

func (s *stubStore) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *stubStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubStore) Put(ctx context.Context, entityType, entityKey string, kind store.Kind, payload map[string]interface{}) error {
	if s.putGate != nil {
		<-s.putGate
	}
	s.record("put:" + entityKey)
	if s.putErr != nil {
		return s.putErr
	}
	return s.inner.Put(ctx, entityType, entityKey, kind, payload)
}

func (s *stubStore) Delete(ctx context.Context, entityType, entityKey string) error {
	s.record("delete:" + entityKey)
	if s.delErr != nil {
		return s.delErr
	}
	return s.inner.Delete(ctx, entityType, entityKey)
}

func (s *stubStore) Get(ctx context.Context, entityType, entityKey string) (map[string]interface{}, error) {
	return s.inner.Get(ctx, entityType, entityKey)
}

func (s *stubStore) List(ctx context.Context, entityType, afterKey string, limit int) ([]store.Entity, error) {
	return s.inner.List(ctx, entityType, afterKey, limit)
}

func (s *stubStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

type enqueued struct {
	op       store.Operation
	attempts int
	lastErr  string
}

// captureQueue 记录入队请求，并按已捕获的任务应答同键查询
type captureQueue struct {
	mu         sync.Mutex
	tasks      []enqueued
	err        error
	pendingErr error
}

func (q *captureQueue) Enqueue(ctx context.Context, op *store.Operation, attempts int, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, enqueued{op: *op, attempts: attempts, lastErr: lastErr})
	return nil
}

func (q *captureQueue) HasPending(ctx context.Context, entityType, entityKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingErr != nil {
		return false, q.pendingErr
	}
	for _, t := range q.tasks {
		if t.op.EntityType == entityType && t.op.EntityKey == entityKey {
			return true, nil
		}
	}
	return false, nil
}

func (q *captureQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// capturePublisher 记录发布的结果事件
type capturePublisher struct {
	mu     sync.Mutex
	events []events.OutcomeEvent
}

func (p *capturePublisher) PublishOutcome(ctx context.Context, evt *events.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *evt)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.DualWrite.Enabled = true
	cfg.DualWrite.WriteToNew = true
	cfg.DualWrite.WriteToLegacy = true
	cfg.DualWrite.AsyncLegacy = false
	cfg.DualWrite.FailOnLegacyError = false
	cfg.DualWrite.StoreTimeout = 2 * time.Second
	return cfg
}

type testEnv struct {
	coord     *Coordinator
	primary   *stubStore
	secondary *stubStore
	queue     *captureQueue
	ledger    *ledger.Ledger
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	primary := newStubStore()
	secondary := newStubStore()
	led := ledger.New()
	queue := &captureQueue{}

	coord := New(cfg, primary, secondary, keylock.New(), led, logger.New("test", io.Discard), nil)
	coord.SetRetryQueue(queue)

	return &testEnv{coord: coord, primary: primary, secondary: secondary, queue: queue, ledger: led}
}

func cartCreate(opID string) *store.Operation {
	return &store.Operation{
		OperationID: opID,
		EntityType:  "cart",
		EntityKey:   "u123",
		Kind:        store.KindCreate,
		Payload:     map[string]interface{}{"items": []interface{}{}},
	}
}

func TestExecuteBothStoresHealthy(t *testing.T) {
	env := newTestEnv(t, testConfig())

	result, err := env.coord.Execute(context.Background(), cartCreate("11111111-1111-4111-8111-111111111111"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Overall != store.OverallSuccess {
		t.Fatalf("overall = %s, want %s", result.Overall, store.OverallSuccess)
	}
	if result.Primary.Status != store.StatusSuccess {
		t.Fatalf("primary status = %s, want success", result.Primary.Status)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusSuccess {
		t.Fatalf("secondary = %+v, want success outcome", result.Secondary)
	}

	for _, st := range []*stubStore{env.primary, env.secondary} {
		if _, err := st.Get(context.Background(), "cart", "u123"); err != nil {
			t.Fatalf("entity missing after write: %v", err)
		}
	}
	if env.queue.len() != 0 {
		t.Fatalf("retry tasks enqueued = %d, want 0", env.queue.len())
	}
}

func TestPrimaryFailureSkipsSecondary(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.primary.putErr = errors.New("connection refused")

	result, err := env.coord.Execute(context.Background(), cartCreate("22222222-2222-4222-8222-222222222222"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Overall != store.OverallFailed {
		t.Fatalf("overall = %s, want failed", result.Overall)
	}
	if result.Primary.ErrorCode != store.CodeStoreFailure {
		t.Fatalf("primary error code = %s, want %s", result.Primary.ErrorCode, store.CodeStoreFailure)
	}
	if result.Secondary != nil {
		t.Fatalf("secondary outcome = %+v, want nil", result.Secondary)
	}
	if env.secondary.callCount() != 0 {
		t.Fatalf("secondary store calls = %d, want 0", env.secondary.callCount())
	}
	if env.queue.len() != 0 {
		t.Fatalf("retry tasks enqueued = %d, want 0", env.queue.len())
	}

	entry, ok := env.ledger.Get(result.OperationID)
	if !ok {
		t.Fatal("ledger entry missing")
	}
	if entry.Overall != store.OverallFailed || len(entry.Outcomes) != 1 {
		t.Fatalf("entry overall = %s outcomes = %d, want failed with a single outcome", entry.Overall, len(entry.Outcomes))
	}
}

func TestSecondaryFailureToleratedQueuesRetry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.secondary.putErr = errors.New("legacy db gone")

	result, err := env.coord.Execute(context.Background(), cartCreate("33333333-3333-4333-8333-333333333333"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Overall != store.OverallPartialSuccess {
		t.Fatalf("overall = %s, want partial_success", result.Overall)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusFailed {
		t.Fatalf("secondary = %+v, want failed outcome", result.Secondary)
	}

	if env.queue.len() != 1 {
		t.Fatalf("retry tasks enqueued = %d, want 1", env.queue.len())
	}
	task := env.queue.tasks[0]
	if task.attempts != 1 {
		t.Fatalf("task attempts = %d, want 1", task.attempts)
	}
	if task.lastErr == "" {
		t.Fatal("task lastErr empty, want failure message")
	}
}

func TestSecondaryFailureEscalatesWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.DualWrite.FailOnLegacyError = true
	env := newTestEnv(t, cfg)
	env.secondary.putErr = errors.New("legacy db gone")

	result, err := env.coord.Execute(context.Background(), cartCreate("44444444-4444-4444-8444-444444444444"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Overall != store.OverallFailed {
		t.Fatalf("overall = %s, want failed", result.Overall)
	}
	if result.Primary.Status != store.StatusSuccess {
		t.Fatalf("primary status = %s, want success", result.Primary.Status)
	}
	if env.queue.len() != 0 {
		t.Fatalf("retry tasks enqueued = %d, want 0 on fatal legacy error", env.queue.len())
	}
}

func TestAsyncLegacyDefersSecondaryWrite(t *testing.T) {
	cfg := testConfig()
	cfg.DualWrite.AsyncLegacy = true
	env := newTestEnv(t, cfg)

	result, err := env.coord.Execute(context.Background(), cartCreate("55555555-5555-4555-8555-555555555555"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Overall != store.OverallSuccess {
		t.Fatalf("overall = %s, want success", result.Overall)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusSkipped {
		t.Fatalf("secondary = %+v, want skipped outcome", result.Secondary)
	}
	if env.secondary.callCount() != 0 {
		t.Fatalf("secondary store calls = %d, want 0 before drain", env.secondary.callCount())
	}

	if env.queue.len() != 1 {
		t.Fatalf("retry tasks enqueued = %d, want 1", env.queue.len())
	}
	if env.queue.tasks[0].attempts != 0 {
		t.Fatalf("task attempts = %d, want 0", env.queue.tasks[0].attempts)
	}
}

func TestSyncWriteDefersBehindPendingRetry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	// 旧库先挂一次，同键留下一个补偿任务
	env.secondary.putErr = errors.New("legacy db gone")
	first, err := env.coord.Execute(ctx, &store.Operation{
		OperationID: "21212121-2121-4121-8121-212121212121",
		EntityType:  "users",
		EntityKey:   "alice",
		Kind:        store.KindUpdate,
		Payload:     map[string]interface{}{"email": "v1@new"},
	})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Overall != store.OverallPartialSuccess {
		t.Fatalf("first overall = %s, want partial_success", first.Overall)
	}
	if env.queue.len() != 1 {
		t.Fatalf("retry tasks enqueued = %d, want 1", env.queue.len())
	}

	// 旧库恢复后同键再写：不得越过排队中的任务直写
	env.secondary.putErr = nil
	secondaryCalls := env.secondary.callCount()
	second, err := env.coord.Execute(ctx, &store.Operation{
		OperationID: "23232323-2323-4232-8232-232323232323",
		EntityType:  "users",
		EntityKey:   "alice",
		Kind:        store.KindUpdate,
		Payload:     map[string]interface{}{"email": "v2@new"},
	})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Overall != store.OverallSuccess {
		t.Fatalf("second overall = %s, want success", second.Overall)
	}
	if second.Secondary == nil || second.Secondary.Status != store.StatusSkipped {
		t.Fatalf("second secondary = %+v, want skipped outcome", second.Secondary)
	}
	if env.secondary.callCount() != secondaryCalls {
		t.Fatal("second write touched the secondary store directly")
	}
	if env.queue.len() != 2 {
		t.Fatalf("retry tasks enqueued = %d, want 2", env.queue.len())
	}
	if env.queue.tasks[1].attempts != 0 {
		t.Fatalf("deferred task attempts = %d, want 0", env.queue.tasks[1].attempts)
	}

	// 按任务序补偿后，旧库收敛到后提交的值
	for i := range env.queue.tasks {
		op := env.queue.tasks[i].op
		if err := env.secondary.Put(ctx, op.EntityType, op.EntityKey, op.Kind, op.Payload); err != nil {
			t.Fatalf("apply task %d: %v", i, err)
		}
	}
	got, err := env.secondary.Get(ctx, "users", "alice")
	if err != nil {
		t.Fatalf("secondary get: %v", err)
	}
	if got["email"] != "v2@new" {
		t.Fatalf("secondary email = %v after in-order drain, want v2@new", got["email"])
	}
}

func TestSyncDeleteDefersBehindPendingPut(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	if _, err := env.coord.Execute(ctx, cartCreate("25252525-2525-4252-8252-252525252525")); err != nil {
		t.Fatalf("seed execute: %v", err)
	}
	env.secondary.putErr = errors.New("legacy db gone")
	if _, err := env.coord.Execute(ctx, &store.Operation{
		OperationID: "26262626-2626-4262-8262-262626262626",
		EntityType:  "cart",
		EntityKey:   "u123",
		Kind:        store.KindUpdate,
		Payload:     map[string]interface{}{"items": []interface{}{"sku-2"}},
	}); err != nil {
		t.Fatalf("update execute: %v", err)
	}
	env.secondary.putErr = nil

	// 同键删除也要排在未清任务之后，直删会被排队的补偿写复活
	result, err := env.coord.Execute(ctx, &store.Operation{
		OperationID: "27272727-2727-4272-8272-272727272727",
		EntityType:  "cart",
		EntityKey:   "u123",
		Kind:        store.KindDelete,
	})
	if err != nil {
		t.Fatalf("delete execute: %v", err)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusSkipped {
		t.Fatalf("delete secondary = %+v, want skipped outcome", result.Secondary)
	}
	if env.queue.len() != 2 {
		t.Fatalf("retry tasks enqueued = %d, want 2", env.queue.len())
	}
	if env.queue.tasks[1].op.Kind != store.KindDelete {
		t.Fatalf("deferred task kind = %s, want delete", env.queue.tasks[1].op.Kind)
	}
	if _, err := env.secondary.Get(ctx, "cart", "u123"); err != nil {
		t.Fatalf("legacy entity gone before queued tasks applied: %v", err)
	}
}

func TestSyncWriteDefersWhenPendingCheckFails(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.queue.pendingErr = errors.New("retry table unreachable")

	result, err := env.coord.Execute(context.Background(), cartCreate("28282828-2828-4282-8282-282828282828"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Overall != store.OverallSuccess {
		t.Fatalf("overall = %s, want success", result.Overall)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusSkipped {
		t.Fatalf("secondary = %+v, want skipped outcome", result.Secondary)
	}
	if env.secondary.callCount() != 0 {
		t.Fatalf("secondary store calls = %d, want 0", env.secondary.callCount())
	}
	if env.queue.len() != 1 {
		t.Fatalf("retry tasks enqueued = %d, want 1", env.queue.len())
	}
}

func TestAsyncEnqueueFailureDegradesResult(t *testing.T) {
	cfg := testConfig()
	cfg.DualWrite.AsyncLegacy = true
	env := newTestEnv(t, cfg)
	env.queue.err = errors.New("insert failed")

	result, err := env.coord.Execute(context.Background(), cartCreate("29292929-2929-4292-8292-292929292929"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 任务没落库，旧库写入无人兜底，不能再报成功
	if result.Overall != store.OverallPartialSuccess {
		t.Fatalf("overall = %s, want partial_success", result.Overall)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusFailed {
		t.Fatalf("secondary = %+v, want failed outcome", result.Secondary)
	}
	if result.Secondary.ErrorCode != store.CodeStoreFailure {
		t.Fatalf("secondary error code = %s, want %s", result.Secondary.ErrorCode, store.CodeStoreFailure)
	}
	if !strings.Contains(result.Secondary.Error, "enqueue retry task") {
		t.Fatalf("secondary error = %q, want enqueue failure message", result.Secondary.Error)
	}

	entry, ok := env.ledger.Get(result.OperationID)
	if !ok {
		t.Fatal("ledger entry missing")
	}
	if entry.Overall != store.OverallPartialSuccess {
		t.Fatalf("ledger overall = %s, want partial_success", entry.Overall)
	}
}

func TestEnqueueFailureKeepsSyncFailureOutcome(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.secondary.putErr = errors.New("legacy db gone")
	env.queue.err = errors.New("insert failed")

	result, err := env.coord.Execute(context.Background(), cartCreate("31313131-3131-4131-8131-313131313131"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Overall != store.OverallPartialSuccess {
		t.Fatalf("overall = %s, want partial_success", result.Overall)
	}

	// 原始失败结局保留，不被入队失败的消息覆盖
	if result.Secondary == nil || !strings.Contains(result.Secondary.Error, "legacy db gone") {
		t.Fatalf("secondary = %+v, want the original store failure", result.Secondary)
	}
	if env.queue.len() != 0 {
		t.Fatalf("retry tasks enqueued = %d, want 0", env.queue.len())
	}
}

func TestSecondaryDisabledProducesNoOutcome(t *testing.T) {
	cfg := testConfig()
	cfg.DualWrite.WriteToLegacy = false
	env := newTestEnv(t, cfg)

	result, err := env.coord.Execute(context.Background(), cartCreate("66666666-6666-4666-8666-666666666666"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Overall != store.OverallSuccess {
		t.Fatalf("overall = %s, want success", result.Overall)
	}
	if result.Secondary != nil {
		t.Fatalf("secondary = %+v, want nil", result.Secondary)
	}
	if env.queue.len() != 0 {
		t.Fatalf("retry tasks enqueued = %d, want 0", env.queue.len())
	}
}

func TestPrimaryDisabledStillWritesLegacy(t *testing.T) {
	cfg := testConfig()
	cfg.DualWrite.WriteToNew = false
	env := newTestEnv(t, cfg)

	result, err := env.coord.Execute(context.Background(), cartCreate("77777777-7777-4777-8777-777777777777"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Primary.Status != store.StatusFailed || result.Primary.ErrorCode != store.CodePrimaryDisabled {
		t.Fatalf("primary = %+v, want synthetic %s failure", result.Primary, store.CodePrimaryDisabled)
	}
	if result.Overall != store.OverallFailed {
		t.Fatalf("overall = %s, want failed", result.Overall)
	}
	if result.Secondary == nil || result.Secondary.Status != store.StatusSuccess {
		t.Fatalf("secondary = %+v, want success outcome", result.Secondary)
	}
	if env.primary.callCount() != 0 {
		t.Fatalf("primary store calls = %d, want 0", env.primary.callCount())
	}
	if _, err := env.secondary.Get(context.Background(), "cart", "u123"); err != nil {
		t.Fatalf("legacy entity missing: %v", err)
	}
}

func TestCreateDuplicateKeySurfaced(t *testing.T) {
	env := newTestEnv(t, testConfig())

	ctx := context.Background()
	if _, err := env.coord.Execute(ctx, cartCreate("88888888-8888-4888-8888-888888888888")); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	result, err := env.coord.Execute(ctx, cartCreate("99999999-9999-4999-8999-999999999999"))
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if result.Overall != store.OverallFailed {
		t.Fatalf("overall = %s, want failed", result.Overall)
	}
	if result.Primary.ErrorCode != store.CodeDuplicateKey {
		t.Fatalf("primary error code = %s, want %s", result.Primary.ErrorCode, store.CodeDuplicateKey)
	}
}

func TestDeleteMissingKeyIsSuccess(t *testing.T) {
	env := newTestEnv(t, testConfig())

	op := &store.Operation{
		OperationID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa",
		EntityType:  "cart",
		EntityKey:   "never-written",
		Kind:        store.KindDelete,
	}
	result, err := env.coord.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Overall != store.OverallSuccess {
		t.Fatalf("overall = %s, want success", result.Overall)
	}
}

func TestTimeoutClassifiedOnPrimary(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.primary.putErr = context.DeadlineExceeded

	result, err := env.coord.Execute(context.Background(), cartCreate("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Primary.ErrorCode != store.CodeTimeout {
		t.Fatalf("primary error code = %s, want %s", result.Primary.ErrorCode, store.CodeTimeout)
	}
}

func TestIdempotentReplayReturnsOriginalResult(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.secondary.putErr = errors.New("legacy db gone")

	ctx := context.Background()
	op := cartCreate("cccccccc-cccc-4ccc-8ccc-cccccccccccc")

	first, err := env.coord.Execute(ctx, op)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Overall != store.OverallPartialSuccess {
		t.Fatalf("first overall = %s, want partial_success", first.Overall)
	}

	// 模拟补偿成功后追加结局，Overall 保持首次结果
	env.secondary.putErr = nil
	if err := env.ledger.AppendOutcome(op.OperationID, store.WriteOutcome{
		OperationID: op.OperationID,
		Store:       store.TargetSecondary,
		Status:      store.StatusSuccess,
		AttemptedAt: time.Now(),
	}); err != nil {
		t.Fatalf("append outcome: %v", err)
	}

	primaryCalls := env.primary.callCount()
	second, err := env.coord.Execute(ctx, op)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}

	if !second.Replayed {
		t.Fatal("second result not marked replayed")
	}
	if second.Overall != first.Overall {
		t.Fatalf("replayed overall = %s, want %s", second.Overall, first.Overall)
	}
	if second.Secondary == nil || second.Secondary.Status != store.StatusFailed {
		t.Fatalf("replayed secondary = %+v, want the original failed outcome", second.Secondary)
	}
	if env.primary.callCount() != primaryCalls {
		t.Fatal("replay must not touch the primary store")
	}
	if env.queue.len() != 1 {
		t.Fatalf("retry tasks enqueued = %d, want 1 from the first execution only", env.queue.len())
	}
}

func TestInvalidOperationsRejected(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		op   *store.Operation
	}{
		{"nil operation", nil},
		{"bad uuid", &store.Operation{OperationID: "not-a-uuid", EntityType: "cart", EntityKey: "k", Kind: store.KindDelete}},
		{"missing entity type", &store.Operation{OperationID: "dddddddd-dddd-4ddd-8ddd-dddddddddddd", EntityKey: "k", Kind: store.KindDelete}},
		{"missing entity key", &store.Operation{OperationID: "dddddddd-dddd-4ddd-8ddd-dddddddddddd", EntityType: "cart", Kind: store.KindDelete}},
		{"create without payload", &store.Operation{OperationID: "dddddddd-dddd-4ddd-8ddd-dddddddddddd", EntityType: "cart", EntityKey: "k", Kind: store.KindCreate}},
		{"unknown kind", &store.Operation{OperationID: "dddddddd-dddd-4ddd-8ddd-dddddddddddd", EntityType: "cart", EntityKey: "k", Kind: "merge"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.coord.Execute(ctx, tt.op); !errors.Is(err, ErrInvalidOperation) {
				t.Fatalf("err = %v, want ErrInvalidOperation", err)
			}
		})
	}
}

func TestConcurrentSameKeyAppliedInOrder(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	seed := cartCreate("eeeeeeee-eeee-4eee-8eee-eeeeeeeeeeee")
	if _, err := env.coord.Execute(ctx, seed); err != nil {
		t.Fatalf("seed execute: %v", err)
	}

	gate := make(chan struct{})
	env.primary.putGate = gate

	updateDone := make(chan *DualWriteResult, 1)
	go func() {
		op := &store.Operation{
			OperationID: "ffffffff-ffff-4fff-8fff-ffffffffffff",
			EntityType:  "cart",
			EntityKey:   "u123",
			Kind:        store.KindUpdate,
			Payload:     map[string]interface{}{"items": []interface{}{"sku-1"}},
		}
		result, err := env.coord.Execute(ctx, op)
		if err != nil {
			t.Errorf("update execute: %v", err)
		}
		updateDone <- result
	}()

	// 等 update 拿到租约并阻塞在主库写入上
	deadline := time.Now().Add(2 * time.Second)
	for env.coord.locks.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("update never acquired the key lease")
		}
		time.Sleep(time.Millisecond)
	}

	deleteDone := make(chan *DualWriteResult, 1)
	go func() {
		op := &store.Operation{
			OperationID: "12121212-1212-4121-8121-121212121212",
			EntityType:  "cart",
			EntityKey:   "u123",
			Kind:        store.KindDelete,
		}
		result, err := env.coord.Execute(ctx, op)
		if err != nil {
			t.Errorf("delete execute: %v", err)
		}
		deleteDone <- result
	}()

	// delete 必须排在 update 之后
	time.Sleep(10 * time.Millisecond)
	select {
	case <-deleteDone:
		t.Fatal("delete completed while update still held the lease")
	default:
	}

	close(gate)
	update := <-updateDone
	del := <-deleteDone

	if update.Overall != store.OverallSuccess || del.Overall != store.OverallSuccess {
		t.Fatalf("update overall = %s, delete overall = %s, want both success", update.Overall, del.Overall)
	}

	// 两库最终都不应再有该实体
	for _, st := range []*stubStore{env.primary, env.secondary} {
		if _, err := st.Get(ctx, "cart", "u123"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("entity still present after delete: %v", err)
		}
	}
}

func TestOutcomeEventPublished(t *testing.T) {
	env := newTestEnv(t, testConfig())
	pub := &capturePublisher{}
	env.coord.SetPublisher(pub)

	if _, err := env.coord.Execute(context.Background(), cartCreate("34343434-3434-4343-8343-343434343434")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(pub.events))
	}
	if pub.events[0].Overall != store.OverallSuccess {
		t.Fatalf("event overall = %s, want success", pub.events[0].Overall)
	}
	if pub.events[0].Operation.EntityKey != "u123" {
		t.Fatalf("event entity key = %s, want u123", pub.events[0].Operation.EntityKey)
	}
}
