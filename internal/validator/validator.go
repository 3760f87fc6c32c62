// Package validator 双库一致性校验器，只读比对并产出漂移报告
package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/commerce/dualwrite/internal/config"
	"github.com/commerce/dualwrite/internal/events"
	"github.com/commerce/dualwrite/internal/keylock"
	"github.com/commerce/dualwrite/internal/metrics"
	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/pkg/health"
	"github.com/commerce/dualwrite/pkg/logger"
)

// Classification 比对结论
type Classification string

const (
	ClassMatch              Classification = "match"
	ClassValueMismatch      Classification = "value_mismatch"
	ClassMissingInPrimary   Classification = "missing_in_primary"
	ClassMissingInSecondary Classification = "missing_in_secondary"
)

// Direction 修复方向
type Direction string

const (
	NewToLegacy Direction = "new_to_legacy"
	LegacyToNew Direction = "legacy_to_new"
)

// 最近错误环：留 100 条，对外报最后 10 条
const (
	errRingKeep   = 100
	errRingReport = 10
)

var (
	ErrUnknownEntityType = errors.New("entity type not registered for validation")
	ErrRepairDisabled    = errors.New("repair disabled by configuration")
	ErrNotRepairable     = errors.New("classification not repairable")
	ErrUnknownDirection  = errors.New("unknown repair direction")
)

// FieldDiff 单个不一致字段的两侧取值
type FieldDiff struct {
	Field     string      `json:"field"`
	Primary   interface{} `json:"primaryValue"`
	Secondary interface{} `json:"secondaryValue"`
}

// DiffRecord 单个键的比对结果，只是报告，不是权威状态
type DiffRecord struct {
	EntityType     string                 `json:"entityType"`
	EntityKey      string                 `json:"entityKey"`
	PrimaryValue   map[string]interface{} `json:"primaryValue,omitempty"`
	SecondaryValue map[string]interface{} `json:"secondaryValue,omitempty"`
	Classification Classification         `json:"classification"`
	FieldDiffs     []FieldDiff            `json:"fieldDiffs,omitempty"`
	CheckedAt      time.Time              `json:"checkedAt"`
}

// FieldNames 不一致字段名，按登记顺序
func (d *DiffRecord) FieldNames() []string {
	if len(d.FieldDiffs) == 0 {
		return nil
	}
	names := make([]string, 0, len(d.FieldDiffs))
	for _, fd := range d.FieldDiffs {
		names = append(names, fd.Field)
	}
	return names
}

// Summary 一批比对结果的汇总
type Summary struct {
	Total            int                    `json:"total"`
	Matches          int                    `json:"matches"`
	Mismatches       int                    `json:"mismatches"`
	ByClassification map[Classification]int `json:"byClassification"`
	FieldMismatches  map[string]int         `json:"fieldMismatches,omitempty"`
	TopFields        []string               `json:"topFields,omitempty"`
	SyncPercent      float64                `json:"syncPercent"`
}

// RunStats 最近一次完整校验的统计
type RunStats struct {
	CompletedAt  time.Time              `json:"completedAt"`
	Checked      int                    `json:"checked"`
	Mismatches   int                    `json:"mismatches"`
	ByType       map[string]int         `json:"mismatchesByType"`
	ByClass      map[Classification]int `json:"mismatchesByClassification"`
	RecentErrors []string               `json:"recentErrors,omitempty"`
	Duration     time.Duration          `json:"durationNs"`
}

// PassResult 一次完整校验：全部登记类型、双向扫描
type PassResult struct {
	StartedAt time.Time               `json:"startedAt"`
	Duration  time.Duration           `json:"durationNs"`
	Summary   Summary                 `json:"summary"`
	Diffs     map[string][]DiffRecord `json:"diffs"`
}

// Registry 各实体类型参与比对的字段集合，启动时静态登记
type Registry struct {
	mu     sync.RWMutex
	fields map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{fields: make(map[string][]string)}
}

// Register 登记实体类型的比对字段
func (r *Registry) Register(entityType string, fields ...string) {
	r.mu.Lock()
	r.fields[entityType] = append([]string(nil), fields...)
	r.mu.Unlock()
}

// Fields 返回登记的字段集合
func (r *Registry) Fields(entityType string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields, ok := r.fields[entityType]
	return fields, ok
}

// Types 已登记的实体类型，按名称排序
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.fields))
	for t := range r.fields {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ParseRegistry 解析 "users:email,role;products:name,price" 形式的登记串
func ParseRegistry(spec string) (*Registry, error) {
	r := NewRegistry()
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, list, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parity fields entry %q", part)
		}
		var fields []string
		for _, f := range strings.Split(list, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("entity type %q has no parity fields", name)
		}
		r.Register(name, fields...)
	}
	return r, nil
}

// driftPublisher 漂移事件发布
type driftPublisher interface {
	PublishDrift(ctx context.Context, evt *events.DriftEvent) error
}

// Validator 按登记的字段集比对两库。键租约只在单个键的比对
// 和修复期间短暂持有，不会长时间阻塞在线写入。
type Validator struct {
	cfg       *config.Config
	primary   store.Store
	secondary store.Store
	locks     *keylock.Serializer
	registry  *Registry
	cmp       *comparer
	ignore    map[string]struct{}
	publisher driftPublisher
	metrics   *metrics.Metrics
	log       *logger.Logger

	mu         sync.Mutex
	lastRun    *RunStats
	recentErrs []string

	loop health.LoopMonitor
}

// New 创建校验器
func New(cfg *config.Config, primary, secondary store.Store, locks *keylock.Serializer, registry *Registry, log *logger.Logger, m *metrics.Metrics) (*Validator, error) {
	tolerance, ok := new(big.Rat).SetString(cfg.Sync.NumericTolerance)
	if !ok {
		return nil, fmt.Errorf("parse numeric tolerance %q", cfg.Sync.NumericTolerance)
	}

	ignore := make(map[string]struct{}, len(cfg.Sync.IgnoreFields))
	for _, f := range cfg.Sync.IgnoreFields {
		ignore[f] = struct{}{}
	}

	return &Validator{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		locks:     locks,
		registry:  registry,
		cmp:       &comparer{tolerance: tolerance},
		ignore:    ignore,
		metrics:   m,
		log:       log.WithComponent("validator"),
	}, nil
}

// SetPublisher 注入漂移事件发布器
func (v *Validator) SetPublisher(p driftPublisher) {
	v.publisher = p
}

// ValidateOne 比对单个键
func (v *Validator) ValidateOne(ctx context.Context, entityType, entityKey string) (*DiffRecord, error) {
	fields, ok := v.registry.Fields(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return v.validateKey(ctx, entityType, entityKey, fields)
}

// validateKey 持键租约读两库并分类
func (v *Validator) validateKey(ctx context.Context, entityType, entityKey string, fields []string) (*DiffRecord, error) {
	release, err := v.locks.Acquire(ctx, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("acquire key lease: %w", err)
	}
	defer release()

	primary, primaryOK, err := v.read(ctx, v.primary, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("read primary: %w", err)
	}
	secondary, secondaryOK, err := v.read(ctx, v.secondary, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("read secondary: %w", err)
	}

	record := &DiffRecord{
		EntityType:     entityType,
		EntityKey:      entityKey,
		PrimaryValue:   primary,
		SecondaryValue: secondary,
		CheckedAt:      time.Now(),
	}

	switch {
	case !primaryOK && !secondaryOK:
		record.Classification = ClassMatch
	case !secondaryOK:
		record.Classification = ClassMissingInSecondary
	case !primaryOK:
		record.Classification = ClassMissingInPrimary
	default:
		diffs := v.compareFields(fields, primary, secondary)
		if len(diffs) == 0 {
			record.Classification = ClassMatch
		} else {
			record.Classification = ClassValueMismatch
			record.FieldDiffs = diffs
		}
	}
	return record, nil
}

func (v *Validator) read(ctx context.Context, st store.Store, entityType, entityKey string) (map[string]interface{}, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, v.cfg.DualWrite.StoreTimeout)
	defer cancel()

	payload, err := st.Get(rctx, entityType, entityKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// compareFields 返回不一致字段及两侧取值，忽略字段不参与比对
func (v *Validator) compareFields(fields []string, primary, secondary map[string]interface{}) []FieldDiff {
	var diffs []FieldDiff
	for _, field := range fields {
		if _, skip := v.ignore[field]; skip {
			continue
		}
		pv, pok := primary[field]
		sv, sok := secondary[field]
		if pok != sok {
			diffs = append(diffs, FieldDiff{Field: field, Primary: pv, Secondary: sv})
			continue
		}
		if !pok {
			continue
		}
		if !v.cmp.equal(pv, sv) {
			diffs = append(diffs, FieldDiff{Field: field, Primary: pv, Secondary: sv})
		}
	}
	return diffs
}

// ValidateBatch 从新库一侧分页扫描，逐键与旧库交叉比对。
// cursor 为空从头开始；返回的 nextCursor 为空表示扫描完成。
func (v *Validator) ValidateBatch(ctx context.Context, entityType, cursor string, pageSize int) ([]DiffRecord, string, error) {
	fields, ok := v.registry.Fields(entityType)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if pageSize <= 0 {
		pageSize = v.cfg.Sync.BatchSize
	}

	entities, err := v.primary.List(ctx, entityType, cursor, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("list primary: %w", err)
	}

	diffs := make([]DiffRecord, 0, len(entities))
	for _, entity := range entities {
		record, err := v.validateKey(ctx, entityType, entity.EntityKey, fields)
		if err != nil {
			return nil, "", err
		}
		diffs = append(diffs, *record)
	}

	next := ""
	if len(entities) == pageSize {
		next = entities[len(entities)-1].EntityKey
	}
	return diffs, next, nil
}

// ScanMissingInPrimary 从旧库一侧分页扫描，只报告新库缺失的键。
// 新库存在的键由 ValidateBatch 一侧覆盖，这里跳过以免重复报告。
func (v *Validator) ScanMissingInPrimary(ctx context.Context, entityType, cursor string, pageSize int) ([]DiffRecord, string, error) {
	if _, ok := v.registry.Fields(entityType); !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if pageSize <= 0 {
		pageSize = v.cfg.Sync.BatchSize
	}

	entities, err := v.secondary.List(ctx, entityType, cursor, pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("list secondary: %w", err)
	}

	var diffs []DiffRecord
	for _, entity := range entities {
		record, err := v.scanKey(ctx, entityType, entity.EntityKey)
		if err != nil {
			return nil, "", err
		}
		if record != nil {
			diffs = append(diffs, *record)
		}
	}

	next := ""
	if len(entities) == pageSize {
		next = entities[len(entities)-1].EntityKey
	}
	return diffs, next, nil
}

func (v *Validator) scanKey(ctx context.Context, entityType, entityKey string) (*DiffRecord, error) {
	release, err := v.locks.Acquire(ctx, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("acquire key lease: %w", err)
	}
	defer release()

	_, primaryOK, err := v.read(ctx, v.primary, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("read primary: %w", err)
	}
	if primaryOK {
		return nil, nil
	}

	secondary, secondaryOK, err := v.read(ctx, v.secondary, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("read secondary: %w", err)
	}
	if !secondaryOK {
		// 扫描期间两边都删掉了，已一致
		return nil, nil
	}

	return &DiffRecord{
		EntityType:     entityType,
		EntityKey:      entityKey,
		SecondaryValue: secondary,
		Classification: ClassMissingInPrimary,
		CheckedAt:      time.Now(),
	}, nil
}

// FullPass 对一个实体类型做完整双向扫描
func (v *Validator) FullPass(ctx context.Context, entityType string) ([]DiffRecord, error) {
	var all []DiffRecord

	cursor := ""
	for {
		diffs, next, err := v.ValidateBatch(ctx, entityType, cursor, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, diffs...)
		if next == "" {
			break
		}
		cursor = next
	}

	cursor = ""
	for {
		diffs, next, err := v.ScanMissingInPrimary(ctx, entityType, cursor, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, diffs...)
		if next == "" {
			break
		}
		cursor = next
	}

	return all, nil
}

// RunOnce 对全部登记类型做一次完整校验，更新统计并发布漂移事件
func (v *Validator) RunOnce(ctx context.Context) (*PassResult, error) {
	started := time.Now()
	result := &PassResult{
		StartedAt: started,
		Diffs:     make(map[string][]DiffRecord),
	}
	byType := make(map[string]int)

	var all []DiffRecord
	for _, entityType := range v.registry.Types() {
		diffs, err := v.FullPass(ctx, entityType)
		if err != nil {
			err = fmt.Errorf("validate %s: %w", entityType, err)
			v.recordError(err)
			return nil, err
		}
		all = append(all, diffs...)

		for i := range diffs {
			record := &diffs[i]
			if record.Classification == ClassMatch {
				continue
			}
			byType[entityType]++
			result.Diffs[entityType] = append(result.Diffs[entityType], *record)

			v.metrics.IncValidationDiff(entityType, string(record.Classification))
			v.publishDrift(ctx, record)
		}
	}

	result.Summary = Summarize(all)
	result.Duration = time.Since(started)

	completed := time.Now()
	v.metrics.SetLastValidation(completed, result.Summary.Mismatches)

	v.mu.Lock()
	v.lastRun = &RunStats{
		CompletedAt: completed,
		Checked:     result.Summary.Total,
		Mismatches:  result.Summary.Mismatches,
		ByType:      byType,
		ByClass:     result.Summary.ByClassification,
		Duration:    result.Duration,
	}
	v.mu.Unlock()

	return result, nil
}

func (v *Validator) publishDrift(ctx context.Context, record *DiffRecord) {
	if v.publisher == nil {
		return
	}
	evt := &events.DriftEvent{
		EntityType:     record.EntityType,
		EntityKey:      record.EntityKey,
		Classification: string(record.Classification),
		Fields:         record.FieldNames(),
		DetectedAt:     record.CheckedAt.UnixMilli(),
	}
	if err := v.publisher.PublishDrift(ctx, evt); err != nil {
		v.metrics.IncPublishError("drift")
		v.recordError(fmt.Errorf("publish drift %s/%s: %w", record.EntityType, record.EntityKey, err))
		v.log.WithError(err).Warnf("publish drift event", map[string]interface{}{
			"entityType": record.EntityType,
			"entityKey":  record.EntityKey,
		})
	}
}

// Summarize 汇总一批比对结果
func Summarize(diffs []DiffRecord) Summary {
	s := Summary{ByClassification: make(map[Classification]int)}
	fieldCounts := make(map[string]int)

	for i := range diffs {
		s.Total++
		s.ByClassification[diffs[i].Classification]++
		if diffs[i].Classification == ClassMatch {
			s.Matches++
			continue
		}
		s.Mismatches++
		for _, fd := range diffs[i].FieldDiffs {
			fieldCounts[fd.Field]++
		}
	}

	if len(fieldCounts) > 0 {
		s.FieldMismatches = fieldCounts
		s.TopFields = topFields(fieldCounts, 10)
	}
	if s.Total > 0 {
		s.SyncPercent = float64(s.Matches) / float64(s.Total) * 100
	} else {
		s.SyncPercent = 100
	}
	return s
}

// topFields 按出现次数取前 n 个字段，次数相同按名称排序
func topFields(counts map[string]int, n int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

// Repair 消除一条已检出的漂移：默认把新库当前值重放到旧库，
// legacy_to_new 方向反向回填。走键租约避免与在线写入竞争，
// 源库当前已删除的键按删除对齐。
func (v *Validator) Repair(ctx context.Context, record *DiffRecord, direction Direction) error {
	if !v.cfg.Sync.AllowRepair {
		return ErrRepairDisabled
	}
	if direction == "" {
		direction = NewToLegacy
	}

	var source, target store.Store
	switch direction {
	case NewToLegacy:
		if record.Classification != ClassMissingInSecondary && record.Classification != ClassValueMismatch {
			return fmt.Errorf("%w: %s towards legacy", ErrNotRepairable, record.Classification)
		}
		source, target = v.primary, v.secondary
	case LegacyToNew:
		if record.Classification != ClassMissingInPrimary && record.Classification != ClassValueMismatch {
			return fmt.Errorf("%w: %s towards new store", ErrNotRepairable, record.Classification)
		}
		source, target = v.secondary, v.primary
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
	}

	release, err := v.locks.Acquire(ctx, record.EntityType, record.EntityKey)
	if err != nil {
		return fmt.Errorf("acquire key lease: %w", err)
	}
	defer release()

	current, found, err := v.read(ctx, source, record.EntityType, record.EntityKey)
	if err != nil {
		v.recordError(err)
		return fmt.Errorf("read source store: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, v.cfg.DualWrite.StoreTimeout)
	defer cancel()

	if !found {
		if err := target.Delete(wctx, record.EntityType, record.EntityKey); err != nil {
			v.recordError(err)
			return fmt.Errorf("repair delete: %w", err)
		}
	} else {
		if err := target.Put(wctx, record.EntityType, record.EntityKey, store.KindUpdate, current); err != nil {
			v.recordError(err)
			return fmt.Errorf("repair write: %w", err)
		}
	}

	v.log.Infof("drift repaired", map[string]interface{}{
		"entityType":     record.EntityType,
		"entityKey":      record.EntityKey,
		"classification": string(record.Classification),
		"direction":      string(direction),
		"deleted":        !found,
	})
	return nil
}

func (v *Validator) recordError(err error) {
	if err == nil {
		return
	}
	v.mu.Lock()
	v.recentErrs = append(v.recentErrs, err.Error())
	if len(v.recentErrs) > errRingKeep {
		v.recentErrs = v.recentErrs[len(v.recentErrs)-errRingKeep:]
	}
	v.mu.Unlock()
}

// LastRun 最近一次完整校验的统计，附最近错误
func (v *Validator) LastRun() (RunStats, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastRun == nil {
		return RunStats{}, false
	}
	stats := *v.lastRun
	if n := len(v.recentErrs); n > 0 {
		tail := n - errRingReport
		if tail < 0 {
			tail = 0
		}
		stats.RecentErrors = append([]string(nil), v.recentErrs[tail:]...)
	}
	return stats, true
}

// StartPeriodic 启动周期校验循环
func (v *Validator) StartPeriodic(ctx context.Context) {
	v.loop.Tick()
	go v.runLoop(ctx)
}

// LoopHealthy 供健康检查读取循环状态
func (v *Validator) LoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return v.loop.Healthy(now, maxAge)
}

// Monitor 返回循环监视器
func (v *Validator) Monitor() *health.LoopMonitor {
	return &v.loop
}

func (v *Validator) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.loop.SetError(fmt.Errorf("panic: %v", r))
			v.log.Errorf("validation loop panic", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			})
		}
	}()

	ticker := time.NewTicker(v.cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		v.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := v.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					v.loop.SetError(err)
					v.log.WithError(err).Error("periodic validation pass")
				}
				continue
			}
			v.log.Infof("validation pass completed", map[string]interface{}{
				"checked":     result.Summary.Total,
				"mismatches":  result.Summary.Mismatches,
				"syncPercent": result.Summary.SyncPercent,
				"durationMs":  result.Duration.Milliseconds(),
			})
		}
	}
}
