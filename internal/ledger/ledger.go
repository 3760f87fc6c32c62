// Package ledger 双写流水账，按 operation_id 追加记录
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/commerce/dualwrite/internal/store"
)

var (
	ErrDuplicateEntry = errors.New("ledger entry already exists")
	ErrEntryNotFound  = errors.New("ledger entry not found")
)

// Entry 一个操作的完整历史：初始结果加上重试累积的所有写入结局。
// Overall 固定为首次执行的结局，重复提交按原样返回，重试只追加 Outcomes。
type Entry struct {
	Operation store.Operation      `json:"operation"`
	Overall   store.Overall        `json:"overall"`
	Outcomes  []store.WriteOutcome `json:"outcomes"`
	CreatedAt time.Time            `json:"createdAt"`
}

// Stats 状态面板用的累计计数
type Stats struct {
	Total          int `json:"total"`
	Success        int `json:"success"`
	PartialSuccess int `json:"partialSuccess"`
	Failed         int `json:"failed"`
}

// Ledger 内存账本。追加路径依赖键租约保证单写者，
// map 本身用读写锁保护并发查询。
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	stats   Stats

	persist *persister
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]*Entry)}
}

// Record 登记一次已完成的执行。每个 operation_id 只允许登记一次。
func (l *Ledger) Record(op store.Operation, overall store.Overall, outcomes ...store.WriteOutcome) error {
	l.mu.Lock()
	if _, exists := l.entries[op.OperationID]; exists {
		l.mu.Unlock()
		return ErrDuplicateEntry
	}

	entry := &Entry{
		Operation: op,
		Overall:   overall,
		Outcomes:  append([]store.WriteOutcome(nil), outcomes...),
		CreatedAt: time.Now(),
	}
	l.entries[op.OperationID] = entry

	l.stats.Total++
	switch overall {
	case store.OverallSuccess:
		l.stats.Success++
	case store.OverallPartialSuccess:
		l.stats.PartialSuccess++
	case store.OverallFailed:
		l.stats.Failed++
	}
	l.mu.Unlock()

	if l.persist != nil {
		for _, o := range outcomes {
			l.persist.enqueue(op, overall, o)
		}
	}
	return nil
}

// AppendOutcome 重试队列补记后续写入结局，不改动原始 Overall
func (l *Ledger) AppendOutcome(operationID string, outcome store.WriteOutcome) error {
	l.mu.Lock()
	entry, ok := l.entries[operationID]
	if !ok {
		l.mu.Unlock()
		return ErrEntryNotFound
	}
	entry.Outcomes = append(entry.Outcomes, outcome)
	op, overall := entry.Operation, entry.Overall
	l.mu.Unlock()

	if l.persist != nil {
		l.persist.enqueue(op, overall, outcome)
	}
	return nil
}

// Get 返回条目副本，调用方可安全持有
func (l *Ledger) Get(operationID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[operationID]
	if !ok {
		return Entry{}, false
	}
	cp := *entry
	cp.Outcomes = append([]store.WriteOutcome(nil), entry.Outcomes...)
	return cp, true
}

// Stats 当前累计计数
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Close 停止持久化协程并等待队列清空
func (l *Ledger) Close() {
	if l.persist != nil {
		l.persist.close()
	}
}
