// Package keylock 按实体键串行化写操作
package keylock

import (
	"context"
	"sync"
)

type lockKey struct {
	entityType string
	entityKey  string
}

// entry 单个键的锁状态。refs 统计持有者与等待者，归零即回收，
// 高基数键空间下内存保持有界。
type entry struct {
	held    bool
	waiters []chan struct{}
	refs    int
}

// Serializer 同一 (entityType, entityKey) 上互斥且 FIFO，
// 不同键完全并行。
type Serializer struct {
	mu    sync.Mutex
	locks map[lockKey]*entry
}

func New() *Serializer {
	return &Serializer{locks: make(map[lockKey]*entry)}
}

// Acquire 获取键租约，返回释放函数。等待期间 ctx 取消则放弃排队。
// 租约不可重入，持有期间再次 Acquire 同一键会死锁。
func (s *Serializer) Acquire(ctx context.Context, entityType, entityKey string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := lockKey{entityType: entityType, entityKey: entityKey}

	s.mu.Lock()
	e, ok := s.locks[k]
	if !ok {
		e = &entry{}
		s.locks[k] = e
	}
	e.refs++

	if !e.held {
		e.held = true
		s.mu.Unlock()
		return s.releaser(k), nil
	}

	ch := make(chan struct{}, 1)
	e.waiters = append(e.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return s.releaser(k), nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range e.waiters {
			if w == ch {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				e.refs--
				if e.refs == 0 {
					delete(s.locks, k)
				}
				s.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		// 取消与授予同时发生：租约已经到手，立刻转交下一位
		s.releaseLocked(k, e)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Len 当前活跃键数（持有或排队），供状态面板与测试使用
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Serializer) releaser(k lockKey) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if e, ok := s.locks[k]; ok {
				s.releaseLocked(k, e)
			}
			s.mu.Unlock()
		})
	}
}

// releaseLocked 按 FIFO 转交租约，无人等待则回收条目。调用方持有 s.mu。
func (s *Serializer) releaseLocked(k lockKey, e *entry) {
	e.refs--
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		next <- struct{}{}
		return
	}
	e.held = false
	if e.refs == 0 {
		delete(s.locks, k)
	}
}
