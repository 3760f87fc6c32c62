package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore 内存实现，供本地开发模式与测试使用。
// 内部保存 JSON 序列化后的快照，读写互不共享引用。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // entityType -> entityKey -> payload
}

func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, entityType, entityKey string, kind Kind, payload map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.data[entityType]
	if !ok {
		keys = make(map[string][]byte)
		s.data[entityType] = keys
	}
	if kind == KindCreate {
		if _, exists := keys[entityKey]; exists {
			return ErrDuplicateKey
		}
	}
	keys[entityKey] = body
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, entityType, entityKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := s.data[entityType]; ok {
		delete(keys, entityKey)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, entityType, entityKey string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	body, ok := s.data[entityType][entityKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func (s *MemoryStore) List(ctx context.Context, entityType, afterKey string, limit int) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.data[entityType]))
	for k := range s.data[entityType] {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entities := make([]Entity, 0, len(keys))
	for _, k := range keys {
		var payload map[string]interface{}
		if err := json.Unmarshal(s.data[entityType][k], &payload); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("unmarshal payload for %s: %w", k, err)
		}
		entities = append(entities, Entity{EntityType: entityType, EntityKey: k, Payload: payload})
	}
	s.mu.RUnlock()
	return entities, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
