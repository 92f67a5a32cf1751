package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/subsync/internal/model"
)

type objectKey struct {
	kind string
	name string
}

// MemoryStore はプロセス内に保持するストア。テストとデータベースなしの実行に使う。
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[objectKey]model.SerialisedObject
	messages []*model.Message
	updates  []model.ContentUpdate
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[objectKey]model.SerialisedObject)}
}

func (s *MemoryStore) Read(_ context.Context, kind, name string) (*model.SerialisedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objectKey{kind, name}]
	if !ok {
		return nil, nil
	}
	obj.Payload = append([]byte(nil), obj.Payload...)
	return &obj, nil
}

func (s *MemoryStore) WriteSynchronous(_ context.Context, obj *model.SerialisedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *obj
	stored.Payload = append([]byte(nil), obj.Payload...)
	s.objects[objectKey{obj.Kind, obj.Name}] = stored
	return nil
}

func (s *MemoryStore) ReadNames(_ context.Context, kind string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := []string{}
	for k := range s.objects {
		if k.kind == kind {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, objectKey{kind, name})
	return nil
}

func (s *MemoryStore) Save(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m := *msg
	s.messages = append(s.messages, &m)
	return nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Message, 0, min(max(limit, 0), len(s.messages)))
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := *s.messages[i]
		out = append(out, &m)
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	var n int64
	for _, m := range s.messages {
		if m.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return n, nil
}

func (s *MemoryStore) WriteContentUpdates(_ context.Context, updates []model.ContentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if s.hasUpdateLocked(u.Hash, u.Tag) {
			continue
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		s.updates = append(s.updates, u)
	}
	return nil
}

func (s *MemoryStore) hasUpdateLocked(hash, tag string) bool {
	for _, u := range s.updates {
		if u.Hash == hash && u.Tag == tag {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListByHash(_ context.Context, hash string) ([]model.ContentUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ContentUpdate
	for _, u := range s.updates {
		if u.Hash == hash {
			out = append(out, u)
		}
	}
	return out, nil
}
