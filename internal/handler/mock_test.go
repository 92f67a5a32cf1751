package handler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"

	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/subscription"
	"github.com/hitoshi/subsync/internal/worker/schedule"
)

// --- モック定義 ---

// mockSubscriptionStore はSubscriptionStoreのモック実装。
type mockSubscriptionStore struct {
	subs    map[string]*subscription.Subscription
	saved   []string
	namesFn func(ctx context.Context) ([]string, error)
	saveFn  func(ctx context.Context, s *subscription.Subscription) error
}

func newMockSubscriptionStore(subs ...*subscription.Subscription) *mockSubscriptionStore {
	m := &mockSubscriptionStore{subs: make(map[string]*subscription.Subscription)}
	for _, s := range subs {
		m.subs[s.Name()] = s
	}
	return m
}

func (m *mockSubscriptionStore) Names(ctx context.Context) ([]string, error) {
	if m.namesFn != nil {
		return m.namesFn(ctx)
	}
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *mockSubscriptionStore) Load(ctx context.Context, name string) (*subscription.Subscription, error) {
	s, ok := m.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", subscription.ErrSubscriptionNotFound, name)
	}
	return s, nil
}

func (m *mockSubscriptionStore) Save(ctx context.Context, s *subscription.Subscription) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, s)
	}
	m.subs[s.Name()] = s
	m.saved = append(m.saved, s.Name())
	return nil
}

// mockManager はManagerInterfaceのモック実装。
type mockManager struct {
	running      map[string]bool
	locked       map[string]bool
	snapshot     schedule.Snapshot
	shutdown     bool
	wakeCount    int
	clearCount   int
	clearCacheFn func(ctx context.Context) error
}

func (m *mockManager) IsRunning(name string) bool { return m.running[name] }

func (m *mockManager) WithSubscriptionLocked(name string, fn func() error) error {
	if m.running[name] || m.locked[name] {
		return schedule.ErrSubscriptionRunning
	}
	if m.locked == nil {
		m.locked = make(map[string]bool)
	}
	m.locked[name] = true
	defer delete(m.locked, name)
	return fn()
}

func (m *mockManager) ClearCacheAndWake(ctx context.Context) error {
	m.clearCount++
	if m.clearCacheFn != nil {
		return m.clearCacheFn(ctx)
	}
	return nil
}

func (m *mockManager) Snapshot() schedule.Snapshot { return m.snapshot }
func (m *mockManager) Wake()                       { m.wakeCount++ }
func (m *mockManager) IsShutdown() bool            { return m.shutdown }

// mockJobRegistry はJobRegistryのモック実装。
type mockJobRegistry struct {
	jobs      []progress.JobSnapshot
	cancelled []string
}

func (m *mockJobRegistry) List() []progress.JobSnapshot { return m.jobs }

func (m *mockJobRegistry) Cancel(id string) bool {
	for _, j := range m.jobs {
		if j.ID == id {
			m.cancelled = append(m.cancelled, id)
			return true
		}
	}
	return false
}

// mockMessageLister はMessageListerのモック実装。
type mockMessageLister struct {
	listRecentFn func(ctx context.Context, limit int) ([]*model.Message, error)
}

func (m *mockMessageLister) ListRecent(ctx context.Context, limit int) ([]*model.Message, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, limit)
	}
	return nil, nil
}

// mockPresentations はPresentationListerのモック実装。
type mockPresentations struct {
	recent map[string][]progress.Batch
}

func (m *mockPresentations) Recent() map[string][]progress.Batch { return m.recent }

// --- ヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestSubscription(t *testing.T, name string, queries ...string) *subscription.Subscription {
	t.Helper()
	s := subscription.New(name, gallery.KeyAndName{Name: "example booru tag search"})
	for _, text := range queries {
		s.AddQueries(subscription.NewQuery(text))
	}
	return s
}

type testServer struct {
	store    *mockSubscriptionStore
	manager  *mockManager
	jobs     *mockJobRegistry
	messages *mockMessageLister
	present  *mockPresentations
	logBuf   *bytes.Buffer
}

func newTestServer(subs ...*subscription.Subscription) *testServer {
	return &testServer{
		store:    newMockSubscriptionStore(subs...),
		manager:  &mockManager{running: make(map[string]bool)},
		jobs:     &mockJobRegistry{},
		messages: &mockMessageLister{},
		present:  &mockPresentations{recent: map[string][]progress.Batch{}},
		logBuf:   &bytes.Buffer{},
	}
}

func (ts *testServer) deps() *RouterDeps {
	return &RouterDeps{
		Subscriptions: ts.store,
		Manager:       ts.manager,
		Jobs:          ts.jobs,
		Messages:      ts.messages,
		Presentations: ts.present,
		Logger:        newTestLogger(ts.logBuf),
	}
}
