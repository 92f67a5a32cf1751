package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/worker/schedule"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRouter_Health(t *testing.T) {
	router := NewRouter(newTestServer().deps())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestNewRouter_LogsRequestID(t *testing.T) {
	ts := newTestServer()
	router := NewRouter(ts.deps())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if !strings.Contains(ts.logBuf.String(), `"request_id"`) {
		t.Errorf("リクエストログにrequest_idが含まれていない: %s", ts.logBuf.String())
	}
}

func TestNewRouter_MetricsOnlyWithGatherer(t *testing.T) {
	ts := newTestServer()
	router := NewRouter(ts.deps())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Gathererなしの/metrics status = %d, want %d", w.Code, http.StatusNotFound)
	}

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "subsync_router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	deps := ts.deps()
	deps.Gatherer = reg
	router = NewRouter(deps)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "subsync_router_test_total 1") {
		t.Errorf("メトリクスが出力されていない: %s", w.Body.String())
	}
}

func TestNewRouter_RecoversPanic(t *testing.T) {
	ts := newTestServer()
	ts.store.namesFn = func(ctx context.Context) ([]string, error) {
		panic("boom")
	}
	router := NewRouter(ts.deps())

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- マネージャー ---

func TestManagerHandler_GetSnapshot(t *testing.T) {
	ts := newTestServer()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ts.manager.snapshot = schedule.Snapshot{
		Subscriptions: []string{"a", "b"},
		Running:       []string{"a"},
		CannotRun:     []string{},
		NextWork:      []schedule.NextWork{{Name: "b", At: at}},
	}
	router := NewRouter(ts.deps())

	req := httptest.NewRequest(http.MethodGet, "/api/manager", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp managerResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if len(resp.Subscriptions) != 2 || len(resp.Running) != 1 || resp.Running[0] != "a" {
		t.Errorf("snapshot = %+v", resp.Snapshot)
	}
	if len(resp.NextWork) != 1 || !resp.NextWork[0].At.Equal(at) {
		t.Errorf("next_work = %+v", resp.NextWork)
	}
	if resp.Shutdown {
		t.Error("shutdown = true, want false")
	}
}

func TestManagerHandler_WakeAndClearCache(t *testing.T) {
	ts := newTestServer()
	router := NewRouter(ts.deps())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/manager/wake", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("wake status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if ts.manager.wakeCount != 1 {
		t.Errorf("Wake呼び出し回数 = %d, want 1", ts.manager.wakeCount)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/manager/clear-cache", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("clear-cache status = %d, want %d", w.Code, http.StatusAccepted)
	}

	ts.manager.clearCacheFn = func(ctx context.Context) error { return errors.New("store closed") }
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/manager/clear-cache", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("失敗時のclear-cache status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- ジョブとメッセージ ---

func TestJobHandler_ListAndCancel(t *testing.T) {
	ts := newTestServer()
	ts.jobs.jobs = []progress.JobSnapshot{
		{ID: "11111111-1111-1111-1111-111111111111", Variables: map[string]any{progress.VarText1: "ファイルを取得中"}},
	}
	router := NewRouter(ts.deps())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", w.Code, http.StatusOK)
	}
	var jobs []progress.JobSnapshot
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs/11111111-1111-1111-1111-111111111111/cancel", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(ts.jobs.cancelled) != 1 {
		t.Errorf("キャンセルされたジョブ数 = %d, want 1", len(ts.jobs.cancelled))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs/unknown/cancel", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("未知のジョブのcancel status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeJobNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeJobNotFound)
	}
}

func TestJobHandler_ListMessages_Limit(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "既定値", query: "", want: defaultMessageLimit},
		{name: "指定値", query: "?limit=5", want: 5},
		{name: "上限", query: "?limit=100000", want: maxMessageLimit},
		{name: "不正な値", query: "?limit=abc", want: defaultMessageLimit},
		{name: "負の値", query: "?limit=-1", want: defaultMessageLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			var gotLimit int
			ts.messages.listRecentFn = func(ctx context.Context, limit int) ([]*model.Message, error) {
				gotLimit = limit
				return []*model.Message{{ID: "m1", Source: "artist a", Text: "新しいファイルはありませんでした"}}, nil
			}
			router := NewRouter(ts.deps())

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages"+tt.query, nil))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if gotLimit != tt.want {
				t.Errorf("limit = %d, want %d", gotLimit, tt.want)
			}
		})
	}
}

func TestJobHandler_ListMessages_EmptyIsArray(t *testing.T) {
	router := NewRouter(newTestServer().deps())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestJobHandler_ListMessages_Error(t *testing.T) {
	ts := newTestServer()
	ts.messages.listRecentFn = func(ctx context.Context, limit int) ([]*model.Message, error) {
		return nil, errors.New("connection refused")
	}
	router := NewRouter(ts.deps())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestJobHandler_ListPresentations(t *testing.T) {
	ts := newTestServer()
	ts.present.recent = map[string][]progress.Batch{
		"artist a": {{Label: "artist a", Hashes: []string{"abc", "def"}, ToPopupButton: true}},
	}
	router := NewRouter(ts.deps())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presentations", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got map[string][]progress.Batch
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if len(got["artist a"]) != 1 || len(got["artist a"][0].Hashes) != 2 {
		t.Errorf("presentations = %+v", got)
	}
}

func TestJobHandler_ListPresentations_NilLister(t *testing.T) {
	deps := newTestServer().deps()
	deps.Presentations = nil
	router := NewRouter(deps)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presentations", nil))
	if got := strings.TrimSpace(w.Body.String()); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
}
