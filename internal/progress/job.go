// Package progress は購読の進捗ジョブ、利用者向け通知、取り込み結果の提示を提供する。
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 進捗変数のキー
const (
	VarTitle      = "title"
	VarText1      = "text1"
	VarText2      = "text2"
	VarGauge      = "gauge"
	VarFiles      = "files"
	VarNetworkJob = "network_job"
)

// Gauge は進捗ゲージ（完了数/総数）を表す。
type Gauge struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Sink は進捗の書き込み先インターフェース。
type Sink interface {
	SetVariable(key string, value any)
	DeleteVariable(key string)
	HasVariable(key string) bool
	// IsCancelled は利用者またはシャットダウンによりキャンセルされたかを返す。
	IsCancelled() bool
	Cancel()
	// Finish はジョブを完了として残す。
	Finish()
	// Delete はジョブを一覧から取り除く。
	Delete()
}

// JobKey は1回の購読実行の進捗ハンドル。
// 親コンテキストのキャンセルもキャンセルとして扱う。
type JobKey struct {
	id      uuid.UUID
	created time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	onDone  func(id uuid.UUID)

	mu        sync.RWMutex
	vars      map[string]any
	finished  bool
	doneAt    time.Time
	cancelled bool
}

// NewJobKey は新しいJobKeyを生成する。
func NewJobKey(parent context.Context, title string) *JobKey {
	ctx, cancel := context.WithCancel(parent)
	return &JobKey{
		id:      uuid.New(),
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		vars:    map[string]any{VarTitle: title},
	}
}

// ID はジョブIDを返す。
func (j *JobKey) ID() uuid.UUID {
	return j.id
}

// Context はジョブのキャンセルに連動するコンテキストを返す。
func (j *JobKey) Context() context.Context {
	return j.ctx
}

func (j *JobKey) SetVariable(key string, value any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.vars[key] = value
}

func (j *JobKey) DeleteVariable(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.vars, key)
}

func (j *JobKey) HasVariable(key string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.vars[key]
	return ok
}

// Variable は進捗変数の値を返す。
func (j *JobKey) Variable(key string) (any, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.vars[key]
	return v, ok
}

func (j *JobKey) IsCancelled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.finished {
		return j.cancelled
	}
	return j.cancelled || j.ctx.Err() != nil
}

func (j *JobKey) Cancel() {
	j.mu.Lock()
	if !j.finished {
		j.cancelled = true
	}
	j.mu.Unlock()
	j.cancel()
}

func (j *JobKey) Finish() {
	j.mu.Lock()
	if !j.finished {
		j.cancelled = j.cancelled || j.ctx.Err() != nil
		j.finished = true
		j.doneAt = time.Now()
	}
	j.mu.Unlock()
	j.cancel()
}

func (j *JobKey) Delete() {
	j.Finish()
	if j.onDone != nil {
		j.onDone(j.id)
	}
}

// IsDone は完了済みかを返す。
func (j *JobKey) IsDone() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finished
}

// JobSnapshot はジョブ一覧に表示する時点の状態。
type JobSnapshot struct {
	ID        string         `json:"id"`
	Variables map[string]any `json:"variables"`
	Created   time.Time      `json:"created"`
	Finished  bool           `json:"finished"`
	Cancelled bool           `json:"cancelled"`
}

// Snapshot は現在の状態を複製して返す。
func (j *JobKey) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	vars := make(map[string]any, len(j.vars))
	for k, v := range j.vars {
		vars[k] = v
	}
	return JobSnapshot{
		ID:        j.id.String(),
		Variables: vars,
		Created:   j.created,
		Finished:  j.finished,
		Cancelled: j.cancelled || (!j.finished && j.ctx.Err() != nil),
	}
}

// Registry は実行中と完了済みのジョブを保持する。
type Registry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*JobKey
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[uuid.UUID]*JobKey)}
}

// Start はジョブを生成して登録する。
func (r *Registry) Start(parent context.Context, title string) *JobKey {
	j := NewJobKey(parent, title)
	j.onDone = r.remove

	r.mu.Lock()
	r.jobs[j.id] = j
	r.mu.Unlock()
	return j
}

func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// List は登録中のジョブを作成順に返す。
func (r *Registry) List() []JobSnapshot {
	r.mu.Lock()
	jobs := make([]*JobKey, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].created.Before(jobs[b].created)
	})

	out := make([]JobSnapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// Cancel は指定IDのジョブをキャンセルする。見つからない場合はfalseを返す。
func (r *Registry) Cancel(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}

	r.mu.Lock()
	j, ok := r.jobs[parsed]
	r.mu.Unlock()
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

// PruneFinished はbefore以前に完了したジョブを取り除き、件数を返す。
func (r *Registry) PruneFinished(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, j := range r.jobs {
		j.mu.RLock()
		old := j.finished && j.doneAt.Before(before)
		j.mu.RUnlock()
		if old {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}
