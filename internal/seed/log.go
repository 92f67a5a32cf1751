// Package seed は購読が扱うシード（ギャラリーページとファイルURL）の順序付きログを提供する。
// ファイル用のFileSeedCacheとギャラリーページ用のGallerySeedLogは、
// 同じLogの2つのインスタンス化として実装する。
package seed

import (
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/security"
)

// now はテストで差し替え可能な現在時刻関数。
var now = time.Now

// Seed は処理対象1件の共通属性を表す。
// Identityはログ内で一意なキー（URL）。
type Seed struct {
	Identity string           `json:"identity"`
	Status   model.SeedStatus `json:"status"`
	Created  time.Time        `json:"created"`
	Modified time.Time        `json:"modified"`
	Note     string           `json:"note,omitempty"`
}

func newSeed(identity string) Seed {
	t := now()
	return Seed{
		Identity: strings.TrimSpace(identity),
		Status:   model.StatusUnknown,
		Created:  t,
		Modified: t,
	}
}

// Base は共通属性へのポインタを返す。
func (s *Seed) Base() *Seed {
	return s
}

// Item はLogが保持できる要素の制約。
type Item interface {
	Base() *Seed
}

// Summary はログの集計結果を表す。
type Summary struct {
	Done     int                      `json:"done"`
	Total    int                      `json:"total"`
	ByStatus map[model.SeedStatus]int `json:"by_status"`
}

// Log は挿入順を保持し、Identityで重複を排除するシードのログ。
// 状態の変更は必ずSetStatus系のメソッドを通すこと（件数と探索位置を維持するため）。
type Log[S Item] struct {
	mu     sync.RWMutex
	seeds  []S
	index  map[string]int
	counts map[model.SeedStatus]int
	// cursors は状態ごとの探索開始位置（その状態を持つ最小の添字以下）。未設定は0。
	cursors map[model.SeedStatus]int
}

// NewLog は空のLogを生成する。
func NewLog[S Item]() *Log[S] {
	l := &Log[S]{}
	l.rebuildLocked(nil)
	return l
}

// rebuildLocked はseedsから索引、件数、探索位置を作り直す。
func (l *Log[S]) rebuildLocked(seeds []S) {
	l.seeds = seeds
	l.index = make(map[string]int, len(seeds))
	l.counts = make(map[model.SeedStatus]int)
	l.cursors = make(map[model.SeedStatus]int)
	for i, s := range seeds {
		b := s.Base()
		l.index[b.Identity] = i
		l.counts[b.Status]++
	}
}

// AddSeeds は未登録のシードを末尾に追加し、追加した件数を返す。
// 既に同じIdentityを持つシードがある場合は無視する。
func (l *Log[S]) AddSeeds(seeds ...S) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for _, s := range seeds {
		b := s.Base()
		if b.Identity == "" {
			continue
		}
		if _, ok := l.index[b.Identity]; ok {
			continue
		}
		i := len(l.seeds)
		l.seeds = append(l.seeds, s)
		l.index[b.Identity] = i
		l.counts[b.Status]++
		if c, ok := l.cursors[b.Status]; ok && i < c {
			l.cursors[b.Status] = i
		}
		added++
	}
	return added
}

// GetNextSeed はstatusを持つシードのうち最も早く追加されたものを返す。
func (l *Log[S]) GetNextSeed(status model.SeedStatus) (S, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero S
	if l.counts[status] == 0 {
		l.cursors[status] = len(l.seeds)
		return zero, false
	}

	for i := l.cursors[status]; i < len(l.seeds); i++ {
		if l.seeds[i].Base().Status == status {
			l.cursors[status] = i
			return l.seeds[i], true
		}
	}
	l.cursors[status] = len(l.seeds)
	return zero, false
}

// HasSeed はidentityのシードが登録済みかを返す。
func (l *Log[S]) HasSeed(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.index[strings.TrimSpace(identity)]
	return ok
}

// Get はidentityのシードを返す。
func (l *Log[S]) Get(identity string) (S, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var zero S
	i, ok := l.index[strings.TrimSpace(identity)]
	if !ok {
		return zero, false
	}
	return l.seeds[i], true
}

// Len は登録されているシードの件数を返す。
func (l *Log[S]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.seeds)
}

// Count はstatusを持つシードの件数を返す。
func (l *Log[S]) Count(status model.SeedStatus) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.counts[status]
}

// Seeds は挿入順のシードのスナップショットを返す。
func (l *Log[S]) Seeds() []S {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]S, len(l.seeds))
	copy(out, l.seeds)
	return out
}

// SetStatus はシードの状態とノートを更新する。
// ログに登録されていないシードは無視する。
func (l *Log[S]) SetStatus(s S, status model.SeedStatus, note string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setStatusLocked(s.Base().Identity, status, security.PlainText(note))
}

// SetStatusFromError はerrの1行目をノートとしてシードの状態を更新する。
func (l *Log[S]) SetStatusFromError(s S, status model.SeedStatus, err error) {
	note := ""
	if err != nil {
		note, _, _ = strings.Cut(err.Error(), "\n")
	}
	l.SetStatus(s, status, note)
}

func (l *Log[S]) setStatusLocked(identity string, status model.SeedStatus, note string) bool {
	i, ok := l.index[identity]
	if !ok {
		return false
	}
	b := l.seeds[i].Base()
	if b.Status != status {
		l.counts[b.Status]--
		if l.counts[b.Status] == 0 {
			delete(l.counts, b.Status)
		}
		l.counts[status]++
		if c, ok := l.cursors[status]; ok && i < c {
			l.cursors[status] = i
		}
	}
	b.Status = status
	b.Note = note
	b.Modified = now()
	return true
}

// CanCompact はCompact(cutoff)で削除されるシードがあるかを返す。
func (l *Log[S]) CanCompact(cutoff time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, s := range l.seeds {
		if compactable(s.Base(), cutoff) {
			return true
		}
	}
	return false
}

// Compact は処理済みで最終更新がcutoffより前のシードを削除し、削除件数を返す。
// 未処理（UNKNOWN）のシードは決して削除しない。
func (l *Log[S]) Compact(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.filterLocked(func(b *Seed) bool { return !compactable(b, cutoff) })
}

func compactable(b *Seed, cutoff time.Time) bool {
	return b.Status.IsTerminal() && b.Modified.Before(cutoff)
}

// filterLocked はkeepがtrueを返すシードのみを残し、削除件数を返す。
func (l *Log[S]) filterLocked(keep func(*Seed) bool) int {
	kept := make([]S, 0, len(l.seeds))
	for _, s := range l.seeds {
		if keep(s.Base()) {
			kept = append(kept, s)
		}
	}
	removed := len(l.seeds) - len(kept)
	if removed > 0 {
		l.rebuildLocked(kept)
	}
	return removed
}

// RemoveByStatus は指定した状態のシードを削除し、削除件数を返す。
func (l *Log[S]) RemoveByStatus(statuses ...model.SeedStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	drop := make(map[model.SeedStatus]bool, len(statuses))
	for _, st := range statuses {
		drop[st] = true
	}
	return l.filterLocked(func(b *Seed) bool { return !drop[b.Status] })
}

// RetryFailures はERRORのシードをUNKNOWNに戻し、件数を返す。
func (l *Log[S]) RetryFailures() int {
	return l.reset(model.StatusError)
}

// RetryIgnored はVETOEDのシードをUNKNOWNに戻し、件数を返す。
func (l *Log[S]) RetryIgnored() int {
	return l.reset(model.StatusVetoed)
}

func (l *Log[S]) reset(from model.SeedStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, s := range l.seeds {
		b := s.Base()
		if b.Status == from {
			l.setStatusLocked(b.Identity, model.StatusUnknown, "")
			n++
		}
	}
	return n
}

// Summary は処理済み件数、総数、状態別件数を返す。
func (l *Log[S]) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byStatus := make(map[model.SeedStatus]int, len(l.counts))
	for k, v := range l.counts {
		byStatus[k] = v
	}
	return Summary{
		Done:     len(l.seeds) - l.counts[model.StatusUnknown],
		Total:    len(l.seeds),
		ByStatus: byStatus,
	}
}

// LatestAddedTime は最後に追加されたシードの作成日時を返す。
func (l *Log[S]) LatestAddedTime() (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.seeds) == 0 {
		return time.Time{}, false
	}
	var latest time.Time
	for _, s := range l.seeds {
		if c := s.Base().Created; c.After(latest) {
			latest = c
		}
	}
	return latest, true
}

// Identities は挿入順のIdentity一覧を返す。
func (l *Log[S]) Identities() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, len(l.seeds))
	for i, s := range l.seeds {
		out[i] = s.Base().Identity
	}
	return out
}
