package seed

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
)

// FileSeed は取り込み対象のファイルURL1件を表す。
type FileSeed struct {
	Seed
	// SourceTime はギャラリーが報告した投稿日時。不明な場合はゼロ値。
	SourceTime time.Time `json:"source_time"`
	// Referral はこのURLを見つけたギャラリーページ。
	Referral string `json:"referral,omitempty"`
	// Hash は取り込み後に取り込み側から報告されたハッシュ。
	Hash string `json:"hash,omitempty"`
}

// NewFileSeed はUNKNOWN状態のFileSeedを生成する。
func NewFileSeed(url string, sourceTime time.Time, referral string) *FileSeed {
	return &FileSeed{
		Seed:       newSeed(url),
		SourceTime: sourceTime,
		Referral:   referral,
	}
}

// URL はファイルのURLを返す。
func (f *FileSeed) URL() string {
	return f.Identity
}

// HasHash は取り込み済みハッシュを持つかを返す。
func (f *FileSeed) HasHash() bool {
	return f.Hash != ""
}

// ShouldPresent は提示方針に照らして、このファイルを利用者に提示すべきかを返す。
func (f *FileSeed) ShouldPresent(opts model.FileImportOptions) bool {
	return f.HasHash() && opts.ShouldPresent(f.Status)
}

// effectiveSourceTime はチェック間隔の計算に使う日時を返す。
// 投稿日時が不明、または未来日時の場合は登録日時を使う。
func (f *FileSeed) effectiveSourceTime() time.Time {
	if f.SourceTime.IsZero() || f.SourceTime.After(f.Created) {
		return f.Created
	}
	return f.SourceTime
}

// ImportResult は取り込み側が報告する結果。
type ImportResult struct {
	Status model.SeedStatus
	Hash   string
	Note   string
}

// Importer はダウンロードしたファイルの取り込みインターフェース。
type Importer interface {
	Import(ctx context.Context, fs *FileSeed, resp *network.Response) (ImportResult, error)
}

// FileWorkDeps はFileSeed.WorkOnURLの依存関係。
type FileWorkDeps struct {
	Factory    network.JobFactory
	Importer   Importer
	StatusHook func(text string)
	OnJob      func(job network.Job)
}

func (d FileWorkDeps) status(text string) {
	if d.StatusHook != nil {
		d.StatusHook(text)
	}
}

// WorkOnURL はファイルを1件取得して取り込み、結果の状態をcacheに記録する。
// 取得や取り込みに失敗した場合は状態を変更せずにエラーを返す。
// エラーから状態への変換は呼び出し側が行う。
func (f *FileSeed) WorkOnURL(ctx context.Context, cache *FileSeedCache, deps FileWorkDeps) error {
	deps.status("ファイルを取得中")

	job := deps.Factory(http.MethodGet, f.Identity)
	if deps.OnJob != nil {
		deps.OnJob(job)
	}

	resp, err := job.Do(ctx)
	if err != nil {
		return err
	}

	deps.status("ファイルを取り込み中")

	result, err := deps.Importer.Import(ctx, f, resp)
	if err != nil {
		return err
	}

	cache.recordImport(f, result)
	return nil
}

// FileSeedCache はファイルシードのログ。
// チェック間隔の計算に使う投稿日時の集計を持つ。
type FileSeedCache struct {
	*Log[*FileSeed]
}

// NewFileSeedCache は空のFileSeedCacheを生成する。
func NewFileSeedCache() *FileSeedCache {
	return &FileSeedCache{Log: NewLog[*FileSeed]()}
}

// RestoreFileSeedCache は永続化されたシード列からFileSeedCacheを復元する。
func RestoreFileSeedCache(seeds []*FileSeed) *FileSeedCache {
	c := NewFileSeedCache()
	c.AddSeeds(seeds...)
	return c
}

func (c *FileSeedCache) recordImport(f *FileSeed, result ImportResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setStatusLocked(f.Identity, result.Status, result.Note) {
		f.Hash = result.Hash
	}
}

// NumNewFilesSince は投稿日時がsince以降のシード数を返す。
func (c *FileSeedCache) NumNewFilesSince(since time.Time) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, f := range c.seeds {
		if !f.effectiveSourceTime().Before(since) {
			n++
		}
	}
	return n
}

// EarliestSourceTime は最も古い投稿日時を返す。
func (c *FileSeedCache) EarliestSourceTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var earliest time.Time
	for i, f := range c.seeds {
		if t := f.effectiveSourceTime(); i == 0 || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, len(c.seeds) > 0
}

// LatestSourceTime は最も新しい投稿日時を返す。
func (c *FileSeedCache) LatestSourceTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest time.Time
	for i, f := range c.seeds {
		if t := f.effectiveSourceTime(); i == 0 || t.After(latest) {
			latest = t
		}
	}
	return latest, len(c.seeds) > 0
}

// PresentedHashes は提示方針に合うシードのハッシュを挿入順で返す。
func (c *FileSeedCache) PresentedHashes(opts model.FileImportOptions) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hashes []string
	for _, f := range c.seeds {
		if f.ShouldPresent(opts) {
			hashes = append(hashes, f.Hash)
		}
	}
	return hashes
}
