package subscription

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/subsync/internal/checker"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/seed"
)

// now はテストで差し替え可能な現在時刻関数。
var now = time.Now

// bandwidthThreshold はクエリの帯域に余裕があると判断する待ち時間の上限。
const bandwidthThreshold = 90 * time.Second

// timeHasPassed はtがゼロ値または現在時刻以前かを返す。
func timeHasPassed(t time.Time) bool {
	return t.IsZero() || !now().Before(t)
}

// Query は購読に属する1つの検索クエリと、その取得状態を表す。
// ギャラリーページのログとファイルシードのキャッシュを1つずつ専有する。
type Query struct {
	text             string
	displayName      string
	checkNow         bool
	lastCheckTime    time.Time
	nextCheckTime    time.Time
	paused           bool
	status           model.CheckerStatus
	gallerySeedLog   *seed.GallerySeedLog
	fileSeedCache    *seed.FileSeedCache
	tagImportOptions model.TagImportOptions
}

// NewQuery は未チェックのQueryを生成する。
func NewQuery(text string) *Query {
	return &Query{
		text:           text,
		status:         model.CheckerStatusOK,
		gallerySeedLog: seed.NewGallerySeedLog(),
		fileSeedCache:  seed.NewFileSeedCache(),
	}
}

func (q *Query) QueryText() string                        { return q.text }
func (q *Query) DisplayName() string                      { return q.displayName }
func (q *Query) SetDisplayName(name string)               { q.displayName = name }
func (q *Query) LastCheckTime() time.Time                 { return q.lastCheckTime }
func (q *Query) NextCheckTime() time.Time                 { return q.nextCheckTime }
func (q *Query) Status() model.CheckerStatus              { return q.status }
func (q *Query) FileSeedCache() *seed.FileSeedCache       { return q.fileSeedCache }
func (q *Query) GallerySeedLog() *seed.GallerySeedLog     { return q.gallerySeedLog }
func (q *Query) TagImportOptions() model.TagImportOptions { return q.tagImportOptions }
func (q *Query) SetPaused(paused bool)                    { q.paused = paused }
func (q *Query) SetCheckNow(checkNow bool)                { q.checkNow = checkNow }

// SetTagImportOptions はクエリ固有の追加タグを設定する。
func (q *Query) SetTagImportOptions(opts model.TagImportOptions) {
	q.tagImportOptions = opts
}

// SetQueryAndSeeds はクエリ文字列とシードのログを置き換える。
func (q *Query) SetQueryAndSeeds(text string, files *seed.FileSeedCache, galleries *seed.GallerySeedLog) {
	q.text = text
	q.fileSeedCache = files
	q.gallerySeedLog = galleries
}

// HumanName は表示名があれば表示名を、なければクエリ文字列を返す。
func (q *Query) HumanName() string {
	if q.displayName != "" {
		return q.displayName
	}
	return q.text
}

// NetworkJobSubscriptionKey は帯域計上に使う購読コンテキストのキーを返す。
func (q *Query) NetworkJobSubscriptionKey(subscriptionName string) string {
	return subscriptionName + ": " + q.HumanName()
}

func (q *Query) IsDead() bool        { return q.status == model.CheckerStatusDead }
func (q *Query) IsPaused() bool      { return q.paused }
func (q *Query) IsInitialSync() bool { return q.lastCheckTime.IsZero() }
func (q *Query) CanCheckNow() bool   { return !q.checkNow }

// IsSyncDue は一時停止中でも死亡中でもなく、次回チェック時刻を過ぎているか
// 即時チェックが要求されているかを返す。
func (q *Query) IsSyncDue() bool {
	if q.paused || q.IsDead() {
		return false
	}
	return timeHasPassed(q.nextCheckTime) || q.checkNow
}

// HasFileWorkToDo は未処理のファイルシードがあるかを返す。
func (q *Query) HasFileWorkToDo() bool {
	_, ok := q.fileSeedCache.GetNextSeed(model.StatusUnknown)
	return ok
}

func (q *Query) CanRetryFailed() bool {
	return q.fileSeedCache.Count(model.StatusError) > 0
}

func (q *Query) CanRetryIgnored() bool {
	return q.fileSeedCache.Count(model.StatusVetoed) > 0
}

// CheckNow は即時チェックを要求し、一時停止と死亡状態を解除する。
func (q *Query) CheckNow() {
	q.checkNow = true
	q.paused = false
	q.nextCheckTime = time.Time{}
	q.status = model.CheckerStatusOK
}

// PausePlay は一時停止状態を反転する。
func (q *Query) PausePlay() {
	q.paused = !q.paused
}

// Reset はチェック履歴とファイルシードを消去し、初回同期の状態に戻す。
func (q *Query) Reset() {
	q.lastCheckTime = time.Time{}
	q.nextCheckTime = time.Time{}
	q.status = model.CheckerStatusOK
	q.paused = false
	q.fileSeedCache = seed.NewFileSeedCache()
}

func (q *Query) RetryFailures() int { return q.fileSeedCache.RetryFailures() }
func (q *Query) RetryIgnored() int  { return q.fileSeedCache.RetryIgnored() }

// RegisterSyncComplete は同期完了を記録し、古いシードを圧縮する。
// 圧縮の基準は死亡判定期間の2倍前とし、死亡判定に必要な履歴は残す。
func (q *Query) RegisterSyncComplete(policy checker.Policy) {
	q.lastCheckTime = now()
	q.checkNow = false

	cutoff := q.lastCheckTime.Add(-2 * policy.DeathFileVelocityPeriod())

	if q.gallerySeedLog.CanCompact(cutoff) {
		q.gallerySeedLog.Compact(cutoff)
	}
	if q.fileSeedCache.CanCompact(cutoff) {
		q.fileSeedCache.Compact(cutoff)
	}
}

// UpdateNextCheckTime は次回チェック時刻を更新する。
// 死亡と判定され、未処理のファイルもない場合はクエリを一時停止する。
func (q *Query) UpdateNextCheckTime(policy checker.Policy) {
	if q.checkNow {
		q.nextCheckTime = time.Time{}
		q.status = model.CheckerStatusOK
		return
	}

	if policy.IsDead(q.fileSeedCache, q.lastCheckTime) {
		q.status = model.CheckerStatusDead
		if !q.HasFileWorkToDo() {
			q.paused = true
		}
	}

	q.nextCheckTime = policy.NextCheckTime(q.fileSeedCache, q.lastCheckTime, q.nextCheckTime)
}

// exampleNetworkContexts は次に処理するファイルシードを代表として、帯域判定に使うコンテキストを返す。
func (q *Query) exampleNetworkContexts(subscriptionName string) []network.Context {
	key := q.NetworkJobSubscriptionKey(subscriptionName)

	fs, ok := q.fileSeedCache.GetNextSeed(model.StatusUnknown)
	if !ok {
		return []network.Context{network.SubscriptionContext(key), network.GlobalContext}
	}
	return network.NetworkContexts(key, fs.URL())
}

// BandwidthIsOK は次のファイルを90秒以内に取得開始できるかを返す。
// ledgerがnilの場合は常にtrue。
func (q *Query) BandwidthIsOK(subscriptionName string, ledger network.BandwidthLedger) bool {
	if ledger == nil {
		return true
	}
	return ledger.CanDoWork(q.exampleNetworkContexts(subscriptionName), bandwidthThreshold)
}

// BandwidthWaitingEstimate は次のファイルを取得開始できるまでの推定待ち時間を返す。
func (q *Query) BandwidthWaitingEstimate(subscriptionName string, ledger network.BandwidthLedger) time.Duration {
	if ledger == nil {
		return 0
	}
	d, _ := ledger.WaitingEstimate(q.exampleNetworkContexts(subscriptionName))
	return d
}

// NextWorkTime は次に作業できる時刻を返す。作業の予定がない場合はfalseを返す。
// ゼロ値の時刻は「今すぐ」を表す。
func (q *Query) NextWorkTime(subscriptionName string, ledger network.BandwidthLedger) (time.Time, bool) {
	if q.paused {
		return time.Time{}, false
	}

	var (
		best  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}

	if q.HasFileWorkToDo() {
		if est := q.BandwidthWaitingEstimate(subscriptionName, ledger); est <= 0 {
			consider(time.Time{})
		} else {
			consider(now().Add(est))
		}
	}

	if !q.IsDead() {
		consider(q.nextCheckTime)
	}

	return best, found
}

// NextCheckStatusString は次回チェックの状況を表示用の文字列で返す。
func (q *Query) NextCheckStatusString() string {
	switch {
	case q.checkNow:
		return "即時チェック待ち"
	case q.IsDead():
		return "死亡のためチェックしません"
	}

	s := "まもなく"
	if !timeHasPassed(q.nextCheckTime) {
		s = fmt.Sprintf("%s後", time.Until(q.nextCheckTime).Round(time.Minute))
	}
	if q.paused {
		s = "一時停止中（再開すれば" + s + "）"
	}
	return s
}

// LatestAddedTime はファイルシードが最後に追加された時刻を返す。
func (q *Query) LatestAddedTime() (time.Time, bool) {
	return q.fileSeedCache.LatestAddedTime()
}

// NumURLsAndFailed は未処理件数、総件数、エラー件数を返す。
func (q *Query) NumURLsAndFailed() (unknown, total, failed int) {
	return q.fileSeedCache.Count(model.StatusUnknown), q.fileSeedCache.Len(), q.fileSeedCache.Count(model.StatusError)
}

// exampleJob はlogin判定用に、次に処理するシードのジョブを生成する。
func exampleJob(factory network.JobFactory, rawURL string) network.Job {
	return factory(http.MethodGet, rawURL)
}

// Duplicate はシードのログも含めて複製する。
func (q *Query) Duplicate() (*Query, error) {
	env, err := encodeQuery(q)
	if err != nil {
		return nil, err
	}
	return decodeQuery(env)
}
