// Package subscription は購読とその検索クエリの同期処理を提供する。
// 購読はギャラリーページを巡回して新しいファイルURLを見つけ、
// 見つけたファイルを取り込むまでを1回の実行として扱う。
package subscription

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/subsync/internal/checker"
	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
)

// 1回の同期で取得する新規ファイル数の既定値
const (
	DefaultInitialFileLimit  = 100
	DefaultPeriodicFileLimit = 100
)

// launchWindow は近い時刻に予定されたクエリをまとめて実行するための猶予。
const launchWindow = 15 * time.Minute

// PresentationOptions は取り込み結果の提示方法を表す。
type PresentationOptions struct {
	ShowPopupWhileWorking     bool   `json:"show_popup_while_working"`
	PublishFilesToPopupButton bool   `json:"publish_files_to_popup_button"`
	PublishFilesToPage        bool   `json:"publish_files_to_page"`
	PublishLabelOverride      string `json:"publish_label_override,omitempty"`
	MergeQueryPublishEvents   bool   `json:"merge_query_publish_events"`
}

// DefaultPresentationOptions は既定値を返す。
func DefaultPresentationOptions() PresentationOptions {
	return PresentationOptions{
		ShowPopupWhileWorking:     true,
		PublishFilesToPopupButton: true,
		MergeQueryPublishEvents:   true,
	}
}

// Subscription は同じジェネレーターを使う検索クエリの集まり。
// 名前は全購読で一意で、永続化のキーになる。
type Subscription struct {
	name              string
	generator         gallery.KeyAndName
	queries           []*Query
	checkerOptions    checker.Options
	initialFileLimit  int
	periodicFileLimit int
	paused            bool
	fileImportOptions model.FileImportOptions
	tagImportOptions  model.TagImportOptions
	noWorkUntil       time.Time
	noWorkUntilReason string
	presentation      PresentationOptions
}

// New は既定のオプションを持つSubscriptionを生成する。
func New(name string, generator gallery.KeyAndName) *Subscription {
	return &Subscription{
		name:              name,
		generator:         generator,
		checkerOptions:    checker.DefaultSubscriptionOptions(),
		initialFileLimit:  DefaultInitialFileLimit,
		periodicFileLimit: DefaultPeriodicFileLimit,
		fileImportOptions: model.DefaultFileImportOptions(),
		presentation:      DefaultPresentationOptions(),
	}
}

func (s *Subscription) Name() string                                 { return s.name }
func (s *Subscription) SetName(name string)                          { s.name = name }
func (s *Subscription) Generator() gallery.KeyAndName                { return s.generator }
func (s *Subscription) Queries() []*Query                            { return s.queries }
func (s *Subscription) CheckerOptions() checker.Options              { return s.checkerOptions }
func (s *Subscription) IsPaused() bool                               { return s.paused }
func (s *Subscription) SetPaused(paused bool)                        { s.paused = paused }
func (s *Subscription) FileImportOptions() model.FileImportOptions   { return s.fileImportOptions }
func (s *Subscription) TagImportOptions() model.TagImportOptions     { return s.tagImportOptions }
func (s *Subscription) PresentationOptions() PresentationOptions     { return s.presentation }
func (s *Subscription) SetPresentationOptions(p PresentationOptions) { s.presentation = p }

// SetFileImportOptions は取り込み結果の提示方針を設定する。
func (s *Subscription) SetFileImportOptions(opts model.FileImportOptions) {
	s.fileImportOptions = opts
}

// SetTagImportOptions は購読全体の追加タグを設定する。
func (s *Subscription) SetTagImportOptions(opts model.TagImportOptions) {
	s.tagImportOptions = opts
}

// FileLimits は初回と定期の同期で取得する新規ファイル数の上限を返す。
func (s *Subscription) FileLimits() (initial, periodic int) {
	return s.initialFileLimit, s.periodicFileLimit
}

// SetFileLimits は新規ファイル数の上限を設定する。0以下は上限なし。
func (s *Subscription) SetFileLimits(initial, periodic int) {
	s.initialFileLimit = initial
	s.periodicFileLimit = periodic
}

// NoWorkUntil は作業を再開できる時刻とその理由を返す。
func (s *Subscription) NoWorkUntil() (time.Time, string) {
	return s.noWorkUntil, s.noWorkUntilReason
}

// AddQueries はクエリを追加する。
func (s *Subscription) AddQueries(queries ...*Query) {
	s.queries = append(s.queries, queries...)
}

// SetQueries はクエリを置き換える。
func (s *Subscription) SetQueries(queries []*Query) {
	s.queries = queries
}

// SetCheckerOptions はチェック方針を設定し、全クエリの次回チェック時刻を再計算する。
func (s *Subscription) SetCheckerOptions(opts checker.Options) {
	s.checkerOptions = opts
	for _, q := range s.queries {
		q.UpdateNextCheckTime(s.checkerOptions)
	}
}

func (s *Subscription) delayWork(d time.Duration, reason string) {
	s.noWorkUntil = now().Add(d)
	s.noWorkUntilReason = reason
}

func (s *Subscription) noDelays() bool {
	return timeHasPassed(s.noWorkUntil)
}

// canDoWorkNow は一時停止と待機時間のいずれにも該当しないかを返す。
func (s *Subscription) canDoWorkNow(opts GlobalOptions) bool {
	if s.paused || opts.PauseSubsSync || opts.PauseAllNewNetworkTraffic {
		return false
	}
	return s.noDelays()
}

// queriesForProcessing は処理順に並べたクエリを返す。
func (s *Subscription) queriesForProcessing(opts GlobalOptions) []*Query {
	queries := append([]*Query(nil), s.queries...)
	if opts.ProcessInRandomOrder {
		rand.Shuffle(len(queries), func(i, j int) {
			queries[i], queries[j] = queries[j], queries[i]
		})
	} else {
		sort.SliceStable(queries, func(i, j int) bool {
			return queries[i].HumanName() < queries[j].HumanName()
		})
	}
	return queries
}

// publishingLabel はクエリの取り込み結果を提示するときのラベルを返す。
func (s *Subscription) publishingLabel(q *Query) string {
	label := s.name
	if s.presentation.PublishLabelOverride != "" {
		label = s.presentation.PublishLabelOverride
	}
	if !s.presentation.MergeQueryPublishEvents {
		label += ": " + q.HumanName()
	}
	return label
}

// PublishingLabel は先頭クエリの提示ラベルを返す。クエリがない場合は購読名。
func (s *Subscription) PublishingLabel() string {
	if len(s.queries) == 0 {
		return s.name
	}
	return s.publishingLabel(s.queries[0])
}

// AllPaused は購読自体か全クエリが一時停止しているかを返す。
func (s *Subscription) AllPaused() bool {
	if s.paused {
		return true
	}
	for _, q := range s.queries {
		if !q.IsPaused() {
			return false
		}
	}
	return true
}

func (s *Subscription) anyQuery(pred func(q *Query) bool) bool {
	for _, q := range s.queries {
		if pred(q) {
			return true
		}
	}
	return false
}

func (s *Subscription) CanCheckNow() bool {
	return s.anyQuery((*Query).CanCheckNow)
}

func (s *Subscription) CanReset() bool {
	return s.anyQuery(func(q *Query) bool { return !q.IsInitialSync() })
}

func (s *Subscription) CanRetryFailures() bool {
	return s.anyQuery((*Query).CanRetryFailed)
}

func (s *Subscription) CanRetryIgnored() bool {
	return s.anyQuery((*Query).CanRetryIgnored)
}

func (s *Subscription) CanScrubDelay() bool {
	return !s.noDelays()
}

// CheckNow は全クエリに即時チェックを要求し、待機時間を解除する。
func (s *Subscription) CheckNow() {
	for _, q := range s.queries {
		q.CheckNow()
	}
	s.ScrubDelay()
}

// ScrubDelay は待機時間を解除する。
func (s *Subscription) ScrubDelay() {
	s.noWorkUntil = time.Time{}
	s.noWorkUntilReason = ""
}

// PauseResume は一時停止状態を反転する。
func (s *Subscription) PauseResume() {
	s.paused = !s.paused
}

// Reset は全クエリを初回同期の状態に戻し、待機時間を解除する。
func (s *Subscription) Reset() {
	for _, q := range s.queries {
		q.Reset()
	}
	s.ScrubDelay()
}

// RetryFailures は全クエリのエラーになったファイルを未処理に戻し、件数を返す。
func (s *Subscription) RetryFailures() int {
	n := 0
	for _, q := range s.queries {
		n += q.RetryFailures()
	}
	return n
}

// RetryIgnored は全クエリの拒否されたファイルを未処理に戻し、件数を返す。
func (s *Subscription) RetryIgnored() int {
	n := 0
	for _, q := range s.queries {
		n += q.RetryIgnored()
	}
	return n
}

// HasQuerySearchTextFragment はいずれかのクエリ文字列がfragmentを含むかを返す。
func (s *Subscription) HasQuerySearchTextFragment(fragment string) bool {
	return s.anyQuery(func(q *Query) bool { return strings.Contains(q.QueryText(), fragment) })
}

// BandwidthWaitingEstimateMinMax はクエリごとの帯域待ち時間の最小値と最大値を返す。
func (s *Subscription) BandwidthWaitingEstimateMinMax(ledger network.BandwidthLedger) (time.Duration, time.Duration) {
	if len(s.queries) == 0 {
		return 0, 0
	}

	var lo, hi time.Duration
	for i, q := range s.queries {
		est := q.BandwidthWaitingEstimate(s.name, ledger)
		if i == 0 || est < lo {
			lo = est
		}
		if i == 0 || est > hi {
			hi = est
		}
	}
	return lo, hi
}

// BestEarliestNextWorkTime は次に実行するのに最適な時刻を返す。作業の予定がない場合はfalse。
// 最も早い予定から15分以内に他のクエリも予定されていれば、まとめて実行するためそこまで待つ。
// 最も早い予定が60秒以内なら待たない。待機時間中はその終了より前にはならない。
func (s *Subscription) BestEarliestNextWorkTime(ledger network.BandwidthLedger) (time.Time, bool) {
	var times []time.Time
	for _, q := range s.queries {
		if t, ok := q.NextWorkTime(s.name, ledger); ok {
			times = append(times, t)
		}
	}
	if len(times) == 0 {
		return time.Time{}, false
	}

	earliest := times[0]
	for _, t := range times[1:] {
		if t.Before(earliest) {
			earliest = t
		}
	}

	latestNearby := earliest
	for _, t := range times {
		if t.Before(earliest.Add(launchWindow)) && t.After(latestNearby) {
			latestNearby = t
		}
	}

	best := latestNearby
	if earliest.Sub(now()) < time.Minute {
		best = earliest
	}

	if !s.noDelays() && s.noWorkUntil.After(best) {
		best = s.noWorkUntil
	}
	return best, true
}

// Mergeable は同じジェネレーター名を持つ購読とそれ以外に振り分ける。
func (s *Subscription) Mergeable(candidates []*Subscription) (mergeable, unmergeable []*Subscription) {
	for _, c := range candidates {
		if c.generator.Name == s.generator.Name {
			mergeable = append(mergeable, c)
		} else {
			unmergeable = append(unmergeable, c)
		}
	}
	return mergeable, unmergeable
}

// Merge は他の購読のクエリの複製を取り込む。ジェネレーター名が異なる購読はエラー。
func (s *Subscription) Merge(mergees []*Subscription) error {
	for _, m := range mergees {
		if m.generator.Name != s.generator.Name {
			return fmt.Errorf("%s was told to merge an unmergeable subscription, %s", s.name, m.name)
		}
	}

	for _, m := range mergees {
		for _, q := range m.queries {
			dup, err := q.Duplicate()
			if err != nil {
				return fmt.Errorf("クエリの複製に失敗: %w", err)
			}
			s.queries = append(s.queries, dup)
		}
	}
	return nil
}

// Separate は指定したクエリをそれぞれ1クエリの購読として切り出す。
// onlyが空の場合は全クエリを切り出す。切り出したクエリはこの購読から取り除かれる。
// 新しい購読の名前は "baseName: クエリ名" になる。
func (s *Subscription) Separate(baseName string, only []*Query) ([]*Subscription, error) {
	selected := make(map[*Query]bool, len(only))
	for _, q := range only {
		selected[q] = true
	}
	pick := func(q *Query) bool {
		return len(only) == 0 || selected[q]
	}

	var (
		separated []*Subscription
		remaining []*Query
	)
	for _, q := range s.queries {
		if !pick(q) {
			remaining = append(remaining, q)
			continue
		}

		sub, err := s.duplicateWithoutQueries()
		if err != nil {
			return nil, err
		}
		sub.queries = []*Query{q}
		sub.name = baseName + ": " + q.HumanName()
		separated = append(separated, sub)
	}

	s.queries = remaining
	return separated, nil
}

func (s *Subscription) duplicateWithoutQueries() (*Subscription, error) {
	queries := s.queries
	s.queries = nil
	defer func() { s.queries = queries }()

	return s.Duplicate()
}

// Duplicate は購読をクエリとシードも含めて複製する。
func (s *Subscription) Duplicate() (*Subscription, error) {
	version, payload, err := Marshal(s)
	if err != nil {
		return nil, err
	}
	return Unmarshal(s.name, version, payload)
}
