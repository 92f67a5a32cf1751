package subscription

import (
	"sync/atomic"
	"time"
)

// GlobalOptions は全購読に共通する実行時オプション。
type GlobalOptions struct {
	// PauseSubsSync は全購読の同期を一時停止する。
	PauseSubsSync bool
	// PauseAllNewNetworkTraffic は新規の通信を全て止める。
	PauseAllNewNetworkTraffic bool
	// ProcessInRandomOrder はクエリと購読をランダムな順で処理する。falseの場合は名前順。
	ProcessInRandomOrder bool
	// FileErrorCancelThreshold はファイル処理のエラーがこの件数に達すると同期を中断する。0は無制限。
	FileErrorCancelThreshold int
	// NetworkErrorDelay は通信エラーで同期が中断したときの待機時間。
	NetworkErrorDelay time.Duration
	// OtherErrorDelay はその他のエラーで同期が中断したときの待機時間。
	OtherErrorDelay time.Duration
	// BandwidthOverride は購読のジョブが帯域の空きを待つ上限時間。
	BandwidthOverride time.Duration
	// FileWorkPacing はファイル1件を処理するごとに挟む待機時間。
	FileWorkPacing time.Duration
	// ErrorPause はエラー後に挟む待機時間。
	ErrorPause time.Duration
}

// DefaultGlobalOptions は既定値を返す。
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ProcessInRandomOrder:     true,
		FileErrorCancelThreshold: 5,
		NetworkErrorDelay:        12 * time.Hour,
		OtherErrorDelay:          36 * time.Hour,
		BandwidthOverride:        30 * time.Second,
		FileWorkPacing:           100 * time.Millisecond,
		ErrorPause:               5 * time.Second,
	}
}

// OptionsSource は現在のオプションを返すインターフェース。
type OptionsSource interface {
	Options() GlobalOptions
}

// LiveOptions は実行中に差し替え可能なオプション。
type LiveOptions struct {
	v atomic.Pointer[GlobalOptions]
}

// NewLiveOptions は初期値を持つLiveOptionsを生成する。
func NewLiveOptions(o GlobalOptions) *LiveOptions {
	l := &LiveOptions{}
	l.Store(o)
	return l
}

// Options は現在のオプションの複製を返す。
func (l *LiveOptions) Options() GlobalOptions {
	return *l.v.Load()
}

// Store はオプションを置き換える。
func (l *LiveOptions) Store(o GlobalOptions) {
	l.v.Store(&o)
}

// Update は現在値に fn を適用して置き換える。
func (l *LiveOptions) Update(fn func(o *GlobalOptions)) {
	for {
		old := l.v.Load()
		next := *old
		fn(&next)
		if l.v.CompareAndSwap(old, &next) {
			return
		}
	}
}
