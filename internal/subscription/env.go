package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/seed"
)

// NetworkEngine は購読クエリ用のジョブを生成するインターフェース。
type NetworkEngine interface {
	JobFactory(subscriptionKey string) network.JobFactory
}

// TagPipeline は取り込み成功時のタグ追加を計算するインターフェース。
type TagPipeline interface {
	ContentUpdates(opts model.TagImportOptions, status model.SeedStatus, hash string) []model.ContentUpdate
}

// ContentWriter はタグ追加を書き込むインターフェース。
type ContentWriter interface {
	WriteContentUpdates(ctx context.Context, updates []model.ContentUpdate) error
}

// Saver は購読の保存インターフェース。
type Saver interface {
	Save(ctx context.Context, s *Subscription) error
}

// Recorder は同期の計測値を記録するインターフェース。
type Recorder interface {
	RecordSyncRun(outcome string, d time.Duration)
	RecordGalleryPage(outcome string)
	RecordFileSeed(status model.SeedStatus)
}

// Env は購読の同期に必要な依存関係をまとめたもの。
// Generators, Network, Importer, Store は必須。その他はnilの場合に無効化される。
type Env struct {
	Generators gallery.Lookup
	Network    NetworkEngine
	Bandwidth  network.BandwidthLedger
	Importer   seed.Importer
	Tags       TagPipeline
	Content    ContentWriter
	Notifier   progress.Notifier
	Publisher  progress.Publisher
	Jobs       *progress.Registry
	Options    OptionsSource
	Store      Saver
	Logger     *slog.Logger
	Metrics    Recorder
	// Sleep はテストで差し替え可能な待機関数。nilの場合はctxに連動するタイマーで待つ。
	Sleep func(ctx context.Context, d time.Duration)
}

func (e *Env) options() GlobalOptions {
	if e.Options == nil {
		return DefaultGlobalOptions()
	}
	return e.Options.Options()
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if e.Sleep != nil {
		e.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Env) notify(ctx context.Context, source, text string) {
	if e.Notifier != nil {
		e.Notifier.ShowText(ctx, source, text)
		return
	}
	e.logger().Warn(text, slog.String("source", source))
}

func (e *Env) publish(ctx context.Context, label string, hashes []string, toPopupButton, toPage bool) {
	if e.Publisher != nil {
		e.Publisher.PublishPresentationHashes(ctx, label, hashes, toPopupButton, toPage)
	}
}

func (e *Env) startJob(ctx context.Context, title string, visible bool) *progress.JobKey {
	if visible && e.Jobs != nil {
		return e.Jobs.Start(ctx, title)
	}
	return progress.NewJobKey(ctx, title)
}

func (e *Env) recordSyncRun(outcome string, d time.Duration) {
	if e.Metrics != nil {
		e.Metrics.RecordSyncRun(outcome, d)
	}
}

func (e *Env) recordGalleryPage(outcome string) {
	if e.Metrics != nil {
		e.Metrics.RecordGalleryPage(outcome)
	}
}

func (e *Env) recordFileSeed(status model.SeedStatus) {
	if e.Metrics != nil {
		e.Metrics.RecordFileSeed(status)
	}
}
