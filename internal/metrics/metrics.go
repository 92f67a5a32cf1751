// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/subsync/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期処理、ネットワークエンジン、購読マネージャーから利用する。
type MetricsCollector interface {
	RecordSyncRun(outcome string, d time.Duration)
	RecordGalleryPage(outcome string)
	RecordFileSeed(status model.SeedStatus)
	RecordHTTPStatus(statusCode int)
	RecordDownload(bytes int64, d time.Duration)
	SetRunningSubscriptions(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncRuns        *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	galleryPages    *prometheus.CounterVec
	fileSeeds       *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	bytesDownloaded prometheus.Counter
	downloadLatency prometheus.Histogram
	running         prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subsync_sync_runs_total",
			Help: "結果別の購読同期の実行数",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "subsync_sync_duration_seconds",
			Help:    "購読同期1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		galleryPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subsync_gallery_pages_total",
			Help: "結果別のギャラリーページ取得数",
		}, []string{"outcome"}),
		fileSeeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subsync_file_seeds_total",
			Help: "処理後の状態別のファイルシード数",
		}, []string{"status"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subsync_bytes_downloaded_total",
			Help: "ダウンロードしたバイト数の合計",
		}),
		downloadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "subsync_download_latency_seconds",
			Help:    "1リクエストあたりのダウンロード時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subsync_running_subscriptions",
			Help: "実行中の購読数",
		}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncDuration,
		c.galleryPages,
		c.fileSeeds,
		c.httpStatus,
		c.bytesDownloaded,
		c.downloadLatency,
		c.running,
	)

	return c
}

// RecordSyncRun は購読同期1回の結果と所要時間を記録する。
func (c *Collector) RecordSyncRun(outcome string, d time.Duration) {
	c.syncRuns.WithLabelValues(outcome).Inc()
	c.syncDuration.Observe(d.Seconds())
}

// RecordGalleryPage はギャラリーページ1件の処理結果を記録する。
func (c *Collector) RecordGalleryPage(outcome string) {
	c.galleryPages.WithLabelValues(outcome).Inc()
}

// RecordFileSeed はファイルシード1件の処理後の状態を記録する。
func (c *Collector) RecordFileSeed(status model.SeedStatus) {
	c.fileSeeds.WithLabelValues(status.String()).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordDownload はダウンロード量と所要時間を記録する。
func (c *Collector) RecordDownload(bytes int64, d time.Duration) {
	c.bytesDownloaded.Add(float64(bytes))
	c.downloadLatency.Observe(d.Seconds())
}

// SetRunningSubscriptions は実行中の購読数を設定する。
func (c *Collector) SetRunningSubscriptions(n int) {
	c.running.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// コンパイル時にインターフェースの実装を検証する
var _ MetricsCollector = (*Collector)(nil)
