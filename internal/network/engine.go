package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/security"
)

// URLValidator はURLの事前検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Recorder は取得結果のメトリクス記録インターフェース。
type Recorder interface {
	RecordHTTPStatus(statusCode int)
	RecordDownload(bytes int64, latency time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordHTTPStatus(int)                {}
func (noopRecorder) RecordDownload(int64, time.Duration) {}

// EngineConfig はEngineの設定を保持する。
type EngineConfig struct {
	MaxBodySize int64
	UserAgent   string
}

// Engine はHTTPクライアント、帯域台帳、ログイン管理をまとめ、取得ジョブを生成する。
type Engine struct {
	client   *http.Client
	guard    URLValidator
	ledger   *RateLedger
	login    *LoginManager
	cfg      EngineConfig
	logger   *slog.Logger
	recorder Recorder
}

// NewEngine はEngineを生成する。
// MaxBodySizeが0以下の場合はデフォルト値100MBを使用する。
func NewEngine(
	client *http.Client,
	guard URLValidator,
	ledger *RateLedger,
	login *LoginManager,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 100 * 1024 * 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "subsync/1.0"
	}
	return &Engine{
		client:   client,
		guard:    guard,
		ledger:   ledger,
		login:    login,
		cfg:      cfg,
		logger:   logger,
		recorder: noopRecorder{},
	}
}

// SetRecorder はメトリクス記録先を設定する。
func (e *Engine) SetRecorder(r Recorder) {
	if r != nil {
		e.recorder = r
	}
}

// Ledger は帯域台帳を返す。
func (e *Engine) Ledger() *RateLedger {
	return e.ledger
}

// NetworkContexts はURLの取得で計上されるコンテキストを返す。
// subscriptionKeyが空の場合は購読コンテキストを含めない。
func NetworkContexts(subscriptionKey, rawURL string) []Context {
	contexts := make([]Context, 0, 3)
	if subscriptionKey != "" {
		contexts = append(contexts, SubscriptionContext(subscriptionKey))
	}
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		contexts = append(contexts, DomainContext(normalizeDomain(u.Hostname())))
	}
	return append(contexts, GlobalContext)
}

// JobFactory は購読クエリ用のJobFactoryを返す。
func (e *Engine) JobFactory(subscriptionKey string) JobFactory {
	return func(method, rawURL string) Job {
		return &httpJob{
			engine:   e,
			method:   method,
			url:      rawURL,
			contexts: NetworkContexts(subscriptionKey, rawURL),
		}
	}
}

// httpJob はEngineによるJob実装。
type httpJob struct {
	engine   *Engine
	method   string
	url      string
	contexts []Context
	override time.Duration
}

func (j *httpJob) Method() string             { return j.method }
func (j *httpJob) URL() string                { return j.url }
func (j *httpJob) NetworkContexts() []Context { return j.contexts }

func (j *httpJob) OverrideBandwidth(wait time.Duration) {
	j.override = wait
}

func (j *httpJob) host() string {
	u, err := url.Parse(j.url)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (j *httpJob) NeedsLogin() bool {
	if j.engine.login == nil {
		return false
	}
	return j.engine.login.NeedsLogin(j.host())
}

func (j *httpJob) CheckCanLogin() error {
	if j.engine.login == nil {
		return nil
	}
	return j.engine.login.CheckCanLogin(j.host())
}

// Do は取得を実行し、結果をエラー分類に従って返す。
//   - ctxのキャンセル: model.ErrCancelled
//   - URL検証エラー、401/403、サイズ超過: *model.VetoError
//   - 404/410: model.ErrNotFound
//   - 通信エラー、429、5xx: *model.NetworkError
func (j *httpJob) Do(ctx context.Context) (*Response, error) {
	e := j.engine

	if err := e.guard.ValidateURL(j.url); err != nil {
		return nil, model.NewVetoError("URLがセキュリティポリシーにより拒否されました: %v", err)
	}

	if err := j.waitForBandwidth(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, j.method, j.url, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if e.login != nil {
		if cookie, ok := e.login.Cookie(j.host()); ok && cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrCancelled, ctx.Err())
		}
		return nil, &model.NetworkError{URL: j.url, Err: err}
	}
	defer resp.Body.Close()

	e.recorder.RecordHTTPStatus(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodySize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrCancelled, ctx.Err())
		}
		return nil, &model.NetworkError{URL: j.url, StatusCode: resp.StatusCode, Err: err}
	}
	if e.ledger != nil {
		e.ledger.ReportData(j.contexts, int64(len(body)))
	}
	e.recorder.RecordDownload(int64(len(body)), time.Since(start))

	if err := classifyStatus(j.url, resp.StatusCode, body); err != nil {
		e.logger.Warn("取得先がエラーを返しました",
			slog.String("url", j.url),
			slog.Int("status_code", resp.StatusCode),
		)
		return nil, err
	}

	if int64(len(body)) > e.cfg.MaxBodySize {
		return nil, model.NewVetoError("レスポンスが上限サイズ（%d bytes）を超えています", e.cfg.MaxBodySize)
	}

	return &Response{
		URL:         j.url,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// waitForBandwidth は帯域が空くまで待機する。
// OverrideBandwidthで上限が設定されている場合、上限を過ぎたら待機をやめて取得に進む。
func (j *httpJob) waitForBandwidth(ctx context.Context) error {
	ledger := j.engine.ledger
	if ledger == nil {
		return nil
	}

	waitCtx := ctx
	if j.override > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, j.override)
		defer cancel()
	}

	err := ledger.Wait(waitCtx, j.contexts)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", model.ErrCancelled, ctx.Err())
	}
	if j.override > 0 {
		return nil
	}
	return &model.NetworkError{URL: j.url, Err: err}
}

// classifyStatus はHTTPステータスをエラー分類に変換する。2xx/3xxはnilを返す。
func classifyStatus(rawURL string, status int, body []byte) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: %s", model.ErrNotFound, rawURL)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.NewVetoError("HTTP %d: %s", status, snippet(body))
	case status == http.StatusTooManyRequests || status >= 500:
		return &model.NetworkError{URL: rawURL, StatusCode: status, Err: errors.New(snippet(body))}
	default:
		return fmt.Errorf("HTTP %d: %s", status, snippet(body))
	}
}

// snippet はエラーページ本文の先頭をプレーンテキストとして返す。
func snippet(body []byte) string {
	const max = 2048
	if len(body) > max {
		body = body[:max]
	}
	text := security.PlainText(string(body))
	if text == "" {
		return "(empty body)"
	}
	return text
}
