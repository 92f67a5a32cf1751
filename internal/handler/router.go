package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/subsync/internal/metrics"
	"github.com/hitoshi/subsync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 購読
	Subscriptions SubscriptionStore
	Manager       ManagerInterface

	// ジョブ・メッセージ・提示ファイル
	Jobs          JobRegistry
	Messages      MessageLister
	Presentations PresentationLister

	// メトリクス。nilの場合は/metricsを公開しない
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter は管理APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", Health)

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	subHandler := NewSubscriptionHandler(deps.Subscriptions, deps.Manager, logger)
	managerHandler := NewManagerHandler(deps.Manager, logger)
	jobHandler := NewJobHandler(deps.Jobs, deps.Messages, deps.Presentations, logger)

	// マネージャー
	r.Route("/api/manager", func(r chi.Router) {
		r.Get("/", managerHandler.GetSnapshot)
		r.Post("/wake", managerHandler.Wake)
		r.Post("/clear-cache", managerHandler.ClearCache)
	})

	// 購読
	r.Route("/api/subscriptions", func(r chi.Router) {
		r.Get("/", subHandler.ListSubscriptions)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", subHandler.GetSubscription)
			r.Post("/actions/{action}", subHandler.ApplyAction)
		})
	})

	// ジョブ
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", jobHandler.ListJobs)
		r.Post("/{id}/cancel", jobHandler.CancelJob)
	})

	r.Get("/api/messages", jobHandler.ListMessages)
	r.Get("/api/presentations", jobHandler.ListPresentations)

	return r
}

// Health は死活監視用のエンドポイント。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
