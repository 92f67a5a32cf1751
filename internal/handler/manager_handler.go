package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/subsync/internal/middleware"
	"github.com/hitoshi/subsync/internal/worker/schedule"
)

// ManagerInterface はマネージャーハンドラーが必要とする購読マネージャーのインターフェース。
type ManagerInterface interface {
	RunningChecker
	// Snapshot は実行中・実行不可の購読と次回作業時刻の一覧を返す。
	Snapshot() schedule.Snapshot
	// Wake はメインループの待機を打ち切る。
	Wake()
	// IsShutdown はメインループが終了したかを返す。
	IsShutdown() bool
}

// ManagerHandler は購読マネージャーのHTTPハンドラー。
type ManagerHandler struct {
	manager ManagerInterface
	logger  *slog.Logger
}

// NewManagerHandler はManagerHandlerを生成する。
func NewManagerHandler(manager ManagerInterface, logger *slog.Logger) *ManagerHandler {
	return &ManagerHandler{manager: manager, logger: logger}
}

// managerResponse はマネージャーの状態のAPIレスポンス。
type managerResponse struct {
	schedule.Snapshot
	Shutdown bool `json:"shutdown"`
}

// GetSnapshot はマネージャーの状態を返す。
// GET /api/manager
func (h *ManagerHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, managerResponse{
		Snapshot: h.manager.Snapshot(),
		Shutdown: h.manager.IsShutdown(),
	})
}

// Wake はメインループを起こす。
// POST /api/manager/wake
func (h *ManagerHandler) Wake(w http.ResponseWriter, r *http.Request) {
	h.manager.Wake()
	w.WriteHeader(http.StatusAccepted)
}

// ClearCache は購読名を読み直し、次回作業時刻のキャッシュを消去する。
// POST /api/manager/clear-cache
func (h *ManagerHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearCacheAndWake(context.WithoutCancel(r.Context())); err != nil {
		h.logger.Error("購読名の再読み込みに失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
