package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/subsync/internal/middleware"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/progress"
)

// defaultMessageLimit はメッセージ一覧の既定件数。
const defaultMessageLimit = 50

// maxMessageLimit はメッセージ一覧で指定できる件数の上限。
const maxMessageLimit = 500

// JobRegistry はジョブハンドラーが必要とするジョブ一覧のインターフェース。
type JobRegistry interface {
	List() []progress.JobSnapshot
	Cancel(id string) bool
}

// MessageLister は最近のメッセージを返すインターフェース。
type MessageLister interface {
	ListRecent(ctx context.Context, limit int) ([]*model.Message, error)
}

// PresentationLister はラベルごとの直近の提示ファイルを返すインターフェース。
type PresentationLister interface {
	Recent() map[string][]progress.Batch
}

// JobHandler はジョブ・メッセージ・提示ファイルのHTTPハンドラー。
type JobHandler struct {
	jobs          JobRegistry
	messages      MessageLister
	presentations PresentationLister
	logger        *slog.Logger
}

// NewJobHandler はJobHandlerを生成する。presentationsはnilでもよい。
func NewJobHandler(jobs JobRegistry, messages MessageLister, presentations PresentationLister, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, messages: messages, presentations: presentations, logger: logger}
}

// ListJobs は登録中のジョブを作成順に返す。
// GET /api/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.List())
}

// CancelJob はジョブをキャンセルする。
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.jobs.Cancel(id) {
		middleware.WriteError(w, model.NewJobNotFoundError(id))
		return
	}

	h.logger.Info("ジョブをキャンセルしました", slog.String("job_id", id))
	w.WriteHeader(http.StatusAccepted)
}

// ListMessages は最近のメッセージを新しい順に返す。
// 件数はlimitクエリで指定でき、不正な値は既定値として扱う。
// GET /api/messages
func (h *JobHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxMessageLimit)
		}
	}

	msgs, err := h.messages.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("メッセージの取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}

	writeJSON(w, http.StatusOK, msgs)
}

// ListPresentations はラベルごとの直近の提示ファイルを返す。
// GET /api/presentations
func (h *JobHandler) ListPresentations(w http.ResponseWriter, r *http.Request) {
	recent := map[string][]progress.Batch{}
	if h.presentations != nil {
		recent = h.presentations.Recent()
	}
	writeJSON(w, http.StatusOK, recent)
}
