package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/subsync/internal/middleware"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/subscription"
	"github.com/hitoshi/subsync/internal/worker/schedule"
)

// SubscriptionStore は購読ハンドラーが必要とする保存先インターフェース。
type SubscriptionStore interface {
	// Names は保存されている全購読名を返す。
	Names(ctx context.Context) ([]string, error)
	// Load は購読を読み込む。見つからない場合はsubscription.ErrSubscriptionNotFoundを返す。
	Load(ctx context.Context, name string) (*subscription.Subscription, error)
	// Save は購読を保存する。
	Save(ctx context.Context, s *subscription.Subscription) error
}

// RunningChecker は購読が実行中かを判定し、変更後にスケジュールを計算し直させる。
type RunningChecker interface {
	IsRunning(name string) bool
	// WithSubscriptionLocked は購読を実行対象から外した状態でfnを実行する。
	// 実行中の場合はschedule.ErrSubscriptionRunningを返す。
	WithSubscriptionLocked(name string, fn func() error) error
	ClearCacheAndWake(ctx context.Context) error
}

// 購読に対する操作名
const (
	ActionCheckNow      = "check-now"
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionRetryFailures = "retry-failures"
	ActionRetryIgnored  = "retry-ignored"
	ActionReset         = "reset"
	ActionScrubDelay    = "scrub-delay"
)

// SubscriptionHandler は購読の参照と操作のHTTPハンドラー。
type SubscriptionHandler struct {
	store   SubscriptionStore
	manager RunningChecker
	logger  *slog.Logger
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(store SubscriptionStore, manager RunningChecker, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		store:   store,
		manager: manager,
		logger:  logger,
	}
}

// queryResponse はクエリ1件のAPIレスポンス。
type queryResponse struct {
	Text            string     `json:"text"`
	DisplayName     string     `json:"display_name,omitempty"`
	Status          string     `json:"status"`
	Paused          bool       `json:"paused"`
	LastCheckTime   *time.Time `json:"last_check_time,omitempty"`
	NextCheckTime   *time.Time `json:"next_check_time,omitempty"`
	NextCheckStatus string     `json:"next_check_status"`
	FilesUnknown    int        `json:"files_unknown"`
	FilesTotal      int        `json:"files_total"`
	FilesFailed     int        `json:"files_failed"`
}

// subscriptionResponse は購読情報のAPIレスポンス。
type subscriptionResponse struct {
	Name              string          `json:"name"`
	Generator         string          `json:"generator"`
	Paused            bool            `json:"paused"`
	Running           bool            `json:"running"`
	NoWorkUntil       *time.Time      `json:"no_work_until,omitempty"`
	NoWorkUntilReason string          `json:"no_work_until_reason,omitempty"`
	Queries           []queryResponse `json:"queries"`
}

// actionResponse は操作結果のAPIレスポンス。
type actionResponse struct {
	Action       string               `json:"action"`
	Affected     int                  `json:"affected"`
	Subscription subscriptionResponse `json:"subscription"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *SubscriptionHandler) toResponse(s *subscription.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		Name:      s.Name(),
		Generator: s.Generator().Name,
		Paused:    s.IsPaused(),
		Running:   h.manager != nil && h.manager.IsRunning(s.Name()),
		Queries:   make([]queryResponse, 0, len(s.Queries())),
	}
	if until, reason := s.NoWorkUntil(); !until.IsZero() && until.After(time.Now()) {
		resp.NoWorkUntil = &until
		resp.NoWorkUntilReason = reason
	}
	for _, q := range s.Queries() {
		unknown, total, failed := q.NumURLsAndFailed()
		resp.Queries = append(resp.Queries, queryResponse{
			Text:            q.QueryText(),
			DisplayName:     q.DisplayName(),
			Status:          string(q.Status()),
			Paused:          q.IsPaused(),
			LastCheckTime:   timePtr(q.LastCheckTime()),
			NextCheckTime:   timePtr(q.NextCheckTime()),
			NextCheckStatus: q.NextCheckStatusString(),
			FilesUnknown:    unknown,
			FilesTotal:      total,
			FilesFailed:     failed,
		})
	}
	return resp
}

// load は購読を読み込み、見つからない場合はAPIErrorに変換する。
func (h *SubscriptionHandler) load(ctx context.Context, name string) (*subscription.Subscription, error) {
	s, err := h.store.Load(ctx, name)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, model.NewSubscriptionNotFoundError(name)
	}
	return s, err
}

// ListSubscriptions は全購読の一覧を返す。
// GET /api/subscriptions
func (h *SubscriptionHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.Names(r.Context())
	if err != nil {
		h.logger.Error("購読名の一覧取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	subs := make([]subscriptionResponse, 0, len(names))
	for _, name := range names {
		s, err := h.store.Load(r.Context(), name)
		if err != nil {
			// 読み込めない購読は一覧から外し、ログにだけ残す
			h.logger.Warn("購読の読み込みに失敗しました",
				slog.String("subscription", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		subs = append(subs, h.toResponse(s))
	}

	writeJSON(w, http.StatusOK, subs)
}

// GetSubscription は購読1件の詳細を返す。
// GET /api/subscriptions/{name}
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s, err := h.load(r.Context(), name)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(s))
}

// ApplyAction は購読に操作を適用して保存する。
// 読み込みから保存までは購読マネージャーに予約した状態で行い、同期処理と同時に書き込まない。
// POST /api/subscriptions/{name}/actions/{action}
func (h *SubscriptionHandler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	action := chi.URLParam(r, "action")

	apply, ok := actions[action]
	if !ok {
		middleware.WriteError(w, model.NewUnknownActionError(action))
		return
	}

	var (
		s        *subscription.Subscription
		affected int
	)
	mutate := func() error {
		loaded, err := h.load(ctx, name)
		if err != nil {
			return err
		}
		n, applicable := apply(loaded)
		if !applicable {
			return model.NewActionNotApplicableError(action)
		}
		if err := h.store.Save(ctx, loaded); err != nil {
			return err
		}
		s, affected = loaded, n
		return nil
	}

	var err error
	if h.manager != nil {
		err = h.manager.WithSubscriptionLocked(name, mutate)
	} else {
		err = mutate()
	}
	if errors.Is(err, schedule.ErrSubscriptionRunning) {
		err = model.NewSubscriptionRunningError(name)
	}
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.logger.Info("購読を操作しました",
		slog.String("subscription", name),
		slog.String("action", action),
		slog.Int("affected", affected),
	)

	if h.manager != nil {
		if err := h.manager.ClearCacheAndWake(ctx); err != nil {
			h.logger.Warn("スケジュールの再計算に失敗しました", slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, actionResponse{
		Action:       action,
		Affected:     affected,
		Subscription: h.toResponse(s),
	})
}

// actionFunc は購読を変更し、影響した件数と操作が適用できたかを返す。
type actionFunc func(s *subscription.Subscription) (int, bool)

var actions = map[string]actionFunc{
	ActionCheckNow: func(s *subscription.Subscription) (int, bool) {
		if !s.CanCheckNow() {
			return 0, false
		}
		s.CheckNow()
		return len(s.Queries()), true
	},
	ActionPause: func(s *subscription.Subscription) (int, bool) {
		if s.IsPaused() {
			return 0, false
		}
		s.PauseResume()
		return 1, true
	},
	ActionResume: func(s *subscription.Subscription) (int, bool) {
		if !s.IsPaused() {
			return 0, false
		}
		s.PauseResume()
		return 1, true
	},
	ActionRetryFailures: func(s *subscription.Subscription) (int, bool) {
		if !s.CanRetryFailures() {
			return 0, false
		}
		return s.RetryFailures(), true
	},
	ActionRetryIgnored: func(s *subscription.Subscription) (int, bool) {
		if !s.CanRetryIgnored() {
			return 0, false
		}
		return s.RetryIgnored(), true
	},
	ActionReset: func(s *subscription.Subscription) (int, bool) {
		if !s.CanReset() {
			return 0, false
		}
		s.Reset()
		return len(s.Queries()), true
	},
	ActionScrubDelay: func(s *subscription.Subscription) (int, bool) {
		if !s.CanScrubDelay() {
			return 0, false
		}
		s.ScrubDelay()
		return 1, true
	},
}

// handleError はAPIErrorをそのまま返し、それ以外はログに残して内部エラーとする。
func (h *SubscriptionHandler) handleError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		h.logger.Error("購読の処理に失敗しました", slog.String("error", err.Error()))
	}
	middleware.WriteError(w, err)
}
