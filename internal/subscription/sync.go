package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/seed"
)

// ページ巡回の打ち切り判定に使う閾値
const (
	// largeGalleryThreshold 件の既知URLが連続したら、大規模なギャラリーの既知部分に入ったと判断する。
	largeGalleryThreshold = 100
	// caughtUpThreshold 件の既知URLがページ末尾に連続したら、前回の取得位置に追いついたと判断する。
	caughtUpThreshold = 5
)

// 待機時間
const (
	galleryCancelDelay = 10 * time.Minute
	fileCancelDelay    = 5 * time.Minute
	loginFailureDelay  = 5 * time.Minute
	noBandwidthPause   = 5 * time.Second
)

// ギャラリー巡回の停止理由
const (
	StopReasonUnknown                = "不明な停止理由"
	StopReasonLargeGallery           = "既知のURLが100件連続したため、大規模なギャラリーと判断しました"
	StopReasonInitialLimit           = "初回のファイル上限に達しました"
	StopReasonPeriodicLimit          = "定期のファイル上限に達しました"
	StopReasonPeriodicLimitAfterSeen = "既知のファイルを確認した後に定期のファイル上限に達しました"
	StopReasonPeriodicLimitNoneSeen  = "既知のファイルを1件も確認しないまま定期のファイル上限に達しました"
	StopReasonNoNewURLs              = "新しいURLが見つかりませんでした"
	StopReasonLoginInvalid           = "ログインが無効です"
	StopReasonCancelled              = "ギャラリーの解析がキャンセルされました"
	StopReasonJobCancelled           = "ギャラリーの取得ジョブがキャンセルされました"
	StopReasonMissingPage            = "確認すべきページがあるはずでしたが見つかりませんでした"
	StopReasonNotWorking             = "購読が作業できない状態になりました"
)

// caughtUpReason は前回の取得位置に追いついたときの停止理由を返す。
func caughtUpReason(n int) string {
	return fmt.Sprintf("既知のURLが%d件連続したため、前回の取得位置に追いついたと判断しました", n)
}

// 同期結果の分類
const (
	OutcomeSkipped      = "skipped"
	OutcomeOK           = "ok"
	OutcomeNetworkError = "network_error"
	OutcomeError        = "error"
)

// QuerySyncReport は1クエリのギャラリー巡回の結果。
type QuerySyncReport struct {
	Query      string `json:"query"`
	NewURLs    int    `json:"new_urls"`
	AlreadyIn  int    `json:"already_in"`
	StopReason string `json:"stop_reason"`
	Dead       bool   `json:"dead"`
}

// RunReport は1回のSyncの結果。
type RunReport struct {
	Subscription   string            `json:"subscription"`
	Skipped        bool              `json:"skipped"`
	Queries        []QuerySyncReport `json:"queries,omitempty"`
	FilesProcessed int               `json:"files_processed"`
	FileErrors     int               `json:"file_errors"`
	ContentUpdates int               `json:"content_updates"`
	Duration       time.Duration     `json:"duration"`
	// Err は同期を中断させたエラー。購読の状態には待機時間として反映済み。
	Err error `json:"-"`
}

// Outcome は結果の分類を返す。
func (r *RunReport) Outcome() string {
	switch {
	case r.Skipped:
		return OutcomeSkipped
	case r.Err == nil:
		return OutcomeOK
	case model.IsNetworkError(r.Err):
		return OutcomeNetworkError
	default:
		return OutcomeError
	}
}

// syncQueryCanDoWork はチェック時刻を迎えたクエリがあるかを返す。
func (s *Subscription) syncQueryCanDoWork() bool {
	return s.anyQuery((*Query).IsSyncDue)
}

// workOnFilesCanDoWork は未処理ファイルがあり帯域にも余裕のあるクエリがあるかを返す。
func (s *Subscription) workOnFilesCanDoWork(ledger network.BandwidthLedger) bool {
	return s.anyQuery(func(q *Query) bool {
		return q.HasFileWorkToDo() && q.BandwidthIsOK(s.name, ledger)
	})
}

// Sync は購読の1回分の作業を行う。
// チェック時刻を迎えたクエリのギャラリーを巡回した後、未処理のファイルを取り込む。
// 同期中のエラーは待機時間として購読に反映し、RunReport.Errに記録する。
// 戻り値のエラーは購読の保存に失敗した場合のみ返す。
func (s *Subscription) Sync(ctx context.Context, env *Env) (*RunReport, error) {
	opts := env.options()
	report := &RunReport{Subscription: s.name}

	syncOK := s.syncQueryCanDoWork()
	filesOK := s.workOnFilesCanDoWork(env.Bandwidth)

	if !s.canDoWorkNow(opts) || !(syncOK || filesOK) {
		report.Skipped = true
		return report, nil
	}

	start := time.Now()
	logger := env.logger().With(slog.String("subscription", s.name))

	job := env.startJob(ctx, "subscriptions - "+s.name, s.presentation.ShowPopupWhileWorking)

	err := s.run(job, env, report)
	if err != nil {
		report.Err = err
		s.handleSyncError(job, env, logger, err)
	}

	job.DeleteVariable(progress.VarNetworkJob)

	saveErr := env.Store.Save(context.WithoutCancel(ctx), s)

	if job.HasVariable(progress.VarFiles) {
		job.Finish()
	} else {
		job.Delete()
	}

	report.Duration = time.Since(start)
	env.recordSyncRun(report.Outcome(), report.Duration)

	logger.Info("購読の同期が完了しました",
		slog.String("outcome", report.Outcome()),
		slog.Int("queries_synced", len(report.Queries)),
		slog.Int("files_processed", report.FilesProcessed),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)

	if saveErr != nil {
		return report, fmt.Errorf("購読の保存に失敗: %w", saveErr)
	}
	return report, nil
}

// run はギャラリーの巡回を繰り返した後、ファイルを取り込む。
// 巡回中に別のクエリがチェック時刻を迎えることがあるため、巡回は作業がなくなるまで繰り返す。
func (s *Subscription) run(job *progress.JobKey, env *Env, report *RunReport) error {
	for s.canDoWorkNow(env.options()) && s.syncQueryCanDoWork() {
		if job.IsCancelled() {
			break
		}
		if err := s.syncQueries(job, env, report); err != nil {
			return err
		}
	}

	return s.workOnFiles(job, env, report)
}

func (s *Subscription) handleSyncError(job *progress.JobKey, env *Env, logger *slog.Logger, err error) {
	opts := env.options()

	if model.IsNetworkError(err) {
		logger.Warn("購読の同期中に通信エラーが発生しました",
			slog.String("error", err.Error()),
			slog.Duration("delay", opts.NetworkErrorDelay),
		)
		job.SetVariable(progress.VarText1, "通信エラーが発生したため、後で再試行します")
		s.delayWork(opts.NetworkErrorDelay, "network error: "+err.Error())
		env.sleep(job.Context(), opts.ErrorPause)
		return
	}

	logger.Error("購読の同期中にエラーが発生しました",
		slog.String("error", err.Error()),
		slog.Duration("delay", opts.OtherErrorDelay),
	)
	env.notify(job.Context(), s.name, fmt.Sprintf("購読「%s」の同期中にエラーが発生しました: %v", s.name, err))
	s.delayWork(opts.OtherErrorDelay, "error: "+err.Error())
}

// loginIsOK はjobの取得先に有効なログインがあるかを確認する。
// ログインが無効な場合は購読を一時停止し、理由を利用者に通知する。
func (s *Subscription) loginIsOK(ctx context.Context, env *Env, q *Query, job network.Job, what string) bool {
	if !job.NeedsLogin() {
		return true
	}

	err := job.CheckCanLogin()
	if err == nil {
		return true
	}

	if !s.paused {
		reason := err.Error()
		env.notify(ctx, s.name, fmt.Sprintf(
			"購読「%s」のクエリ「%s」は%sのログインが無効なようです。理由: %s\n購読を一時停止しました。ログインを修正してから再開してください。",
			s.name, q.HumanName(), what, reason,
		))
		s.delayWork(loginFailureDelay, reason)
		s.paused = true
	}
	return false
}

func (s *Subscription) querySyncLoginIsOK(ctx context.Context, env *Env, q *Query) bool {
	gs, ok := q.gallerySeedLog.GetNextSeed(model.StatusUnknown)
	if !ok {
		return true
	}
	factory := env.Network.JobFactory(q.NetworkJobSubscriptionKey(s.name))
	return s.loginIsOK(ctx, env, q, exampleJob(factory, gs.URL()), "ギャラリー")
}

func (s *Subscription) queryFileLoginIsOK(ctx context.Context, env *Env, q *Query) bool {
	fs, ok := q.fileSeedCache.GetNextSeed(model.StatusUnknown)
	if !ok {
		return true
	}
	factory := env.Network.JobFactory(q.NetworkJobSubscriptionKey(s.name))
	return s.loginIsOK(ctx, env, q, exampleJob(factory, fs.URL()), "ファイル取得")
}

// jobFactory はクエリ用のジョブに帯域待ちの上限を設定して返す。
func (s *Subscription) jobFactory(env *Env, q *Query) network.JobFactory {
	base := env.Network.JobFactory(q.NetworkJobSubscriptionKey(s.name))
	override := env.options().BandwidthOverride
	return func(method, rawURL string) network.Job {
		j := base(method, rawURL)
		if override > 0 {
			j.OverrideBandwidth(override)
		}
		return j
	}
}

// syncQueries はチェック時刻を迎えたクエリのギャラリーを巡回する。
// ジェネレーターが見つからない、または利用できない場合は購読を一時停止する。
func (s *Subscription) syncQueries(job *progress.JobKey, env *Env, report *RunReport) error {
	ctx := job.Context()

	gen, ok := env.Generators.Get(s.generator)
	if !ok {
		s.paused = true
		env.notify(ctx, s.name, fmt.Sprintf(
			"購読「%s」のギャラリーURLジェネレーター「%s」が見つかりません。購読を一時停止しました。",
			s.name, s.generator.Name,
		))
		return nil
	}
	if !gen.IsFunctional() {
		s.paused = true
		env.notify(ctx, s.name, fmt.Sprintf(
			"購読「%s」のギャラリーURLジェネレーター「%s」は利用できない状態です。URLテンプレートかパーサーの定義を確認してください。購読を一時停止しました。",
			s.name, s.generator.Name,
		))
		return nil
	}

	s.generator = gen.KeyAndName()

	var due []*Query
	for _, q := range s.queriesForProcessing(env.options()) {
		if q.IsSyncDue() {
			due = append(due, q)
		}
	}

	notifiedBandwidth := false
	for i, q := range due {
		qs := &querySync{
			sub:     s,
			query:   q,
			env:     env,
			ctx:     ctx,
			initial: q.IsInitialSync(),
			toAdd:   make(map[string]struct{}),
		}
		if qs.initial {
			qs.limit = s.initialFileLimit
		} else {
			qs.limit = s.periodicFileLimit
		}

		prefix := "同期中"
		if q.HumanName() != s.name {
			prefix += "「" + q.HumanName() + "」"
		}
		if len(due) > 1 {
			prefix += fmt.Sprintf("（%d/%d）", i+1, len(due))
		}
		qs.prefix = prefix
		job.SetVariable(progress.VarText1, prefix)

		completed, err := qs.run(job, gen)
		report.Queries = append(report.Queries, qs.report())
		if err != nil {
			return err
		}
		if !completed {
			return nil
		}

		s.afterQuerySync(ctx, env, q, qs.initial, &notifiedBandwidth)
		report.Queries[len(report.Queries)-1].Dead = q.IsDead()
	}
	return nil
}

// afterQuerySync はクエリの死亡や帯域不足を利用者に知らせる。
func (s *Subscription) afterQuerySync(ctx context.Context, env *Env, q *Query, initial bool, notifiedBandwidth *bool) {
	if q.IsDead() {
		if initial {
			env.notify(ctx, s.name, fmt.Sprintf(
				"購読「%s」のクエリ「%s」は初回の同期で1件もファイルが見つかりませんでした。クエリ文字列に誤りがないか確認してください。",
				s.name, q.HumanName(),
			))
		} else {
			env.notify(ctx, s.name, fmt.Sprintf(
				"購読「%s」のクエリ「%s」は新しいファイルが出なくなったようです。",
				s.name, q.HumanName(),
			))
		}
		return
	}

	if initial && !*notifiedBandwidth && !q.BandwidthIsOK(s.name, env.Bandwidth) {
		env.notify(ctx, s.name, fmt.Sprintf(
			"購読「%s」のクエリ「%s」は初回の同期を終えましたが、取得先の帯域に余裕がないため、まだファイルは取得しません。帯域が空き次第、順次取得します。",
			s.name, q.HumanName(),
		))
		*notifiedBandwidth = true
	}
}

// querySync は1クエリ分のギャラリー巡回の状態を持つ。
type querySync struct {
	sub     *Subscription
	query   *Query
	env     *Env
	ctx     context.Context
	prefix  string
	initial bool
	limit   int

	totalNew       int
	totalAlreadyIn int
	toAdd          map[string]struct{}
	toAddOrdered   []*seed.FileSeed
	stopReason     string
	// limitReason はページ内で上限に達したときの詳しい停止理由。
	limitReason string
}

func (qs *querySync) report() QuerySyncReport {
	return QuerySyncReport{
		Query:      qs.query.HumanName(),
		NewURLs:    qs.totalNew,
		AlreadyIn:  qs.totalAlreadyIn,
		StopReason: qs.stopReason,
	}
}

func (qs *querySync) hasLimit() bool {
	return qs.limit > 0
}

// run はクエリのギャラリーを巡回し、見つけたファイルシードを追加して完了を記録する。
// キャンセル、ログイン失敗、作業不能で中断した場合はcompletedがfalseになり、完了は記録しない。
func (qs *querySync) run(job *progress.JobKey, gen gallery.URLGenerator) (completed bool, err error) {
	s, q, env := qs.sub, qs.query, qs.env

	urls := gen.GenerateGalleryURLs(q.QueryText())
	if len(urls) == 0 {
		s.paused = true
		env.notify(qs.ctx, s.name, fmt.Sprintf(
			"購読「%s」のギャラリーURLジェネレーター「%s」はURLを1件も生成しませんでした。購読を一時停止しました。",
			s.name, s.generator.Name,
		))
		qs.stopReason = "URLが生成されませんでした"
		return false, nil
	}

	initialSeeds := make([]*seed.GallerySeed, 0, len(urls))
	for _, u := range urls {
		initialSeeds = append(initialSeeds, seed.NewGallerySeed(u, true))
	}
	q.gallerySeedLog.AddSeeds(initialSeeds...)

	qs.stopReason = StopReasonUnknown

	completed, err = qs.crawl(job, gen)

	// 中断した場合も残ったページは次回に持ち越さない
	for {
		gs, ok := q.gallerySeedLog.GetNextSeed(model.StatusUnknown)
		if !ok {
			break
		}
		q.gallerySeedLog.SetStatus(gs, model.StatusVetoed, qs.stopReason)
	}

	if err != nil || !completed {
		return completed, err
	}

	// 先頭ページのURLほど新しいため、逆順に追加してキャッシュを古い順に保つ
	for i, j := 0, len(qs.toAddOrdered)-1; i < j; i, j = i+1, j-1 {
		qs.toAddOrdered[i], qs.toAddOrdered[j] = qs.toAddOrdered[j], qs.toAddOrdered[i]
	}
	q.fileSeedCache.AddSeeds(qs.toAddOrdered...)

	q.RegisterSyncComplete(s.checkerOptions)
	q.UpdateNextCheckTime(s.checkerOptions)

	env.logger().Info("クエリの同期が完了しました",
		slog.String("subscription", s.name),
		slog.String("query", q.HumanName()),
		slog.Int("new_urls", qs.totalNew),
		slog.Int("already_in", qs.totalAlreadyIn),
		slog.String("stop_reason", qs.stopReason),
	)

	return true, nil
}

func (qs *querySync) crawl(job *progress.JobKey, gen gallery.URLGenerator) (bool, error) {
	s, q, env := qs.sub, qs.query, qs.env
	seen := make(map[string]struct{})

	for q.gallerySeedLog.WorkToDo() {
		if !s.canDoWorkNow(env.options()) {
			qs.stopReason = StopReasonNotWorking
			return false, nil
		}
		if !s.querySyncLoginIsOK(qs.ctx, env, q) {
			qs.stopReason = StopReasonLoginInvalid
			return false, nil
		}
		if job.IsCancelled() {
			qs.stopReason = StopReasonCancelled
			s.delayWork(galleryCancelDelay, qs.stopReason)
			return false, nil
		}

		gs, ok := q.gallerySeedLog.GetNextSeed(model.StatusUnknown)
		if !ok {
			qs.stopReason = StopReasonMissingPage
			break
		}

		job.SetVariable(progress.VarText1, fmt.Sprintf("%s: 新しいURLを%d件発見、次のページを確認中", qs.prefix, qs.totalNew))

		deps := seed.GalleryWorkDeps{
			Factory: s.jobFactory(env, q),
			Parser:  gen.PageParser(),
			StatusHook: func(text string) {
				job.SetVariable(progress.VarText1, qs.prefix+": "+firstLine(text))
			},
			OnJob: func(nj network.Job) {
				job.SetVariable(progress.VarNetworkJob, nj.URL())
			},
		}

		res, err := gs.WorkOnURL(qs.ctx, q.gallerySeedLog, qs.callback, deps, seen)
		if err != nil {
			if model.IsCancelled(err) {
				qs.stopReason = StopReasonJobCancelled
				s.delayWork(galleryCancelDelay, qs.stopReason)
				env.recordGalleryPage("cancelled")
				return false, nil
			}
			qs.stopReason = firstLine(err.Error())
			env.recordGalleryPage("error")
			return false, err
		}

		switch {
		case res.NotFound:
			env.recordGalleryPage("not_found")
		default:
			env.recordGalleryPage("ok")
		}

		qs.stopReason = res.StopReason
		qs.totalNew += res.NumAdded
		qs.totalAlreadyIn += res.NumAlreadyIn

		if qs.hasLimit() && qs.totalNew >= qs.limit {
			switch {
			case qs.limitReason != "":
				qs.stopReason = qs.limitReason
			case qs.initial:
				qs.stopReason = StopReasonInitialLimit
			default:
				qs.stopReason = StopReasonPeriodicLimit
			}
			break
		}
	}

	return true, nil
}

// callback はページで見つかったファイルシードを振り分ける。
// 連続した既知URLの数はページごとに数え直す。
func (qs *querySync) callback(fileSeeds []*seed.FileSeed) seed.CallbackResult {
	res := seed.CallbackResult{CanSearchForMore: true, StopReason: StopReasonUnknown}
	contiguousAlreadyIn := 0
	cache := qs.query.fileSeedCache

	for _, fs := range fileSeeds {
		// 巡回中に新しいファイルが投稿されてページがずれた場合、同じURLが再び現れる
		if _, ok := qs.toAdd[fs.Identity]; ok {
			continue
		}

		if cache.HasSeed(fs.Identity) {
			res.NumAlreadyIn++
			contiguousAlreadyIn++
			if contiguousAlreadyIn >= largeGalleryThreshold {
				res.CanSearchForMore = false
				res.StopReason = StopReasonLargeGallery
				break
			}
		} else {
			res.NumAdded++
			contiguousAlreadyIn = 0
			qs.toAdd[fs.Identity] = struct{}{}
			qs.toAddOrdered = append(qs.toAddOrdered, fs)
		}

		if qs.hasLimit() && qs.totalNew+res.NumAdded >= qs.limit {
			switch {
			case qs.initial:
				res.StopReason = StopReasonInitialLimit
			case qs.totalAlreadyIn+res.NumAlreadyIn > 0:
				res.StopReason = StopReasonPeriodicLimitAfterSeen
			default:
				qs.env.notify(qs.ctx, qs.sub.name, fmt.Sprintf(
					"購読「%s」のクエリ「%s」は既知のファイルを1件も確認しないまま定期のファイル上限に達しました。",
					qs.sub.name, qs.query.HumanName(),
				))
				res.StopReason = StopReasonPeriodicLimitNoneSeen
			}
			qs.limitReason = res.StopReason
			res.CanSearchForMore = false
			break
		}
	}

	if contiguousAlreadyIn >= caughtUpThreshold {
		res.CanSearchForMore = false
		res.StopReason = caughtUpReason(contiguousAlreadyIn)
	}

	if res.NumAdded == 0 {
		res.CanSearchForMore = false
		res.StopReason = StopReasonNoNewURLs
	}

	return res
}
