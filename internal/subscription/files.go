package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/seed"
)

// firstLine は複数行の文字列の1行目を返す。
func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// FilesPresentation はジョブに表示する取り込み済みファイルの一覧。
type FilesPresentation struct {
	Label  string   `json:"label"`
	Hashes []string `json:"hashes"`
}

// workOnFiles は未処理のファイルシードをクエリごとに取り込む。
// ファイル処理のエラーが閾値に達した場合は、購読全体の作業を中断してエラーを返す。
func (s *Subscription) workOnFiles(job *progress.JobKey, env *Env, report *RunReport) error {
	errorCount := 0

	var queries []*Query
	for _, q := range s.queriesForProcessing(env.options()) {
		if q.HasFileWorkToDo() {
			queries = append(queries, q)
		}
	}

	for i, q := range queries {
		text1 := "ファイルを取得中"
		summaryName := s.name
		if q.HumanName() != s.name {
			text1 += "「" + q.HumanName() + "」"
			summaryName += ": " + q.HumanName()
		}
		if len(queries) > 1 {
			text1 += fmt.Sprintf("（%d/%d）", i+1, len(queries))
		}
		job.SetVariable(progress.VarText1, text1)

		stop, err := s.workOnQueryFiles(job, env, q, summaryName, &errorCount, report)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}

	// エラーで中断した場合は提示中のファイルを残し、ジョブを完了として表示し続ける
	job.DeleteVariable(progress.VarFiles)
	job.DeleteVariable(progress.VarText1)
	job.DeleteVariable(progress.VarText2)
	job.DeleteVariable(progress.VarGauge)
	return nil
}

// workOnQueryFiles は1クエリ分のファイルを取り込む。
// キャンセルされた場合はstopがtrueになる。
func (s *Subscription) workOnQueryFiles(
	job *progress.JobKey,
	env *Env,
	q *Query,
	summaryName string,
	errorCount *int,
	report *RunReport,
) (stop bool, err error) {
	ctx := job.Context()
	opts := env.options()
	cache := q.fileSeedCache
	logger := env.logger()

	var (
		hashes     []string
		hashesSeen = make(map[string]struct{})
		didWork    bool
	)

	// 途中で中断しても、取り込めた分は必ず提示する
	defer func() {
		if len(hashes) > 0 {
			env.publish(context.WithoutCancel(ctx), s.publishingLabel(q), hashes,
				s.presentation.PublishFilesToPopupButton, s.presentation.PublishFilesToPage)
		}
	}()

	startingDone := cache.Len() - cache.Count(model.StatusUnknown)

	for {
		fs, ok := cache.GetNextSeed(model.StatusUnknown)
		if !ok {
			return false, nil
		}

		if job.IsCancelled() {
			s.delayWork(fileCancelDelay, "recently cancelled")
			return true, nil
		}

		cannotWork := !s.canDoWorkNow(opts)
		noBandwidth := !q.BandwidthIsOK(s.name, env.Bandwidth)
		if cannotWork || noBandwidth || !s.queryFileLoginIsOK(ctx, env, q) {
			if noBandwidth && didWork {
				job.SetVariable(progress.VarText2, "帯域に余裕がないため、残りは後で取得します")
				env.sleep(ctx, noBandwidthPause)
			}
			return false, nil
		}

		total := cache.Len() - startingDone
		done := cache.Len() - cache.Count(model.StatusUnknown) - startingDone
		xOutOfY := fmt.Sprintf("ファイル %d/%d: ", done+1, total)
		job.SetVariable(progress.VarGauge, progress.Gauge{Done: done, Total: total})

		deps := seed.FileWorkDeps{
			Factory:  s.jobFactory(env, q),
			Importer: env.Importer,
			StatusHook: func(text string) {
				job.SetVariable(progress.VarText2, xOutOfY+firstLine(text))
			},
			OnJob: func(nj network.Job) {
				job.SetVariable(progress.VarNetworkJob, nj.URL())
			},
		}

		err := fs.WorkOnURL(ctx, cache, deps)
		if err == nil {
			err = s.applyTags(ctx, env, q, fs, report)
		}

		switch {
		case err == nil:
			if fs.ShouldPresent(s.fileImportOptions) {
				if _, dup := hashesSeen[fs.Hash]; !dup {
					hashesSeen[fs.Hash] = struct{}{}
					hashes = append(hashes, fs.Hash)
				}
			}
		case model.IsCancelled(err):
			s.delayWork(fileCancelDelay, firstLine(err.Error()))
			return true, nil
		case model.IsVeto(err):
			cache.SetStatusFromError(fs, model.StatusVetoed, err)
		case model.IsNotFound(err):
			cache.SetStatus(fs, model.StatusVetoed, "404")
		default:
			job.SetVariable(progress.VarText2, xOutOfY+"ファイルの取得に失敗しました")
			cache.SetStatusFromError(fs, model.StatusError, err)
			report.FileErrors++

			logger.Warn("ファイルの取り込みに失敗しました",
				slog.String("subscription", s.name),
				slog.String("url", fs.URL()),
				slog.String("error", err.Error()),
			)

			// 削除済みファイルなどのデータ欠落は中断の判定に数えない
			if !model.IsDataMissing(err) {
				*errorCount++
				env.sleep(ctx, opts.ErrorPause)
			}

			if t := opts.FileErrorCancelThreshold; t > 0 && *errorCount >= t {
				return true, &model.FileErrorThresholdError{Count: *errorCount, LastError: err}
			}
		}

		env.recordFileSeed(fs.Status)
		report.FilesProcessed++
		didWork = true

		if len(hashes) > 0 {
			job.SetVariable(progress.VarFiles, FilesPresentation{
				Label:  summaryName,
				Hashes: append([]string(nil), hashes...),
			})
		}

		env.sleep(ctx, opts.FileWorkPacing)
	}
}

// applyTags は取り込みに成功したファイルに購読とクエリの追加タグを適用する。
func (s *Subscription) applyTags(ctx context.Context, env *Env, q *Query, fs *seed.FileSeed, report *RunReport) error {
	tagOpts := model.TagImportOptions{
		AdditionalTags: append(append([]string(nil), s.tagImportOptions.AdditionalTags...), q.tagImportOptions.AdditionalTags...),
	}
	if env.Tags == nil || !tagOpts.HasAdditionalTags() || !fs.Status.IsSuccessful() || !fs.HasHash() {
		return nil
	}

	updates := env.Tags.ContentUpdates(tagOpts, fs.Status, fs.Hash)
	if len(updates) == 0 || env.Content == nil {
		return nil
	}

	// 取り込み済みのファイルのタグは、停止指示が出ていても書き切る
	if err := env.Content.WriteContentUpdates(context.WithoutCancel(ctx), updates); err != nil {
		return fmt.Errorf("タグの書き込みに失敗: %w", err)
	}
	report.ContentUpdates += len(updates)
	return nil
}
