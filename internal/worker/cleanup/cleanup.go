// Package cleanup は利用者向けメッセージと完了済みジョブの定期削除を提供する。
// 保持期間（デフォルト30日）を超過したメッセージを削除し、
// 完了から一定時間が経過したジョブをジョブ一覧から取り除く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MessagePruner は古いメッセージを削除するインターフェース。
// repository.MessageRepositoryが満たす。
type MessagePruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// JobPruner は完了済みジョブを取り除くインターフェース。
// progress.Registryが満たす。
type JobPruner interface {
	PruneFinished(before time.Time) int
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	messages      MessagePruner
	jobs          JobPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int           // メッセージの保持日数（デフォルト: 30）
	JobRetention  time.Duration // 完了済みジョブを一覧に残す時間（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。jobsはnilでもよい。
func NewCleanupJob(messages MessagePruner, jobs JobPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		messages:      messages,
		jobs:          jobs,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
		JobRetention:  time.Hour,
	}
}

// Run は保持期間を超過したメッセージと完了済みジョブを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	current := j.now()

	before := current.AddDate(0, 0, -j.RetentionDays)
	deletedCount, err := j.messages.DeleteOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("メッセージクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("メッセージクリーンアップの実行に失敗: %w", err)
	}

	prunedJobs := 0
	if j.jobs != nil {
		prunedJobs = j.jobs.PruneFinished(current.Add(-j.JobRetention))
	}

	duration := time.Since(start)
	j.logger.Info("メッセージクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("pruned_jobs", prunedJobs),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行したあと、intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
