// Package cleanup は期限切れのセッションと使い終わったパスワード再設定リクエストの
// 自動削除ジョブを提供する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// 削除対象の種類（メトリクスのラベルにも使う）
const (
	KindSessions       = "sessions"
	KindPasswordResets = "password_resets"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder は削除件数を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordCleanup(kind string, deleted int64)
}

type task struct {
	kind  string
	query string
}

// CleanupJob は期限切れレコードの削除ジョブ。
// 何度実行しても結果が変わらない冪等な削除のみを行う。
type CleanupJob struct {
	db       Executor
	logger   *slog.Logger
	recorder Recorder

	// RetentionDays は期限切れ・使用済みのリセットリクエストを残しておく日数（デフォルト: 7）
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		recorder:      recorder,
		RetentionDays: 7,
	}
}

func (j *CleanupJob) tasks() []task {
	return []task{
		{
			kind:  KindSessions,
			query: `DELETE FROM sessions WHERE expires_at < now()`,
		},
		{
			kind: KindPasswordResets,
			query: `DELETE FROM password_resets
			 WHERE (expires_at < now() OR used_at IS NOT NULL)
			   AND created_at < now() - $1::interval`,
		},
	}
}

// Run は期限切れのセッションと、保持期間を過ぎたリセットリクエストを削除する。
// 1つの削除が失敗しても残りは実行し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	var firstErr error
	for _, t := range j.tasks() {
		var args []interface{}
		if t.kind == KindPasswordResets {
			args = append(args, interval)
		}
		if err := j.runTask(ctx, t, args...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (j *CleanupJob) runTask(ctx context.Context, t task, args ...interface{}) error {
	start := time.Now()

	result, err := j.db.ExecContext(ctx, t.query, args...)
	if err != nil {
		j.logger.Error("cleanup failed",
			slog.String("kind", t.kind),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to clean up %s: %w", t.kind, err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to get deleted count",
			slog.String("kind", t.kind),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to get deleted count for %s: %w", t.kind, err)
	}

	if j.recorder != nil {
		j.recorder.RecordCleanup(t.kind, deletedCount)
	}

	j.logger.Info("cleanup completed",
		slog.String("kind", t.kind),
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、その後intervalごとに実行する。
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
