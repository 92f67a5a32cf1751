package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/subsync/internal/model"
)

// PostgresContentUpdateRepo はPostgreSQLを使用したタグ追加記録のリポジトリ。
type PostgresContentUpdateRepo struct {
	db *sql.DB
}

// NewPostgresContentUpdateRepo はPostgresContentUpdateRepoを生成する。
func NewPostgresContentUpdateRepo(db *sql.DB) *PostgresContentUpdateRepo {
	return &PostgresContentUpdateRepo{db: db}
}

// WriteContentUpdates はタグ追加を1トランザクションで保存する。
// 同じハッシュとタグの組はすでにあれば無視する。
func (r *PostgresContentUpdateRepo) WriteContentUpdates(ctx context.Context, updates []model.ContentUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO content_updates (hash, tag, source, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (hash, tag) DO NOTHING`,
	)
	if err != nil {
		return fmt.Errorf("タグ追加の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		createdAt := u.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, u.Hash, u.Tag, nullString(u.Source), createdAt); err != nil {
			return fmt.Errorf("タグ追加の保存に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("タグ追加のコミットに失敗しました: %w", err)
	}
	return nil
}

// ListByHash は指定ハッシュに適用されたタグ追加を作成順に返す。
func (r *PostgresContentUpdateRepo) ListByHash(ctx context.Context, hash string) ([]model.ContentUpdate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT hash, tag, source, created_at FROM content_updates
		 WHERE hash = $1 ORDER BY created_at ASC, tag ASC`,
		hash,
	)
	if err != nil {
		return nil, fmt.Errorf("タグ追加一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var updates []model.ContentUpdate
	for rows.Next() {
		var (
			u      model.ContentUpdate
			source sql.NullString
		)
		if err := rows.Scan(&u.Hash, &u.Tag, &source, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("タグ追加のスキャンに失敗しました: %w", err)
		}
		u.Source = nullStringValue(source)
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タグ追加一覧の読み取りに失敗しました: %w", err)
	}

	return updates, nil
}

// コンパイル時にインターフェースの実装を検証する
var _ ContentUpdateRepository = (*PostgresContentUpdateRepo)(nil)
