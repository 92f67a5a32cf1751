package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/subsync/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Save はメッセージを保存する。IDが空の場合は採番する。
func (r *PostgresMessageRepo) Save(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, source, text, created_at) VALUES ($1, $2, $3, $4)`,
		msg.ID, nullString(msg.Source), msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件のメッセージを返す。
func (r *PostgresMessageRepo) ListRecent(ctx context.Context, limit int) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source, text, created_at FROM messages
		 ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var source sql.NullString
		if err := rows.Scan(&msg.ID, &source, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("メッセージのスキャンに失敗しました: %w", err)
		}
		msg.Source = nullStringValue(source)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の読み取りに失敗しました: %w", err)
	}

	return messages, nil
}

// DeleteOlderThan はbefore以前に作成されたメッセージを削除し、件数を返す。
func (r *PostgresMessageRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("古いメッセージの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取り出す。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// コンパイル時にインターフェースの実装を検証する
var _ MessageRepository = (*PostgresMessageRepo)(nil)
