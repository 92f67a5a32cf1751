package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/subsync/internal/model"
)

// PostgresObjectStore はPostgreSQLを使用した名前付きオブジェクトのストア。
type PostgresObjectStore struct {
	db *sql.DB
}

// NewPostgresObjectStore はPostgresObjectStoreを生成する。
func NewPostgresObjectStore(db *sql.DB) *PostgresObjectStore {
	return &PostgresObjectStore{db: db}
}

// Read は指定種別・名前のオブジェクトを取得する。見つからない場合はnilを返す。
func (s *PostgresObjectStore) Read(ctx context.Context, kind, name string) (*model.SerialisedObject, error) {
	obj := &model.SerialisedObject{}
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, name, version, payload, updated_at
		 FROM serialisable_named WHERE kind = $1 AND name = $2`,
		kind, name,
	).Scan(&obj.Kind, &obj.Name, &obj.Version, &obj.Payload, &obj.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("オブジェクトの取得に失敗しました: %w", err)
	}

	return obj, nil
}

// WriteSynchronous はオブジェクトを保存する。同じ種別・名前の行があれば上書きする。
func (s *PostgresObjectStore) WriteSynchronous(ctx context.Context, obj *model.SerialisedObject) error {
	updatedAt := obj.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO serialisable_named (kind, name, version, payload, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, name) DO UPDATE SET
		   version = EXCLUDED.version,
		   payload = EXCLUDED.payload,
		   updated_at = EXCLUDED.updated_at`,
		obj.Kind, obj.Name, obj.Version, obj.Payload, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("オブジェクトの保存に失敗しました: %w", err)
	}
	return nil
}

// ReadNames は指定種別の全オブジェクト名を昇順で返す。
func (s *PostgresObjectStore) ReadNames(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM serialisable_named WHERE kind = $1 ORDER BY name ASC`,
		kind,
	)
	if err != nil {
		return nil, fmt.Errorf("オブジェクト名一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("オブジェクト名のスキャンに失敗しました: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("オブジェクト名一覧の読み取りに失敗しました: %w", err)
	}

	return names, nil
}

// Delete は指定種別・名前のオブジェクトを削除する。
func (s *PostgresObjectStore) Delete(ctx context.Context, kind, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM serialisable_named WHERE kind = $1 AND name = $2`,
		kind, name,
	)
	if err != nil {
		return fmt.Errorf("オブジェクトの削除に失敗しました: %w", err)
	}
	return nil
}

// コンパイル時にインターフェースの実装を検証する
var _ ObjectStore = (*PostgresObjectStore)(nil)
