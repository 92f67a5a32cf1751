// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/subsync/internal/model"
)

// ObjectStore は名前付きのシリアライズ済みオブジェクトの永続化インターフェース。
type ObjectStore interface {
	// Read は指定種別・名前のオブジェクトを取得する。見つからない場合はnilを返す。
	Read(ctx context.Context, kind, name string) (*model.SerialisedObject, error)

	// WriteSynchronous はオブジェクトを保存し、書き込みの完了を待って戻る。
	// 同じ種別・名前のオブジェクトがあれば置き換える。
	WriteSynchronous(ctx context.Context, obj *model.SerialisedObject) error

	// ReadNames は指定種別の全オブジェクト名を昇順で返す。
	ReadNames(ctx context.Context, kind string) ([]string, error)

	// Delete は指定種別・名前のオブジェクトを削除する。存在しない場合は何もしない。
	Delete(ctx context.Context, kind, name string) error
}

// MessageRepository は利用者向けメッセージの永続化インターフェース。
type MessageRepository interface {
	// Save はメッセージを保存する。
	Save(ctx context.Context, msg *model.Message) error

	// ListRecent は新しい順に最大limit件のメッセージを返す。
	ListRecent(ctx context.Context, limit int) ([]*model.Message, error)

	// DeleteOlderThan はbefore以前に作成されたメッセージを削除し、件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ContentUpdateRepository はタグ追加記録の永続化インターフェース。
type ContentUpdateRepository interface {
	// WriteContentUpdates はタグ追加を一括で保存する。
	WriteContentUpdates(ctx context.Context, updates []model.ContentUpdate) error

	// ListByHash は指定ハッシュに適用されたタグ追加を返す。
	ListByHash(ctx context.Context, hash string) ([]model.ContentUpdate, error)
}
