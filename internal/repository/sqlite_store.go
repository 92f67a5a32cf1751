package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hitoshi/subsync/internal/model"
)

// serialisedRow はserialisable_namedテーブルの1行。
type serialisedRow struct {
	Kind      string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"primaryKey;size:512"`
	Version   int
	Payload   []byte
	UpdatedAt time.Time `gorm:"index"`
}

func (serialisedRow) TableName() string { return "serialisable_named" }

// messageRow はmessagesテーブルの1行。Seqは同時刻のメッセージの順序を保つ。
type messageRow struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"uniqueIndex;size:36"`
	Source    string    `gorm:"size:512"`
	Text      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (messageRow) TableName() string { return "messages" }

// contentUpdateRow はcontent_updatesテーブルの1行。
type contentUpdateRow struct {
	ID        uint      `gorm:"primaryKey"`
	Hash      string    `gorm:"uniqueIndex:uniq_hash_tag;size:128"`
	Tag       string    `gorm:"uniqueIndex:uniq_hash_tag;size:512"`
	Source    string    `gorm:"size:512"`
	CreatedAt time.Time `gorm:"index"`
}

func (contentUpdateRow) TableName() string { return "content_updates" }

// SQLiteStore はgormとSQLiteを使用したストア。
// 単一プロセスでの運用向けに、ObjectStore・MessageRepository・ContentUpdateRepositoryをまとめて実装する。
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore はテーブルを作成したうえでSQLiteStoreを生成する。
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&serialisedRow{}, &messageRow{}, &contentUpdateRow{}); err != nil {
		return nil, fmt.Errorf("SQLiteのテーブル作成に失敗しました: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, kind, name string) (*model.SerialisedObject, error) {
	var row serialisedRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND name = ?", kind, name).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("オブジェクトの取得に失敗しました: %w", err)
	}

	return &model.SerialisedObject{
		Kind:      row.Kind,
		Name:      row.Name,
		Version:   row.Version,
		Payload:   row.Payload,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) WriteSynchronous(ctx context.Context, obj *model.SerialisedObject) error {
	row := serialisedRow{
		Kind:      obj.Kind,
		Name:      obj.Name,
		Version:   obj.Version,
		Payload:   obj.Payload,
		UpdatedAt: obj.UpdatedAt.UTC(),
	}
	if obj.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "payload", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("オブジェクトの保存に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadNames(ctx context.Context, kind string) ([]string, error) {
	names := []string{}
	err := s.db.WithContext(ctx).
		Model(&serialisedRow{}).
		Where("kind = ?", kind).
		Order("name ASC").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("オブジェクト名一覧の取得に失敗しました: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, kind, name string) error {
	err := s.db.WithContext(ctx).
		Where("kind = ? AND name = ?", kind, name).
		Delete(&serialisedRow{}).Error
	if err != nil {
		return fmt.Errorf("オブジェクトの削除に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	row := messageRow{
		ID:        msg.ID,
		Source:    msg.Source,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*model.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}

	messages := make([]*model.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, &model.Message{
			ID:        r.ID,
			Source:    r.Source,
			Text:      r.Text,
			CreatedAt: r.CreatedAt,
		})
	}
	return messages, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&messageRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("古いメッセージの削除に失敗しました: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SQLiteStore) WriteContentUpdates(ctx context.Context, updates []model.ContentUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	rows := make([]contentUpdateRow, 0, len(updates))
	for _, u := range updates {
		createdAt := u.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows = append(rows, contentUpdateRow{
			Hash:      u.Hash,
			Tag:       u.Tag,
			Source:    u.Source,
			CreatedAt: createdAt.UTC(),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("タグ追加の保存に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByHash(ctx context.Context, hash string) ([]model.ContentUpdate, error) {
	var rows []contentUpdateRow
	err := s.db.WithContext(ctx).
		Where("hash = ?", hash).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("タグ追加一覧の取得に失敗しました: %w", err)
	}

	var updates []model.ContentUpdate
	for _, r := range rows {
		updates = append(updates, model.ContentUpdate{
			Hash:      r.Hash,
			Tag:       r.Tag,
			Source:    r.Source,
			CreatedAt: r.CreatedAt,
		})
	}
	return updates, nil
}

var (
	_ ObjectStore             = (*SQLiteStore)(nil)
	_ MessageRepository       = (*SQLiteStore)(nil)
	_ ContentUpdateRepository = (*SQLiteStore)(nil)
)
