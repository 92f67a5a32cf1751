package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/repository"
)

// Kind は購読を保存するときの種別名。
const Kind = "subscription"

// ErrSubscriptionNotFound は指定名の購読が保存されていないことを示す。
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Repository は購読をObjectStoreに保存・読み込みする。
type Repository struct {
	store repository.ObjectStore
}

// NewRepository はRepositoryを生成する。
func NewRepository(store repository.ObjectStore) *Repository {
	return &Repository{store: store}
}

// Load は購読を読み込む。見つからない場合はErrSubscriptionNotFoundを返す。
func (r *Repository) Load(ctx context.Context, name string) (*Subscription, error) {
	obj, err := r.store.Read(ctx, Kind, name)
	if err != nil {
		return nil, fmt.Errorf("購読の読み込みに失敗: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	return Unmarshal(obj.Name, obj.Version, obj.Payload)
}

// Save は購読を同期的に保存する。
func (r *Repository) Save(ctx context.Context, s *Subscription) error {
	version, payload, err := Marshal(s)
	if err != nil {
		return err
	}

	obj := &model.SerialisedObject{
		Kind:      Kind,
		Name:      s.name,
		Version:   version,
		Payload:   payload,
		UpdatedAt: time.Now(),
	}
	if err := r.store.WriteSynchronous(ctx, obj); err != nil {
		return fmt.Errorf("購読の保存に失敗: %w", err)
	}
	return nil
}

// Names は保存されている全購読名を返す。
func (r *Repository) Names(ctx context.Context) ([]string, error) {
	names, err := r.store.ReadNames(ctx, Kind)
	if err != nil {
		return nil, fmt.Errorf("購読名の一覧取得に失敗: %w", err)
	}
	return names, nil
}

// Delete は購読を削除する。
func (r *Repository) Delete(ctx context.Context, name string) error {
	if err := r.store.Delete(ctx, Kind, name); err != nil {
		return fmt.Errorf("購読の削除に失敗: %w", err)
	}
	return nil
}

// Rename は購読を新しい名前で保存し、古い名前の記録を削除する。
func (r *Repository) Rename(ctx context.Context, s *Subscription, newName string) error {
	old := s.name
	s.name = newName
	if err := r.Save(ctx, s); err != nil {
		s.name = old
		return err
	}
	if old != newName {
		return r.Delete(ctx, old)
	}
	return nil
}
