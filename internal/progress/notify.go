package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/subsync/internal/model"
)

// Notifier は利用者向けのメッセージを表示するインターフェース。
type Notifier interface {
	ShowText(ctx context.Context, source, text string)
}

// MessageStore は利用者向けメッセージの永続化インターフェース。
type MessageStore interface {
	Save(ctx context.Context, msg *model.Message) error
}

// MessageBoard はメッセージをログに出力し、ストアがあれば保存する。
type MessageBoard struct {
	store  MessageStore
	logger *slog.Logger
}

// NewMessageBoard はMessageBoardを生成する。storeはnilでもよい。
func NewMessageBoard(store MessageStore, logger *slog.Logger) *MessageBoard {
	return &MessageBoard{store: store, logger: logger}
}

// ShowText はメッセージを記録する。保存の失敗はログに残すのみ。
func (b *MessageBoard) ShowText(ctx context.Context, source, text string) {
	b.logger.Warn("購読からのお知らせ",
		slog.String("source", source),
		slog.String("text", text),
	)

	if b.store == nil {
		return
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		Source:    source,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := b.store.Save(context.WithoutCancel(ctx), msg); err != nil {
		b.logger.Error("メッセージの保存に失敗しました",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}
}

// Publisher は取り込み結果のハッシュを利用者に提示するインターフェース。
type Publisher interface {
	PublishPresentationHashes(ctx context.Context, label string, hashes []string, toPopupButton, toPage bool)
}

// Batch は1回分の提示内容。
type Batch struct {
	Label         string    `json:"label"`
	Hashes        []string  `json:"hashes"`
	ToPopupButton bool      `json:"to_popup_button"`
	ToPage        bool      `json:"to_page"`
	PublishedAt   time.Time `json:"published_at"`
}

// Presentations は提示されたバッチをラベルごとに保持する。
type Presentations struct {
	mu      sync.Mutex
	batches map[string][]Batch
	max     int
	logger  *slog.Logger
}

// NewPresentations はラベルごとに最大maxPerLabel件を保持するPresentationsを生成する。
// maxPerLabelが0以下の場合はデフォルト値20を使用する。
func NewPresentations(maxPerLabel int, logger *slog.Logger) *Presentations {
	if maxPerLabel <= 0 {
		maxPerLabel = 20
	}
	return &Presentations{
		batches: make(map[string][]Batch),
		max:     maxPerLabel,
		logger:  logger,
	}
}

func (p *Presentations) PublishPresentationHashes(ctx context.Context, label string, hashes []string, toPopupButton, toPage bool) {
	if len(hashes) == 0 {
		return
	}

	b := Batch{
		Label:         label,
		Hashes:        append([]string(nil), hashes...),
		ToPopupButton: toPopupButton,
		ToPage:        toPage,
		PublishedAt:   time.Now(),
	}

	p.mu.Lock()
	list := append(p.batches[label], b)
	if len(list) > p.max {
		list = list[len(list)-p.max:]
	}
	p.batches[label] = list
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "取り込み結果を提示しました",
		slog.String("label", label),
		slog.Int("files", len(hashes)),
	)
}

// Recent はラベルごとの直近のバッチを返す。
func (p *Presentations) Recent() map[string][]Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]Batch, len(p.batches))
	for k, v := range p.batches {
		out[k] = append([]Batch(nil), v...)
	}
	return out
}
