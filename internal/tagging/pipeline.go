// Package tagging は取り込みに成功したファイルへのタグ追加を計算する。
package tagging

import (
	"strings"
	"time"
	"unicode"

	"github.com/hitoshi/subsync/internal/model"
)

// SourceSubscription は購読の追加タグとして記録するときの記録元。
const SourceSubscription = "subscription"

// Pipeline は追加タグを正規化し、ファイルハッシュに対するContentUpdateへ変換する。
type Pipeline struct {
	source string
	now    func() time.Time
}

// NewPipeline はsourceを記録元とするPipelineを生成する。
func NewPipeline(source string) *Pipeline {
	return &Pipeline{source: source, now: time.Now}
}

// ContentUpdates は成功したファイルに付与するタグ追加を返す。
// 成功以外の状態やハッシュが空の場合は何も返さない。
// 正規化後に空になるタグと重複したタグは除く。
func (p *Pipeline) ContentUpdates(opts model.TagImportOptions, status model.SeedStatus, hash string) []model.ContentUpdate {
	if !status.IsSuccessful() || hash == "" || !opts.HasAdditionalTags() {
		return nil
	}

	created := p.now()
	seen := make(map[string]struct{}, len(opts.AdditionalTags))
	var updates []model.ContentUpdate
	for _, raw := range opts.AdditionalTags {
		tag := CleanTag(raw)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}

		updates = append(updates, model.ContentUpdate{
			Hash:      hash,
			Tag:       tag,
			Source:    p.source,
			CreatedAt: created,
		})
	}
	return updates
}

// CleanTag はタグを小文字化し、空白を1つに詰める。
// 名前空間の区切り「:」の前後の空白は取り除く。
// 先頭の「-」は除外検索の記法と衝突するため取り除く。
func CleanTag(tag string) string {
	tag = strings.ToLower(strings.Join(strings.FieldsFunc(tag, unicode.IsSpace), " "))

	if ns, sub, ok := strings.Cut(tag, ":"); ok {
		ns = strings.TrimSpace(ns)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			return ""
		}
		if ns == "" {
			tag = sub
		} else {
			tag = ns + ":" + sub
		}
	}

	return strings.TrimSpace(strings.TrimLeft(tag, "-"))
}
