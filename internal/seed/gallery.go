package seed

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/parser"
)

// StopReasonNoNextPage はページ送りを続けたいが次ページが見つからなかったことを示す。
const StopReasonNoNextPage = "次のギャラリーページが見つかりません"

// GallerySeed は取得対象のギャラリーページ1件を表す。
// 同じページは同期のたびに巡回し直すため、IdentityはURLと作成日時の組にする。
type GallerySeed struct {
	Seed
	PageURL string `json:"url"`
	// CanGenerateMorePages は次ページを追加してよいかを表す。
	CanGenerateMorePages bool `json:"can_generate_more_pages"`
}

// NewGallerySeed はUNKNOWN状態のGallerySeedを生成する。
func NewGallerySeed(url string, canGenerateMorePages bool) *GallerySeed {
	base := newSeed(url)
	pageURL := base.Identity
	if pageURL != "" {
		base.Identity = galleryIdentity(pageURL, base.Created)
	}
	return &GallerySeed{
		Seed:                 base,
		PageURL:              pageURL,
		CanGenerateMorePages: canGenerateMorePages,
	}
}

func galleryIdentity(pageURL string, created time.Time) string {
	return pageURL + " @" + strconv.FormatInt(created.UnixNano(), 10)
}

// URL はギャラリーページのURLを返す。
// url を持たない古い形式のシードではIdentityがURLそのもの。
func (g *GallerySeed) URL() string {
	if g.PageURL != "" {
		return g.PageURL
	}
	return g.Identity
}

// GallerySeedLog はギャラリーページのログ。
type GallerySeedLog struct {
	*Log[*GallerySeed]
}

// NewGallerySeedLog は空のGallerySeedLogを生成する。
func NewGallerySeedLog() *GallerySeedLog {
	return &GallerySeedLog{Log: NewLog[*GallerySeed]()}
}

// RestoreGallerySeedLog は永続化されたシード列からGallerySeedLogを復元する。
func RestoreGallerySeedLog(seeds []*GallerySeed) *GallerySeedLog {
	l := NewGallerySeedLog()
	l.AddSeeds(seeds...)
	return l
}

// HasURL はurlのページが（いずれかの同期で）登録されているかを返す。
func (l *GallerySeedLog) HasURL(url string) bool {
	url = strings.TrimSpace(url)
	for _, g := range l.Seeds() {
		if g.URL() == url {
			return true
		}
	}
	return false
}

// WorkToDo は未処理のページがあるかを返す。
func (l *GallerySeedLog) WorkToDo() bool {
	return l.Count(model.StatusUnknown) > 0
}

// CallbackResult はページで見つかったファイルシードを呼び出し側が処理した結果。
type CallbackResult struct {
	NumAdded         int
	NumAlreadyIn     int
	CanSearchForMore bool
	StopReason       string
}

// FileSeedsCallback はページで見つかったファイルシードを受け取る関数。
type FileSeedsCallback func(fileSeeds []*FileSeed) CallbackResult

// WorkResult はGallerySeed.WorkOnURLの結果。
type WorkResult struct {
	NumAdded             int
	NumAlreadyIn         int
	NumTotal             int
	NotFound             bool
	AddedNewGalleryPages bool
	StopReason           string
}

// GalleryWorkDeps はGallerySeed.WorkOnURLの依存関係。
type GalleryWorkDeps struct {
	Factory    network.JobFactory
	Parser     parser.PageParser
	StatusHook func(text string)
	OnJob      func(job network.Job)
}

func (d GalleryWorkDeps) status(text string) {
	if d.StatusHook != nil {
		d.StatusHook(text)
	}
}

// WorkOnURL はギャラリーページを1件取得して解析し、見つかったファイルシードをcallbackに渡す。
// 次ページを追加できる場合は、seenBeforeに含まれないページをlogに追加する。
//
// 結果の状態:
//   - キャンセル: シードを変更せずmodel.ErrCancelledを返す
//   - 404: VETOED（ノート"404"）にしてNotFoundを返す
//   - 拒否: VETOEDにする
//   - その他の失敗: ERRORにしてエラーを返す
func (g *GallerySeed) WorkOnURL(
	ctx context.Context,
	log *GallerySeedLog,
	callback FileSeedsCallback,
	deps GalleryWorkDeps,
	seenBefore map[string]struct{},
) (WorkResult, error) {
	var res WorkResult
	url := g.URL()
	seenBefore[url] = struct{}{}

	deps.status("ギャラリーページを取得中")

	job := deps.Factory(http.MethodGet, url)
	if deps.OnJob != nil {
		deps.OnJob(job)
	}

	resp, err := job.Do(ctx)
	if err != nil {
		switch {
		case model.IsCancelled(err):
			return res, err
		case model.IsNotFound(err):
			log.SetStatus(g, model.StatusVetoed, "404")
			res.NotFound = true
			res.StopReason = "404"
			return res, nil
		case model.IsVeto(err):
			log.SetStatusFromError(g, model.StatusVetoed, err)
			res.StopReason = err.Error()
			return res, nil
		default:
			log.SetStatusFromError(g, model.StatusError, err)
			return res, err
		}
	}

	deps.status("ギャラリーページを解析中")

	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = url
	}
	page, err := deps.Parser.Parse(pageURL, resp.Body)
	if err != nil {
		log.SetStatusFromError(g, model.StatusError, err)
		return res, fmt.Errorf("ギャラリーページの解析に失敗: %w", err)
	}

	fileSeeds := make([]*FileSeed, 0, len(page.Files))
	for _, pf := range page.Files {
		fileSeeds = append(fileSeeds, NewFileSeed(pf.URL, pf.SourceTime, url))
	}
	res.NumTotal = len(fileSeeds)

	cb := callback(fileSeeds)
	res.NumAdded = cb.NumAdded
	res.NumAlreadyIn = cb.NumAlreadyIn
	res.StopReason = cb.StopReason

	if g.CanGenerateMorePages && cb.CanSearchForMore {
		var next []*GallerySeed
		for _, u := range page.NextPageURLs {
			if _, ok := seenBefore[u]; ok {
				continue
			}
			seenBefore[u] = struct{}{}
			next = append(next, NewGallerySeed(u, true))
		}
		if len(next) > 0 && log.AddSeeds(next...) > 0 {
			res.AddedNewGalleryPages = true
		} else {
			res.StopReason = StopReasonNoNextPage
		}
	}

	note := fmt.Sprintf("%d件のURLを検出、うち%d件が新規", res.NumTotal, res.NumAdded)
	if res.StopReason != "" {
		note += " - " + res.StopReason
	}
	log.SetStatus(g, model.StatusSuccessfulAndNew, note)

	return res, nil
}
