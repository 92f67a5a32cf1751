package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/seed"
)

const galleryURL = "https://gallery.example.com/artist_a?page=1"

func galleryPage(n int) string {
	return fmt.Sprintf("https://gallery.example.com/artist_a?page=%d", n)
}

// dueQuery は前回チェック済みで、チェック時刻を迎えたクエリを返す。
func dueQuery(text string) *Query {
	q := NewQuery(text)
	q.lastCheckTime = time.Now().Add(-24 * time.Hour)
	q.nextCheckTime = time.Now().Add(-time.Minute)
	return q
}

// recordingImporter は取り込んだURLを順に記録する。
func recordingImporter(te *testEnv) *[]string {
	var (
		mu       sync.Mutex
		imported []string
	)
	te.importer.importFunc = func(_ context.Context, fs *seed.FileSeed, _ *network.Response) (seed.ImportResult, error) {
		mu.Lock()
		defer mu.Unlock()
		imported = append(imported, fs.URL())
		return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: "h:" + fs.URL()}, nil
	}
	return &imported
}

type recordingMetrics struct {
	runs  []string
	pages []string
	files []model.SeedStatus
}

func (m *recordingMetrics) RecordSyncRun(outcome string, _ time.Duration) {
	m.runs = append(m.runs, outcome)
}
func (m *recordingMetrics) RecordGalleryPage(outcome string)       { m.pages = append(m.pages, outcome) }
func (m *recordingMetrics) RecordFileSeed(status model.SeedStatus) { m.files = append(m.files, status) }

// --- ギャラリー巡回 ---

func TestSync_CatchesUpWithPreviousSync(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	metrics := &recordingMetrics{}
	te.Metrics = metrics
	imported := recordingImporter(te)

	known := fileURLs("known", 1, 6)
	te.net.pages[galleryPage(1)] = pageBody(fileURLs("a", 1, 10), galleryPage(2))
	te.net.pages[galleryPage(2)] = pageBody(fileURLs("a", 11, 20), galleryPage(3))
	te.net.pages[galleryPage(3)] = pageBody(append(fileURLs("a", 21, 30), known...), galleryPage(4))

	q := dueQuery("artist_a")
	addKnownFiles(q, known...)
	s := newTestSubscription("artists", q)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.Outcome() != OutcomeOK {
		t.Errorf("Outcome() = %q, want %q (err: %v)", report.Outcome(), OutcomeOK, report.Err)
	}
	if len(report.Queries) != 1 {
		t.Fatalf("Queries の件数 = %d, want 1", len(report.Queries))
	}
	qr := report.Queries[0]
	if qr.NewURLs != 30 {
		t.Errorf("NewURLs = %d, want 30", qr.NewURLs)
	}
	if qr.AlreadyIn != 6 {
		t.Errorf("AlreadyIn = %d, want 6", qr.AlreadyIn)
	}
	if qr.StopReason != caughtUpReason(6) {
		t.Errorf("StopReason = %q, want %q", qr.StopReason, caughtUpReason(6))
	}

	if te.net.wasRequested(galleryPage(4)) {
		t.Error("前回の取得位置に追いついた後に次のページを取得した")
	}

	seeds := q.FileSeedCache().Seeds()
	if len(seeds) != 36 {
		t.Fatalf("ファイルシード数 = %d, want 36", len(seeds))
	}
	if got, want := seeds[6].URL(), fileURLs("a", 30, 30)[0]; got != want {
		t.Errorf("最初に追加されたシード = %q, want %q（最も古いファイルから追加される）", got, want)
	}
	if got, want := seeds[35].URL(), fileURLs("a", 1, 1)[0]; got != want {
		t.Errorf("最後に追加されたシード = %q, want %q", got, want)
	}

	if len(*imported) != 30 {
		t.Fatalf("取り込み件数 = %d, want 30", len(*imported))
	}
	if (*imported)[0] != fileURLs("a", 30, 30)[0] {
		t.Errorf("最初に取り込んだファイル = %q, want 最も古いファイル", (*imported)[0])
	}
	if report.FilesProcessed != 30 {
		t.Errorf("FilesProcessed = %d, want 30", report.FilesProcessed)
	}

	if q.LastCheckTime().IsZero() {
		t.Error("同期完了後も LastCheckTime がゼロ値のまま")
	}
	if q.IsDead() {
		t.Error("新しいファイルが見つかったクエリが死亡と判定された")
	}

	if len(te.publisher.batches) != 1 {
		t.Fatalf("提示回数 = %d, want 1", len(te.publisher.batches))
	}
	if len(te.publisher.batches[0]) != 30 {
		t.Errorf("提示されたハッシュ数 = %d, want 30", len(te.publisher.batches[0]))
	}
	if te.publisher.labels[0] != "artists" {
		t.Errorf("提示ラベル = %q, want %q", te.publisher.labels[0], "artists")
	}

	if len(metrics.runs) != 1 || metrics.runs[0] != OutcomeOK {
		t.Errorf("記録された同期結果 = %v, want [ok]", metrics.runs)
	}
	if len(metrics.pages) != 3 {
		t.Errorf("記録されたページ数 = %d, want 3", len(metrics.pages))
	}
	if len(metrics.files) != 30 {
		t.Errorf("記録されたファイル数 = %d, want 30", len(metrics.files))
	}

	loaded, err := te.repo.Load(context.Background(), "artists")
	if err != nil {
		t.Fatalf("同期後の購読が保存されていない: %v", err)
	}
	if got := loaded.Queries()[0].FileSeedCache().Len(); got != 36 {
		t.Errorf("保存された購読のファイルシード数 = %d, want 36", got)
	}
}

func TestSync_PeriodicResyncRecrawlsGallery(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	imported := recordingImporter(te)

	older := fileURLs("a", 1, 10)
	te.net.pages[galleryPage(1)] = pageBody(older, "")

	q := dueQuery("artist_a")
	s := newTestSubscription("artists", q)

	if _, err := s.Sync(context.Background(), te.Env); err != nil {
		t.Fatalf("1回目の Sync() がエラーを返した: %v", err)
	}
	if len(*imported) != 10 {
		t.Fatalf("1回目の取り込み件数 = %d, want 10", len(*imported))
	}
	if q.IsSyncDue() {
		t.Fatal("同期直後のクエリがチェック時刻を迎えている")
	}

	// 新しい投稿がページ先頭に増え、次のチェック時刻が来た
	newer := fileURLs("b", 1, 3)
	te.net.pages[galleryPage(1)] = pageBody(append(append([]string(nil), newer...), older...), "")
	te.net.mu.Lock()
	te.net.requested = nil
	te.net.mu.Unlock()
	q.nextCheckTime = time.Now().Add(-time.Minute)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("2回目の Sync() がエラーを返した: %v", err)
	}

	if !te.net.wasRequested(galleryPage(1)) {
		t.Fatal("2回目の同期でギャラリーページを取得し直していない")
	}
	if len(report.Queries) != 1 || report.Queries[0].NewURLs != 3 {
		t.Fatalf("2回目の同期結果 = %+v, want NewURLs 3", report.Queries)
	}
	if got := q.GallerySeedLog().Len(); got != 2 {
		t.Errorf("ギャラリーシード数 = %d, want 2（同期ごとに1件）", got)
	}
	if got := q.FileSeedCache().Len(); got != 13 {
		t.Errorf("ファイルシード数 = %d, want 13", got)
	}
	if len(*imported) != 13 {
		t.Errorf("取り込み件数 = %d, want 13", len(*imported))
	}
	if q.IsDead() {
		t.Error("新しいファイルが見つかったクエリが死亡と判定された")
	}
}

func TestSync_CaughtUpThreshold(t *testing.T) {
	tests := []struct {
		name        string
		knownAtEnd  int
		wantPage2   bool
		wantReason  string
		wantNewURLs int
	}{
		{name: "既知URLが5件連続したら停止する", knownAtEnd: 5, wantPage2: false, wantReason: caughtUpReason(5), wantNewURLs: 3},
		{name: "既知URLが4件なら次のページを確認する", knownAtEnd: 4, wantPage2: true, wantReason: StopReasonNoNewURLs, wantNewURLs: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t, newGenerator(galleryURL))

			known := fileURLs("known", 1, tt.knownAtEnd)
			te.net.pages[galleryPage(1)] = pageBody(append(fileURLs("a", 1, 3), known...), galleryPage(2))
			te.net.pages[galleryPage(2)] = pageBody(nil, galleryPage(3))

			q := dueQuery("artist_a")
			addKnownFiles(q, known...)
			s := newTestSubscription("artists", q)

			report, err := s.Sync(context.Background(), te.Env)
			if err != nil {
				t.Fatalf("Sync() がエラーを返した: %v", err)
			}

			if got := te.net.wasRequested(galleryPage(2)); got != tt.wantPage2 {
				t.Errorf("2ページ目の取得 = %v, want %v", got, tt.wantPage2)
			}
			qr := report.Queries[0]
			if qr.StopReason != tt.wantReason {
				t.Errorf("StopReason = %q, want %q", qr.StopReason, tt.wantReason)
			}
			if qr.NewURLs != tt.wantNewURLs {
				t.Errorf("NewURLs = %d, want %d", qr.NewURLs, tt.wantNewURLs)
			}
		})
	}
}

func TestSync_LargeGalleryStopsScanningPage(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))

	known := fileURLs("known", 1, 100)
	te.net.pages[galleryPage(1)] = pageBody(append(known, fileURLs("a", 1, 3)...), galleryPage(2))

	q := dueQuery("artist_a")
	addKnownFiles(q, known...)
	s := newTestSubscription("artists", q)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	qr := report.Queries[0]
	if qr.AlreadyIn != 100 {
		t.Errorf("AlreadyIn = %d, want 100", qr.AlreadyIn)
	}
	if qr.NewURLs != 0 {
		t.Errorf("NewURLs = %d, want 0（100件連続の既知URL以降は確認しない）", qr.NewURLs)
	}
	if q.FileSeedCache().HasSeed(fileURLs("a", 1, 1)[0]) {
		t.Error("既知URLが100件連続した後のURLが追加された")
	}
	if te.net.wasRequested(galleryPage(2)) {
		t.Error("大規模なギャラリーと判断した後に次のページを取得した")
	}
}

func TestSync_FileLimits(t *testing.T) {
	tests := []struct {
		name        string
		initial     bool
		known       []string
		wantReason  string
		wantNotices int
	}{
		{
			name:       "初回のファイル上限",
			initial:    true,
			wantReason: StopReasonInitialLimit,
		},
		{
			name:       "既知ファイルを確認した後の定期上限",
			known:      fileURLs("known", 1, 1),
			wantReason: StopReasonPeriodicLimitAfterSeen,
		},
		{
			name:        "既知ファイルを確認しないままの定期上限は1回だけ通知する",
			wantReason:  StopReasonPeriodicLimitNoneSeen,
			wantNotices: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t, newGenerator(galleryURL))

			files := append(append([]string(nil), tt.known...), fileURLs("a", 1, 5)...)
			te.net.pages[galleryPage(1)] = pageBody(files, galleryPage(2))

			q := dueQuery("artist_a")
			if tt.initial {
				q = NewQuery("artist_a")
			}
			addKnownFiles(q, tt.known...)
			s := newTestSubscription("artists", q)
			s.SetFileLimits(3, 3)

			report, err := s.Sync(context.Background(), te.Env)
			if err != nil {
				t.Fatalf("Sync() がエラーを返した: %v", err)
			}

			qr := report.Queries[0]
			if qr.NewURLs != 3 {
				t.Errorf("NewURLs = %d, want 3", qr.NewURLs)
			}
			if qr.StopReason != tt.wantReason {
				t.Errorf("StopReason = %q, want %q", qr.StopReason, tt.wantReason)
			}
			if te.net.wasRequested(galleryPage(2)) {
				t.Error("上限に達した後に次のページを取得した")
			}
			if got := te.notifier.count("既知のファイルを1件も確認しないまま"); got != tt.wantNotices {
				t.Errorf("上限到達の通知回数 = %d, want %d", got, tt.wantNotices)
			}
			if got := q.FileSeedCache().Len(); got != len(tt.known)+3 {
				t.Errorf("ファイルシード数 = %d, want %d", got, len(tt.known)+3)
			}
		})
	}
}

func TestSync_InitialSyncWithNoFilesMarksQueryDead(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.net.pages[galleryPage(1)] = pageBody(nil, "")

	q := NewQuery("typo_artist")
	s := newTestSubscription("artists", q)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if !q.IsDead() {
		t.Error("初回の同期でファイルが見つからなかったクエリが死亡と判定されなかった")
	}
	if !q.IsPaused() {
		t.Error("未処理のファイルがない死亡クエリが一時停止されなかった")
	}
	if !report.Queries[0].Dead {
		t.Error("QuerySyncReport.Dead = false, want true")
	}
	if got := te.notifier.count("初回の同期で1件もファイルが見つかりませんでした"); got != 1 {
		t.Errorf("初回死亡の通知回数 = %d, want 1", got)
	}
}

// --- ジェネレーターとログイン ---

func TestSync_PausesWhenGeneratorUnusable(t *testing.T) {
	tests := []struct {
		name   string
		gen    *fakeGenerator
		notice string
	}{
		{name: "ジェネレーターが見つからない", gen: nil, notice: "見つかりません"},
		{name: "ジェネレーターが利用できない", gen: &fakeGenerator{kn: newGenerator().kn, functional: false, urls: []string{galleryURL}}, notice: "利用できない状態です"},
		{name: "URLを生成しない", gen: newGenerator(), notice: "URLを1件も生成しませんでした"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t, tt.gen)

			q := NewQuery("artist_a")
			s := newTestSubscription("artists", q)

			if _, err := s.Sync(context.Background(), te.Env); err != nil {
				t.Fatalf("Sync() がエラーを返した: %v", err)
			}

			if !s.IsPaused() {
				t.Error("購読が一時停止されなかった")
			}
			if got := te.notifier.count(tt.notice); got != 1 {
				t.Errorf("通知回数 = %d, want 1 (通知: %v)", got, te.notifier.texts)
			}
			if !q.LastCheckTime().IsZero() {
				t.Error("同期できなかったクエリの完了が記録された")
			}
			if len(te.net.requested) != 0 {
				t.Errorf("通信が発生した: %v", te.net.requested)
			}
		})
	}
}

func TestSync_InvalidLoginPausesSubscription(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.net.needsLogin = true
	te.net.loginErr = &model.LoginError{Domain: "gallery.example.com", Reason: "cookie がありません"}

	q := NewQuery("artist_a")
	s := newTestSubscription("artists", q)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if !s.IsPaused() {
		t.Error("ログインが無効な購読が一時停止されなかった")
	}
	until, reason := s.NoWorkUntil()
	if !until.After(time.Now()) {
		t.Error("ログイン失敗後に待機時間が設定されなかった")
	}
	if !strings.Contains(reason, "cookie がありません") {
		t.Errorf("待機理由 = %q, want ログイン失敗の理由を含む", reason)
	}
	if got := te.notifier.count("ログインが無効"); got != 1 {
		t.Errorf("ログイン失敗の通知回数 = %d, want 1", got)
	}
	if report.Queries[0].StopReason != StopReasonLoginInvalid {
		t.Errorf("StopReason = %q, want %q", report.Queries[0].StopReason, StopReasonLoginInvalid)
	}
	if !q.LastCheckTime().IsZero() {
		t.Error("中断したクエリの完了が記録された")
	}

	pages := q.GallerySeedLog().Seeds()
	if len(pages) != 1 {
		t.Fatalf("ギャラリーシード数 = %d, want 1", len(pages))
	}
	if pages[0].Status != model.StatusVetoed || pages[0].Note != StopReasonLoginInvalid {
		t.Errorf("ギャラリーシード = (%v, %q), want (VETOED, %q)", pages[0].Status, pages[0].Note, StopReasonLoginInvalid)
	}
	if len(te.net.requested) != 0 {
		t.Errorf("ログインが無効なのに通信が発生した: %v", te.net.requested)
	}
}

func TestSync_GalleryNetworkErrorDelaysSubscription(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.net.errs[galleryPage(1)] = &model.NetworkError{URL: galleryPage(1), StatusCode: 503, Err: errBoom}

	q := dueQuery("artist_a")
	s := newTestSubscription("artists", q)

	before := time.Now()
	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.Outcome() != OutcomeNetworkError {
		t.Errorf("Outcome() = %q, want %q", report.Outcome(), OutcomeNetworkError)
	}
	until, reason := s.NoWorkUntil()
	if until.Before(before.Add(12*time.Hour)) || until.After(time.Now().Add(12*time.Hour)) {
		t.Errorf("NoWorkUntil = %v, want 12時間後", until)
	}
	if !strings.HasPrefix(reason, "network error: ") {
		t.Errorf("待機理由 = %q, want network error: で始まる", reason)
	}
	if len(te.notifier.texts) != 0 {
		t.Errorf("通信エラーで利用者に通知された: %v", te.notifier.texts)
	}
	if s.IsPaused() {
		t.Error("通信エラーで購読が一時停止された")
	}
	if _, err := te.repo.Load(context.Background(), "artists"); err != nil {
		t.Errorf("通信エラー後に購読が保存されていない: %v", err)
	}
}

// --- ファイル取り込み ---

func TestSync_FileErrorThresholdAbortsRun(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.live.Update(func(o *GlobalOptions) { o.FileErrorCancelThreshold = 3 })
	te.importer.importFunc = func(context.Context, *seed.FileSeed, *network.Response) (seed.ImportResult, error) {
		return seed.ImportResult{}, errBoom
	}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 5)...)
	s := newTestSubscription("artists", q)

	before := time.Now()
	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	var thresholdErr *model.FileErrorThresholdError
	if !errors.As(report.Err, &thresholdErr) {
		t.Fatalf("report.Err = %v, want FileErrorThresholdError", report.Err)
	}
	if thresholdErr.Count != 3 {
		t.Errorf("エラー件数 = %d, want 3", thresholdErr.Count)
	}
	if report.Outcome() != OutcomeError {
		t.Errorf("Outcome() = %q, want %q", report.Outcome(), OutcomeError)
	}
	if report.FileErrors != 3 {
		t.Errorf("FileErrors = %d, want 3", report.FileErrors)
	}
	if got := q.FileSeedCache().Count(model.StatusUnknown); got != 2 {
		t.Errorf("未処理のまま残ったファイル = %d, want 2", got)
	}

	until, reason := s.NoWorkUntil()
	if until.Before(before.Add(36 * time.Hour)) {
		t.Errorf("NoWorkUntil = %v, want 36時間後以降", until)
	}
	if !strings.HasPrefix(reason, "error: ") {
		t.Errorf("待機理由 = %q, want error: で始まる", reason)
	}
	if got := te.notifier.count("エラーが発生しました"); got != 1 {
		t.Errorf("エラーの通知回数 = %d, want 1", got)
	}
	if _, err := te.repo.Load(context.Background(), "artists"); err != nil {
		t.Errorf("エラー後に購読が保存されていない: %v", err)
	}
}

func TestSync_DataMissingErrorsDoNotAbort(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.live.Update(func(o *GlobalOptions) { o.FileErrorCancelThreshold = 2 })
	te.importer.importFunc = func(_ context.Context, fs *seed.FileSeed, _ *network.Response) (seed.ImportResult, error) {
		return seed.ImportResult{}, &model.DataMissingError{Reason: fs.URL() + " は削除済み"}
	}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 4)...)
	s := newTestSubscription("artists", q)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.Err != nil {
		t.Errorf("report.Err = %v, want nil", report.Err)
	}
	if report.FileErrors != 4 {
		t.Errorf("FileErrors = %d, want 4", report.FileErrors)
	}
	if got := q.FileSeedCache().Count(model.StatusError); got != 4 {
		t.Errorf("ERROR のファイル = %d, want 4", got)
	}
}

func TestSync_FileStatusMapping(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))

	urls := fileURLs("a", 1, 3)
	te.net.errs[urls[1]] = fmt.Errorf("%w: %s", model.ErrNotFound, urls[1])
	te.importer.importFunc = func(_ context.Context, fs *seed.FileSeed, _ *network.Response) (seed.ImportResult, error) {
		if fs.URL() == urls[0] {
			return seed.ImportResult{}, model.NewVetoError("ファイルサイズが小さすぎます")
		}
		return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: "h:" + fs.URL()}, nil
	}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, urls...)
	s := newTestSubscription("artists", q)

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}
	if report.FileErrors != 0 {
		t.Errorf("FileErrors = %d, want 0", report.FileErrors)
	}

	tests := []struct {
		url        string
		wantStatus model.SeedStatus
		wantNote   string
	}{
		{url: urls[0], wantStatus: model.StatusVetoed, wantNote: "ファイルサイズが小さすぎます"},
		{url: urls[1], wantStatus: model.StatusVetoed, wantNote: "404"},
		{url: urls[2], wantStatus: model.StatusSuccessfulAndNew},
	}
	for _, tt := range tests {
		fs, ok := q.FileSeedCache().Get(tt.url)
		if !ok {
			t.Fatalf("シード %q が見つからない", tt.url)
		}
		if fs.Status != tt.wantStatus {
			t.Errorf("%s の状態 = %v, want %v", tt.url, fs.Status, tt.wantStatus)
		}
		if tt.wantNote != "" && fs.Note != tt.wantNote {
			t.Errorf("%s のノート = %q, want %q", tt.url, fs.Note, tt.wantNote)
		}
	}
}

func TestSync_CancellationDelaysRemainingFiles(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	te.importer.importFunc = func(_ context.Context, fs *seed.FileSeed, _ *network.Response) (seed.ImportResult, error) {
		cancel()
		return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: "h:" + fs.URL()}, nil
	}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 3)...)
	s := newTestSubscription("artists", q)

	report, err := s.Sync(ctx, te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.Err != nil {
		t.Errorf("report.Err = %v, want nil", report.Err)
	}
	if report.FilesProcessed != 1 {
		t.Errorf("FilesProcessed = %d, want 1", report.FilesProcessed)
	}
	if got := q.FileSeedCache().Count(model.StatusUnknown); got != 2 {
		t.Errorf("未処理のファイル = %d, want 2", got)
	}
	until, reason := s.NoWorkUntil()
	if reason != "recently cancelled" || !until.After(time.Now()) {
		t.Errorf("NoWorkUntil = (%v, %q), want 約5分後, recently cancelled", until, reason)
	}

	// キャンセルされても取り込めた分は提示する
	if len(te.publisher.batches) != 1 || len(te.publisher.batches[0]) != 1 {
		t.Errorf("提示されたバッチ = %v, want 1件のハッシュ", te.publisher.batches)
	}
	if _, err := te.repo.Load(context.Background(), "artists"); err != nil {
		t.Errorf("キャンセル後に購読が保存されていない: %v", err)
	}
}

func TestSync_PresentsEachHashOnce(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.importer.importFunc = func(context.Context, *seed.FileSeed, *network.Response) (seed.ImportResult, error) {
		return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: "same-hash"}, nil
	}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 3)...)
	s := newTestSubscription("artists", q)

	if _, err := s.Sync(context.Background(), te.Env); err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if len(te.publisher.batches) != 1 {
		t.Fatalf("提示回数 = %d, want 1", len(te.publisher.batches))
	}
	if got := te.publisher.batches[0]; len(got) != 1 || got[0] != "same-hash" {
		t.Errorf("提示されたハッシュ = %v, want [same-hash]", got)
	}
}

func TestSync_SeparateQueryPublishLabels(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))

	q1 := notDueQuery("artist_a")
	q2 := notDueQuery("artist_b")
	addUnknownFiles(q1, fileURLs("a", 1, 1)...)
	addUnknownFiles(q2, fileURLs("b", 1, 1)...)
	s := newTestSubscription("artists", q1, q2)

	p := s.PresentationOptions()
	p.MergeQueryPublishEvents = false
	s.SetPresentationOptions(p)

	if _, err := s.Sync(context.Background(), te.Env); err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	want := []string{"artists: artist_a", "artists: artist_b"}
	if len(te.publisher.labels) != len(want) {
		t.Fatalf("提示ラベル = %v, want %v", te.publisher.labels, want)
	}
	for i := range want {
		if te.publisher.labels[i] != want[i] {
			t.Errorf("labels[%d] = %q, want %q", i, te.publisher.labels[i], want[i])
		}
	}
}

type fakeTags struct{}

func (fakeTags) ContentUpdates(opts model.TagImportOptions, _ model.SeedStatus, hash string) []model.ContentUpdate {
	var out []model.ContentUpdate
	for _, tag := range opts.AdditionalTags {
		out = append(out, model.ContentUpdate{Hash: hash, Tag: tag})
	}
	return out
}

type fakeContent struct {
	updates []model.ContentUpdate
	err     error
}

func (c *fakeContent) WriteContentUpdates(ctx context.Context, updates []model.ContentUpdate) error {
	if c.err != nil {
		return c.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.updates = append(c.updates, updates...)
	return nil
}

func TestSync_AppliesSubscriptionAndQueryTags(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	content := &fakeContent{}
	te.Tags = fakeTags{}
	te.Content = content

	q := notDueQuery("artist_a")
	q.SetTagImportOptions(model.TagImportOptions{AdditionalTags: []string{"series:b"}})
	addUnknownFiles(q, fileURLs("a", 1, 2)...)
	s := newTestSubscription("artists", q)
	s.SetTagImportOptions(model.TagImportOptions{AdditionalTags: []string{"creator:a"}})

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.ContentUpdates != 4 {
		t.Errorf("ContentUpdates = %d, want 4", report.ContentUpdates)
	}
	if len(content.updates) != 4 {
		t.Fatalf("書き込まれたタグ = %d件, want 4", len(content.updates))
	}
	if content.updates[0].Tag != "creator:a" || content.updates[1].Tag != "series:b" {
		t.Errorf("タグの順序 = %q, %q, want creator:a, series:b", content.updates[0].Tag, content.updates[1].Tag)
	}
}

func TestSync_TagWriteFailureMarksSeedError(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	te.Tags = fakeTags{}
	te.Content = &fakeContent{err: errBoom}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 1)...)
	s := newTestSubscription("artists", q)
	s.SetTagImportOptions(model.TagImportOptions{AdditionalTags: []string{"creator:a"}})

	report, err := s.Sync(context.Background(), te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.FileErrors != 1 {
		t.Errorf("FileErrors = %d, want 1", report.FileErrors)
	}
	if got := q.FileSeedCache().Count(model.StatusError); got != 1 {
		t.Errorf("ERROR のファイル = %d, want 1", got)
	}
}

func TestSync_TagsWrittenAfterCancellation(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))
	content := &fakeContent{}
	te.Tags = fakeTags{}
	te.Content = content

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 取り込みの直後に停止が指示される
	te.importer.importFunc = func(_ context.Context, fs *seed.FileSeed, _ *network.Response) (seed.ImportResult, error) {
		cancel()
		return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: "h:" + fs.URL()}, nil
	}

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 2)...)
	s := newTestSubscription("artists", q)
	s.SetTagImportOptions(model.TagImportOptions{AdditionalTags: []string{"creator:a"}})

	report, err := s.Sync(ctx, te.Env)
	if err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	if report.FileErrors != 0 {
		t.Errorf("FileErrors = %d, want 0（取り込み済みのファイルはエラーにしない）", report.FileErrors)
	}
	if got := q.FileSeedCache().Count(model.StatusSuccessfulAndNew); got != 1 {
		t.Errorf("取り込み済みのファイル = %d, want 1", got)
	}
	if len(content.updates) != 1 {
		t.Errorf("書き込まれたタグ = %d件, want 1", len(content.updates))
	}
}

// --- 実行可否 ---

func TestSync_Skipped(t *testing.T) {
	tests := []struct {
		name  string
		setup func(te *testEnv, s *Subscription)
	}{
		{name: "購読が一時停止中", setup: func(_ *testEnv, s *Subscription) { s.SetPaused(true) }},
		{name: "全購読の同期が一時停止中", setup: func(te *testEnv, _ *Subscription) {
			te.live.Update(func(o *GlobalOptions) { o.PauseSubsSync = true })
		}},
		{name: "新規通信が停止中", setup: func(te *testEnv, _ *Subscription) {
			te.live.Update(func(o *GlobalOptions) { o.PauseAllNewNetworkTraffic = true })
		}},
		{name: "待機時間中", setup: func(_ *testEnv, s *Subscription) { s.delayWork(time.Hour, "test") }},
		{name: "帯域に余裕がない", setup: func(te *testEnv, _ *Subscription) {
			te.Bandwidth = &fakeLedger{ok: false, estimate: time.Hour}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t, newGenerator(galleryURL))

			q := notDueQuery("artist_a")
			addUnknownFiles(q, fileURLs("a", 1, 1)...)
			s := newTestSubscription("artists", q)
			tt.setup(te, s)

			report, err := s.Sync(context.Background(), te.Env)
			if err != nil {
				t.Fatalf("Sync() がエラーを返した: %v", err)
			}
			if !report.Skipped || report.Outcome() != OutcomeSkipped {
				t.Errorf("Outcome() = %q, want %q", report.Outcome(), OutcomeSkipped)
			}
			if len(te.net.requested) != 0 {
				t.Errorf("通信が発生した: %v", te.net.requested)
			}
		})
	}
}

func TestSync_RemovesFinishedJobFromRegistry(t *testing.T) {
	te := newTestEnv(t, newGenerator(galleryURL))

	q := notDueQuery("artist_a")
	addUnknownFiles(q, fileURLs("a", 1, 1)...)
	s := newTestSubscription("artists", q)

	if _, err := s.Sync(context.Background(), te.Env); err != nil {
		t.Fatalf("Sync() がエラーを返した: %v", err)
	}

	for _, j := range te.Jobs.List() {
		if !j.Finished {
			t.Errorf("同期後に実行中のジョブが残っている: %+v", j)
		}
	}
}
