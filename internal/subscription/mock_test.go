package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/parser"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/repository"
	"github.com/hitoshi/subsync/internal/seed"
)

// --- モック定義 ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeNetwork はURLごとに応答を返すNetworkEngineのテスト用実装。
// ギャラリーページは pages に "file <url>" と "next <url>" の行で記述する。
type fakeNetwork struct {
	mu         sync.Mutex
	pages      map[string]string
	errs       map[string]error
	requested  []string
	needsLogin bool
	loginErr   error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: make(map[string]string), errs: make(map[string]error)}
}

func (n *fakeNetwork) JobFactory(subscriptionKey string) network.JobFactory {
	return func(method, rawURL string) network.Job {
		return &fakeJob{net: n, method: method, url: rawURL, key: subscriptionKey}
	}
}

func (n *fakeNetwork) wasRequested(u string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.requested {
		if r == u {
			return true
		}
	}
	return false
}

type fakeJob struct {
	net    *fakeNetwork
	method string
	url    string
	key    string
}

func (j *fakeJob) Method() string                     { return j.method }
func (j *fakeJob) URL() string                        { return j.url }
func (j *fakeJob) NetworkContexts() []network.Context { return network.NetworkContexts(j.key, j.url) }
func (j *fakeJob) NeedsLogin() bool                   { return j.net.needsLogin }
func (j *fakeJob) CheckCanLogin() error               { return j.net.loginErr }
func (j *fakeJob) OverrideBandwidth(time.Duration)    {}

func (j *fakeJob) Do(ctx context.Context) (*network.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCancelled, err)
	}

	j.net.mu.Lock()
	j.net.requested = append(j.net.requested, j.url)
	err := j.net.errs[j.url]
	body, ok := j.net.pages[j.url]
	j.net.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		body = "file-bytes"
	}
	return &network.Response{URL: j.url, FinalURL: j.url, StatusCode: 200, Body: []byte(body)}, nil
}

// lineParser は "file <url>" と "next <url>" の行を解析する。
type lineParser struct{}

func (lineParser) Parse(_ string, body []byte) (*parser.ParsedPage, error) {
	page := &parser.ParsedPage{}
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "file":
			page.Files = append(page.Files, parser.ParsedFile{URL: fields[1]})
		case "next":
			page.NextPageURLs = append(page.NextPageURLs, fields[1])
		}
	}
	return page, nil
}

// pageBody はギャラリーページの本文を組み立てる。
func pageBody(files []string, next string) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("file " + f + "\n")
	}
	if next != "" {
		b.WriteString("next " + next + "\n")
	}
	return b.String()
}

func fileURLs(prefix string, from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("https://cdn.example.com/%s/%d", prefix, i))
	}
	return out
}

// fakeGenerator はgallery.URLGeneratorのテスト用実装。
type fakeGenerator struct {
	kn         gallery.KeyAndName
	functional bool
	urls       []string
}

func (g *fakeGenerator) KeyAndName() gallery.KeyAndName      { return g.kn }
func (g *fakeGenerator) IsFunctional() bool                  { return g.functional }
func (g *fakeGenerator) GenerateGalleryURLs(string) []string { return g.urls }
func (g *fakeGenerator) PageParser() parser.PageParser       { return lineParser{} }

type fakeLookup struct {
	gens map[string]gallery.URLGenerator
}

func (l fakeLookup) Get(kn gallery.KeyAndName) (gallery.URLGenerator, bool) {
	g, ok := l.gens[kn.Name]
	return g, ok
}

// mockImporter はseed.Importerのテスト用モック。
type mockImporter struct {
	importFunc func(ctx context.Context, fs *seed.FileSeed, resp *network.Response) (seed.ImportResult, error)
}

func (m *mockImporter) Import(ctx context.Context, fs *seed.FileSeed, resp *network.Response) (seed.ImportResult, error) {
	if m.importFunc != nil {
		return m.importFunc(ctx, fs, resp)
	}
	return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: "h:" + fs.URL()}, nil
}

// captureNotifier は通知された文言を記録する。
type captureNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureNotifier) ShowText(_ context.Context, _ string, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
}

func (c *captureNotifier) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.texts {
		if strings.Contains(t, substr) {
			n++
		}
	}
	return n
}

// capturePublisher は提示されたバッチを記録する。
type capturePublisher struct {
	batches [][]string
	labels  []string
}

func (c *capturePublisher) PublishPresentationHashes(_ context.Context, label string, hashes []string, _, _ bool) {
	c.labels = append(c.labels, label)
	c.batches = append(c.batches, hashes)
}

// fakeLedger は帯域の可否を固定で返す。
type fakeLedger struct {
	ok       bool
	estimate time.Duration
}

func (l *fakeLedger) CanDoWork([]network.Context, time.Duration) bool { return l.ok }
func (l *fakeLedger) WaitingEstimate([]network.Context) (time.Duration, network.Context) {
	return l.estimate, network.GlobalContext
}

// testEnv はテスト用のEnvと観測用の部品をまとめたもの。
type testEnv struct {
	*Env
	net       *fakeNetwork
	notifier  *captureNotifier
	publisher *capturePublisher
	importer  *mockImporter
	live      *LiveOptions
	repo      *Repository
	logBuf    *bytes.Buffer
}

const testGeneratorName = "example booru"

func newTestEnv(t *testing.T, gen *fakeGenerator) *testEnv {
	t.Helper()

	opts := DefaultGlobalOptions()
	opts.ProcessInRandomOrder = false
	opts.FileWorkPacing = 0

	te := &testEnv{
		net:       newFakeNetwork(),
		notifier:  &captureNotifier{},
		publisher: &capturePublisher{},
		importer:  &mockImporter{},
		live:      NewLiveOptions(opts),
		repo:      NewRepository(repository.NewMemoryStore()),
		logBuf:    &bytes.Buffer{},
	}

	lookup := fakeLookup{gens: map[string]gallery.URLGenerator{}}
	if gen != nil {
		lookup.gens[gen.kn.Name] = gen
	}

	te.Env = &Env{
		Generators: lookup,
		Network:    te.net,
		Importer:   te.importer,
		Notifier:   te.notifier,
		Publisher:  te.publisher,
		Jobs:       progress.NewRegistry(),
		Options:    te.live,
		Store:      te.repo,
		Logger:     newTestLogger(te.logBuf),
		Sleep:      func(context.Context, time.Duration) {},
	}
	return te
}

func newGenerator(urls ...string) *fakeGenerator {
	return &fakeGenerator{
		kn:         gallery.KeyAndName{Key: gallery.KeyForName(testGeneratorName), Name: testGeneratorName},
		functional: true,
		urls:       urls,
	}
}

func newTestSubscription(name string, queries ...*Query) *Subscription {
	s := New(name, gallery.KeyAndName{Key: gallery.KeyForName(testGeneratorName), Name: testGeneratorName})
	s.AddQueries(queries...)
	return s
}

// addKnownFiles は取り込み済みのファイルシードをキャッシュに追加する。
func addKnownFiles(q *Query, urls ...string) {
	for _, u := range urls {
		fs := seed.NewFileSeed(u, time.Time{}, "")
		q.fileSeedCache.AddSeeds(fs)
		q.fileSeedCache.SetStatus(fs, model.StatusSuccessfulButRedundant, "")
	}
}

// addUnknownFiles は未処理のファイルシードをキャッシュに追加する。
func addUnknownFiles(q *Query, urls ...string) {
	for _, u := range urls {
		q.fileSeedCache.AddSeeds(seed.NewFileSeed(u, time.Time{}, ""))
	}
}

// notDueQuery は次回チェックが先の、同期済みのクエリを返す。
func notDueQuery(text string) *Query {
	q := NewQuery(text)
	q.lastCheckTime = time.Now().Add(-time.Hour)
	q.nextCheckTime = time.Now().Add(24 * time.Hour)
	return q
}

// fixClock はパッケージのnowを固定時刻に差し替える。
func fixClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = orig })
}

var errBoom = errors.New("boom")
