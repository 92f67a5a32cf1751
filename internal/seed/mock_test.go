package seed

import (
	"context"
	"time"

	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/parser"
)

// --- モック定義 ---

// mockJob はnetwork.Jobのテスト用モック。
type mockJob struct {
	method string
	url    string
	doFunc func(ctx context.Context) (*network.Response, error)
}

func (m *mockJob) Method() string { return m.method }
func (m *mockJob) URL() string    { return m.url }
func (m *mockJob) NetworkContexts() []network.Context {
	return []network.Context{network.GlobalContext}
}
func (m *mockJob) NeedsLogin() bool                     { return false }
func (m *mockJob) CheckCanLogin() error                 { return nil }
func (m *mockJob) OverrideBandwidth(wait time.Duration) {}

func (m *mockJob) Do(ctx context.Context) (*network.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(ctx)
	}
	return &network.Response{URL: m.url, StatusCode: 200}, nil
}

// factoryFor はURLごとの応答関数からJobFactoryを作る。
func factoryFor(responses map[string]func(ctx context.Context) (*network.Response, error)) network.JobFactory {
	return func(method, rawURL string) network.Job {
		return &mockJob{method: method, url: rawURL, doFunc: responses[rawURL]}
	}
}

// mockImporter はImporterのテスト用モック。
type mockImporter struct {
	importFunc func(ctx context.Context, fs *FileSeed, resp *network.Response) (ImportResult, error)
}

func (m *mockImporter) Import(ctx context.Context, fs *FileSeed, resp *network.Response) (ImportResult, error) {
	if m.importFunc != nil {
		return m.importFunc(ctx, fs, resp)
	}
	return ImportResult{}, nil
}

// mockParser はparser.PageParserのテスト用モック。
type mockParser struct {
	parseFunc func(pageURL string, body []byte) (*parser.ParsedPage, error)
}

func (m *mockParser) Parse(pageURL string, body []byte) (*parser.ParsedPage, error) {
	if m.parseFunc != nil {
		return m.parseFunc(pageURL, body)
	}
	return &parser.ParsedPage{}, nil
}
