package gallery

import (
	"os"
	"path/filepath"
	"testing"
)

func mustGenerator(t *testing.T, def Definition) *Generator {
	t.Helper()
	g, err := NewGenerator(def)
	if err != nil {
		t.Fatalf("NewGenerator() がエラーを返した: %v", err)
	}
	return g
}

func TestGenerator_GenerateGalleryURLs(t *testing.T) {
	g := mustGenerator(t, Definition{
		Name:         "example booru tag search",
		URLTemplates: []string{"https://booru.example.com/posts.atom?tags={}"},
	})

	urls := g.GenerateGalleryURLs("  blue_sky   cat&dog ")
	if len(urls) != 1 {
		t.Fatalf("len(urls) = %d, want 1", len(urls))
	}
	if want := "https://booru.example.com/posts.atom?tags=blue_sky+cat%26dog"; urls[0] != want {
		t.Errorf("url = %q, want %q", urls[0], want)
	}

	if urls := g.GenerateGalleryURLs("   "); len(urls) != 0 {
		t.Errorf("空のクエリではURLを生成しない: %v", urls)
	}
}

func TestGenerator_CustomPhraseAndSeparator(t *testing.T) {
	g := mustGenerator(t, Definition{
		Name:                 "multi",
		URLTemplates:         []string{"https://a.example/s/%q%/1", "https://b.example/?q=%q%"},
		ReplacementPhrase:    "%q%",
		SearchTermsSeparator: ",",
	})

	urls := g.GenerateGalleryURLs("a b")
	want := []string{"https://a.example/s/a,b/1", "https://b.example/?q=a,b"}
	if len(urls) != len(want) {
		t.Fatalf("urls = %v", urls)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestGenerator_IsFunctional(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want bool
	}{
		{"正常", Definition{Name: "ok", URLTemplates: []string{"https://x/?q={}"}}, true},
		{"テンプレートなし", Definition{Name: "none"}, false},
		{"置換文字列なし", Definition{Name: "static", URLTemplates: []string{"https://x/"}}, false},
		{"パーサー不正", func() Definition {
			d := Definition{Name: "badparser", URLTemplates: []string{"https://x/?q={}"}}
			d.Parser.Kind = "html"
			return d
		}(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGenerator(t, tt.def)
			if got := g.IsFunctional(); got != tt.want {
				t.Errorf("IsFunctional() = %v, want %v", got, tt.want)
			}
			if (g.NonFunctionalReason() == "") != tt.want {
				t.Errorf("NonFunctionalReason() = %q", g.NonFunctionalReason())
			}
			if !tt.want {
				return
			}
			if g.PageParser() == nil {
				t.Error("利用可能なジェネレーターのPageParser()がnil")
			}
		})
	}
}

func TestGenerator_InvalidParserIsNotUsable(t *testing.T) {
	def := Definition{Name: "html without pattern", URLTemplates: []string{"https://x/?q={}"}}
	def.Parser.Kind = "html"
	g := mustGenerator(t, def)

	if g.IsFunctional() {
		t.Error("パーサーを作れなかったジェネレーターが利用可能と判定された")
	}
	if g.PageParser() != nil {
		t.Errorf("PageParser() = %#v, want nil", g.PageParser())
	}
	if g.NonFunctionalReason() == "" {
		t.Error("NonFunctionalReason() にパーサーのエラーが入るべき")
	}
}

func TestNewGenerator_Keys(t *testing.T) {
	g1 := mustGenerator(t, Definition{Name: "same"})
	g2 := mustGenerator(t, Definition{Name: "same"})
	if g1.KeyAndName().Key != g2.KeyAndName().Key {
		t.Error("キー未指定時は名前から決定的に導出される")
	}
	if g1.KeyAndName().Key != KeyForName("same") {
		t.Error("KeyForName と一致するべき")
	}

	g3 := mustGenerator(t, Definition{Name: "explicit", Key: "0b5b8f4e-1c6a-4d2f-9f3e-7a8b9c0d1e2f"})
	if g3.KeyAndName().Key.String() != "0b5b8f4e-1c6a-4d2f-9f3e-7a8b9c0d1e2f" {
		t.Errorf("Key = %s", g3.KeyAndName().Key)
	}

	if _, err := NewGenerator(Definition{Name: "bad", Key: "not-a-uuid"}); err == nil {
		t.Error("不正なキーはエラー")
	}
	if _, err := NewGenerator(Definition{}); err == nil {
		t.Error("名前なしはエラー")
	}
}

func TestRegistry_GetFallsBackToName(t *testing.T) {
	g := mustGenerator(t, Definition{Name: "booru", URLTemplates: []string{"https://x/?q={}"}})
	r := NewRegistry(g)

	if got, ok := r.Get(g.KeyAndName()); !ok || got != URLGenerator(g) {
		t.Error("キーで見つかるべき")
	}

	stale := KeyAndName{Key: KeyForName("renamed-key"), Name: "booru"}
	if _, ok := r.Get(stale); !ok {
		t.Error("キーが違っても名前で見つかるべき")
	}

	if _, ok := r.Get(KeyAndName{Key: KeyForName("x"), Name: "missing"}); ok {
		t.Error("存在しないジェネレーターは見つからない")
	}
}

const testDefinitions = `
generators:
  - name: example booru
    url_templates:
      - "https://booru.example.com/posts.atom?tags={}"
    example_query: "blue_sky"
    parser:
      kind: feed
  - name: example html gallery
    key: "0b5b8f4e-1c6a-4d2f-9f3e-7a8b9c0d1e2f"
    url_templates:
      - "https://art.example.com/search?q={}&page=1"
    search_terms_separator: "%20"
    parser:
      kind: html
      file_link_pattern: '/art/\d+$'
      next_link_pattern: 'page=\d+'
`

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generators.yaml")
	if err := os.WriteFile(path, []byte(testDefinitions), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() がエラーを返した: %v", err)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "example booru" {
		t.Errorf("Names() = %v", names)
	}

	g, ok := r.Get(KeyAndName{Name: "example html gallery"})
	if !ok || !g.IsFunctional() {
		t.Fatal("html ジェネレーターが利用可能であるべき")
	}
	if urls := g.GenerateGalleryURLs("a b"); urls[0] != "https://art.example.com/search?q=a%20b&page=1" {
		t.Errorf("urls = %v", urls)
	}
}

func TestLoadRegistry_Errors(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("ファイルがなければエラー")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("generators: [ {name: "), 0o600)
	if _, err := LoadRegistry(path); err == nil {
		t.Error("不正なYAMLはエラー")
	}
}
