// Package gallery は検索クエリからギャラリーページのURLを生成するジェネレーターと、
// その登録簿を提供する。
package gallery

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/hitoshi/subsync/internal/parser"
)

// keyNamespace は名前から決定的にキーを導出するための名前空間。
var keyNamespace = uuid.MustParse("6f1c3e0a-5d4b-4c7e-9a51-2b8f0d7c9e34")

// KeyForName は名前から決定的なジェネレーターキーを導出する。
// キーを持たない古い購読データの移行にも使う。
func KeyForName(name string) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, []byte(strings.TrimSpace(name)))
}

// KeyAndName はジェネレーターの識別子を表す。
type KeyAndName struct {
	Key  uuid.UUID `json:"key"`
	Name string    `json:"name"`
}

func (kn KeyAndName) String() string {
	return kn.Name
}

// URLGenerator は購読が使うジェネレーターのインターフェース。
type URLGenerator interface {
	KeyAndName() KeyAndName
	// IsFunctional はURL生成とページ解析が可能な状態かを返す。
	IsFunctional() bool
	// GenerateGalleryURLs はクエリから最初のギャラリーページのURLを生成する。
	GenerateGalleryURLs(query string) []string
	PageParser() parser.PageParser
}

// Lookup はジェネレーターの検索インターフェース。
type Lookup interface {
	Get(kn KeyAndName) (URLGenerator, bool)
}

// Definition はジェネレーターの定義ファイル上の表現。
type Definition struct {
	Key                  string   `yaml:"key"`
	Name                 string   `yaml:"name"`
	URLTemplates         []string `yaml:"url_templates"`
	ReplacementPhrase    string   `yaml:"replacement_phrase"`
	SearchTermsSeparator string   `yaml:"search_terms_separator"`
	ExampleQuery         string   `yaml:"example_query"`
	Parser               struct {
		Kind            string `yaml:"kind"`
		FileLinkPattern string `yaml:"file_link_pattern"`
		NextLinkPattern string `yaml:"next_link_pattern"`
	} `yaml:"parser"`
}

// Generator はURLテンプレートに検索語を埋め込んでギャラリーURLを生成する。
type Generator struct {
	key               uuid.UUID
	name              string
	templates         []string
	replacementPhrase string
	separator         string
	exampleQuery      string
	parser            parser.PageParser
	parserErr         error
}

// NewGenerator は定義からGeneratorを生成する。
// パーサーの生成に失敗した場合もGeneratorは返し、IsFunctionalがfalseになる。
func NewGenerator(def Definition) (*Generator, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fmt.Errorf("generator name is required")
	}

	key := KeyForName(name)
	if def.Key != "" {
		parsed, err := uuid.Parse(def.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid generator key %q: %w", def.Key, err)
		}
		key = parsed
	}

	g := &Generator{
		key:               key,
		name:              name,
		templates:         def.URLTemplates,
		replacementPhrase: def.ReplacementPhrase,
		separator:         def.SearchTermsSeparator,
		exampleQuery:      def.ExampleQuery,
	}
	if g.replacementPhrase == "" {
		g.replacementPhrase = "{}"
	}
	if g.separator == "" {
		g.separator = "+"
	}

	g.parser, g.parserErr = parser.New(parser.Definition{
		Kind:            parser.Kind(def.Parser.Kind),
		FileLinkPattern: def.Parser.FileLinkPattern,
		NextLinkPattern: def.Parser.NextLinkPattern,
	})

	return g, nil
}

// KeyAndName はジェネレーターの識別子を返す。
func (g *Generator) KeyAndName() KeyAndName {
	return KeyAndName{Key: g.key, Name: g.name}
}

// IsFunctional はURL生成とページ解析が可能かを返す。
func (g *Generator) IsFunctional() bool {
	if g.parserErr != nil || g.parser == nil || len(g.templates) == 0 {
		return false
	}
	for _, t := range g.templates {
		if !strings.Contains(t, g.replacementPhrase) {
			return false
		}
	}
	return true
}

// NonFunctionalReason は利用できない理由を返す。利用できる場合は空文字列。
func (g *Generator) NonFunctionalReason() string {
	switch {
	case g.parserErr != nil:
		return g.parserErr.Error()
	case len(g.templates) == 0:
		return "no url templates"
	case !g.IsFunctional():
		return fmt.Sprintf("url template does not contain %q", g.replacementPhrase)
	}
	return ""
}

// GenerateGalleryURLs は空白区切りの検索語をエスケープして区切り文字で連結し、
// 各テンプレートの置換文字列に埋め込む。検索語が空の場合は何も返さない。
func (g *Generator) GenerateGalleryURLs(query string) []string {
	terms := strings.Fields(query)
	if len(terms) == 0 || !g.IsFunctional() {
		return nil
	}

	escaped := make([]string, len(terms))
	for i, term := range terms {
		escaped[i] = url.QueryEscape(term)
	}
	joined := strings.Join(escaped, g.separator)

	urls := make([]string, 0, len(g.templates))
	for _, t := range g.templates {
		urls = append(urls, strings.ReplaceAll(t, g.replacementPhrase, joined))
	}
	return urls
}

// PageParser はギャラリーページのパーサーを返す。
func (g *Generator) PageParser() parser.PageParser {
	return g.parser
}

// ExampleQuery は定義に書かれた検索例を返す。
func (g *Generator) ExampleQuery() string {
	return g.exampleQuery
}
