// Package parser はギャラリーページからファイルURLと次ページURLを抽出する。
package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Kind はページパーサーの種類を表す。
type Kind string

const (
	// KindFeed はRSS/Atomフィードとして解析する。
	KindFeed Kind = "feed"
	// KindHTML はHTMLのリンクを正規表現で分類して解析する。
	KindHTML Kind = "html"
)

// ParsedFile はページから見つかった1件のファイルURL。
// SourceTimeは投稿日時が分からない場合はゼロ値。
type ParsedFile struct {
	URL        string
	SourceTime time.Time
}

// ParsedPage は1ページ分の解析結果。
type ParsedPage struct {
	Files        []ParsedFile
	NextPageURLs []string
}

// PageParser はギャラリーページの解析インターフェース。
type PageParser interface {
	Parse(pageURL string, body []byte) (*ParsedPage, error)
}

// Definition はパーサーの設定を表す。
type Definition struct {
	Kind            Kind
	FileLinkPattern string
	NextLinkPattern string
}

// New はDefinitionからPageParserを生成する。
func New(def Definition) (PageParser, error) {
	switch def.Kind {
	case KindFeed, "":
		return NewFeedParser(), nil
	case KindHTML:
		// 失敗時に型付きnilをインターフェースに入れない
		p, err := NewHTMLParser(def.FileLinkPattern, def.NextLinkPattern)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown parser kind: %s", def.Kind)
	}
}

// resolveURL は相対URLをbaseを基準に絶対URLへ解決する。
// http/https以外やフラグメントのみのリンクは空文字列を返す。
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

// compileOptional は空文字列ならnilを返す。
func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

// appendUnique はseenに含まれないURLのみを順序を保って追加する。
func appendUnique(dst []string, seen map[string]struct{}, u string) []string {
	if u == "" {
		return dst
	}
	if _, ok := seen[u]; ok {
		return dst
	}
	seen[u] = struct{}{}
	return append(dst, u)
}
