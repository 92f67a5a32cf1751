package parser

import (
	"bytes"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var errEmptyFileLinkPattern = errors.New("html parser requires a file link pattern")

// HTMLParser はHTMLページ内のリンクを分類してギャラリーページとして解析する。
// fileLinkに一致するa要素のhrefをファイルURLとし、
// rel="next"を持つa/link要素、またはnextLinkに一致するhrefを次ページとする。
type HTMLParser struct {
	fileLink *regexp.Regexp
	nextLink *regexp.Regexp
}

// NewHTMLParser はHTMLParserを生成する。fileLinkPatternは必須。
func NewHTMLParser(fileLinkPattern, nextLinkPattern string) (*HTMLParser, error) {
	fileLink, err := compileOptional(fileLinkPattern)
	if err != nil {
		return nil, err
	}
	if fileLink == nil {
		return nil, errEmptyFileLinkPattern
	}
	nextLink, err := compileOptional(nextLinkPattern)
	if err != nil {
		return nil, err
	}
	return &HTMLParser{fileLink: fileLink, nextLink: nextLink}, nil
}

// Parse はHTMLを解析する。
// HTMLの構文エラーは無視し、読めた範囲のリンクを返す。
func (p *HTMLParser) Parse(pageURL string, body []byte) (*ParsedPage, error) {
	base, _ := url.Parse(pageURL)
	page := &ParsedPage{}
	var files []string
	fileSeen := make(map[string]struct{})
	nextSeen := make(map[string]struct{})

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		tn, hasAttr := tokenizer.TagName()
		tagName := string(tn)
		if (tagName != "a" && tagName != "link") || !hasAttr {
			continue
		}

		var rel, href string
		for {
			key, val, more := tokenizer.TagAttr()
			switch strings.ToLower(string(key)) {
			case "rel":
				rel = strings.ToLower(string(val))
			case "href":
				href = string(val)
			}
			if !more {
				break
			}
		}

		resolved := resolveURL(base, href)
		if resolved == "" {
			continue
		}

		switch {
		case hasRelNext(rel):
			page.NextPageURLs = appendUnique(page.NextPageURLs, nextSeen, resolved)
		case p.nextLink != nil && p.nextLink.MatchString(resolved):
			page.NextPageURLs = appendUnique(page.NextPageURLs, nextSeen, resolved)
		case tagName == "a" && p.fileLink.MatchString(resolved):
			files = appendUnique(files, fileSeen, resolved)
		}
	}

	for _, f := range files {
		page.Files = append(page.Files, ParsedFile{URL: f})
	}
	return page, nil
}

func hasRelNext(rel string) bool {
	for _, r := range strings.Fields(rel) {
		if r == "next" {
			return true
		}
	}
	return false
}
