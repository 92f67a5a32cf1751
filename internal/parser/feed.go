package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
)

// FeedParser はRSS/Atomフィードをギャラリーページとして解析する。
// 各エントリのエンクロージャ（なければリンク）をファイルURLとし、
// AtomのRFC 5005ページングリンク（rel="next"）を次ページとする。
type FeedParser struct{}

// NewFeedParser はFeedParserを生成する。
func NewFeedParser() *FeedParser {
	return &FeedParser{}
}

// Parse はフィードを解析する。
func (p *FeedParser) Parse(pageURL string, body []byte) (*ParsedPage, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードの解析に失敗: %w", err)
	}

	base, _ := url.Parse(pageURL)
	page := &ParsedPage{}
	seen := make(map[string]struct{})

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		href := item.Link
		for _, enc := range item.Enclosures {
			if enc != nil && enc.URL != "" {
				href = enc.URL
				break
			}
		}
		u := resolveURL(base, href)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		page.Files = append(page.Files, ParsedFile{URL: u, SourceTime: itemTime(item)})
	}

	if feed.FeedType == "atom" {
		page.NextPageURLs = atomNextLinks(base, body)
	}

	return page, nil
}

func itemTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// atomNextLinks はAtomフィードのrel="next"リンクを抽出する。
// gofeedの汎用Feedではrel属性が失われるため、atomパーサーで再解析する。
func atomNextLinks(base *url.URL, body []byte) []string {
	af, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var next []string
	seen := make(map[string]struct{})
	for _, link := range af.Links {
		if link == nil || !strings.EqualFold(link.Rel, "next") {
			continue
		}
		next = appendUnique(next, seen, resolveURL(base, link.Href))
	}
	return next
}
