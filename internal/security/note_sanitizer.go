package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNoteLength はシードのノートとして保持する最大文字数。
const MaxNoteLength = 512

// NoteSanitizer は取得先から返されたエラーページなどを、
// シードのノートとして保存できるプレーンテキストに変換する。
// bluemondayのStrictPolicyで全てのタグを除去する。
type NoteSanitizer struct {
	policy *bluemonday.Policy
}

// NewNoteSanitizer はNoteSanitizerを生成する。
func NewNoteSanitizer() *NoteSanitizer {
	return &NoteSanitizer{policy: bluemonday.StrictPolicy()}
}

// PlainText はタグを除去し、空白を詰め、MaxNoteLength文字で切り詰めた文字列を返す。
func (s *NoteSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	text := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(text) <= MaxNoteLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxNoteLength-1]) + "…"
}

var defaultNoteSanitizer = NewNoteSanitizer()

// PlainText は既定のNoteSanitizerでrawをプレーンテキストにする。
func PlainText(raw string) string {
	return defaultNoteSanitizer.PlainText(raw)
}
