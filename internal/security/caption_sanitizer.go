package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxCaptionRunes はクライアントに返すキャプションの最大文字数。
const maxCaptionRunes = 2200

// CaptionSanitizer は投稿者が入力したキャプションをプレーンテキストに正規化する。
// HTMLタグは全て除去し、空白を1つにまとめ、最大文字数で切り詰める。
// bluemondayのポリシーはゴルーチン安全で、同一入力には常に同一出力を返す。
type CaptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewCaptionSanitizer はCaptionSanitizerを生成する。
func NewCaptionSanitizer() *CaptionSanitizer {
	return &CaptionSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はキャプションをサニタイズする。
func (s *CaptionSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	text := strings.Join(strings.Fields(s.policy.Sanitize(raw)), " ")
	if utf8.RuneCountInString(text) <= maxCaptionRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxCaptionRunes])
}
