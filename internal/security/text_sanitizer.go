// Package security はユーザー入力の無害化を提供する。
//
// TextSanitizer はプロフィールの自由入力欄からHTMLを取り除き、プレーンテキストとして返す。
// bluemondayのStrictPolicyでタグと属性をすべて除去した後、エンティティを戻す。
// 表示時のエスケープはhtml/templateに任せるため、保存値はエスケープしない。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はテキストの無害化機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はHTMLタグを除去したプレーンテキストを返す。前後の空白も取り除く。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// TextSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有してよい。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizerService = (*TextSanitizer)(nil)

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグを除去したプレーンテキストを返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// エンティティを戻すと &lt;b&gt; が <b> になり、次の保存で除去される。
	// 出力が変わらなくなるまで繰り返し、保存値を不動点にする。
	out := raw
	for i := 0; i < maxSanitizeRounds; i++ {
		next := s.strip(out)
		if next == out {
			return out
		}
		out = next
	}
	return out
}

// maxSanitizeRounds はエンティティの入れ子を展開する回数の上限。
// 1回ごとに入れ子が1段ずつ減るため、通常は数回で収束する。
const maxSanitizeRounds = 16

// strip はタグを1回除去し、StrictPolicyが付けたエンティティをプレーンテキストに戻す。
func (s *TextSanitizer) strip(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(v)))
}
