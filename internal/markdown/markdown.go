// ABOUTME: Renders assistant markdown for outbound surfaces.
// ABOUTME: Telegram only accepts a small HTML subset, so goldmark output is rewritten to fit it.

package markdown

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

var (
	paragraphOpen  = regexp.MustCompile(`<p[^>]*>`)
	headingOpen    = regexp.MustCompile(`<h[1-6][^>]*>`)
	headingClose   = regexp.MustCompile(`</h[1-6]>`)
	listItemOpen   = regexp.MustCompile(`<li[^>]*>`)
	listOpenClose  = regexp.MustCompile(`</?[ou]l[^>]*>`)
	blockquoteTag  = regexp.MustCompile(`</?blockquote[^>]*>`)
	horizontalRule = regexp.MustCompile(`<hr[^>]*/?>`)
	strongTag      = regexp.MustCompile(`<(/?)strong>`)
	emTag          = regexp.MustCompile(`<(/?)em>`)
	delTag         = regexp.MustCompile(`<(/?)del>`)
	anyOtherTag    = regexp.MustCompile(`</?(?:div|span|table|thead|tbody|tr|th|td|img|br)[^>]*>`)
)

// ToTelegramHTML converts markdown to the HTML subset Telegram's Bot API
// accepts (b, i, s, code, pre, a). Block structure is flattened to
// newlines. Conversion failures fall back to the raw text so a rendering
// bug never swallows a response.
func ToTelegramHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}

	html := buf.String()
	html = paragraphOpen.ReplaceAllString(html, "")
	html = strings.ReplaceAll(html, "</p>", "\n")
	html = headingOpen.ReplaceAllString(html, "<b>")
	html = headingClose.ReplaceAllString(html, "</b>\n")
	html = listItemOpen.ReplaceAllString(html, "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")
	html = listOpenClose.ReplaceAllString(html, "")
	html = blockquoteTag.ReplaceAllString(html, "")
	html = horizontalRule.ReplaceAllString(html, "—\n")
	html = strongTag.ReplaceAllString(html, "<${1}b>")
	html = emTag.ReplaceAllString(html, "<${1}i>")
	html = delTag.ReplaceAllString(html, "<${1}s>")
	html = anyOtherTag.ReplaceAllString(html, "")

	return strings.TrimSpace(html)
}

var tagStripper = regexp.MustCompile(`<[^>]+>`)

// ToPlainText renders markdown and strips every tag, for surfaces that
// want raw text, such as queue response payloads.
func ToPlainText(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}

	text := tagStripper.ReplaceAllString(buf.String(), "")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&#39;", "'")
	return strings.TrimSpace(text)
}

// EscapeHTML escapes text for safe embedding inside Telegram HTML.
func EscapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// FormatCodeBlock wraps content in a Telegram pre/code block.
func FormatCodeBlock(lang, content string) string {
	if lang == "" {
		return fmt.Sprintf("<pre>%s</pre>", EscapeHTML(content))
	}
	return fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, lang, EscapeHTML(content))
}
