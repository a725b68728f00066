package composer

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var replyMarkdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Linkify,
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

// renderHTML converts the agent's reply body to HTML for the full payload
// delivery level. Agent replies are authored as markdown or plain text;
// either renders acceptably.
func renderHTML(body string) string {
	var buf strings.Builder
	if err := replyMarkdown.Convert([]byte(body), &buf); err != nil {
		return "<pre>" + body + "</pre>"
	}
	return buf.String()
}
