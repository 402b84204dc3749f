package proxy

import (
	"bytes"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough),
			// Single newlines are line breaks in chat.
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdown
}

// RichText builds a message whose body is the Markdown source and whose
// formatted body is its HTML rendering. If rendering fails the message is
// sent as plain text.
func RichText(source string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: source}
	var buf bytes.Buffer
	if err := markdownRenderer().Convert([]byte(source), &buf); err != nil {
		log.WithError(err).Warn("Failed to render Markdown reply")
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = strings.TrimSpace(buf.String())
	return content
}
