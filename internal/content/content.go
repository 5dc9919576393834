package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Message content passes through it before the remote write.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateText reports whether the trimmed content is non-empty.
func ValidateText(input string) bool {
	return strings.TrimSpace(input) != ""
}

// RenderMarkdown converts message content to display HTML. Used only at the
// presentation boundary; stored content stays plain.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}
