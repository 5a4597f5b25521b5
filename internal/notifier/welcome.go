package notifier

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"recipebox/internal/models"
)

var (
	ErrInvalidFrontmatter = errors.New("invalid frontmatter")
	ErrRenderFailed       = errors.New("failed to render welcome message")
)

//go:embed templates/welcome.md
var welcomeSource []byte

// Message is a rendered email body ready to be addressed.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

type welcomeTemplate struct {
	subject string
	body    *template.Template
}

var (
	welcome   = mustParseWelcome(welcomeSource)
	markdown  = goldmark.New()
	sanitizer = bluemonday.UGCPolicy()
)

// RenderWelcome builds the welcome message for a subscriber. Every intake path
// uses it, so all of them send identical content.
func RenderWelcome(subscriber *models.Subscriber) (*Message, error) {
	var text bytes.Buffer
	if err := welcome.body.Execute(&text, subscriber); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	var html bytes.Buffer
	if err := markdown.Convert(text.Bytes(), &html); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	return &Message{
		Subject: welcome.subject,
		Text:    text.String(),
		HTML:    sanitizer.Sanitize(html.String()),
	}, nil
}

func mustParseWelcome(src []byte) *welcomeTemplate {
	meta, body, err := splitFrontmatter(src)
	if err != nil {
		panic(err)
	}

	subject, _ := meta["Subject"].(string)
	if subject == "" {
		panic(fmt.Errorf("%w: welcome template has no Subject", ErrInvalidFrontmatter))
	}

	return &welcomeTemplate{
		subject: subject,
		body:    template.Must(template.New("welcome").Parse(body)),
	}
}

// splitFrontmatter separates a leading YAML block delimited by "---" lines from the body.
func splitFrontmatter(content []byte) (map[string]any, string, error) {
	delimiter := []byte("---")
	meta := map[string]any{}

	if !bytes.HasPrefix(content, delimiter) {
		return meta, string(content), nil
	}

	rest := bytes.TrimLeft(bytes.TrimPrefix(content, delimiter), "\r\n")
	end := bytes.Index(rest, delimiter)
	if end == -1 {
		return nil, "", fmt.Errorf("%w: closing delimiter not found", ErrInvalidFrontmatter)
	}

	if block := bytes.TrimSpace(rest[:end]); len(block) > 0 {
		if err := yaml.Unmarshal(block, &meta); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
		}
	}

	body := bytes.TrimLeft(rest[end+len(delimiter):], "\r\n")
	return meta, string(body), nil
}
