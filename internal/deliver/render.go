package deliver

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

//go:embed templates/email.html
var templateFS embed.FS

var (
	md        = goldmark.New()
	emailTmpl = template.Must(template.ParseFS(templateFS, "templates/email.html"))
)

// renderText builds the markdown body, which doubles as the plain text
// part of the email.
func renderText(name string, date time.Time, intro string, entries []Entry) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "Hello %s,\n\n", name)
	} else {
		b.WriteString("Hello,\n\n")
	}
	fmt.Fprintf(&b, "Here is your AI news digest for %s.\n\n", date.Format("January 2, 2006"))
	b.WriteString(intro)
	b.WriteString("\n")

	for _, e := range entries {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "## %d. [%s](%s)\n\n", e.Rank, escapeMarkdown(e.Digest.Title), linkDestination(e.Digest.URL))
		fmt.Fprintf(&b, "*%s from %s · Relevance %.1f/10*\n\n", capitalize(e.Digest.ID.Type.Label()), e.Digest.ID.Type, e.Score)
		b.WriteString(e.Digest.Summary)
		b.WriteString("\n")
		if e.Reasoning != "" {
			fmt.Fprintf(&b, "\n**Why it matters:** %s\n", e.Reasoning)
		}
	}
	return b.String()
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"[", `\[`,
	"]", `\]`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
)

// escapeMarkdown makes model-written text safe as link text.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(strings.Join(strings.Fields(s), " "))
}

var destinationEscaper = strings.NewReplacer("<", "%3C", ">", "%3E", "\n", "", "\r", "")

// linkDestination wraps a URL in angle brackets so spaces and parentheses
// do not end the link early.
func linkDestination(u string) string {
	return "<" + destinationEscaper.Replace(strings.TrimSpace(u)) + ">"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// RenderMarkdown converts markdown to HTML with goldmark.
func RenderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return template.HTML(buf.String()), nil //nolint: gosec
}

func renderHTML(subject, text string) (string, error) {
	body, err := RenderMarkdown(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := emailTmpl.Execute(&buf, map[string]any{"Subject": subject, "Body": body}); err != nil {
		return "", fmt.Errorf("rendering email template: %w", err)
	}
	return buf.String(), nil
}
