package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func reportPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowAttrs("id").OnElements("h1", "h2", "h3", "h4", "h5", "h6")
		p.AllowURLSchemes("http", "https", "mailto")
		p.RequireParseableURLs(true)
		p.AddTargetBlankToFullyQualifiedLinks(true)
		policy = p
	})
	return policy
}

// Section is one "##" section of a report.
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

type jsonReport struct {
	Title      string              `json:"title,omitempty"`
	Sections   []Section           `json:"sections"`
	Citations  []research.Citation `json:"citations"`
	Statistics research.Statistics `json:"statistics"`
}

// Render converts a Markdown report into format. Markdown is returned as is.
func Render(format, report string, citations []research.Citation, stats research.Statistics) (string, error) {
	switch format {
	case "", research.FormatMarkdown:
		return report, nil
	case research.FormatHTML:
		return RenderHTML(report), nil
	case research.FormatJSON:
		title, sections := SplitSections(report)
		if citations == nil {
			citations = []research.Citation{}
		}
		b, err := json.MarshalIndent(jsonReport{Title: title, Sections: sections, Citations: citations, Statistics: stats}, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("unsupported report format %q", format)
}

// RenderHTML converts Markdown to sanitized HTML.
func RenderHTML(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	r := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	out := markdown.ToHTML([]byte(md), p, r)
	return string(reportPolicy().SanitizeBytes(out))
}

// SplitSections splits on level-two headings. Text before the first one is
// kept as an untitled section; a leading level-one heading becomes the title.
func SplitSections(md string) (string, []Section) {
	var (
		title    string
		sections []Section
		cur      *Section
		body     strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if cur != nil {
			cur.Body = text
			sections = append(sections, *cur)
		} else if text != "" {
			sections = append(sections, Section{Body: text})
		}
	}
	for _, line := range strings.Split(md, "\n") {
		switch {
		case title == "" && cur == nil && strings.HasPrefix(line, "# "):
			title = strings.TrimSpace(line[2:])
		case strings.HasPrefix(line, "## "):
			flush()
			cur = &Section{Heading: strings.TrimSpace(line[3:])}
		default:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()
	return title, sections
}
