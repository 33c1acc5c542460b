package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kataras/golog"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

type ReportInput struct {
	Topic     string
	Objective string
	Symbols   []string
	Market    string
	Language  string
	Blocks    []research.TopicBlock
	Stats     research.Statistics
}

type Report struct {
	Markdown  string
	Citations []research.Citation
}

type Reporter struct {
	Model   Model
	Prompts Prompts
	Logger  *golog.Logger
}

func NewReporter(m Model, p Prompts, l *golog.Logger) *Reporter {
	if l == nil {
		l = logging.Discard()
	}
	return &Reporter{Model: m, Prompts: p, Logger: l}
}

type reportTopic struct {
	Title  string
	Status research.TopicStatus
	Notes  []string
}

// model-written source lists are replaced by the generated index
var sourcesHeading = regexp.MustCompile(`(?mi)^#{1,6}\s*(citations|references|sources|참고\s*문헌|출처|인용)\s*$`)

// Write produces the final Markdown report. Markers that do not name a
// successful trace of the job are removed and a "## Citations" index of the
// remaining ones is appended.
func (r *Reporter) Write(ctx context.Context, in ReportInput) (Report, error) {
	traces := map[int]research.ToolTrace{}
	blockOf := map[int]string{}
	var allowed []int
	topics := make([]reportTopic, 0, len(in.Blocks))
	for _, b := range in.Blocks {
		for _, tr := range b.ToolTraces {
			if tr.OK() {
				traces[tr.CitationID] = tr
				blockOf[tr.CitationID] = b.ID
				allowed = append(allowed, tr.CitationID)
			}
		}
		topics = append(topics, reportTopic{Title: b.Topic, Status: b.Status, Notes: renderNotes(b)})
	}

	prompt := r.Prompts.Report
	if in.Language == "ko" {
		prompt = r.Prompts.ReportKO
	}
	data := map[string]any{
		"Topic":     in.Topic,
		"Objective": in.Objective,
		"Symbols":   in.Symbols,
		"Market":    in.Market,
		"Topics":    topics,
		"Stats":     in.Stats,
	}
	system, user, err := prompt.Render("report", data)
	if err != nil {
		return Report{}, err
	}
	text, err := r.Model.Complete(ctx, system, user)
	if err != nil {
		return Report{}, err
	}
	body := strings.TrimSpace(text)
	if loc := sourcesHeading.FindStringIndex(body); loc != nil {
		body = strings.TrimSpace(body[:loc[0]])
	}
	body = FilterMarkers(body, allowed)
	if body == "" {
		return Report{}, errors.New("report: model returned an empty report")
	}

	ids := newIDSet(allowed).filter(Markers(body))
	if len(ids) == 0 {
		ids = newIDSet(allowed).filter(allowed)
	}
	citations := make([]research.Citation, 0, len(ids))
	var b strings.Builder
	b.WriteString(body)
	if len(ids) > 0 {
		b.WriteString("\n\n## Citations\n\n")
		for _, id := range ids {
			tr := traces[id]
			citations = append(citations, research.Citation{ID: id, Label: tr.CitationLabel, ToolType: string(tr.ToolType), BlockID: blockOf[id]})
			fmt.Fprintf(&b, "- [%d] %s (%s)\n", id, tr.CitationLabel, tr.ToolType)
		}
	}
	return Report{Markdown: strings.TrimRight(b.String(), "\n") + "\n", Citations: citations}, nil
}

// renderNotes flattens a block's notes into prompt lines keeping [n] markers.
func renderNotes(b research.TopicBlock) []string {
	var out []string
	for _, n := range b.Notes {
		if n.Summary != "" {
			out = append(out, n.Summary+citeSuffix(n.Summary, n.Citations))
		}
		for _, ki := range n.KeyInsights {
			out = append(out, "- "+ki.Insight+citeSuffix(ki.Insight, ki.Citations))
		}
		for _, d := range n.DataPoints {
			out = append(out, "- "+d)
		}
		for _, u := range n.Uncertainties {
			out = append(out, "- Uncertain: "+u)
		}
	}
	if len(out) == 0 && b.Error != "" {
		out = append(out, "Research failed: "+b.Error)
	}
	return out
}

// citeSuffix appends ids not already present as markers in text.
func citeSuffix(text string, ids []int) string {
	present := newIDSet(Markers(text))
	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, fmt.Sprint(id))
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return " [" + strings.Join(missing, ", ") + "]"
}
