package agents

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kataras/golog"

	"github.com/mohammad-safakhou/stockresearch/internal/llm"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

const excerptChars = 4000

type NoteInput struct {
	Block    research.TopicBlock
	Answer   string
	Language string
}

type NoteTaker struct {
	Model   Model
	Prompts Prompts
	Logger  *golog.Logger
	now     func() time.Time
}

func NewNoteTaker(m Model, p Prompts, l *golog.Logger) *NoteTaker {
	if l == nil {
		l = logging.Discard()
	}
	return &NoteTaker{Model: m, Prompts: p, Logger: l, now: time.Now}
}

type source struct {
	ID      int
	Label   string
	Excerpt string
}

// Take summarizes one researched block. Every citation in the note, whether
// in a citations field or an [n] marker, refers to a successful trace of the
// block. Malformed output becomes a note whose summary is the raw text.
func (n *NoteTaker) Take(ctx context.Context, in NoteInput) (research.Note, error) {
	allowed := in.Block.CitationIDs(true)
	sources := make([]source, 0, len(allowed))
	for _, tr := range in.Block.ToolTraces {
		if !tr.OK() {
			continue
		}
		sources = append(sources, source{ID: tr.CitationID, Label: tr.CitationLabel, Excerpt: excerpt(tr.RawOutput)})
	}
	data := map[string]any{
		"Topic":    in.Block.Topic,
		"Overview": in.Block.Overview,
		"Sources":  sources,
		"Answer":   in.Answer,
		"Language": languageName(in.Language),
	}
	system, user, err := n.Prompts.Notes.Render("notes", data)
	if err != nil {
		return research.Note{}, err
	}

	var out struct {
		Summary     string `json:"summary"`
		KeyInsights []struct {
			Insight    string `json:"insight"`
			Citations  []int  `json:"citations"`
			Confidence string `json:"confidence"`
		} `json:"key_insights"`
		DataPoints    []string `json:"data_points"`
		Uncertainties []string `json:"uncertainties"`
		Citations     []int    `json:"citations"`
	}
	if err := n.Model.CompleteJSON(ctx, system, user, &out); err != nil {
		if !llm.IsMalformed(err) {
			return research.Note{}, err
		}
		n.Logger.Warnf("notes for %s unparsable, keeping the research answer", in.Block.ID)
		return n.rawNote(in.Answer, allowed), nil
	}

	set := newIDSet(allowed)
	note := research.Note{
		Summary:       FilterMarkers(strings.TrimSpace(out.Summary), allowed),
		DataPoints:    filterTexts(out.DataPoints, allowed),
		Uncertainties: filterTexts(out.Uncertainties, allowed),
		CreatedAt:     n.now().UTC(),
	}
	cited := append([]int(nil), out.Citations...)
	for _, ki := range out.KeyInsights {
		text := FilterMarkers(strings.TrimSpace(ki.Insight), allowed)
		if text == "" {
			continue
		}
		ids := set.filter(append(ki.Citations, Markers(text)...))
		cited = append(cited, ids...)
		note.KeyInsights = append(note.KeyInsights, research.Insight{Insight: text, Citations: ids, Confidence: confidence(ki.Confidence)})
	}
	cited = append(cited, Markers(note.Summary)...)
	for _, d := range note.DataPoints {
		cited = append(cited, Markers(d)...)
	}
	note.Citations = set.filter(cited)
	if note.Summary == "" {
		note.Summary = FilterMarkers(strings.TrimSpace(in.Answer), allowed)
	}
	return note, nil
}

func (n *NoteTaker) rawNote(text string, allowed []int) research.Note {
	summary := FilterMarkers(strings.TrimSpace(text), allowed)
	return research.Note{
		Summary:   summary,
		Citations: newIDSet(allowed).filter(Markers(summary)),
		CreatedAt: n.now().UTC(),
	}
}

func filterTexts(in []string, allowed []int) []string {
	var out []string
	for _, s := range cleanList(in) {
		if s = FilterMarkers(s, allowed); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func confidence(c string) string {
	switch c = strings.ToLower(strings.TrimSpace(c)); c {
	case "high", "medium", "low":
		return c
	}
	return ""
}

func excerpt(raw string) string {
	if utf8.RuneCountInString(raw) <= excerptChars {
		return raw
	}
	return string([]rune(raw)[:excerptChars]) + "…"
}
