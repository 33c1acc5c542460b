package agents

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kataras/golog"

	"github.com/mohammad-safakhou/stockresearch/internal/llm"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

// RephraseInput is the raw submission framing.
type RephraseInput struct {
	Topic    string
	Symbols  []string
	Market   string
	Context  string
	Language string
}

// Rephrased is the normalized framing used by later stages.
type Rephrased struct {
	Topic        string
	Objective    string
	KeyQuestions []string
	Symbols      []string
	// Fallback is set when the model output was unusable and the original
	// topic was kept.
	Fallback bool
}

type Rephraser struct {
	Model   Model
	Prompts Prompts
	Logger  *golog.Logger
}

func NewRephraser(m Model, p Prompts, l *golog.Logger) *Rephraser {
	if l == nil {
		l = logging.Discard()
	}
	return &Rephraser{Model: m, Prompts: p, Logger: l}
}

const maxRephrasedLength = 2000

// Rephrase normalizes the topic. Malformed or degenerate output yields the
// original topic; any other model failure is returned.
func (r *Rephraser) Rephrase(ctx context.Context, in RephraseInput) (Rephrased, error) {
	fallback := Rephrased{Topic: in.Topic, Symbols: in.Symbols, Fallback: true}
	data := map[string]any{
		"Topic":    in.Topic,
		"Symbols":  in.Symbols,
		"Market":   in.Market,
		"Context":  in.Context,
		"Language": languageName(in.Language),
	}
	system, user, err := r.Prompts.Rephrase.Render("rephrase", data)
	if err != nil {
		return fallback, err
	}
	var out struct {
		OptimizedTopic    string   `json:"optimized_topic"`
		ResearchObjective string   `json:"research_objective"`
		KeyQuestions      []string `json:"key_questions"`
		Symbols           []string `json:"symbols"`
	}
	if err := r.Model.CompleteJSON(ctx, system, user, &out); err != nil {
		if llm.IsMalformed(err) {
			r.Logger.Warnf("rephrase output unusable, keeping original topic: %v", err)
			return fallback, nil
		}
		return fallback, err
	}
	topic := strings.Join(strings.Fields(out.OptimizedTopic), " ")
	if degenerate(topic) {
		r.Logger.Warnf("rephrase returned a degenerate topic %q, keeping original", out.OptimizedTopic)
		return fallback, nil
	}
	res := Rephrased{
		Topic:        topic,
		Objective:    strings.TrimSpace(out.ResearchObjective),
		KeyQuestions: cleanList(out.KeyQuestions),
		Symbols:      in.Symbols,
	}
	if len(res.Symbols) == 0 {
		res.Symbols = research.NormalizeSymbols(out.Symbols)
	}
	return res, nil
}

func degenerate(topic string) bool {
	n := utf8.RuneCountInString(topic)
	return n < 3 || n > maxRephrasedLength
}
