package agents

import (
	"context"
	"strings"

	"github.com/kataras/golog"

	"github.com/mohammad-safakhou/stockresearch/internal/llm"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
)

type DecomposeInput struct {
	Topic        string
	Objective    string
	KeyQuestions []string
	Symbols      []string
	Market       string
	MaxTopics    int
	Tools        []string
}

// SubTopic is one decomposed unit of research.
type SubTopic struct {
	Title    string   `json:"title"`
	Overview string   `json:"overview"`
	Priority int      `json:"priority"`
	Tools    []string `json:"tools"`
}

type Decomposer struct {
	Model   Model
	Prompts Prompts
	Logger  *golog.Logger
}

func NewDecomposer(m Model, p Prompts, l *golog.Logger) *Decomposer {
	if l == nil {
		l = logging.Discard()
	}
	return &Decomposer{Model: m, Prompts: p, Logger: l}
}

// Decompose returns between one and MaxTopics sub-topics. Malformed or empty
// output falls back to a single sub-topic equal to the topic itself; the
// second return value reports that fallback.
func (d *Decomposer) Decompose(ctx context.Context, in DecomposeInput) ([]SubTopic, bool, error) {
	fallback := []SubTopic{{Title: in.Topic, Overview: in.Objective, Priority: 1}}
	system, user, err := d.Prompts.Decompose.Render("decompose", in)
	if err != nil {
		return nil, false, err
	}
	var out struct {
		SubTopics []SubTopic `json:"sub_topics"`
	}
	if err := d.Model.CompleteJSON(ctx, system, user, &out); err != nil {
		if llm.IsMalformed(err) {
			d.Logger.Warnf("decompose output unusable, using the topic as the only sub-topic: %v", err)
			return fallback, true, nil
		}
		return nil, false, err
	}
	topics := make([]SubTopic, 0, len(out.SubTopics))
	for _, st := range out.SubTopics {
		st.Title = strings.Join(strings.Fields(st.Title), " ")
		if st.Title == "" {
			continue
		}
		st.Overview = strings.TrimSpace(st.Overview)
		if st.Priority < 1 || st.Priority > 5 {
			st.Priority = 3
		}
		topics = append(topics, st)
	}
	if len(topics) == 0 {
		d.Logger.Warnf("decompose produced no sub-topics, using the topic itself")
		return fallback, true, nil
	}
	if in.MaxTopics > 0 && len(topics) > in.MaxTopics {
		topics = topics[:in.MaxTopics]
	}
	return topics, false, nil
}
