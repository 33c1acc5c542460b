package agents

import (
	"context"
	"strings"

	"github.com/kataras/golog"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

type ManagerInput struct {
	Topic     string
	Iteration int
	Blocks    []research.TopicBlock
	MaxGaps   int
}

// Decision is the manager's verdict after an iteration.
type Decision struct {
	ReadyForReport bool
	Reasoning      string
	Gaps           []SubTopic
}

// Manager reviews coverage and may end research early or add gap topics.
type Manager struct {
	Model   Model
	Prompts Prompts
	Logger  *golog.Logger
}

func NewManager(m Model, p Prompts, l *golog.Logger) *Manager {
	if l == nil {
		l = logging.Discard()
	}
	return &Manager{Model: m, Prompts: p, Logger: l}
}

type managerTopic struct {
	Title   string
	Status  research.TopicStatus
	Summary string
}

func (m *Manager) Evaluate(ctx context.Context, in ManagerInput) (Decision, error) {
	topics := make([]managerTopic, 0, len(in.Blocks))
	for _, b := range in.Blocks {
		t := managerTopic{Title: b.Topic, Status: b.Status}
		if len(b.Notes) > 0 {
			t.Summary = b.Notes[len(b.Notes)-1].Summary
		}
		topics = append(topics, t)
	}
	system, user, err := m.Prompts.Manager.Render("manager", map[string]any{
		"Topic":     in.Topic,
		"Iteration": in.Iteration,
		"Topics":    topics,
		"MaxGaps":   in.MaxGaps,
	})
	if err != nil {
		return Decision{}, err
	}
	var out struct {
		Decision       string `json:"decision"`
		Reasoning      string `json:"reasoning"`
		ReadyForReport bool   `json:"ready_for_report"`
		Gaps           []struct {
			Title    string `json:"title"`
			Overview string `json:"overview"`
		} `json:"gaps_identified"`
	}
	if err := m.Model.CompleteJSON(ctx, system, user, &out); err != nil {
		return Decision{}, err
	}
	d := Decision{
		ReadyForReport: out.ReadyForReport || strings.EqualFold(out.Decision, "sufficient"),
		Reasoning:      strings.TrimSpace(out.Reasoning),
	}
	for _, g := range out.Gaps {
		title := strings.Join(strings.Fields(g.Title), " ")
		if title == "" {
			continue
		}
		if len(d.Gaps) == in.MaxGaps {
			break
		}
		d.Gaps = append(d.Gaps, SubTopic{Title: title, Overview: strings.TrimSpace(g.Overview), Priority: 3})
	}
	return d, nil
}
