package research

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// TopicStatus is the lifecycle of one sub-topic. It only moves forward.
type TopicStatus string

const (
	TopicPending     TopicStatus = "pending"
	TopicResearching TopicStatus = "researching"
	TopicCompleted   TopicStatus = "completed"
	TopicFailed      TopicStatus = "failed"
)

func (s TopicStatus) rank() int {
	switch s {
	case TopicPending:
		return 0
	case TopicResearching:
		return 1
	case TopicCompleted, TopicFailed:
		return 2
	}
	return -1
}

// Terminal reports whether the topic is completed or failed.
func (s TopicStatus) Terminal() bool { return s.rank() == 2 }

// CanAdvance reports whether s -> next moves strictly forward.
func (s TopicStatus) CanAdvance(next TopicStatus) bool {
	return s.rank() >= 0 && next.rank() == s.rank()+1
}

// Where a topic came from.
const (
	SourceDecompose = "decompose"
	SourceFallback  = "fallback"
	SourceGap       = "gap"
)

// Insight is one key finding of a note.
type Insight struct {
	Insight    string `json:"insight"`
	Citations  []int  `json:"citations"`
	Confidence string `json:"confidence,omitempty"`
}

// Note is a summarized finding attached to a topic.
type Note struct {
	Summary       string    `json:"summary"`
	KeyInsights   []Insight `json:"key_insights,omitempty"`
	DataPoints    []string  `json:"data_points,omitempty"`
	Uncertainties []string  `json:"uncertainties,omitempty"`
	Citations     []int     `json:"citations"`
	CreatedAt     time.Time `json:"created_at"`
}

// TraceError is the failure payload of a ToolTrace.
type TraceError struct {
	Reason  tools.Reason `json:"reason"`
	Message string       `json:"message"`
}

// ToolTrace records one tool invocation. Immutable once recorded.
type ToolTrace struct {
	CitationID    int               `json:"citation_id"`
	ToolType      tools.Type        `json:"tool_type"`
	InputParams   map[string]string `json:"input_params"`
	RawOutput     string            `json:"raw_output,omitempty"`
	Truncated     bool              `json:"truncated,omitempty"`
	CitationLabel string            `json:"citation_label"`
	Error         *TraceError       `json:"error,omitempty"`
	Attempts      int               `json:"attempts"`
	DurationMS    int64             `json:"duration_ms"`
	Timestamp     time.Time         `json:"timestamp"`
}

// OK reports whether the call succeeded.
func (t ToolTrace) OK() bool { return t.Error == nil }

// TraceFromOutcome converts a router outcome into an unnumbered trace.
func TraceFromOutcome(o tools.Outcome, at time.Time) ToolTrace {
	tr := ToolTrace{
		ToolType:    o.Tool,
		InputParams: map[string]string(o.Params.Clone()),
		Attempts:    o.Attempts,
		DurationMS:  o.Duration.Milliseconds(),
		Timestamp:   at,
	}
	if o.Err != nil {
		tr.Error = &TraceError{Reason: o.Err.Reason, Message: o.Err.Message}
		tr.CitationLabel = fmt.Sprintf("%s (failed: %s)", o.Tool, o.Err.Reason)
		return tr
	}
	tr.RawOutput = o.Raw
	tr.Truncated = o.Truncated
	tr.CitationLabel = o.Result.CitationLabel
	if tr.CitationLabel == "" {
		tr.CitationLabel = string(o.Tool)
	}
	return tr
}

func (t ToolTrace) clone() ToolTrace {
	out := t
	if t.InputParams != nil {
		out.InputParams = make(map[string]string, len(t.InputParams))
		for k, v := range t.InputParams {
			out.InputParams[k] = v
		}
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}

// TopicBlock is one decomposed sub-topic and everything gathered for it.
type TopicBlock struct {
	ID         string      `json:"block_id"`
	Topic      string      `json:"topic"`
	Overview   string      `json:"overview,omitempty"`
	Priority   int         `json:"priority,omitempty"`
	Source     string      `json:"source"`
	Status     TopicStatus `json:"status"`
	Notes      []Note      `json:"notes"`
	ToolTraces []ToolTrace `json:"tool_traces"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// CitationIDs lists the ids of the block's traces. When okOnly is set only
// successful calls are returned.
func (b TopicBlock) CitationIDs(okOnly bool) []int {
	ids := make([]int, 0, len(b.ToolTraces))
	for _, t := range b.ToolTraces {
		if okOnly && !t.OK() {
			continue
		}
		ids = append(ids, t.CitationID)
	}
	return ids
}

// SuccessfulCalls counts traces without an error.
func (b TopicBlock) SuccessfulCalls() int {
	n := 0
	for _, t := range b.ToolTraces {
		if t.OK() {
			n++
		}
	}
	return n
}

// Clone deep-copies the block.
func (b TopicBlock) Clone() TopicBlock {
	out := b
	if b.Notes != nil {
		out.Notes = make([]Note, len(b.Notes))
		for i, n := range b.Notes {
			n.Citations = append([]int(nil), n.Citations...)
			n.KeyInsights = append([]Insight(nil), n.KeyInsights...)
			n.DataPoints = append([]string(nil), n.DataPoints...)
			n.Uncertainties = append([]string(nil), n.Uncertainties...)
			out.Notes[i] = n
		}
	}
	if b.ToolTraces != nil {
		out.ToolTraces = make([]ToolTrace, len(b.ToolTraces))
		for i, t := range b.ToolTraces {
			out.ToolTraces[i] = t.clone()
		}
	}
	return out
}
