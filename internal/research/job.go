// Package research holds the data model of a research job: the job itself,
// its decomposed topic queue and the tool traces used for citations.
package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the top-level lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the job state machine allows s -> next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// Stage is the active sub-stage while a job is running.
type Stage string

const (
	StageRephrase  Stage = "rephrase"
	StageDecompose Stage = "decompose"
	StageResearch  Stage = "research"
	StageNotes     Stage = "notes"
	StageReport    Stage = "report"
)

// Label is the human readable form shown by clients.
func (s Stage) Label() string {
	switch s {
	case StageRephrase:
		return "Optimizing topic"
	case StageDecompose:
		return "Decomposing into sub-topics"
	case StageResearch:
		return "Researching"
	case StageNotes:
		return "Creating notes"
	case StageReport:
		return "Generating report"
	default:
		return "Initializing"
	}
}

// Market scopes symbol lookups.
type Market string

const (
	MarketUS   Market = "US"
	MarketKR   Market = "KR"
	MarketBoth Market = "Both"
)

// ParseMarket accepts any casing; blank means US.
func ParseMarket(s string) (Market, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "US":
		return MarketUS, nil
	case "KR":
		return MarketKR, nil
	case "BOTH":
		return MarketBoth, nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// Output formats of the final report.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatJSON     = "json"
)

// Progress is the latest observable event of a running job.
type Progress struct {
	Stage     Stage          `json:"stage,omitempty"`
	Event     string         `json:"event"`
	Label     string         `json:"label"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Statistics are always computed by counting queue contents.
type Statistics struct {
	TotalTopics       int     `json:"total_topics"`
	CompletedTopics   int     `json:"completed_topics"`
	FailedTopics      int     `json:"failed_topics"`
	PendingTopics     int     `json:"pending_topics"`
	ResearchingTopics int     `json:"researching_topics"`
	TotalToolCalls    int     `json:"total_tool_calls"`
	FailedToolCalls   int     `json:"failed_tool_calls"`
	Iterations        int     `json:"iterations"`
	DurationSeconds   float64 `json:"duration_seconds"`
}

// Citation maps a citation id to its source description.
type Citation struct {
	ID       int    `json:"citation_id"`
	Label    string `json:"label"`
	ToolType string `json:"tool_type"`
	BlockID  string `json:"block_id"`
}

// TopicNote pairs a topic with its notes for result payloads.
type TopicNote struct {
	BlockID string      `json:"block_id"`
	Topic   string      `json:"topic"`
	Status  TopicStatus `json:"status"`
	Notes   []Note      `json:"notes"`
}

// Result is populated on completion, or with Partial set when a job failed
// after research produced notes.
type Result struct {
	Report     string      `json:"report,omitempty"`
	Format     string      `json:"format"`
	Rendered   string      `json:"rendered,omitempty"`
	Citations  []Citation  `json:"citations"`
	Statistics Statistics  `json:"statistics"`
	Notes      []TopicNote `json:"notes,omitempty"`
	Partial    bool        `json:"partial,omitempty"`
}

// Job is one research request and its lifecycle.
type Job struct {
	ID                string       `json:"research_id"`
	Topic             string       `json:"topic"`
	RephrasedTopic    string       `json:"rephrased_topic,omitempty"`
	ResearchObjective string       `json:"research_objective,omitempty"`
	KeyQuestions      []string     `json:"key_questions,omitempty"`
	Symbols           []string     `json:"symbols"`
	Market            Market       `json:"market"`
	Context           string       `json:"context,omitempty"`
	MaxTopics         int          `json:"max_topics"`
	Language          string       `json:"language"`
	OutputFormat      string       `json:"output_format"`
	SkipRephrase      bool         `json:"skip_rephrase,omitempty"`
	Status            Status       `json:"status"`
	CurrentStage      Stage        `json:"current_stage"`
	Progress          Progress     `json:"progress"`
	CreatedAt         time.Time    `json:"created_at"`
	StartedAt         *time.Time   `json:"started_at"`
	CompletedAt       *time.Time   `json:"completed_at"`
	Topics            []TopicBlock `json:"topics,omitempty"`
	Result            *Result      `json:"result"`
	Error             string       `json:"error"`
}

// MarshalJSON always emits current_stage, started_at, completed_at, result
// and error, with null standing for "not yet".
func (j Job) MarshalJSON() ([]byte, error) {
	type plain Job
	var stage, errMsg *string
	if j.CurrentStage != "" {
		v := string(j.CurrentStage)
		stage = &v
	}
	if j.Error != "" {
		errMsg = &j.Error
	}
	return json.Marshal(struct {
		plain
		CurrentStage *string `json:"current_stage"`
		Error        *string `json:"error"`
	}{plain(j), stage, errMsg})
}

// Transition moves the job to next, stamping timestamps. It refuses
// transitions the state machine does not allow.
func (j *Job) Transition(next Status, at time.Time) error {
	if j.Status == next {
		return nil
	}
	if !j.Status.CanTransition(next) {
		return &ErrInvalidTransition{Kind: "job", From: string(j.Status), To: string(next)}
	}
	j.Status = next
	switch {
	case next == StatusRunning:
		j.StartedAt = &at
	case next.Terminal():
		j.CompletedAt = &at
		j.CurrentStage = ""
	}
	return nil
}

// Clone deep-copies the job so snapshots can leave the store.
func (j Job) Clone() Job {
	out := j
	out.Symbols = append([]string(nil), j.Symbols...)
	out.KeyQuestions = append([]string(nil), j.KeyQuestions...)
	out.Progress.Details = cloneDetails(j.Progress.Details)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Topics != nil {
		out.Topics = make([]TopicBlock, len(j.Topics))
		for i, b := range j.Topics {
			out.Topics[i] = b.Clone()
		}
	}
	if j.Result != nil {
		r := *j.Result
		r.Citations = append([]Citation(nil), j.Result.Citations...)
		if j.Result.Notes != nil {
			r.Notes = make([]TopicNote, len(j.Result.Notes))
			for i, n := range j.Result.Notes {
				n.Notes = append([]Note(nil), n.Notes...)
				r.Notes[i] = n
			}
		}
		out.Result = &r
	}
	return out
}

func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Request is a client submission.
type Request struct {
	Topic        string   `json:"topic"`
	Symbols      []string `json:"symbols"`
	Market       string   `json:"market"`
	Context      string   `json:"context"`
	MaxTopics    int      `json:"max_topics"`
	Language     string   `json:"language"`
	OutputFormat string   `json:"output_format"`
	SkipRephrase bool     `json:"skip_rephrase"`
}

// RequestLimits are the defaults and bounds applied by Normalize.
type RequestLimits struct {
	DefaultMaxTopics int
	MinTopics        int
	MaxTopics        int
	DefaultLanguage  string
}

const maxTopicLength = 2000

var ErrInvalidRequest = errors.New("invalid research request")

// Normalize validates the request and fills defaults.
func (r Request) Normalize(l RequestLimits) (Request, error) {
	r.Topic = strings.TrimSpace(r.Topic)
	if r.Topic == "" {
		return r, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(r.Topic) > maxTopicLength {
		return r, fmt.Errorf("%w: topic exceeds %d characters", ErrInvalidRequest, maxTopicLength)
	}
	market, err := ParseMarket(r.Market)
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r.Market = string(market)
	r.Symbols = NormalizeSymbols(r.Symbols)

	if r.MaxTopics == 0 {
		r.MaxTopics = l.DefaultMaxTopics
	}
	if r.MaxTopics < l.MinTopics || r.MaxTopics > l.MaxTopics {
		return r, fmt.Errorf("%w: max_topics must be between %d and %d", ErrInvalidRequest, l.MinTopics, l.MaxTopics)
	}

	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	if r.Language == "" {
		r.Language = l.DefaultLanguage
	}
	if r.Language != "en" && r.Language != "ko" {
		return r, fmt.Errorf("%w: language must be en or ko", ErrInvalidRequest)
	}

	r.OutputFormat = strings.ToLower(strings.TrimSpace(r.OutputFormat))
	switch r.OutputFormat {
	case "":
		r.OutputFormat = FormatMarkdown
	case FormatMarkdown, FormatHTML, FormatJSON:
	default:
		return r, fmt.Errorf("%w: output_format must be markdown, html or json", ErrInvalidRequest)
	}
	r.Context = strings.TrimSpace(r.Context)
	return r, nil
}

// NormalizeSymbols upper-cases, trims and dedups tickers keeping order.
func NormalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// NewJob builds a pending job from a normalized request.
func NewJob(id string, req Request, now time.Time) Job {
	return Job{
		ID:           id,
		Topic:        req.Topic,
		Symbols:      append([]string(nil), req.Symbols...),
		Market:       Market(req.Market),
		Context:      req.Context,
		MaxTopics:    req.MaxTopics,
		Language:     req.Language,
		OutputFormat: req.OutputFormat,
		SkipRephrase: req.SkipRephrase,
		Status:       StatusPending,
		Progress:     Progress{Event: "created", Label: Stage("").Label(), UpdatedAt: now},
		CreatedAt:    now,
	}
}
