package research

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// NormalizeTopic is the dedup key of a topic: lower-cased with collapsed whitespace.
func NormalizeTopic(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TopicQueue is the ordered, deduplicated set of sub-topics of one job.
// It is owned by the job's orchestrator; readers get copies.
type TopicQueue struct {
	mu          sync.RWMutex
	researchID  string
	blocks      []*TopicBlock
	index       map[string]int
	counter     int
	citationSeq int
	maxLength   int
	now         func() time.Time
}

// NewTopicQueue creates an empty queue holding at most maxLength topics (<= 0 means unbounded).
func NewTopicQueue(researchID string, maxLength int) *TopicQueue {
	return &TopicQueue{
		researchID: researchID,
		index:      make(map[string]int),
		maxLength:  maxLength,
		now:        time.Now,
	}
}

// ResearchID returns the owning job id.
func (q *TopicQueue) ResearchID() string { return q.researchID }

// Add appends a pending topic. A topic equal to an existing one after
// normalization is a no-op and returns the existing block with added=false.
func (q *TopicQueue) Add(topic, overview, source string, priority int) (block TopicBlock, added bool, err error) {
	topic = strings.TrimSpace(topic)
	key := NormalizeTopic(topic)
	if key == "" {
		return TopicBlock{}, false, ErrEmptyTopic
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if i, ok := q.index[key]; ok {
		return q.blocks[i].Clone(), false, nil
	}
	if q.maxLength > 0 && len(q.blocks) >= q.maxLength {
		return TopicBlock{}, false, fmt.Errorf("%w: %d topics", ErrQueueFull, q.maxLength)
	}
	q.counter++
	now := q.now()
	b := &TopicBlock{
		ID:         fmt.Sprintf("block_%d", q.counter),
		Topic:      topic,
		Overview:   strings.TrimSpace(overview),
		Priority:   priority,
		Source:     source,
		Status:     TopicPending,
		Notes:      []Note{},
		ToolTraces: []ToolTrace{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.index[key] = len(q.blocks)
	q.blocks = append(q.blocks, b)
	return b.Clone(), true, nil
}

// NextPending returns a copy of the first pending topic in insertion order.
func (q *TopicQueue) NextPending() (TopicBlock, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, b := range q.blocks {
		if b.Status == TopicPending {
			return b.Clone(), true
		}
	}
	return TopicBlock{}, false
}

// HasPending reports whether any topic is still pending.
func (q *TopicQueue) HasPending() bool {
	_, ok := q.NextPending()
	return ok
}

// Get returns a copy of the block with id.
func (q *TopicQueue) Get(id string) (TopicBlock, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	b := q.find(id)
	if b == nil {
		return TopicBlock{}, false
	}
	return b.Clone(), true
}

// Start marks a pending topic as researching.
func (q *TopicQueue) Start(id string) error { return q.advance(id, TopicResearching, "") }

// Complete marks a researching topic as completed.
func (q *TopicQueue) Complete(id string) error { return q.advance(id, TopicCompleted, "") }

// Fail marks a researching topic as failed with reason.
func (q *TopicQueue) Fail(id, reason string) error { return q.advance(id, TopicFailed, reason) }

func (q *TopicQueue) advance(id string, next TopicStatus, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, id)
	}
	if !b.Status.CanAdvance(next) {
		return &ErrInvalidTransition{Kind: "topic", From: string(b.Status), To: string(next)}
	}
	b.Status = next
	b.Error = reason
	b.UpdatedAt = q.now()
	return nil
}

// RecordTrace appends tr to a researching topic, assigning the next
// job-wide citation id. The numbered trace is returned.
func (q *TopicQueue) RecordTrace(id string, tr ToolTrace) (ToolTrace, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.find(id)
	if b == nil {
		return ToolTrace{}, fmt.Errorf("%w: %s", ErrTopicNotFound, id)
	}
	if b.Status != TopicResearching {
		return ToolTrace{}, fmt.Errorf("record trace on %s topic %s", b.Status, id)
	}
	q.citationSeq++
	tr = tr.clone()
	tr.CitationID = q.citationSeq
	if tr.Timestamp.IsZero() {
		tr.Timestamp = q.now()
	}
	b.ToolTraces = append(b.ToolTraces, tr)
	b.UpdatedAt = q.now()
	return tr.clone(), nil
}

// AppendNote appends a note to a topic that is not yet terminal.
func (q *TopicQueue) AppendNote(id string, n Note) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, id)
	}
	if b.Status.Terminal() {
		return fmt.Errorf("append note to %s topic %s", b.Status, id)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now()
	}
	n.Citations = append([]int(nil), n.Citations...)
	b.Notes = append(b.Notes, n)
	b.UpdatedAt = q.now()
	return nil
}

// Blocks returns copies of every block in insertion order.
func (q *TopicQueue) Blocks() []TopicBlock {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]TopicBlock, len(q.blocks))
	for i, b := range q.blocks {
		out[i] = b.Clone()
	}
	return out
}

// Traces returns every trace of the job in citation order.
func (q *TopicQueue) Traces() []ToolTrace {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []ToolTrace
	for _, b := range q.blocks {
		for _, t := range b.ToolTraces {
			out = append(out, t.clone())
		}
	}
	return out
}

// Len returns the number of topics.
func (q *TopicQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.blocks)
}

// Cap returns the hard cap (0 when unbounded).
func (q *TopicQueue) Cap() int { return q.maxLength }

// Statistics counts topics by status and traces across all blocks.
func (q *TopicQueue) Statistics() Statistics {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var s Statistics
	s.TotalTopics = len(q.blocks)
	for _, b := range q.blocks {
		switch b.Status {
		case TopicPending:
			s.PendingTopics++
		case TopicResearching:
			s.ResearchingTopics++
		case TopicCompleted:
			s.CompletedTopics++
		case TopicFailed:
			s.FailedTopics++
		}
		s.TotalToolCalls += len(b.ToolTraces)
		for _, t := range b.ToolTraces {
			if !t.OK() {
				s.FailedToolCalls++
			}
		}
	}
	return s
}

func (q *TopicQueue) find(id string) *TopicBlock {
	for _, b := range q.blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

type queueState struct {
	ResearchID      string       `json:"research_id"`
	BlockCounter    int          `json:"block_counter"`
	CitationCounter int          `json:"citation_counter"`
	MaxLength       int          `json:"max_length"`
	Blocks          []TopicBlock `json:"blocks"`
	Statistics      Statistics   `json:"statistics"`
	SavedAt         time.Time    `json:"saved_at"`
}

// MarshalJSON serializes the full queue state for checkpoints.
func (q *TopicQueue) MarshalJSON() ([]byte, error) {
	stats := q.Statistics()
	blocks := q.Blocks()
	q.mu.RLock()
	st := queueState{
		ResearchID:      q.researchID,
		BlockCounter:    q.counter,
		CitationCounter: q.citationSeq,
		MaxLength:       q.maxLength,
		Blocks:          blocks,
		Statistics:      stats,
		SavedAt:         q.now().UTC(),
	}
	q.mu.RUnlock()
	return json.Marshal(st)
}

// LoadTopicQueue restores a queue saved with MarshalJSON.
func LoadTopicQueue(data []byte) (*TopicQueue, error) {
	var st queueState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode topic queue: %w", err)
	}
	q := NewTopicQueue(st.ResearchID, st.MaxLength)
	q.counter = st.BlockCounter
	q.citationSeq = st.CitationCounter
	for i := range st.Blocks {
		b := st.Blocks[i]
		key := NormalizeTopic(b.Topic)
		if _, dup := q.index[key]; dup || key == "" {
			return nil, fmt.Errorf("decode topic queue: duplicate or empty topic %q", b.Topic)
		}
		q.index[key] = len(q.blocks)
		q.blocks = append(q.blocks, &b)
	}
	return q, nil
}
