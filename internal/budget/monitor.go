package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks a job's research iterations and elapsed time against its limits.
type Monitor struct {
	config     Config
	iterations int
	toolCalls  int
	startTime  time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// CanIterate reports whether another research iteration fits under the cap.
// It returns ErrExceeded once the iteration limit has been reached.
func (m *Monitor) CanIterate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxIterations != nil && m.iterations >= *m.config.MaxIterations {
		return ErrExceeded{
			Kind:  "iterations",
			Usage: fmt.Sprintf("%d", m.iterations),
			Limit: fmt.Sprintf("%d", *m.config.MaxIterations),
		}
	}
	return nil
}

// AddIteration records one finished research iteration and its tool calls.
func (m *Monitor) AddIteration(toolCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations++
	m.toolCalls += toolCalls
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.Round(time.Millisecond).String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// ToolCallLimit is the per-topic tool invocation cap (default 5).
func (m *Monitor) ToolCallLimit() int {
	return intOr(m.config.MaxToolCallsPerTopic, 5)
}

// GapTopicLimit is the number of topics the manager may append per iteration.
func (m *Monitor) GapTopicLimit() int {
	return intOr(m.config.MaxGapTopics, 0)
}

// Usage returns the accumulated counters.
func (m *Monitor) Usage() (iterations, toolCalls int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations, m.toolCalls, m.now().Sub(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
