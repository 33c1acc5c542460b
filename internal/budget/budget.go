package budget

import "fmt"

// Config defines the guardrails for one research job. Nil fields are unlimited.
type Config struct {
	MaxTopics            *int
	MaxIterations        *int
	MaxToolCallsPerTopic *int
	MaxGapTopics         *int
	MaxTimeSeconds       *int64
}

// Validate ensures the limits are sane before use.
func (c Config) Validate() error {
	if c.MaxTopics != nil && *c.MaxTopics < 1 {
		return fmt.Errorf("max_topics must be at least 1")
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.MaxToolCallsPerTopic != nil && *c.MaxToolCallsPerTopic < 0 {
		return fmt.Errorf("max_tool_calls_per_topic cannot be negative")
	}
	if c.MaxGapTopics != nil && *c.MaxGapTopics < 0 {
		return fmt.Errorf("max_gap_topics cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	return Config{
		MaxTopics:            cloneInt(c.MaxTopics),
		MaxIterations:        cloneInt(c.MaxIterations),
		MaxToolCallsPerTopic: cloneInt(c.MaxToolCallsPerTopic),
		MaxGapTopics:         cloneInt(c.MaxGapTopics),
		MaxTimeSeconds:       cloneInt64(c.MaxTimeSeconds),
	}
}

// Merge overlays non-nil values from override onto base.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxTopics != nil {
		result.MaxTopics = cloneInt(override.MaxTopics)
	}
	if override.MaxIterations != nil {
		result.MaxIterations = cloneInt(override.MaxIterations)
	}
	if override.MaxToolCallsPerTopic != nil {
		result.MaxToolCallsPerTopic = cloneInt(override.MaxToolCallsPerTopic)
	}
	if override.MaxGapTopics != nil {
		result.MaxGapTopics = cloneInt(override.MaxGapTopics)
	}
	if override.MaxTimeSeconds != nil {
		result.MaxTimeSeconds = cloneInt64(override.MaxTimeSeconds)
	}
	return result
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	return c.MaxTopics == nil && c.MaxIterations == nil && c.MaxToolCallsPerTopic == nil &&
		c.MaxGapTopics == nil && c.MaxTimeSeconds == nil
}

// QueueCapacity is the hard cap on topic blocks for a job: the decomposed
// topics plus every gap topic the manager may append over the run.
func (c Config) QueueCapacity() int {
	topics := intOr(c.MaxTopics, 10)
	gaps := intOr(c.MaxGapTopics, 0)
	iterations := intOr(c.MaxIterations, topics)
	return topics + gaps*iterations
}

// Int is a helper for building configs from literals.
func Int(v int) *int { return &v }

// Int64 is a helper for building configs from literals.
func Int64(v int64) *int64 { return &v }

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
