package research

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTopic    = errors.New("topic is empty")
	ErrQueueFull     = errors.New("topic queue is full")
	ErrTopicNotFound = errors.New("topic not found")
)

// ErrInvalidTransition is returned when a status would move backwards or skip a state.
type ErrInvalidTransition struct {
	Kind string // job or topic
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}
