// Package jobs is the process-scoped registry of research jobs. It serializes
// mutations per job, fans progress events out to subscribers and optionally
// mirrors them to a Redis stream.
package jobs

import (
	"errors"
	"time"

	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

var (
	ErrNotFound        = errors.New("research job not found")
	ErrAlreadyTerminal = errors.New("research job already terminal")
	ErrDuplicate       = errors.New("research job already exists")
	// ErrSlowSubscriber closes a subscription whose buffer filled up.
	ErrSlowSubscriber = errors.New("subscriber too slow, events dropped")
)

// EventType names a job event on the wire.
type EventType string

const (
	EventUpdate EventType = "update"
	EventFinal  EventType = "final"
)

// Event is one progress notification of a job. Final events carry the full
// job snapshot.
type Event struct {
	ID           string               `json:"event_id"`
	Type         EventType            `json:"type"`
	ResearchID   string               `json:"research_id"`
	Seq          int                  `json:"seq"`
	Status       research.Status      `json:"status"`
	CurrentStage research.Stage       `json:"current_stage,omitempty"`
	Progress     research.Progress    `json:"progress"`
	Statistics   *research.Statistics `json:"statistics,omitempty"`
	Job          *research.Job        `json:"job,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}
