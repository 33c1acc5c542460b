package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kataras/golog"

	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/telemetry"
)

// EventSink receives a copy of every event. Failures are logged, never
// propagated to the job.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type Options struct {
	// SubscriberBuffer bounds each subscription channel.
	SubscriberBuffer int
	// MaxJobs caps retained jobs; the oldest terminal jobs are evicted first.
	MaxJobs int
	Sink    EventSink
	Logger  *golog.Logger
	Metrics *telemetry.Metrics
}

// Store is safe for concurrent use. Mutations of one job are serialized by
// that job's entry lock; distinct jobs never contend beyond the map lookup.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bufSize int
	maxJobs int
	sink    EventSink
	logger  *golog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string

	// events headed for the sink; drained by mirrorLoop
	mirrorMu     sync.RWMutex
	mirror       chan Event
	mirrorClosed bool
	mirrorDone   chan struct{}
}

const (
	mirrorBuffer  = 1024
	mirrorTimeout = 2 * time.Second
)

type entry struct {
	mu        sync.Mutex
	job       research.Job
	cancelled bool
	seq       int
	subs      map[*Subscription]struct{}
}

func NewStore(opts Options) *Store {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 100
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Store{
		entries: make(map[string]*entry),
		bufSize: opts.SubscriberBuffer,
		maxJobs: opts.MaxJobs,
		sink:    opts.Sink,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return "res_" + uuid.NewString() },
	}
	if s.sink != nil {
		s.mirror = make(chan Event, mirrorBuffer)
		s.mirrorDone = make(chan struct{})
		go s.mirrorLoop()
	}
	return s
}

// Close drains pending events into the sink and stops mirroring. The store
// itself stays usable. Safe to call more than once.
func (s *Store) Close() {
	if s.mirror == nil {
		return
	}
	s.mirrorMu.Lock()
	if !s.mirrorClosed {
		s.mirrorClosed = true
		close(s.mirror)
	}
	s.mirrorMu.Unlock()
	<-s.mirrorDone
}

// mirrorLoop hands events to the sink in publish order, off the job locks.
func (s *Store) mirrorLoop() {
	defer close(s.mirrorDone)
	for ev := range s.mirror {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := s.sink.Publish(ctx, ev); err != nil {
			s.logger.Warnf("job %s: mirror event: %v", ev.ResearchID, err)
		}
		cancel()
	}
}

// enqueueMirror never blocks; a full backlog drops the event.
func (s *Store) enqueueMirror(ev Event) {
	if s.mirror == nil {
		return
	}
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	if s.mirrorClosed {
		return
	}
	select {
	case s.mirror <- ev:
	default:
		s.logger.Warnf("job %s: mirror backlog full, dropping event %d", ev.ResearchID, ev.Seq)
	}
}

func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Create registers a pending job for a normalized request.
func (s *Store) Create(req research.Request) (research.Job, error) {
	return s.CreateWithID(s.newID(), req)
}

// CreateWithID registers a pending job under a caller-chosen id. Resuming a
// checkpointed run reuses the id the checkpoint was saved under.
func (s *Store) CreateWithID(id string, req research.Request) (research.Job, error) {
	if id == "" {
		return research.Job{}, fmt.Errorf("create job: empty research id")
	}
	job := research.NewJob(id, req, s.now())
	s.mu.Lock()
	if _, ok := s.entries[job.ID]; ok {
		s.mu.Unlock()
		return research.Job{}, fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	s.entries[job.ID] = &entry{job: job, subs: map[*Subscription]struct{}{}}
	s.evictLocked()
	s.mu.Unlock()
	s.logger.Infof("job %s created: %q", job.ID, job.Topic)
	return job.Clone(), nil
}

// evictLocked drops the oldest terminal jobs while over capacity.
func (s *Store) evictLocked() {
	if s.maxJobs <= 0 || len(s.entries) <= s.maxJobs {
		return
	}
	type candidate struct {
		id string
		at time.Time
	}
	var terminal []candidate
	for id, e := range s.entries {
		e.mu.Lock()
		if e.job.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, at: e.job.CreatedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })
	for _, c := range terminal {
		if len(s.entries) <= s.maxJobs {
			return
		}
		delete(s.entries, c.id)
		s.logger.Debugf("job %s evicted", c.id)
	}
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (research.Job, error) {
	e := s.entry(id)
	if e == nil {
		return research.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns up to limit job snapshots, newest first. limit <= 0 means all.
func (s *Store) List(limit int) []research.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]research.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel requests cooperative cancellation. A pending job is cancelled at
// once; a running job keeps its status until its runner observes the flag.
// Cancelling a terminal job returns its status with ErrAlreadyTerminal.
func (s *Store) Cancel(id string) (research.Status, error) {
	e := s.entry(id)
	if e == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch st := e.job.Status; {
	case st.Terminal():
		return st, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, st)
	case st == research.StatusPending:
		e.cancelled = true
		now := s.now()
		if err := e.job.Transition(research.StatusCancelled, now); err != nil {
			return st, err
		}
		e.job.Progress = research.Progress{Event: "cancelled", Label: "Cancelled", UpdatedAt: now}
		s.publishLocked(e)
		s.metrics.JobFinished(string(research.StatusCancelled), false)
		s.logger.Infof("job %s cancelled before start", id)
		return research.StatusCancelled, nil
	default:
		if !e.cancelled {
			e.cancelled = true
			s.logger.Infof("job %s cancellation requested", id)
		}
		return st, nil
	}
}

// CancelRequested reports whether Cancel was called for the job.
func (s *Store) CancelRequested(id string) bool {
	e := s.entry(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Update applies fn to the job under its lock and publishes the result. fn
// works on a copy; nothing is stored when it fails. Status changes must
// follow the job state machine and terminal jobs cannot be updated.
func (s *Store) Update(id string, fn func(*research.Job) error) (research.Job, error) {
	e := s.entry(id)
	if e == nil {
		return research.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return e.job.Clone(), fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, e.job.Status)
	}
	next := e.job.Clone()
	if err := fn(&next); err != nil {
		return e.job.Clone(), err
	}
	if next.ID != e.job.ID {
		return e.job.Clone(), fmt.Errorf("update of %s changed the job id", id)
	}
	if next.Status != e.job.Status && !e.job.Status.CanTransition(next.Status) {
		return e.job.Clone(), &research.ErrInvalidTransition{Kind: "job", From: string(e.job.Status), To: string(next.Status)}
	}
	e.job = next
	s.publishLocked(e)
	return e.job.Clone(), nil
}

// Subscribe returns the current snapshot together with a subscription that
// delivers every later event. Both are taken under the job lock so no event
// falls between them. Terminal jobs get an already closed subscription.
func (s *Store) Subscribe(id string) (research.Job, *Subscription, error) {
	e := s.entry(id)
	if e == nil {
		return research.Job{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.job.Clone()
	if snap.Status.Terminal() {
		return snap, closedSubscription(id), nil
	}
	sub := &Subscription{id: id, ch: make(chan Event, s.bufSize), store: s}
	e.subs[sub] = struct{}{}
	return snap, sub, nil
}

// publishLocked emits the event for the job's current state. Caller holds e.mu.
func (s *Store) publishLocked(e *entry) {
	e.seq++
	ev := Event{
		ID:           uuid.NewString(),
		Type:         EventUpdate,
		ResearchID:   e.job.ID,
		Seq:          e.seq,
		Status:       e.job.Status,
		CurrentStage: e.job.CurrentStage,
		Progress:     e.job.Progress,
		Timestamp:    s.now(),
	}
	ev.Progress.Details = cloneMap(e.job.Progress.Details)
	if e.job.Result != nil {
		st := e.job.Result.Statistics
		ev.Statistics = &st
	}
	final := e.job.Status.Terminal()
	if final {
		ev.Type = EventFinal
		snap := e.job.Clone()
		ev.Job = &snap
	}
	for sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warnf("job %s: dropping slow subscriber", e.job.ID)
			s.metrics.SubscriberDropped()
			e.detach(sub, ErrSlowSubscriber)
		}
	}
	if final {
		for sub := range e.subs {
			e.detach(sub, nil)
		}
	}
	s.metrics.EventPublished(string(ev.Type))
	s.enqueueMirror(ev)
}

// detach closes sub once. Caller holds e.mu.
func (e *entry) detach(sub *Subscription, reason error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = reason
	close(sub.ch)
	delete(e.subs, sub)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
