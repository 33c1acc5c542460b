// Package pipeline runs research jobs through the stage agents and drives
// the job state machine in the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kataras/golog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mohammad-safakhou/stockresearch/config"
	"github.com/mohammad-safakhou/stockresearch/internal/agents"
	"github.com/mohammad-safakhou/stockresearch/internal/budget"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/telemetry"
)

// Store is the part of *jobs.Store the orchestrator writes through.
type Store interface {
	Get(id string) (research.Job, error)
	Update(id string, fn func(*research.Job) error) (research.Job, error)
	CancelRequested(id string) bool
}

// Agents bundles the stage agents. A nil Manager disables coverage reviews.
type Agents struct {
	Rephraser  *agents.Rephraser
	Decomposer *agents.Decomposer
	Researcher *agents.Researcher
	NoteTaker  *agents.NoteTaker
	Reporter   *agents.Reporter
	Manager    *agents.Manager
}

// Config holds the per-job limits.
type Config struct {
	MaxIterations        int
	MaxToolCallsPerTopic int
	MaxGapTopics         int
	MaxDuration          time.Duration
	MaxConcurrentJobs    int
}

// ConfigFrom maps the research section of the service configuration.
func ConfigFrom(c config.ResearchConfig) Config {
	return Config{
		MaxIterations:        c.MaxIterations,
		MaxToolCallsPerTopic: c.MaxToolCallsPerTopic,
		MaxGapTopics:         c.MaxGapTopics,
		MaxDuration:          c.MaxDuration,
		MaxConcurrentJobs:    c.MaxConcurrentJobs,
	}
}

// budgetFor derives the budget of one job.
func (c Config) budgetFor(job research.Job) budget.Config {
	b := budget.Config{
		MaxTopics:            budget.Int(job.MaxTopics),
		MaxToolCallsPerTopic: budget.Int(c.MaxToolCallsPerTopic),
		MaxGapTopics:         budget.Int(c.MaxGapTopics),
	}
	if c.MaxIterations > 0 {
		b.MaxIterations = budget.Int(c.MaxIterations)
	}
	if c.MaxDuration > 0 {
		b.MaxTimeSeconds = budget.Int64(int64(c.MaxDuration / time.Second))
	}
	return b
}

// errCancelled unwinds a run once the cancel flag is observed.
var errCancelled = errors.New("cancelled")

// Orchestrator is safe for concurrent use; every job runs on its own goroutine.
type Orchestrator struct {
	store       Store
	agents      Agents
	cfg         Config
	checkpoints research.Checkpointer
	slots       *semaphore.Weighted
	logger      *golog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
	wg          sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(l *golog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithCheckpointer(cp research.Checkpointer) Option {
	return func(o *Orchestrator) { o.checkpoints = cp }
}

func New(store Store, a Agents, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.MaxToolCallsPerTopic < 0 {
		cfg.MaxToolCallsPerTopic = 0
	}
	o := &Orchestrator{
		store:       store,
		agents:      a,
		cfg:         cfg,
		checkpoints: research.NoopCheckpointer{},
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		logger:      logging.Discard(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit runs the job in the background. ctx bounds in-flight model and tool
// calls; cancelling a job only sets its flag and is observed between stages.
func (o *Orchestrator) Submit(ctx context.Context, id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(ctx, id); err != nil {
			o.logger.Errorf("job %s: %v", id, err)
		}
	}()
}

// Wait blocks until every submitted job returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// run is the mutable state of one job execution.
type run struct {
	id      string
	job     research.Job
	queue   *research.TopicQueue
	monitor *budget.Monitor
	started time.Time
	result  *research.Result
	resumed bool
}

// Run executes the job to a terminal state and returns the final snapshot.
// The returned error is reserved for store failures; job failures are
// recorded on the job itself.
func (o *Orchestrator) Run(ctx context.Context, id string) (research.Job, error) {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return research.Job{}, fmt.Errorf("wait for job slot: %w", err)
	}
	defer o.slots.Release(1)

	job, err := o.store.Get(id)
	if err != nil {
		return research.Job{}, err
	}
	if job.Status != research.StatusPending || o.store.CancelRequested(id) {
		o.logger.Debugf("job %s is %s, not starting", id, job.Status)
		return job, nil
	}
	job, err = o.store.Update(id, func(j *research.Job) error {
		now := o.now()
		if err := j.Transition(research.StatusRunning, now); err != nil {
			return err
		}
		j.Progress = research.Progress{Event: "started", Label: research.Stage("").Label(), UpdatedAt: now}
		return nil
	})
	if err != nil {
		// lost the race against a cancel of the pending job
		o.logger.Debugf("job %s not started: %v", id, err)
		return o.store.Get(id)
	}

	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "research.job", trace.WithAttributes(
		attribute.String("research.id", id),
		attribute.Int("research.max_topics", job.MaxTopics),
	))
	r := &run{
		id:      id,
		job:     job,
		monitor: budget.NewMonitor(o.cfg.budgetFor(job)),
		started: o.now(),
	}
	r.queue = research.NewTopicQueue(id, o.cfg.budgetFor(job).QueueCapacity())
	o.restore(ctx, r)
	o.metrics.JobStarted()
	o.logger.Infof("job %s started: %q", id, job.Topic)

	err = o.execute(ctx, r)
	final, ferr := o.finish(r, err)
	telemetry.EndSpan(span, err)
	return final, ferr
}

// execute walks the stages in order. It returns nil on completion,
// errCancelled when the flag was observed and the stage error otherwise.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if err := o.rephrase(ctx, r); err != nil {
		return err
	}
	if !r.resumed {
		if err := o.decompose(ctx, r); err != nil {
			return err
		}
	}
	if err := o.researchLoop(ctx, r); err != nil {
		return err
	}
	return o.report(ctx, r)
}

// finish records the terminal state of the run.
func (o *Orchestrator) finish(r *run, runErr error) (research.Job, error) {
	elapsed := o.now().Sub(r.started)
	var status research.Status
	switch {
	case runErr == nil:
		status = research.StatusCompleted
	case errors.Is(runErr, errCancelled):
		status = research.StatusCancelled
	default:
		status = research.StatusFailed
	}
	job, err := o.store.Update(r.id, func(j *research.Job) error {
		now := o.now()
		j.Topics = r.queue.Blocks()
		switch status {
		case research.StatusCompleted:
			j.Progress = research.Progress{Event: "completed", Label: "Completed", UpdatedAt: now}
		case research.StatusCancelled:
			j.Progress = research.Progress{Stage: j.CurrentStage, Event: "cancelled", Label: "Cancelled", UpdatedAt: now}
		default:
			j.Error = runErr.Error()
			j.Progress = research.Progress{Stage: j.CurrentStage, Event: "failed", Label: "Failed", UpdatedAt: now}
			if partial := o.partialResult(r, j.OutputFormat, elapsed); partial != nil {
				j.Result = partial
			}
		}
		if status == research.StatusCompleted {
			j.Result = r.result
		}
		return j.Transition(status, now)
	})
	if err != nil {
		return job, fmt.Errorf("record %s: %w", status, err)
	}
	o.metrics.JobFinished(string(status), true)
	switch status {
	case research.StatusFailed:
		o.logger.Errorf("job %s failed after %s: %v", r.id, elapsed.Round(time.Millisecond), runErr)
	default:
		o.logger.Infof("job %s %s in %s", r.id, status, elapsed.Round(time.Millisecond))
	}
	return job, nil
}

// partialResult keeps notes gathered before a failure. Nothing is returned
// when no topic produced notes.
func (o *Orchestrator) partialResult(r *run, format string, elapsed time.Duration) *research.Result {
	notes := topicNotes(r.queue.Blocks())
	if len(notes) == 0 {
		return nil
	}
	return &research.Result{
		Format:     format,
		Citations:  []research.Citation{},
		Statistics: o.statistics(r, elapsed),
		Notes:      notes,
		Partial:    true,
	}
}

func (o *Orchestrator) statistics(r *run, elapsed time.Duration) research.Statistics {
	stats := r.queue.Statistics()
	stats.Iterations, _, _ = r.monitor.Usage()
	stats.DurationSeconds = elapsed.Round(time.Millisecond).Seconds()
	return stats
}

func topicNotes(blocks []research.TopicBlock) []research.TopicNote {
	var out []research.TopicNote
	for _, b := range blocks {
		if len(b.Notes) == 0 {
			continue
		}
		out = append(out, research.TopicNote{BlockID: b.ID, Topic: b.Topic, Status: b.Status, Notes: b.Notes})
	}
	return out
}

// enter checks the cancel flag and publishes the start of a stage.
func (o *Orchestrator) enter(r *run, stage research.Stage, details map[string]any) error {
	if o.store.CancelRequested(r.id) {
		o.logger.Infof("job %s: cancellation observed before %s", r.id, stage)
		return errCancelled
	}
	o.logger.Infof("job %s: %s", r.id, stage.Label())
	return o.progress(r, stage, "stage_started", details)
}

// progress publishes an event and the current topic snapshot.
func (o *Orchestrator) progress(r *run, stage research.Stage, event string, details map[string]any) error {
	job, err := o.store.Update(r.id, func(j *research.Job) error {
		j.CurrentStage = stage
		j.Progress = research.Progress{Stage: stage, Event: event, Label: stage.Label(), Details: details, UpdatedAt: o.now()}
		if r.queue.Len() > 0 {
			j.Topics = r.queue.Blocks()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	r.job = job
	return nil
}

// restore swaps in a queue checkpointed by an earlier run of the same id.
// Blocks that were mid-research when that run stopped are failed as
// interrupted; pending ones are researched as usual.
func (o *Orchestrator) restore(ctx context.Context, r *run) {
	q, err := research.LoadQueue(ctx, o.checkpoints, r.id)
	if err != nil {
		if !errors.Is(err, research.ErrNoCheckpoint) {
			o.logger.Warnf("job %s: ignoring checkpoint: %v", r.id, err)
		}
		return
	}
	if q.Len() == 0 {
		return
	}
	for _, b := range q.Blocks() {
		if b.Status != research.TopicResearching {
			continue
		}
		if err := q.Fail(b.ID, "interrupted"); err != nil {
			o.logger.Warnf("job %s: ignoring checkpoint: %v", r.id, err)
			return
		}
	}
	r.queue = q
	r.resumed = true
	stats := q.Statistics()
	o.logger.Infof("job %s: resumed from checkpoint with %d topics, %d pending", r.id, stats.TotalTopics, stats.PendingTopics)
}

// checkpoint saves the queue; failures are logged only.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) {
	if err := research.SaveQueue(ctx, o.checkpoints, r.queue); err != nil {
		o.logger.Warnf("job %s: checkpoint: %v", r.id, err)
	}
}

// timed runs fn inside a stage span and records its duration.
func (o *Orchestrator) timed(ctx context.Context, stage research.Stage, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "research.stage."+string(stage))
	start := time.Now()
	err := fn(ctx)
	o.metrics.ObserveStage(string(stage), time.Since(start))
	telemetry.EndSpan(span, err)
	return err
}
