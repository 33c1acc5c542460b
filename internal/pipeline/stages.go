package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/stockresearch/internal/agents"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

const stageManager research.Stage = "manager"

// topicOf is the framing later stages work from.
func topicOf(j research.Job) string {
	if j.RephrasedTopic != "" {
		return j.RephrasedTopic
	}
	return j.Topic
}

func (o *Orchestrator) rephrase(ctx context.Context, r *run) error {
	if r.job.SkipRephrase {
		return o.frame(r, agents.Rephrased{Topic: r.job.Topic, Symbols: r.job.Symbols})
	}
	if err := o.enter(r, research.StageRephrase, nil); err != nil {
		return err
	}
	var out agents.Rephrased
	err := o.timed(ctx, research.StageRephrase, func(ctx context.Context) error {
		var err error
		out, err = o.agents.Rephraser.Rephrase(ctx, agents.RephraseInput{
			Topic:    r.job.Topic,
			Symbols:  r.job.Symbols,
			Market:   string(r.job.Market),
			Context:  r.job.Context,
			Language: r.job.Language,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("rephrase: %w", err)
	}
	return o.frame(r, out)
}

// frame stores the normalized topic. Symbols given by the client win over
// inferred ones.
func (o *Orchestrator) frame(r *run, f agents.Rephrased) error {
	job, err := o.store.Update(r.id, func(j *research.Job) error {
		j.RephrasedTopic = f.Topic
		j.ResearchObjective = f.Objective
		j.KeyQuestions = f.KeyQuestions
		if len(j.Symbols) == 0 {
			j.Symbols = research.NormalizeSymbols(f.Symbols)
		}
		j.Progress = research.Progress{
			Stage:     research.StageRephrase,
			Event:     "rephrased",
			Label:     research.StageRephrase.Label(),
			Details:   map[string]any{"rephrased_topic": f.Topic, "fallback": f.Fallback, "skipped": j.SkipRephrase},
			UpdatedAt: o.now(),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store rephrased topic: %w", err)
	}
	r.job = job
	return nil
}

func (o *Orchestrator) toolNames() []string {
	defs := o.agents.Researcher.Tools.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func (o *Orchestrator) decompose(ctx context.Context, r *run) error {
	if err := o.enter(r, research.StageDecompose, nil); err != nil {
		return err
	}
	var (
		subs     []agents.SubTopic
		fallback bool
	)
	err := o.timed(ctx, research.StageDecompose, func(ctx context.Context) error {
		var err error
		subs, fallback, err = o.agents.Decomposer.Decompose(ctx, agents.DecomposeInput{
			Topic:        topicOf(r.job),
			Objective:    r.job.ResearchObjective,
			KeyQuestions: r.job.KeyQuestions,
			Symbols:      r.job.Symbols,
			Market:       string(r.job.Market),
			MaxTopics:    r.job.MaxTopics,
			Tools:        o.toolNames(),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("decompose: %w", err)
	}
	source := research.SourceDecompose
	if fallback {
		source = research.SourceFallback
	}
	for _, st := range subs {
		if _, _, err := r.queue.Add(st.Title, st.Overview, source, st.Priority); err != nil {
			if errors.Is(err, research.ErrQueueFull) {
				break
			}
			o.logger.Warnf("job %s: skipping sub-topic %q: %v", r.id, st.Title, err)
		}
	}
	if r.queue.Len() == 0 {
		fallback = true
		if _, _, err := r.queue.Add(topicOf(r.job), r.job.ResearchObjective, research.SourceFallback, 1); err != nil {
			return fmt.Errorf("seed topic queue: %w", err)
		}
	}
	o.checkpoint(ctx, r)
	return o.progress(r, research.StageDecompose, "decomposed", map[string]any{"topics": r.queue.Len(), "fallback": fallback})
}

// researchLoop researches one pending topic per iteration until none is
// left, a budget is spent or the manager asks for the report.
func (o *Orchestrator) researchLoop(ctx context.Context, r *run) error {
	for {
		if o.store.CancelRequested(r.id) {
			o.logger.Infof("job %s: cancellation observed between topics", r.id)
			return errCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.monitor.CanIterate(); err != nil {
			o.logger.Warnf("job %s: %v, moving to report", r.id, err)
			return nil
		}
		if err := r.monitor.CheckTime(); err != nil {
			o.logger.Warnf("job %s: %v, moving to report", r.id, err)
			return nil
		}
		block, ok := r.queue.NextPending()
		if !ok {
			return nil
		}
		calls, err := o.researchTopic(ctx, r, block)
		r.monitor.AddIteration(calls)
		o.checkpoint(ctx, r)
		if err != nil {
			return err
		}
		if o.agents.Manager != nil && o.review(ctx, r) {
			return nil
		}
	}
}

// researchTopic moves block from pending to a terminal status. The error is
// reserved for cancellation, shutdown and store failures.
func (o *Orchestrator) researchTopic(ctx context.Context, r *run, block research.TopicBlock) (int, error) {
	if err := r.queue.Start(block.ID); err != nil {
		return 0, err
	}
	iteration, _, _ := r.monitor.Usage()
	if err := o.progress(r, research.StageResearch, "topic_started", map[string]any{
		"block_id":     block.ID,
		"topic":        block.Topic,
		"iteration":    iteration + 1,
		"total_topics": r.queue.Len(),
	}); err != nil {
		return 0, err
	}

	record := func(out tools.Outcome) (research.ToolTrace, error) {
		tr, err := r.queue.RecordTrace(block.ID, research.TraceFromOutcome(out, o.now()))
		if err != nil {
			return tr, err
		}
		if !tr.OK() {
			o.logger.Warnf("job %s: [%d] %s failed: %s", r.id, tr.CitationID, tr.ToolType, tr.Error.Message)
		}
		if err := o.progress(r, research.StageResearch, "tool_called", map[string]any{
			"block_id":    block.ID,
			"tool":        string(tr.ToolType),
			"citation_id": tr.CitationID,
			"ok":          tr.OK(),
		}); err != nil {
			o.logger.Warnf("job %s: %v", r.id, err)
		}
		return tr, nil
	}

	var findings agents.Findings
	err := o.timed(ctx, research.StageResearch, func(ctx context.Context) error {
		var err error
		findings, err = o.agents.Researcher.Research(ctx, agents.ResearchInput{
			MainTopic:    topicOf(r.job),
			Block:        block,
			Symbols:      r.job.Symbols,
			Market:       string(r.job.Market),
			Language:     r.job.Language,
			MaxToolCalls: r.monitor.ToolCallLimit(),
		}, record)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = o.failTopic(r, block.ID, "interrupted")
			return findings.ToolCalls, ctx.Err()
		}
		o.logger.Warnf("job %s: research of %q failed: %v", r.id, block.Topic, err)
		return findings.ToolCalls, o.failTopic(r, block.ID, fmt.Sprintf("research: %v", err))
	}

	current, _ := r.queue.Get(block.ID)
	if findings.Answer == "" && current.SuccessfulCalls() == 0 {
		return findings.ToolCalls, o.failTopic(r, block.ID, "no usable findings")
	}

	if o.store.CancelRequested(r.id) {
		// the research itself finished; keep it without spending a notes call
		if err := o.completeTopic(r, block.ID, answerNote(current, findings.Answer), findings.ToolCalls); err != nil {
			return findings.ToolCalls, err
		}
		return findings.ToolCalls, errCancelled
	}
	if err := o.progress(r, research.StageNotes, "stage_started", map[string]any{"block_id": block.ID}); err != nil {
		return findings.ToolCalls, err
	}
	var note research.Note
	err = o.timed(ctx, research.StageNotes, func(ctx context.Context) error {
		var err error
		note, err = o.agents.NoteTaker.Take(ctx, agents.NoteInput{Block: current, Answer: findings.Answer, Language: r.job.Language})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = o.failTopic(r, block.ID, "interrupted")
			return findings.ToolCalls, ctx.Err()
		}
		o.logger.Warnf("job %s: notes for %q failed, keeping the research answer: %v", r.id, block.Topic, err)
		note = answerNote(current, findings.Answer)
	}
	return findings.ToolCalls, o.completeTopic(r, block.ID, note, findings.ToolCalls)
}

// completeTopic appends note, unless it is empty, and marks the block completed.
func (o *Orchestrator) completeTopic(r *run, blockID string, note research.Note, toolCalls int) error {
	if note.Summary != "" || len(note.KeyInsights) > 0 {
		if err := r.queue.AppendNote(blockID, note); err != nil {
			return err
		}
	}
	if err := r.queue.Complete(blockID); err != nil {
		return err
	}
	o.metrics.TopicFinished(string(research.TopicCompleted))
	return o.progress(r, research.StageNotes, "topic_completed", map[string]any{
		"block_id":   blockID,
		"tool_calls": toolCalls,
		"citations":  note.Citations,
	})
}

// answerNote keeps the research answer when the note agent failed.
func answerNote(b research.TopicBlock, answer string) research.Note {
	summary := agents.FilterMarkers(answer, b.CitationIDs(true))
	return research.Note{Summary: summary, Citations: agents.Markers(summary)}
}

func (o *Orchestrator) failTopic(r *run, blockID, reason string) error {
	if err := r.queue.Fail(blockID, reason); err != nil {
		return err
	}
	o.metrics.TopicFinished(string(research.TopicFailed))
	return o.progress(r, research.StageResearch, "topic_failed", map[string]any{"block_id": blockID, "error": reason})
}

// review asks the manager whether coverage suffices and appends the gap
// topics it proposes. Manager failures are logged and ignored.
func (o *Orchestrator) review(ctx context.Context, r *run) bool {
	iteration, _, _ := r.monitor.Usage()
	var d agents.Decision
	err := o.timed(ctx, stageManager, func(ctx context.Context) error {
		var err error
		d, err = o.agents.Manager.Evaluate(ctx, agents.ManagerInput{
			Topic:     topicOf(r.job),
			Iteration: iteration,
			Blocks:    r.queue.Blocks(),
			MaxGaps:   r.monitor.GapTopicLimit(),
		})
		return err
	})
	if err != nil {
		o.logger.Warnf("job %s: manager review failed: %v", r.id, err)
		return false
	}
	added := 0
	for _, g := range d.Gaps {
		_, ok, err := r.queue.Add(g.Title, g.Overview, research.SourceGap, g.Priority)
		if errors.Is(err, research.ErrQueueFull) {
			break
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		o.logger.Infof("job %s: manager added %d gap topic(s)", r.id, added)
		if err := o.progress(r, research.StageResearch, "gaps_added", map[string]any{"added": added, "reasoning": d.Reasoning}); err != nil {
			o.logger.Warnf("job %s: %v", r.id, err)
		}
	}
	if d.ReadyForReport {
		o.logger.Infof("job %s: manager judged coverage sufficient: %s", r.id, d.Reasoning)
	}
	return d.ReadyForReport
}

func (o *Orchestrator) report(ctx context.Context, r *run) error {
	if err := o.enter(r, research.StageReport, nil); err != nil {
		return err
	}
	blocks := r.queue.Blocks()
	stats := o.statistics(r, o.now().Sub(r.started))
	var rep agents.Report
	err := o.timed(ctx, research.StageReport, func(ctx context.Context) error {
		var err error
		rep, err = o.agents.Reporter.Write(ctx, agents.ReportInput{
			Topic:     topicOf(r.job),
			Objective: r.job.ResearchObjective,
			Symbols:   r.job.Symbols,
			Market:    string(r.job.Market),
			Language:  r.job.Language,
			Blocks:    blocks,
			Stats:     stats,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	result := &research.Result{
		Report:     rep.Markdown,
		Format:     r.job.OutputFormat,
		Citations:  rep.Citations,
		Statistics: stats,
		Notes:      topicNotes(blocks),
	}
	if result.Format != research.FormatMarkdown {
		if result.Rendered, err = agents.Render(result.Format, rep.Markdown, rep.Citations, stats); err != nil {
			return fmt.Errorf("render report: %w", err)
		}
	}
	r.result = result
	return nil
}
