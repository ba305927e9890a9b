package regeneration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinicboard/reportpipe/internal/artifactcache"
	"github.com/clinicboard/reportpipe/internal/domain"
	"github.com/clinicboard/reportpipe/internal/logging"
	"github.com/clinicboard/reportpipe/internal/reporting"
	"github.com/clinicboard/reportpipe/internal/scheduler"
)

// Bucket is the scheduler rate-limit bucket regeneration jobs run under.
const Bucket = "report-regeneration"

const DefaultMaxAttempts = 3

type Trigger string

const (
	TriggerSurveyResponse      Trigger = "survey_response"
	TriggerAssessmentCompleted Trigger = "assessment_completed"
	TriggerManual              Trigger = "manual"
)

// Generator produces fresh report content for a subject. Implementations
// handle their own data access; ErrAssessmentNotFound propagates unchanged.
type Generator interface {
	Generate(ctx context.Context, subjectID string, reportType domain.ReportType) (domain.ReportContent, error)
}

// Sink receives regenerated reports for fan-out to interested observers.
type Sink interface {
	PublishUpdate(update domain.ReportUpdate) int
}

type regenState struct {
	task       *scheduler.Task
	trigger    Trigger
	priority   scheduler.Priority
	reportType domain.ReportType
	practiceID string
	startedAt  time.Time

	// written by the job before the task resolves; readable after Wait
	result domain.ReportContent
}

// Orchestrator classifies change events, deduplicates regeneration requests
// per subject, invalidates stale cache entries, and submits jobs to the
// scheduler. At most one regeneration is in flight per subject at a time.
type Orchestrator struct {
	mu      sync.Mutex
	pending map[string]*regenState

	cache     *artifactcache.Cache
	sched     *scheduler.Scheduler
	generator Generator
	sink      Sink

	baseCtx       context.Context
	nowFunc       func() time.Time
	eventPriority scheduler.Priority
	maxAttempts   int
}

func New(
	ctx context.Context,
	cache *artifactcache.Cache,
	sched *scheduler.Scheduler,
	generator Generator,
	sink Sink,
	nowFunc func() time.Time,
) *Orchestrator {
	return &Orchestrator{
		pending:       make(map[string]*regenState),
		cache:         cache,
		sched:         sched,
		generator:     generator,
		sink:          sink,
		baseCtx:       ctx,
		nowFunc:       nowFunc,
		eventPriority: scheduler.PriorityMedium,
		maxAttempts:   DefaultMaxAttempts,
	}
}

// SetEventPriority overrides the priority used for survey-response triggers.
func (o *Orchestrator) SetEventPriority(p scheduler.Priority) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eventPriority = p
}

// HandleChange reacts to an upstream change notification. It never returns an
// error: event-triggered failures are logged and reported, not propagated
// into the event source.
func (o *Orchestrator) HandleChange(ctx context.Context, event domain.ChangeEvent) {
	logger := logging.FromContext(ctx)

	switch ev := event.(type) {
	case domain.SurveyResponseChanged:
		o.mu.Lock()
		priority := o.eventPriority
		o.mu.Unlock()
		o.trigger(ctx, ev.AssessmentID, "", domain.ReportTypeStandard, TriggerSurveyResponse, priority)
	case domain.AssessmentChanged:
		if ev.Completed() {
			o.trigger(ctx, ev.AssessmentID, ev.PracticeID, domain.ReportTypeStandard, TriggerAssessmentCompleted, scheduler.PriorityHigh)
			return
		}
		// Any other assessment change leaves derived artifacts stale
		removed := o.cache.Invalidate(ev.AssessmentID)
		logger.Info("Invalidated artifacts for changed assessment",
			"assessmentId", ev.AssessmentID,
			"removed", removed,
		)
	case domain.ReportChanged:
		// The report row is the regeneration output; an external write only
		// invalidates what we have cached for the subject.
		removed := o.cache.Invalidate(ev.AssessmentID)
		logger.Info("Invalidated artifacts for changed report",
			"assessmentId", ev.AssessmentID,
			"removed", removed,
		)
	default:
		logger.Error("Unknown change event", "event", fmt.Sprintf("%T", event))
	}
}

// ForceRegeneration synchronously regenerates the subject's report and
// returns the fresh content. It always invalidates cached artifacts first; if
// a regeneration is already in flight it merges with it instead of starting a
// second one.
func (o *Orchestrator) ForceRegeneration(ctx context.Context, subjectID string, reportType domain.ReportType) (domain.ReportContent, error) {
	if reportType == "" {
		reportType = domain.ReportTypeStandard
	}

	o.cache.Invalidate(subjectID)

	state := o.trigger(ctx, subjectID, "", reportType, TriggerManual, scheduler.PriorityHigh)

	if err := state.task.Wait(ctx); err != nil {
		return domain.ReportContent{}, fmt.Errorf("force regeneration of %s: %w", subjectID, err)
	}
	return state.result, nil
}

// HasPending reports whether a regeneration for the subject has been accepted
// but not yet completed.
func (o *Orchestrator) HasPending(subjectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[subjectID]
	return ok
}

func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// trigger submits a regeneration job for the subject unless one is already
// pending or in flight, in which case the event is absorbed and the existing
// job's priority is raised if the new trigger outranks it.
func (o *Orchestrator) trigger(
	ctx context.Context,
	subjectID string,
	practiceID string,
	reportType domain.ReportType,
	trig Trigger,
	priority scheduler.Priority,
) *regenState {
	logger := logging.FromContext(ctx)

	o.mu.Lock()

	if state, ok := o.pending[subjectID]; ok {
		if priority > state.priority && o.sched.Elevate(state.task, priority) {
			state.priority = priority
			logger.Info("Escalated pending regeneration",
				"subjectId", subjectID,
				"trigger", string(trig),
				"priority", priority.String(),
			)
		} else {
			logger.Info("Absorbed duplicate regeneration trigger",
				"subjectId", subjectID,
				"trigger", string(trig),
			)
		}
		o.mu.Unlock()
		return state
	}

	// Force fresh computation downstream
	o.cache.Invalidate(subjectID)

	state := &regenState{
		trigger:    trig,
		priority:   priority,
		reportType: reportType,
		practiceID: practiceID,
		startedAt:  o.nowFunc(),
	}

	state.task = o.sched.Submit(scheduler.Job{
		Name:        fmt.Sprintf("regenerate:%s", subjectID),
		Bucket:      Bucket,
		Priority:    priority,
		MaxAttempts: o.maxAttempts,
		Run: func(ctx context.Context) error {
			content, err := o.generator.Generate(ctx, subjectID, reportType)
			if err != nil {
				return err
			}
			state.result = content
			return nil
		},
	})
	o.pending[subjectID] = state
	o.mu.Unlock()

	logger.Info("Submitted regeneration job",
		"subjectId", subjectID,
		"trigger", string(trig),
		"priority", priority.String(),
	)

	go o.finalize(subjectID, state)

	return state
}

// finalize clears the in-flight marker once the job resolves, caches the
// fresh content, and forwards it to the delivery sink. Background failures
// are logged and reported, then explicitly discarded.
func (o *Orchestrator) finalize(subjectID string, state *regenState) {
	err := state.task.Wait(o.baseCtx)

	o.mu.Lock()
	delete(o.pending, subjectID)
	o.mu.Unlock()

	logger := logging.FromContext(o.baseCtx)

	if err != nil {
		logger.Error("Regeneration failed",
			"subjectId", subjectID,
			"trigger", string(state.trigger),
			"attempts", state.task.Attempts(),
			"error", err.Error(),
		)
		if state.trigger != TriggerManual {
			// Manual callers get the error from their own Wait
			reporting.Report(o.baseCtx, fmt.Errorf("%w: %s: %w", domain.ErrRegenerationFailed, subjectID, err))
		}
		return
	}

	o.cache.Set(artifactcache.NamespaceReport, subjectID, state.result, string(state.reportType))

	reached := o.sink.PublishUpdate(domain.ReportUpdate{
		SubjectID:   subjectID,
		PracticeID:  state.practiceID,
		Trigger:     string(state.trigger),
		Content:     state.result,
		GeneratedAt: o.nowFunc(),
	})

	logger.Info("Regeneration complete",
		"subjectId", subjectID,
		"trigger", string(state.trigger),
		"durationSeconds", o.nowFunc().Sub(state.startedAt).Seconds(),
		"subscribersReached", reached,
	)
}
