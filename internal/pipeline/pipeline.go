package pipeline

import (
	"context"
	"time"

	"github.com/clinicboard/reportpipe/internal/artifactcache"
	"github.com/clinicboard/reportpipe/internal/delivery"
	"github.com/clinicboard/reportpipe/internal/domain"
	"github.com/clinicboard/reportpipe/internal/logging"
	"github.com/clinicboard/reportpipe/internal/regeneration"
	"github.com/clinicboard/reportpipe/internal/scheduler"
)

// RealtimeOptions configures a realtime subscription for a single subject.
type RealtimeOptions struct {
	// OnUpdate receives each regenerated report. A returned error makes the
	// delivery service retry the flush up to its retry ceiling.
	OnUpdate func(ctx context.Context, update domain.ReportUpdate) error
	// OnError is called for failures on this subscription's background paths.
	// Optional.
	OnError func(err error)
	// Debounce overrides the delivery debounce window when positive.
	Debounce time.Duration
	// AutoRegenerate kicks off a regeneration as soon as the subscription is
	// established, so the subscriber gets a fresh report without waiting for
	// an upstream change.
	AutoRegenerate bool
	// Priority applies to flushes for this subscription. Nil means the
	// delivery default.
	Priority *scheduler.Priority
}

// Status is a point-in-time snapshot across the pipeline's components.
type Status struct {
	ActiveSubscriptions  int
	PendingRegenerations int
	Queue                scheduler.Metrics
	Delivery             delivery.Metrics
	Cache                artifactcache.Stats
}

// Pipeline ties the artifact cache, the regeneration orchestrator and the
// delivery service together behind the programmatic contract the UI layer
// consumes.
type Pipeline struct {
	cache    *artifactcache.Cache
	sched    *scheduler.Scheduler
	delivery *delivery.Service
	orch     *regeneration.Orchestrator

	baseCtx context.Context
}

func New(
	ctx context.Context,
	cache *artifactcache.Cache,
	sched *scheduler.Scheduler,
	deliveryService *delivery.Service,
	generator regeneration.Generator,
	nowFunc func() time.Time,
) *Pipeline {
	p := &Pipeline{
		cache:    cache,
		sched:    sched,
		delivery: deliveryService,
		baseCtx:  ctx,
	}
	p.orch = regeneration.New(ctx, cache, sched, generator, p, nowFunc)
	return p
}

// PublishUpdate fans a regenerated report out to every subscription watching
// its subject. It implements the orchestrator's sink.
func (p *Pipeline) PublishUpdate(update domain.ReportUpdate) int {
	return p.delivery.Broadcast(update, delivery.Filter{SubjectID: update.SubjectID})
}

// HandleChange feeds an upstream change notification into the pipeline.
func (p *Pipeline) HandleChange(ctx context.Context, event domain.ChangeEvent) {
	p.orch.HandleChange(ctx, event)
}

// EnableRealtimeUpdates subscribes the caller to regenerated reports for the
// subject and returns the subscription key for DisableRealtimeUpdates.
func (p *Pipeline) EnableRealtimeUpdates(ctx context.Context, subjectID string, ownerID string, opts RealtimeOptions) string {
	logger := logging.FromContext(ctx)

	callback := func(ctx context.Context, payload any) error {
		switch v := payload.(type) {
		case domain.ReportUpdate:
			return opts.OnUpdate(ctx, v)
		case []any:
			for _, item := range v {
				update, ok := item.(domain.ReportUpdate)
				if !ok {
					continue
				}
				if err := opts.OnUpdate(ctx, update); err != nil {
					return err
				}
			}
			return nil
		default:
			return nil
		}
	}

	subOpts := []delivery.Option{}
	if opts.Debounce > 0 {
		subOpts = append(subOpts, delivery.WithDebounce(opts.Debounce))
	}
	if opts.Priority != nil {
		subOpts = append(subOpts, delivery.WithPriority(*opts.Priority))
	}

	subscriptionKey := p.delivery.Subscribe(ownerID, delivery.Filter{SubjectID: subjectID}, callback, subOpts...)

	logger.Info("Enabled realtime updates",
		"subjectId", subjectID,
		"subscriptionKey", subscriptionKey,
		"autoRegenerate", opts.AutoRegenerate,
	)

	if opts.AutoRegenerate {
		go func() {
			_, err := p.orch.ForceRegeneration(p.baseCtx, subjectID, domain.ReportTypeStandard)
			if err != nil {
				logging.FromContext(p.baseCtx).Error("Initial regeneration failed",
					"subjectId", subjectID,
					"error", err.Error(),
				)
				if opts.OnError != nil {
					opts.OnError(err)
				}
			}
		}()
	}

	return subscriptionKey
}

// DisableRealtimeUpdates tears down a subscription. Returns false if the key
// is unknown or already removed.
func (p *Pipeline) DisableRealtimeUpdates(subscriptionKey string) bool {
	return p.delivery.Unsubscribe(subscriptionKey)
}

// ForceRegeneration synchronously regenerates the subject's report, merging
// with any in-flight regeneration for the same subject.
func (p *Pipeline) ForceRegeneration(ctx context.Context, subjectID string, reportType domain.ReportType) (domain.ReportContent, error) {
	return p.orch.ForceRegeneration(ctx, subjectID, reportType)
}

func (p *Pipeline) HasPendingRegeneration(subjectID string) bool {
	return p.orch.HasPending(subjectID)
}

func (p *Pipeline) Status() Status {
	deliveryMetrics := p.delivery.Metrics()
	return Status{
		ActiveSubscriptions:  deliveryMetrics.ActiveSubscriptions,
		PendingRegenerations: p.orch.PendingCount(),
		Queue:                p.sched.Metrics(),
		Delivery:             deliveryMetrics,
		Cache:                p.cache.Stats(),
	}
}

// Cache accessors, namespaced by purpose. Misses return ok=false; a cached
// value of the wrong type is treated as a miss.

func (p *Pipeline) CacheReport(subjectID string, reportType domain.ReportType, content domain.ReportContent) {
	p.cache.Set(artifactcache.NamespaceReport, subjectID, content, string(reportType))
}

func (p *Pipeline) CachedReport(subjectID string, reportType domain.ReportType) (domain.ReportContent, bool) {
	value, ok := p.cache.Get(artifactcache.NamespaceReport, subjectID, string(reportType))
	if !ok {
		return domain.ReportContent{}, false
	}
	content, ok := value.(domain.ReportContent)
	return content, ok
}

func (p *Pipeline) CacheResponses(subjectID string, responses []domain.SurveyResponse) {
	p.cache.Set(artifactcache.NamespaceResponses, subjectID, responses)
}

func (p *Pipeline) CachedResponses(subjectID string) ([]domain.SurveyResponse, bool) {
	value, ok := p.cache.Get(artifactcache.NamespaceResponses, subjectID)
	if !ok {
		return nil, false
	}
	responses, ok := value.([]domain.SurveyResponse)
	return responses, ok
}

func (p *Pipeline) CacheMappedScores(subjectID string, scores map[string]float64) {
	p.cache.Set(artifactcache.NamespaceMapped, subjectID, scores)
}

func (p *Pipeline) CachedMappedScores(subjectID string) (map[string]float64, bool) {
	value, ok := p.cache.Get(artifactcache.NamespaceMapped, subjectID)
	if !ok {
		return nil, false
	}
	scores, ok := value.(map[string]float64)
	return scores, ok
}

func (p *Pipeline) CacheChartData(subjectID string, chartType string, series domain.ChartSeries) {
	p.cache.Set(artifactcache.NamespaceChart, subjectID, series, chartType)
}

func (p *Pipeline) CachedChartData(subjectID string, chartType string) (domain.ChartSeries, bool) {
	value, ok := p.cache.Get(artifactcache.NamespaceChart, subjectID, chartType)
	if !ok {
		return domain.ChartSeries{}, false
	}
	series, ok := value.(domain.ChartSeries)
	return series, ok
}
