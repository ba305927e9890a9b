package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicboard/reportpipe/internal/artifactcache"
	"github.com/clinicboard/reportpipe/internal/delivery"
	"github.com/clinicboard/reportpipe/internal/domain"
	"github.com/clinicboard/reportpipe/internal/pipeline"
	"github.com/clinicboard/reportpipe/internal/regeneration"
	"github.com/clinicboard/reportpipe/internal/scheduler"
)

type staticGenerator struct {
	mu      sync.Mutex
	calls   int
	summary string
	err     error
}

func (g *staticGenerator) Generate(ctx context.Context, subjectID string, reportType domain.ReportType) (domain.ReportContent, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return domain.ReportContent{}, g.err
	}
	return domain.ReportContent{
		AssessmentID: subjectID,
		ReportType:   reportType,
		GeneratedAt:  time.Now(),
		Summary:      g.summary,
	}, nil
}

func (g *staticGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []domain.ReportUpdate
}

func (r *updateRecorder) record(ctx context.Context, update domain.ReportUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *updateRecorder) last() domain.ReportUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newTestPipeline(t *testing.T, gen regeneration.Generator) *pipeline.Pipeline {
	t.Helper()

	sched := scheduler.New(context.Background(), 2)
	t.Cleanup(sched.Close)
	sched.RegisterBucket(regeneration.Bucket, 1000, 100)
	sched.RegisterBucket(delivery.Bucket, 1000, 100)

	cache := artifactcache.New(artifactcache.DefaultTTL, artifactcache.DefaultMaxEntries, time.Now)

	deliveryService := delivery.NewService(context.Background(), sched, time.Now)
	stop := deliveryService.Start(10*time.Millisecond, time.Hour)
	t.Cleanup(stop)

	return pipeline.New(context.Background(), cache, sched, deliveryService, gen, time.Now)
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{summary: "scores within the expected range"}
	p := newTestPipeline(t, gen)

	recorder := &updateRecorder{}
	p.EnableRealtimeUpdates(context.Background(), "a1", "clinician-1", pipeline.RealtimeOptions{
		OnUpdate: recorder.record,
		Debounce: 20 * time.Millisecond,
	})

	p.HandleChange(context.Background(), domain.SurveyResponseChanged{
		AssessmentID: "a1",
		Kind:         domain.ChangeInsert,
	})

	require.Eventually(t, func() bool {
		return recorder.count() == 1
	}, time.Second, time.Millisecond)

	update := recorder.last()
	assert.Equal(t, "a1", update.SubjectID)
	assert.Equal(t, "scores within the expected range", update.Content.Summary)

	content, ok := p.CachedReport("a1", domain.ReportTypeStandard)
	require.True(t, ok)
	assert.Equal(t, update.Content, content)

	assert.Equal(t, 1, gen.callCount())
	assert.False(t, p.HasPendingRegeneration("a1"))
}

func TestPipelineDisableRealtimeUpdates(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{}
	p := newTestPipeline(t, gen)

	recorder := &updateRecorder{}
	key := p.EnableRealtimeUpdates(context.Background(), "a1", "clinician-1", pipeline.RealtimeOptions{
		OnUpdate: recorder.record,
		Debounce: 5 * time.Millisecond,
	})

	require.True(t, p.DisableRealtimeUpdates(key))
	assert.False(t, p.DisableRealtimeUpdates(key))

	p.HandleChange(context.Background(), domain.SurveyResponseChanged{AssessmentID: "a1"})

	require.Eventually(t, func() bool {
		return !p.HasPendingRegeneration("a1")
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, recorder.count())
}

func TestPipelineAutoRegenerate(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{summary: "initial snapshot"}
	p := newTestPipeline(t, gen)

	recorder := &updateRecorder{}
	p.EnableRealtimeUpdates(context.Background(), "a1", "clinician-1", pipeline.RealtimeOptions{
		OnUpdate:       recorder.record,
		Debounce:       5 * time.Millisecond,
		AutoRegenerate: true,
	})

	require.Eventually(t, func() bool {
		return recorder.count() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "initial snapshot", recorder.last().Content.Summary)
}

func TestPipelineAutoRegenerateReportsErrors(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{err: domain.ErrAssessmentNotFound}
	p := newTestPipeline(t, gen)

	errs := make(chan error, 1)
	p.EnableRealtimeUpdates(context.Background(), "missing", "clinician-1", pipeline.RealtimeOptions{
		OnUpdate:       (&updateRecorder{}).record,
		AutoRegenerate: true,
		OnError: func(err error) {
			errs <- err
		},
	})

	select {
	case err := <-errs:
		require.ErrorIs(t, err, domain.ErrAssessmentNotFound)
	case <-time.After(time.Second):
		t.Fatal("expected an error from the initial regeneration")
	}
}

func TestPipelineForceRegeneration(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{summary: "on demand"}
	p := newTestPipeline(t, gen)

	content, err := p.ForceRegeneration(context.Background(), "a1", domain.ReportTypeDetailed)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportTypeDetailed, content.ReportType)
	assert.Equal(t, "on demand", content.Summary)
}

func TestPipelineCacheAccessors(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &staticGenerator{})

	content := domain.ReportContent{AssessmentID: "a1", ReportType: domain.ReportTypeStandard, Summary: "cached"}
	p.CacheReport("a1", domain.ReportTypeStandard, content)
	got, ok := p.CachedReport("a1", domain.ReportTypeStandard)
	require.True(t, ok)
	assert.Equal(t, content, got)

	_, ok = p.CachedReport("a1", domain.ReportTypeDetailed)
	assert.False(t, ok)

	responses := []domain.SurveyResponse{{ID: "r1", AssessmentID: "a1", Section: "mood", Question: "q1", Score: 3}}
	p.CacheResponses("a1", responses)
	gotResponses, ok := p.CachedResponses("a1")
	require.True(t, ok)
	assert.Equal(t, responses, gotResponses)

	scores := map[string]float64{"mood": 3.5, "sleep": 2.0}
	p.CacheMappedScores("a1", scores)
	gotScores, ok := p.CachedMappedScores("a1")
	require.True(t, ok)
	assert.Equal(t, scores, gotScores)

	series := domain.ChartSeries{ChartType: "bar", Labels: []string{"mood", "sleep"}, Values: []float64{3.5, 2.0}}
	p.CacheChartData("a1", "bar", series)
	gotSeries, ok := p.CachedChartData("a1", "bar")
	require.True(t, ok)
	assert.Equal(t, series, gotSeries)

	_, ok = p.CachedChartData("a1", "line")
	assert.False(t, ok)
}

func TestPipelineStatus(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{summary: "status check"}
	p := newTestPipeline(t, gen)

	recorder := &updateRecorder{}
	p.EnableRealtimeUpdates(context.Background(), "a1", "clinician-1", pipeline.RealtimeOptions{
		OnUpdate: recorder.record,
		Debounce: 5 * time.Millisecond,
	})

	_, err := p.ForceRegeneration(context.Background(), "a1", domain.ReportTypeStandard)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return recorder.count() == 1
	}, time.Second, time.Millisecond)

	status := p.Status()
	assert.Equal(t, 1, status.ActiveSubscriptions)
	assert.Equal(t, 0, status.PendingRegenerations)
	assert.GreaterOrEqual(t, status.Queue.Completed, int64(1))
	assert.GreaterOrEqual(t, status.Delivery.Delivered, int64(1))
	assert.GreaterOrEqual(t, status.Cache.Count, 1)
}
