package reportgen

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicboard/reportpipe/internal/adapters/assessmentrepository"
	"github.com/clinicboard/reportpipe/internal/artifactcache"
	"github.com/clinicboard/reportpipe/internal/domain"
)

// Generator derives report content from an assessment's survey responses.
// Intermediate artifacts (raw responses, mapped section scores, chart series)
// are cached so repeated regenerations for a subject skip redundant work.
type Generator struct {
	repo  assessmentrepository.Repository
	cache *artifactcache.Cache

	nowFunc func() time.Time
	tracer  trace.Tracer
}

func New(repo assessmentrepository.Repository, cache *artifactcache.Cache, nowFunc func() time.Time) *Generator {
	tracer := otel.Tracer("reportpipe/reportgen")

	return &Generator{
		repo:    repo,
		cache:   cache,
		nowFunc: nowFunc,
		tracer:  tracer,
	}
}

func (g *Generator) Generate(ctx context.Context, subjectID string, reportType domain.ReportType) (domain.ReportContent, error) {
	ctx, span := g.tracer.Start(ctx, "Generator.Generate")
	defer span.End()

	assessment, err := g.repo.GetAssessment(ctx, subjectID)
	if err != nil {
		return domain.ReportContent{}, err
	}

	responses, err := g.loadResponses(ctx, subjectID)
	if err != nil {
		return domain.ReportContent{}, err
	}
	if len(responses) == 0 {
		return domain.ReportContent{}, fmt.Errorf("%w: assessment %s", domain.ErrNoResponses, subjectID)
	}

	sectionScores := g.mapSectionScores(subjectID, responses)

	sectionNames := make([]string, 0, len(sectionScores))
	for name := range sectionScores {
		sectionNames = append(sectionNames, name)
	}
	sort.Strings(sectionNames)

	g.cacheChartSeries(subjectID, sectionNames, sectionScores)

	sections := make([]domain.ReportSection, 0, len(sectionNames))
	var total float64
	for _, name := range sectionNames {
		score := sectionScores[name]
		total += score
		sections = append(sections, domain.ReportSection{
			Title:     name,
			Narrative: g.narrative(name, score, reportType, responses),
			Score:     score,
		})
	}
	overall := total / float64(len(sectionNames))

	summary := fmt.Sprintf(
		"Patient %s: %d responses across %d sections, overall severity %s (%.1f).",
		assessment.PatientRef, len(responses), len(sectionNames), severityBand(overall), overall,
	)

	return domain.ReportContent{
		AssessmentID:  subjectID,
		ReportType:    reportType,
		GeneratedAt:   g.nowFunc(),
		Summary:       summary,
		Sections:      sections,
		SectionScores: sectionScores,
	}, nil
}

func (g *Generator) loadResponses(ctx context.Context, subjectID string) ([]domain.SurveyResponse, error) {
	if cached, ok := g.cache.Get(artifactcache.NamespaceResponses, subjectID); ok {
		if responses, ok := cached.([]domain.SurveyResponse); ok {
			return responses, nil
		}
	}

	responses, err := g.repo.ListResponses(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}

	g.cache.Set(artifactcache.NamespaceResponses, subjectID, responses)
	return responses, nil
}

// mapSectionScores averages the raw answer scores per section.
func (g *Generator) mapSectionScores(subjectID string, responses []domain.SurveyResponse) map[string]float64 {
	if cached, ok := g.cache.Get(artifactcache.NamespaceMapped, subjectID); ok {
		if scores, ok := cached.(map[string]float64); ok {
			return scores
		}
	}

	totals := make(map[string]float64)
	counts := make(map[string]int)
	for _, response := range responses {
		totals[response.Section] += response.Score
		counts[response.Section]++
	}

	scores := make(map[string]float64, len(totals))
	for section, total := range totals {
		scores[section] = total / float64(counts[section])
	}

	g.cache.Set(artifactcache.NamespaceMapped, subjectID, scores)
	return scores
}

func (g *Generator) cacheChartSeries(subjectID string, sectionNames []string, sectionScores map[string]float64) {
	values := make([]float64, 0, len(sectionNames))
	for _, name := range sectionNames {
		values = append(values, sectionScores[name])
	}

	series := domain.ChartSeries{
		ChartType: "bar",
		Labels:    sectionNames,
		Values:    values,
	}
	g.cache.Set(artifactcache.NamespaceChart, subjectID, series, series.ChartType)
}

func (g *Generator) narrative(section string, score float64, reportType domain.ReportType, responses []domain.SurveyResponse) string {
	base := fmt.Sprintf("%s symptoms in the %s domain (mean score %.1f).", capitalizedBand(score), section, score)
	if reportType != domain.ReportTypeDetailed {
		return base
	}

	detail := base
	for _, response := range responses {
		if response.Section != section {
			continue
		}
		detail += fmt.Sprintf(" %s: %.0f.", response.Question, response.Score)
	}
	return detail
}

func severityBand(score float64) string {
	switch {
	case score < 1:
		return "minimal"
	case score < 2:
		return "mild"
	case score < 3:
		return "moderate"
	default:
		return "severe"
	}
}

func capitalizedBand(score float64) string {
	switch {
	case score < 1:
		return "Minimal"
	case score < 2:
		return "Mild"
	case score < 3:
		return "Moderate"
	default:
		return "Severe"
	}
}
