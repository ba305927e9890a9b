package domain

import "time"

type ReportType string

const (
	ReportTypeStandard ReportType = "standard"
	ReportTypeDetailed ReportType = "detailed"
)

type ReportSection struct {
	Title     string
	Narrative string
	Score     float64
}

type ReportContent struct {
	AssessmentID  string
	ReportType    ReportType
	GeneratedAt   time.Time
	Summary       string
	Sections      []ReportSection
	SectionScores map[string]float64
}

// ChartSeries is the derived chart representation of a report's section
// scores, cached separately from the report content itself.
type ChartSeries struct {
	ChartType string
	Labels    []string
	Values    []float64
}

// ReportUpdate is the payload handed to delivery subscribers whenever a
// subject's report has been regenerated.
type ReportUpdate struct {
	SubjectID   string
	PracticeID  string
	Trigger     string
	Content     ReportContent
	GeneratedAt time.Time
}
