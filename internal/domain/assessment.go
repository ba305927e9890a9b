package domain

import "time"

type AssessmentStatus string

const (
	AssessmentDraft      AssessmentStatus = "draft"
	AssessmentInProgress AssessmentStatus = "in_progress"
	AssessmentCompleted  AssessmentStatus = "completed"
)

type Assessment struct {
	ID          string
	PracticeID  string
	PatientRef  string
	Status      AssessmentStatus
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

type SurveyResponse struct {
	ID           string
	AssessmentID string
	Section      string
	Question     string
	Score        float64
	AnsweredAt   time.Time
}
