package domain

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// ChangeEvent is the closed set of upstream change notifications the pipeline
// reacts to. Events are decoded once at the change-feed boundary; downstream
// code switches on the concrete variant.
type ChangeEvent interface {
	// Subject returns the assessment id the change is scoped to.
	Subject() string

	changeEvent()
}

type SurveyResponseChanged struct {
	AssessmentID string
	Kind         ChangeKind
	Response     *SurveyResponse
}

func (e SurveyResponseChanged) Subject() string { return e.AssessmentID }
func (e SurveyResponseChanged) changeEvent()    {}

type AssessmentChanged struct {
	AssessmentID string
	PracticeID   string
	Kind         ChangeKind
	OldStatus    AssessmentStatus
	NewStatus    AssessmentStatus
}

func (e AssessmentChanged) Subject() string { return e.AssessmentID }
func (e AssessmentChanged) changeEvent()    {}

// Completed reports whether this change marks the assessment as completed.
func (e AssessmentChanged) Completed() bool {
	return e.NewStatus == AssessmentCompleted && e.OldStatus != AssessmentCompleted
}

type ReportChanged struct {
	AssessmentID string
	Kind         ChangeKind
	ReportType   ReportType
}

func (e ReportChanged) Subject() string { return e.AssessmentID }
func (e ReportChanged) changeEvent()    {}
