package changefeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicboard/reportpipe/internal/domain"
)

// NotifyChannel is the postgres channel the schema's triggers announce
// changes on.
const NotifyChannel = "report_pipeline_changes"

type rawNotification struct {
	Table string          `json:"table"`
	Kind  string          `json:"kind"`
	Row   json.RawMessage `json:"row"`
	Old   json.RawMessage `json:"old"`
}

type rawSurveyResponseRow struct {
	ID           string    `json:"id"`
	AssessmentID string    `json:"assessment_id"`
	Section      string    `json:"section"`
	Question     string    `json:"question"`
	Score        float64   `json:"score"`
	AnsweredAt   time.Time `json:"answered_at"`
}

type rawAssessmentRow struct {
	ID         string `json:"id"`
	PracticeID string `json:"practice_id"`
	Status     string `json:"status"`
}

type rawReportRow struct {
	AssessmentID string `json:"assessment_id"`
	ReportType   string `json:"report_type"`
}

// Decode turns a notification payload into a typed change event. The loose
// row objects from row_to_json are decoded exactly once, here at the
// boundary.
func Decode(payload []byte) (domain.ChangeEvent, error) {
	var raw rawNotification
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}

	var kind domain.ChangeKind
	switch raw.Kind {
	case "insert":
		kind = domain.ChangeInsert
	case "update":
		kind = domain.ChangeUpdate
	default:
		return nil, fmt.Errorf("unknown change kind %q", raw.Kind)
	}

	switch raw.Table {
	case "survey_responses":
		var row rawSurveyResponseRow
		if err := json.Unmarshal(raw.Row, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal survey_responses row: %w", err)
		}
		return domain.SurveyResponseChanged{
			AssessmentID: row.AssessmentID,
			Kind:         kind,
			Response: &domain.SurveyResponse{
				ID:           row.ID,
				AssessmentID: row.AssessmentID,
				Section:      row.Section,
				Question:     row.Question,
				Score:        row.Score,
				AnsweredAt:   row.AnsweredAt,
			},
		}, nil
	case "assessments":
		var row rawAssessmentRow
		if err := json.Unmarshal(raw.Row, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assessments row: %w", err)
		}
		var oldStatus domain.AssessmentStatus
		if len(raw.Old) > 0 && string(raw.Old) != "null" {
			var old rawAssessmentRow
			if err := json.Unmarshal(raw.Old, &old); err != nil {
				return nil, fmt.Errorf("failed to unmarshal assessments old row: %w", err)
			}
			oldStatus = domain.AssessmentStatus(old.Status)
		}
		return domain.AssessmentChanged{
			AssessmentID: row.ID,
			PracticeID:   row.PracticeID,
			Kind:         kind,
			OldStatus:    oldStatus,
			NewStatus:    domain.AssessmentStatus(row.Status),
		}, nil
	case "reports":
		var row rawReportRow
		if err := json.Unmarshal(raw.Row, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reports row: %w", err)
		}
		return domain.ReportChanged{
			AssessmentID: row.AssessmentID,
			Kind:         kind,
			ReportType:   domain.ReportType(row.ReportType),
		}, nil
	default:
		return nil, fmt.Errorf("unknown table %q", raw.Table)
	}
}
