package assessmentrepository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicboard/reportpipe/internal/domain"
	"github.com/clinicboard/reportpipe/internal/reporting"
)

type Postgres struct {
	db     *sqlx.DB
	schema string

	tracer trace.Tracer
}

func NewPostgres(db *sqlx.DB, schema string) *Postgres {
	tracer := otel.Tracer("reportpipe/assessmentrepository/postgres")

	return &Postgres{
		db:     db,
		schema: schema,

		tracer: tracer,
	}
}

type dbAssessmentEntry struct {
	ID          string     `db:"id"`
	PracticeID  string     `db:"practice_id"`
	PatientRef  string     `db:"patient_ref"`
	Status      string     `db:"status"`
	CompletedAt *time.Time `db:"completed_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

type dbSurveyResponseEntry struct {
	ID           string    `db:"id"`
	AssessmentID string    `db:"assessment_id"`
	Section      string    `db:"section"`
	Question     string    `db:"question"`
	Score        float64   `db:"score"`
	AnsweredAt   time.Time `db:"answered_at"`
}

func (p *Postgres) GetAssessment(ctx context.Context, id string) (domain.Assessment, error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.GetAssessment")
	defer span.End()

	var entry dbAssessmentEntry
	err := p.db.GetContext(ctx, &entry, fmt.Sprintf(`SELECT
		id, practice_id, patient_ref, status, completed_at, updated_at
		FROM %s.assessments
		WHERE id = $1`,
		pq.QuoteIdentifier(p.schema),
	),
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Assessment{}, domain.ErrAssessmentNotFound
		}
		err := fmt.Errorf("failed to select assessments entry: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"assessmentId": id,
		})
		return domain.Assessment{}, err
	}

	return domain.Assessment{
		ID:          entry.ID,
		PracticeID:  entry.PracticeID,
		PatientRef:  entry.PatientRef,
		Status:      domain.AssessmentStatus(entry.Status),
		CompletedAt: entry.CompletedAt,
		UpdatedAt:   entry.UpdatedAt,
	}, nil
}

func (p *Postgres) ListResponses(ctx context.Context, assessmentID string) ([]domain.SurveyResponse, error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.ListResponses")
	defer span.End()

	var entries []dbSurveyResponseEntry
	err := p.db.SelectContext(ctx, &entries, fmt.Sprintf(`SELECT
		id, assessment_id, section, question, score, answered_at
		FROM %s.survey_responses
		WHERE assessment_id = $1
		ORDER BY section, question`,
		pq.QuoteIdentifier(p.schema),
	),
		assessmentID,
	)
	if err != nil {
		err := fmt.Errorf("failed to select survey_responses entries: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"assessmentId": assessmentID,
		})
		return nil, err
	}

	responses := make([]domain.SurveyResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, domain.SurveyResponse{
			ID:           entry.ID,
			AssessmentID: entry.AssessmentID,
			Section:      entry.Section,
			Question:     entry.Question,
			Score:        entry.Score,
			AnsweredAt:   entry.AnsweredAt,
		})
	}

	return responses, nil
}
