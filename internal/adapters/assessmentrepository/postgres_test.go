package assessmentrepository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicboard/reportpipe/internal/adapters/database"
	"github.com/clinicboard/reportpipe/internal/domain"
)

func newPostgres(t *testing.T, db *sqlx.DB, schemaSuffix string) *Postgres {
	require.NotEmpty(t, schemaSuffix, "schemaSuffix must not be empty")
	schema := fmt.Sprintf("assessment_repo_test_%s", schemaSuffix)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db.MustExec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(schema)))

	migrator := database.NewDatabaseMigrator(db, logger)

	err := migrator.Migrate(context.Background(), schema)
	require.NoError(t, err)

	return NewPostgres(db, schema)
}

func insertAssessment(t *testing.T, db *sqlx.DB, schema string, assessment domain.Assessment) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), fmt.Sprintf(`INSERT INTO %s.assessments
		(id, practice_id, patient_ref, status, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pq.QuoteIdentifier(schema),
	),
		assessment.ID, assessment.PracticeID, assessment.PatientRef,
		string(assessment.Status), assessment.CompletedAt, assessment.UpdatedAt,
	)
	require.NoError(t, err)
}

func insertResponse(t *testing.T, db *sqlx.DB, schema string, response domain.SurveyResponse) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), fmt.Sprintf(`INSERT INTO %s.survey_responses
		(id, assessment_id, section, question, score, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pq.QuoteIdentifier(schema),
	),
		response.ID, response.AssessmentID, response.Section,
		response.Question, response.Score, response.AnsweredAt,
	)
	require.NoError(t, err)
}

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping db tests in short mode.")
	}
	t.Parallel()

	db, err := database.NewPostgresDatabase(database.LOCAL_CONNECTION_STRING)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("GetAssessment", func(t *testing.T) {
		t.Parallel()

		repo := newPostgres(t, db, "get_assessment")

		assessment := domain.Assessment{
			ID:         uuid.New().String(),
			PracticeID: uuid.New().String(),
			PatientRef: "patient-42",
			Status:     domain.AssessmentInProgress,
			UpdatedAt:  now,
		}
		insertAssessment(t, db, repo.schema, assessment)

		got, err := repo.GetAssessment(context.Background(), assessment.ID)
		require.NoError(t, err)
		assert.Equal(t, assessment.ID, got.ID)
		assert.Equal(t, assessment.PracticeID, got.PracticeID)
		assert.Equal(t, "patient-42", got.PatientRef)
		assert.Equal(t, domain.AssessmentInProgress, got.Status)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("GetAssessment completed", func(t *testing.T) {
		t.Parallel()

		repo := newPostgres(t, db, "get_completed")

		completedAt := now.Add(-time.Hour)
		assessment := domain.Assessment{
			ID:          uuid.New().String(),
			PracticeID:  uuid.New().String(),
			PatientRef:  "patient-7",
			Status:      domain.AssessmentCompleted,
			CompletedAt: &completedAt,
			UpdatedAt:   now,
		}
		insertAssessment(t, db, repo.schema, assessment)

		got, err := repo.GetAssessment(context.Background(), assessment.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(completedAt))
	})

	t.Run("GetAssessment not found", func(t *testing.T) {
		t.Parallel()

		repo := newPostgres(t, db, "get_missing")

		_, err := repo.GetAssessment(context.Background(), uuid.New().String())
		require.ErrorIs(t, err, domain.ErrAssessmentNotFound)
	})

	t.Run("ListResponses", func(t *testing.T) {
		t.Parallel()

		repo := newPostgres(t, db, "list_responses")

		assessment := domain.Assessment{
			ID:         uuid.New().String(),
			PracticeID: uuid.New().String(),
			PatientRef: "patient-9",
			Status:     domain.AssessmentInProgress,
			UpdatedAt:  now,
		}
		insertAssessment(t, db, repo.schema, assessment)

		for _, r := range []domain.SurveyResponse{
			{ID: uuid.New().String(), AssessmentID: assessment.ID, Section: "sleep", Question: "q1", Score: 2, AnsweredAt: now},
			{ID: uuid.New().String(), AssessmentID: assessment.ID, Section: "mood", Question: "q2", Score: 4, AnsweredAt: now},
			{ID: uuid.New().String(), AssessmentID: assessment.ID, Section: "mood", Question: "q1", Score: 3, AnsweredAt: now},
		} {
			insertResponse(t, db, repo.schema, r)
		}

		responses, err := repo.ListResponses(context.Background(), assessment.ID)
		require.NoError(t, err)
		require.Len(t, responses, 3)

		assert.Equal(t, "mood", responses[0].Section)
		assert.Equal(t, "q1", responses[0].Question)
		assert.Equal(t, "mood", responses[1].Section)
		assert.Equal(t, "q2", responses[1].Question)
		assert.Equal(t, "sleep", responses[2].Section)
	})

	t.Run("ListResponses empty", func(t *testing.T) {
		t.Parallel()

		repo := newPostgres(t, db, "list_empty")

		responses, err := repo.ListResponses(context.Background(), uuid.New().String())
		require.NoError(t, err)
		assert.Empty(t, responses)
	})
}
