// Seeds the local database with a demo assessment and survey responses, then
// marks the assessment completed. Each write fires the schema's notification
// triggers, so a running server picks the changes up through its change feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/clinicboard/reportpipe/internal/adapters/database"
)

var sections = map[string][]string{
	"mood":     {"q1", "q2", "q3"},
	"sleep":    {"q1", "q2"},
	"appetite": {"q1", "q2"},
	"anxiety":  {"q1", "q2", "q3", "q4"},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	db, err := database.NewPostgresDatabase(database.LOCAL_CONNECTION_STRING)
	if err != nil {
		fail("Failed to connect to database", "error", err.Error())
	}

	schemaName := database.GetSchemaName(true)
	err = database.NewDatabaseMigrator(db, logger).Migrate(context.Background(), schemaName)
	if err != nil {
		fail("Failed to migrate database", "error", err.Error())
	}

	assessmentID := uuid.New().String()
	practiceID := uuid.New().String()
	now := time.Now()

	insertAssessment(db, schemaName, assessmentID, practiceID, now, fail)
	logger.Info("Inserted assessment", "assessmentId", assessmentID, "practiceId", practiceID)

	count := 0
	for section, questions := range sections {
		for _, question := range questions {
			insertResponse(db, schemaName, assessmentID, section, question, now, fail)
			count++
		}
	}
	logger.Info("Inserted survey responses", "count", count)

	completeAssessment(db, schemaName, assessmentID, now, fail)
	logger.Info("Marked assessment completed", "assessmentId", assessmentID)
}

func insertAssessment(db *sqlx.DB, schema, assessmentID, practiceID string, now time.Time, fail func(string, ...any)) {
	_, err := db.Exec(fmt.Sprintf(`INSERT INTO %s.assessments
		(id, practice_id, patient_ref, status, updated_at)
		VALUES ($1, $2, $3, 'in_progress', $4)`,
		pq.QuoteIdentifier(schema),
	),
		assessmentID, practiceID, fmt.Sprintf("patient-%d", rand.Intn(1000)), now,
	)
	if err != nil {
		fail("Failed to insert assessment", "error", err.Error())
	}
}

func insertResponse(db *sqlx.DB, schema, assessmentID, section, question string, now time.Time, fail func(string, ...any)) {
	_, err := db.Exec(fmt.Sprintf(`INSERT INTO %s.survey_responses
		(id, assessment_id, section, question, score, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pq.QuoteIdentifier(schema),
	),
		uuid.New().String(), assessmentID, section, question, float64(rand.Intn(5)), now,
	)
	if err != nil {
		fail("Failed to insert survey response", "error", err.Error())
	}
}

func completeAssessment(db *sqlx.DB, schema, assessmentID string, now time.Time, fail func(string, ...any)) {
	_, err := db.Exec(fmt.Sprintf(`UPDATE %s.assessments
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1`,
		pq.QuoteIdentifier(schema),
	),
		assessmentID, now,
	)
	if err != nil {
		fail("Failed to complete assessment", "error", err.Error())
	}
}
