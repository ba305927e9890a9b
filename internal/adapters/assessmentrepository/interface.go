package assessmentrepository

import (
	"context"

	"github.com/clinicboard/reportpipe/internal/domain"
)

// Repository reads the source data reports are derived from. Writes happen
// elsewhere in the application; the pipeline only consumes.
type Repository interface {
	GetAssessment(ctx context.Context, id string) (domain.Assessment, error)
	ListResponses(ctx context.Context, assessmentID string) ([]domain.SurveyResponse, error)
}
