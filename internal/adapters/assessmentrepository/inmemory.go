package assessmentrepository

import (
	"context"
	"sort"
	"sync"

	"github.com/clinicboard/reportpipe/internal/domain"
)

// InMemory is a Repository backed by maps, for tests and local development.
type InMemory struct {
	mu          sync.Mutex
	assessments map[string]domain.Assessment
	responses   map[string][]domain.SurveyResponse
}

func NewInMemory() *InMemory {
	return &InMemory{
		assessments: make(map[string]domain.Assessment),
		responses:   make(map[string][]domain.SurveyResponse),
	}
}

func (r *InMemory) PutAssessment(assessment domain.Assessment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assessments[assessment.ID] = assessment
}

func (r *InMemory) PutResponse(response domain.SurveyResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[response.AssessmentID] = append(r.responses[response.AssessmentID], response)
}

func (r *InMemory) GetAssessment(ctx context.Context, id string) (domain.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assessment, ok := r.assessments[id]
	if !ok {
		return domain.Assessment{}, domain.ErrAssessmentNotFound
	}
	return assessment, nil
}

func (r *InMemory) ListResponses(ctx context.Context, assessmentID string) ([]domain.SurveyResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	responses := append([]domain.SurveyResponse(nil), r.responses[assessmentID]...)
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].Section != responses[j].Section {
			return responses[i].Section < responses[j].Section
		}
		return responses[i].Question < responses[j].Question
	})
	return responses, nil
}
