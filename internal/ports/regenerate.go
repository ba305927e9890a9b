package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clinicboard/reportpipe/internal/domain"
	"github.com/clinicboard/reportpipe/internal/logging"
	"github.com/clinicboard/reportpipe/internal/ratelimiting"
	"github.com/clinicboard/reportpipe/internal/reporting"
)

type regenerateRequest struct {
	AssessmentID string `json:"assessmentId"`
	ReportType   string `json:"reportType,omitempty"`
}

type reportSectionResponse struct {
	Title     string  `json:"title"`
	Narrative string  `json:"narrative"`
	Score     float64 `json:"score"`
}

type reportContentResponse struct {
	AssessmentID  string                  `json:"assessmentId"`
	ReportType    string                  `json:"reportType"`
	GeneratedAt   time.Time               `json:"generatedAt"`
	Summary       string                  `json:"summary"`
	Sections      []reportSectionResponse `json:"sections"`
	SectionScores map[string]float64      `json:"sectionScores"`
}

type regenerateResponse struct {
	Success bool                   `json:"success"`
	Report  *reportContentResponse `json:"report,omitempty"`
	Cause   string                 `json:"cause,omitempty"`
}

// ReportRegenerator regenerates a subject's report on demand.
type ReportRegenerator interface {
	ForceRegeneration(ctx context.Context, subjectID string, reportType domain.ReportType) (domain.ReportContent, error)
}

func MakeRegenerateHandler(
	regenerator ReportRegenerator,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	tokenBucket, _ := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(1),
		ratelimiting.BurstSize(30),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(tokenBucket, ratelimiting.IPKeyFunc)

	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		buildMetricsMiddleware(),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, func(w http.ResponseWriter, r *http.Request) {
			writeRegenerateError(w, "rate limit exceeded", http.StatusTooManyRequests)
		}),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var request regenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeRegenerateError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if request.AssessmentID == "" {
			writeRegenerateError(w, "missing assessmentId", http.StatusBadRequest)
			return
		}

		reportType := domain.ReportType(request.ReportType)
		switch reportType {
		case "", domain.ReportTypeStandard, domain.ReportTypeDetailed:
		default:
			writeRegenerateError(w, fmt.Sprintf("unknown report type %q", request.ReportType), http.StatusBadRequest)
			return
		}

		content, err := regenerator.ForceRegeneration(ctx, request.AssessmentID, reportType)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrAssessmentNotFound):
				writeRegenerateError(w, "assessment not found", http.StatusNotFound)
			case errors.Is(err, domain.ErrNoResponses):
				writeRegenerateError(w, "assessment has no survey responses", http.StatusUnprocessableEntity)
			default:
				reporting.Report(ctx, fmt.Errorf("failed to force regeneration: %w", err), map[string]string{
					"assessmentId": request.AssessmentID,
				})
				writeRegenerateError(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		sections := make([]reportSectionResponse, 0, len(content.Sections))
		for _, section := range content.Sections {
			sections = append(sections, reportSectionResponse{
				Title:     section.Title,
				Narrative: section.Narrative,
				Score:     section.Score,
			})
		}

		response := regenerateResponse{
			Success: true,
			Report: &reportContentResponse{
				AssessmentID:  content.AssessmentID,
				ReportType:    string(content.ReportType),
				GeneratedAt:   content.GeneratedAt,
				Summary:       content.Summary,
				Sections:      sections,
				SectionScores: content.SectionScores,
			},
		}

		marshalled, err := json.Marshal(response)
		if err != nil {
			reporting.Report(ctx, fmt.Errorf("failed to marshal regenerate response: %w", err))
			writeRegenerateError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("Forced regeneration", "assessmentId", request.AssessmentID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(marshalled)
	}

	return middleware(handler)
}

func writeRegenerateError(w http.ResponseWriter, cause string, statusCode int) {
	marshalled, err := json.Marshal(regenerateResponse{
		Success: false,
		Cause:   cause,
	})
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"cause":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(marshalled)
}
