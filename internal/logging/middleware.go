package logging

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestLoggerMiddleware(logger *slog.Logger) func(next http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assessmentID := r.URL.Query().Get("assessmentId")
			if assessmentID == "" {
				assessmentID = "<missing>"
			}

			userID := r.Header.Get("X-User-Id")
			if userID == "" {
				userID = "<missing>"
			}

			userAgent := r.UserAgent()
			if userAgent == "" {
				userAgent = "<missing>"
			}

			requestLogger := logger.With(
				slog.String("correlationID", uuid.New().String()),
				slog.String("methodPath", fmt.Sprintf("%s %s", r.Method, r.URL.Path)),
				slog.String("assessmentId", assessmentID),
				slog.String("userId", userID),
				slog.String("userAgent", userAgent),
			)

			next(w, r.WithContext(AddToContext(r.Context(), requestLogger)))
		}
	}
}
