package ports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/clinicboard/reportpipe/internal/logging"
	"github.com/clinicboard/reportpipe/internal/pipeline"
	"github.com/clinicboard/reportpipe/internal/ratelimiting"
	"github.com/clinicboard/reportpipe/internal/reporting"
)

type queueStatusResponse struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}

type deliveryStatusResponse struct {
	ActiveSubscriptions int     `json:"activeSubscriptions"`
	Delivered           int64   `json:"delivered"`
	Batches             int64   `json:"batches"`
	Deduplicated        int64   `json:"deduplicated"`
	Retries             int64   `json:"retries"`
	PermanentFailures   int64   `json:"permanentFailures"`
	AvgLatencySeconds   float64 `json:"avgLatencySeconds"`
}

type cacheStatusResponse struct {
	Count                 int     `json:"count"`
	Hits                  int64   `json:"hits"`
	Misses                int64   `json:"misses"`
	HitRate               float64 `json:"hitRate"`
	OldestEntryAgeSeconds float64 `json:"oldestEntryAgeSeconds"`
	NewestEntryAgeSeconds float64 `json:"newestEntryAgeSeconds"`
}

type statusResponse struct {
	Success              bool                   `json:"success"`
	PendingRegenerations int                    `json:"pendingRegenerations"`
	Queue                queueStatusResponse    `json:"queue"`
	Delivery             deliveryStatusResponse `json:"delivery"`
	Cache                cacheStatusResponse    `json:"cache"`
}

// StatusProvider exposes a point-in-time snapshot of the pipeline.
type StatusProvider interface {
	Status() pipeline.Status
}

func MakeGetStatusHandler(
	statusProvider StatusProvider,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	tokenBucket, _ := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(60),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(tokenBucket, ratelimiting.IPKeyFunc)

	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		buildMetricsMiddleware(),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"cause":"rate limit exceeded"}`))
		}),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		status := statusProvider.Status()
		response := statusResponse{
			Success:              true,
			PendingRegenerations: status.PendingRegenerations,
			Queue: queueStatusResponse{
				Queued:    status.Queue.Queued,
				Running:   status.Queue.Running,
				Submitted: status.Queue.Submitted,
				Completed: status.Queue.Completed,
				Failed:    status.Queue.Failed,
				Retries:   status.Queue.Retries,
			},
			Delivery: deliveryStatusResponse{
				ActiveSubscriptions: status.Delivery.ActiveSubscriptions,
				Delivered:           status.Delivery.Delivered,
				Batches:             status.Delivery.Batches,
				Deduplicated:        status.Delivery.Deduplicated,
				Retries:             status.Delivery.Retries,
				PermanentFailures:   status.Delivery.PermanentFailures,
				AvgLatencySeconds:   status.Delivery.AvgLatencySeconds,
			},
			Cache: cacheStatusResponse{
				Count:                 status.Cache.Count,
				Hits:                  status.Cache.Hits,
				Misses:                status.Cache.Misses,
				HitRate:               status.Cache.HitRate,
				OldestEntryAgeSeconds: status.Cache.OldestEntryAge.Seconds(),
				NewestEntryAgeSeconds: status.Cache.NewestEntryAge.Seconds(),
			},
		}

		marshalled, err := json.Marshal(response)
		if err != nil {
			reporting.Report(ctx, fmt.Errorf("failed to marshal status response: %w", err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"success":false,"cause":"internal server error"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(marshalled)
	}

	return middleware(handler)
}
