package delivery

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type deliveryMetricsCollection struct {
	deliveredCount        metric.Int64Counter
	batchCount            metric.Int64Counter
	deduplicatedCount     metric.Int64Counter
	permanentFailureCount metric.Int64Counter
	flushLatency          metric.Float64Histogram
}

var metrics deliveryMetricsCollection

func init() {
	const name = "reportpipe/delivery"
	meter := otel.Meter(name)

	deliveredCount, err := meter.Int64Counter(
		"delivery/delivered_count",
		metric.WithDescription("Total number of payload items delivered to subscribers"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create delivered count metric: %w", err))
	}

	batchCount, err := meter.Int64Counter(
		"delivery/batch_count",
		metric.WithDescription("Total number of flushed batches"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create batch count metric: %w", err))
	}

	deduplicatedCount, err := meter.Int64Counter(
		"delivery/deduplicated_count",
		metric.WithDescription("Total number of buffered payloads collapsed by dedupe"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create deduplicated count metric: %w", err))
	}

	permanentFailureCount, err := meter.Int64Counter(
		"delivery/permanent_failure_count",
		metric.WithDescription("Total number of payloads dropped after exhausting retries"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create permanent failure count metric: %w", err))
	}

	flushLatency, err := meter.Float64Histogram(
		"delivery/flush_latency_seconds",
		metric.WithDescription("Time from first enqueue to successful delivery of a batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create flush latency metric: %w", err))
	}

	metrics = deliveryMetricsCollection{
		deliveredCount:        deliveredCount,
		batchCount:            batchCount,
		deduplicatedCount:     deduplicatedCount,
		permanentFailureCount: permanentFailureCount,
		flushLatency:          flushLatency,
	}
}
