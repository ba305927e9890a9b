package delivery

import (
	"time"

	"github.com/clinicboard/reportpipe/internal/scheduler"
)

const (
	DefaultBatchSize  = 10
	DefaultDebounce   = 500 * time.Millisecond
	DefaultMaxRetries = 3
)

type subscriptionOptions struct {
	batchSize  int
	debounce   time.Duration
	maxRetries int
	dedupe     bool
	priority   scheduler.Priority
}

func defaultSubscriptionOptions() subscriptionOptions {
	return subscriptionOptions{
		batchSize:  DefaultBatchSize,
		debounce:   DefaultDebounce,
		maxRetries: DefaultMaxRetries,
		dedupe:     true,
		priority:   scheduler.PriorityMedium,
	}
}

type Option func(*subscriptionOptions)

// WithBatchSize sets the buffered item count that forces an immediate flush.
func WithBatchSize(n int) Option {
	return func(o *subscriptionOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithDebounce sets the inactivity period after the last Deliver call before
// the subscription's buffer is flushed.
func WithDebounce(d time.Duration) Option {
	return func(o *subscriptionOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithMaxRetries sets how many failed delivery attempts a buffered item
// survives before it is dropped.
func WithMaxRetries(n int) Option {
	return func(o *subscriptionOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithoutDedupe disables collapsing structurally equal payloads at flush time.
func WithoutDedupe() Option {
	return func(o *subscriptionOptions) {
		o.dedupe = false
	}
}

func WithPriority(p scheduler.Priority) Option {
	return func(o *subscriptionOptions) {
		o.priority = p
	}
}

type deliverOptions struct {
	immediate bool
	priority  *scheduler.Priority
}

type DeliverOption func(*deliverOptions)

// Immediate flushes the subscription's buffer right away instead of waiting
// for the debounce window.
func Immediate() DeliverOption {
	return func(o *deliverOptions) {
		o.immediate = true
	}
}

// WithDeliverPriority overrides the subscription's priority for the flush
// this payload ends up in.
func WithDeliverPriority(p scheduler.Priority) DeliverOption {
	return func(o *deliverOptions) {
		o.priority = &p
	}
}
