package delivery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/clinicboard/reportpipe/internal/logging"
	"github.com/clinicboard/reportpipe/internal/scheduler"
	"github.com/google/uuid"
)

// Bucket is the scheduler rate-limit bucket delivery callbacks run under.
const Bucket = "ui-delivery"

const (
	DefaultFlushSweepInterval = 200 * time.Millisecond
	DefaultReapInterval       = 60 * time.Second
)

var ErrUnknownSubscription = errors.New("unknown subscription")

// Callback receives either a single payload value or, when several distinct
// payloads were buffered, an ordered []any batch.
type Callback func(ctx context.Context, payload any) error

// Filter scopes a subscription (and selects subscriptions for Broadcast).
// Empty fields match everything.
type Filter struct {
	SubjectID  string
	PracticeID string
	OwnerID    string
}

func (f Filter) matches(sub *subscription) bool {
	if f.SubjectID != "" && f.SubjectID != sub.filter.SubjectID {
		return false
	}
	if f.PracticeID != "" && f.PracticeID != sub.filter.PracticeID {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != sub.ownerID {
		return false
	}
	return true
}

type pendingItem struct {
	payload    any
	enqueuedAt time.Time
	attempts   int
}

type subscription struct {
	id       string
	ownerID  string
	filter   Filter
	callback Callback
	opts     subscriptionOptions

	buffer          []*pendingItem
	timer           *time.Timer
	nextPriority    *scheduler.Priority
	lastEnqueuedAt  time.Time
	lastDeliveredAt time.Time
	latencyEWMA     float64
	active          bool
	flushing        bool
}

// Metrics is a point-in-time snapshot of delivery accounting.
type Metrics struct {
	ActiveSubscriptions int
	Delivered           int64
	Batches             int64
	Deduplicated        int64
	Retries             int64
	PermanentFailures   int64
	AvgLatencySeconds   float64
}

// Service owns the subscription table and the per-subscription pending
// buffers exclusively; no other component mutates them.
type Service struct {
	mu   sync.Mutex
	subs map[string]*subscription

	sched   *scheduler.Scheduler
	baseCtx context.Context
	nowFunc func() time.Time

	delivered         int64
	batches           int64
	deduplicated      int64
	retries           int64
	permanentFailures int64
	latencyEWMA       float64
}

func NewService(ctx context.Context, sched *scheduler.Scheduler, nowFunc func() time.Time) *Service {
	return &Service{
		subs:    make(map[string]*subscription),
		sched:   sched,
		baseCtx: ctx,
		nowFunc: nowFunc,
	}
}

// Start runs the periodic flush sweep and the reaper for unsubscribed
// entries until the returned stop function is called.
func (s *Service) Start(flushSweepInterval, reapInterval time.Duration) func() {
	if flushSweepInterval <= 0 {
		flushSweepInterval = DefaultFlushSweepInterval
	}
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}

	flushTicker := time.NewTicker(flushSweepInterval)
	reapTicker := time.NewTicker(reapInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-flushTicker.C:
				s.sweepDueFlushes()
			case <-reapTicker.C:
				s.reapInactive()
			case <-done:
				return
			}
		}
	}()

	return func() {
		flushTicker.Stop()
		reapTicker.Stop()
		close(done)
	}
}

func (s *Service) Subscribe(ownerID string, filter Filter, callback Callback, opts ...Option) string {
	options := defaultSubscriptionOptions()
	for _, opt := range opts {
		opt(&options)
	}

	sub := &subscription{
		id:       uuid.New().String(),
		ownerID:  ownerID,
		filter:   filter,
		callback: callback,
		opts:     options,
		active:   true,
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	return sub.id
}

// Unsubscribe is idempotent. It cancels any pending debounce timer; the
// active flag keeps a later-resolving flush from invoking the callback.
func (s *Service) Unsubscribe(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriptionID]
	if !ok || !sub.active {
		return false
	}

	sub.active = false
	sub.buffer = nil
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	if !sub.flushing {
		delete(s.subs, subscriptionID)
	}
	return true
}

// Deliver appends the payload to the subscription's buffer and (re)starts its
// debounce timer, flushing early when the buffer hits the batch-size
// threshold.
func (s *Service) Deliver(subscriptionID string, payload any, opts ...DeliverOption) error {
	options := deliverOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if !ok || !sub.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionID)
	}

	now := s.nowFunc()
	sub.buffer = append(sub.buffer, &pendingItem{payload: payload, enqueuedAt: now})
	sub.lastEnqueuedAt = now
	if options.priority != nil && (sub.nextPriority == nil || *options.priority > *sub.nextPriority) {
		sub.nextPriority = options.priority
	}

	if options.immediate || len(sub.buffer) >= sub.opts.batchSize {
		if sub.timer != nil {
			sub.timer.Stop()
			sub.timer = nil
		}
		s.mu.Unlock()
		s.flush(subscriptionID)
		return nil
	}

	// Drop and replace the debounce timer
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = time.AfterFunc(sub.opts.debounce, func() {
		s.flush(subscriptionID)
	})
	s.mu.Unlock()

	return nil
}

// Broadcast delivers the payload to every active subscription matching the
// filter and returns the number of subscriptions reached.
func (s *Service) Broadcast(payload any, filter Filter, opts ...DeliverOption) int {
	s.mu.Lock()
	var matched []string
	for id, sub := range s.subs {
		if sub.active && filter.matches(sub) {
			matched = append(matched, id)
		}
	}
	s.mu.Unlock()

	reached := 0
	for _, id := range matched {
		if err := s.Deliver(id, payload, opts...); err == nil {
			reached++
		}
	}
	return reached
}

func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, sub := range s.subs {
		if sub.active {
			active++
		}
	}

	return Metrics{
		ActiveSubscriptions: active,
		Delivered:           s.delivered,
		Batches:             s.batches,
		Deduplicated:        s.deduplicated,
		Retries:             s.retries,
		PermanentFailures:   s.permanentFailures,
		AvgLatencySeconds:   s.latencyEWMA,
	}
}

// sweepDueFlushes catches subscriptions whose debounce window has elapsed or
// whose buffer is at the batch threshold, e.g. after a failed flush left
// items behind.
func (s *Service) sweepDueFlushes() {
	now := s.nowFunc()

	s.mu.Lock()
	var due []string
	for id, sub := range s.subs {
		if !sub.active || sub.flushing || len(sub.buffer) == 0 {
			continue
		}
		if len(sub.buffer) >= sub.opts.batchSize || now.Sub(sub.lastEnqueuedAt) >= sub.opts.debounce {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.flush(id)
	}
}

func (s *Service) reapInactive() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sub := range s.subs {
		if !sub.active && !sub.flushing {
			delete(s.subs, id)
		}
	}
}

// flush snapshots the subscription's buffer and hands the (optionally
// deduplicated) batch to the scheduler. At most one flush is in flight per
// subscription, which preserves the arrival order of payloads.
func (s *Service) flush(subscriptionID string) {
	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if !ok || !sub.active || sub.flushing || len(sub.buffer) == 0 {
		s.mu.Unlock()
		return
	}

	sub.flushing = true
	snapshot := len(sub.buffer)
	items := make([]*pendingItem, snapshot)
	copy(items, sub.buffer)

	priority := sub.opts.priority
	if sub.nextPriority != nil {
		if *sub.nextPriority > priority {
			priority = *sub.nextPriority
		}
		sub.nextPriority = nil
	}
	dedupe := sub.opts.dedupe
	callback := sub.callback
	s.mu.Unlock()

	payloads := make([]any, 0, len(items))
	collapsed := 0
	for _, item := range items {
		if dedupe && containsEqual(payloads, item.payload) {
			collapsed++
			continue
		}
		payloads = append(payloads, item.payload)
	}

	var payload any
	if len(payloads) == 1 {
		payload = payloads[0]
	} else {
		payload = payloads
	}

	firstEnqueuedAt := items[0].enqueuedAt

	s.sched.Submit(scheduler.Job{
		Name:     fmt.Sprintf("deliver:%s", subscriptionID),
		Bucket:   Bucket,
		Priority: priority,
		Run: func(ctx context.Context) error {
			// Re-check at resolution time: the subscriber may have
			// unsubscribed while this flush sat in the queue.
			s.mu.Lock()
			live := sub.active
			s.mu.Unlock()
			if !live {
				s.finalizeFlush(ctx, sub, snapshot, collapsed, firstEnqueuedAt, nil)
				return nil
			}

			err := callback(ctx, payload)
			s.finalizeFlush(ctx, sub, snapshot, collapsed, firstEnqueuedAt, err)
			return err
		},
	})
}

func (s *Service) finalizeFlush(ctx context.Context, sub *subscription, snapshot, collapsed int, firstEnqueuedAt time.Time, callbackErr error) {
	now := s.nowFunc()
	logger := logging.FromContext(s.baseCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	sub.flushing = false

	if !sub.active {
		// Dropped at resolution time; nothing was delivered.
		sub.buffer = nil
		return
	}

	if callbackErr == nil {
		delivered := snapshot - collapsed
		sub.buffer = sub.buffer[snapshot:]
		sub.lastDeliveredAt = now

		sample := now.Sub(firstEnqueuedAt).Seconds()
		sub.latencyEWMA = ewma(sub.latencyEWMA, sample)
		s.latencyEWMA = ewma(s.latencyEWMA, sample)

		s.delivered += int64(delivered)
		s.batches++
		s.deduplicated += int64(collapsed)

		metrics.deliveredCount.Add(ctx, int64(delivered))
		metrics.batchCount.Add(ctx, 1)
		metrics.deduplicatedCount.Add(ctx, int64(collapsed))
		metrics.flushLatency.Record(ctx, sample)
		return
	}

	// Failed flush: items below the retry ceiling stay buffered for the next
	// sweep; the rest are dropped and counted as permanently failed.
	kept := make([]*pendingItem, 0, len(sub.buffer))
	dropped := 0
	for i, item := range sub.buffer {
		if i < snapshot {
			item.attempts++
			if item.attempts >= sub.opts.maxRetries {
				dropped++
				continue
			}
			s.retries++
		}
		kept = append(kept, item)
	}
	sub.buffer = kept
	s.permanentFailures += int64(dropped)
	if dropped > 0 {
		metrics.permanentFailureCount.Add(ctx, int64(dropped))
		logger.Error("Dropping undeliverable payloads",
			"subscriptionID", sub.id,
			"dropped", dropped,
			"error", callbackErr.Error(),
		)
	}
}

func ewma(avg, sample float64) float64 {
	if avg == 0 {
		return sample
	}
	return 0.1*sample + 0.9*avg
}

func containsEqual(payloads []any, candidate any) bool {
	for _, existing := range payloads {
		if reflect.DeepEqual(existing, candidate) {
			return true
		}
	}
	return false
}
