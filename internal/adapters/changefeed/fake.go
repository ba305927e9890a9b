package changefeed

import (
	"context"

	"github.com/clinicboard/reportpipe/internal/domain"
)

// FakeFeed is a channel-backed Feed for tests and local development.
type FakeFeed struct {
	events chan domain.ChangeEvent
}

func NewFakeFeed() *FakeFeed {
	return &FakeFeed{
		events: make(chan domain.ChangeEvent, 16),
	}
}

func (f *FakeFeed) Emit(event domain.ChangeEvent) {
	f.events <- event
}

func (f *FakeFeed) Listen(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-f.events:
			handle(ctx, event)
		}
	}
}
