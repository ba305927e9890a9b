package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/clinicboard/reportpipe/internal/domain"
	"github.com/clinicboard/reportpipe/internal/reporting"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// Handler receives each decoded change event.
type Handler func(ctx context.Context, event domain.ChangeEvent)

// Feed is a source of change events. Listen blocks until the context is
// cancelled or the feed fails.
type Feed interface {
	Listen(ctx context.Context, handle Handler) error
}

// PostgresFeed streams decoded change events from the notification channel
// the schema's triggers publish to.
type PostgresFeed struct {
	listener *pq.Listener

	logger *slog.Logger
}

func NewPostgresFeed(connectionString string, logger *slog.Logger) *PostgresFeed {
	listener := pq.NewListener(connectionString, minReconnectInterval, maxReconnectInterval, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error("Change feed listener event", "eventType", int(event), "error", err.Error())
		}
	})

	return &PostgresFeed{
		listener: listener,
		logger:   logger,
	}
}

func (f *PostgresFeed) Listen(ctx context.Context, handle Handler) error {
	if err := f.listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	defer f.listener.Close()

	f.logger.InfoContext(ctx, "Listening for changes", "channel", NotifyChannel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notification := <-f.listener.Notify:
			if notification == nil {
				// Connection was re-established; notifications may have been
				// missed while disconnected.
				f.logger.InfoContext(ctx, "Change feed reconnected")
				continue
			}

			event, err := Decode([]byte(notification.Extra))
			if err != nil {
				err := fmt.Errorf("failed to decode change notification: %w", err)
				f.logger.ErrorContext(ctx, "Dropping change notification", "error", err.Error())
				reporting.Report(ctx, err, map[string]string{
					"payload": notification.Extra,
				})
				continue
			}

			handle(ctx, event)
		case <-time.After(pingInterval):
			if err := f.listener.Ping(); err != nil {
				return fmt.Errorf("change feed ping failed: %w", err)
			}
		}
	}
}
