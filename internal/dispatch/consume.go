package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/pickup-ops/internal/models"
)

// Subscriber is the part of Registry background consumers use.
type Subscriber interface {
	Subscribe() *Session
	Unsubscribe(s *Session)
}

// Consume feeds every published event to handle, in order, until ctx ends
// or the subscriber shuts down. An evicted session is replaced; events
// published between eviction and resubscribe are not seen.
func Consume(ctx context.Context, sub Subscriber, logger *slog.Logger, handle func(context.Context, models.ActivityEvent)) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		sess := sub.Subscribe()
		err := drain(ctx, sess, handle)
		sub.Unsubscribe(sess)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrSlowConsumer):
			logger.Warn("consumer fell behind; resubscribing", "session_id", sess.ID())
			continue
		default:
			return nil
		}
	}
}

func drain(ctx context.Context, sess *Session, handle func(context.Context, models.ActivityEvent)) error {
	for {
		evt, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		handle(ctx, evt)
	}
}
