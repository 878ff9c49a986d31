package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
)

// Publisher receives every recorded event, in append order.
type Publisher interface {
	Publish(evt models.ActivityEvent)
}

// Recorder appends events to the log and hands them to the publisher under
// one lock, so live delivery order always equals log order.
type Recorder struct {
	Now func() time.Time

	mu     sync.Mutex
	log    Log
	pub    Publisher
	logger *slog.Logger
}

func NewRecorder(log Log, pub Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{Now: time.Now, log: log, pub: pub, logger: logger.With("component", "recorder")}
}

// Record writes one event. A failed append still publishes the event, since
// the state change it describes is already committed, and returns an error
// wrapping models.ErrStorageUnavailable alongside the event.
func (r *Recorder) Record(ctx context.Context, action models.Action, details map[string]any, actorID string) (models.ActivityEvent, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	evt := models.ActivityEvent{
		ID:        uuid.NewString(),
		Action:    action,
		Details:   details,
		ActorID:   actorID,
		CreatedAt: now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var appendErr error
	if err := r.log.Append(ctx, &evt); err != nil {
		observability.EventAppendFailures.Inc()
		r.logger.Warn("event append failed; audit trail incomplete", "action", action, "event_id", evt.ID, "error", err)
		if !errors.Is(err, models.ErrStorageUnavailable) {
			err = fmt.Errorf("%v: %w", err, models.ErrStorageUnavailable)
		}
		appendErr = err
	}
	observability.EventsRecordedTotal.WithLabelValues(string(action)).Inc()
	if r.pub != nil {
		r.pub.Publish(evt)
	}
	return evt, appendErr
}

// Recent proxies to the underlying log.
func (r *Recorder) Recent(ctx context.Context, limit int, before Cursor) ([]models.ActivityEvent, error) {
	return r.log.Recent(ctx, limit, before)
}
