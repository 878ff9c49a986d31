package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("session exceeded pending event limit")
)

// Session is one delivery target. Events queue without bound (up to the
// registry's pending limit) until the consumer drains them.
type Session struct {
	id    string
	ready chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	queue  []models.ActivityEvent
	closed bool
	err    error
}

func newSession() *Session {
	return &Session{
		id:    uuid.NewString(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Ready fires when events may be waiting. Spurious wakeups are possible.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed once the session is unsubscribed or evicted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed: ErrSessionClosed or ErrSlowConsumer.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Drain removes and returns every queued event in delivery order.
func (s *Session) Drain() []models.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Next blocks until an event is available, the session closes, or ctx ends.
func (s *Session) Next(ctx context.Context) (models.ActivityEvent, error) {
	for {
		s.mu.Lock()
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return models.ActivityEvent{}, err
		}
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = models.ActivityEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return models.ActivityEvent{}, ctx.Err()
		}
	}
}

// enqueue never blocks. It returns false when the session is over limit.
func (s *Session) enqueue(evt models.ActivityEvent, limit int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if limit > 0 && len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = reason
	s.queue = nil
	close(s.done)
	return true
}

// Registry is the live channel distributor: it fans every published event
// out to all subscribed sessions.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	maxPending int
	logger     *slog.Logger
}

// NewRegistry builds a registry. maxPending <= 0 disables eviction.
func NewRegistry(maxPending int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		maxPending: maxPending,
		logger:     logger.With("component", "live"),
	}
}

// Subscribe registers a new session. No history is replayed; callers
// reconcile through the activity log.
func (r *Registry) Subscribe() *Session {
	s := newSession()
	r.mu.Lock()
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()
	observability.LiveSessions.Set(float64(n))
	r.logger.Debug("session subscribed", "session_id", s.id, "sessions", n)
	return s
}

// Unsubscribe is idempotent and safe on sessions that were already evicted.
func (r *Registry) Unsubscribe(s *Session) {
	if s == nil {
		return
	}
	r.remove(s, ErrSessionClosed)
}

// Publish enqueues evt on every session without waiting on any consumer.
func (r *Registry) Publish(evt models.ActivityEvent) {
	var overflow []*Session
	r.mu.RLock()
	for _, s := range r.sessions {
		if !s.enqueue(evt, r.maxPending) {
			overflow = append(overflow, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range overflow {
		if r.remove(s, ErrSlowConsumer) {
			observability.LiveEvictionsTotal.Inc()
			r.logger.Warn("session evicted", "session_id", s.id, "limit", r.maxPending)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close ends every session, for server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close(ErrSessionClosed)
	}
	observability.LiveSessions.Set(0)
}

func (r *Registry) remove(s *Session, reason error) bool {
	r.mu.Lock()
	delete(r.sessions, s.id)
	n := len(r.sessions)
	r.mu.Unlock()
	observability.LiveSessions.Set(float64(n))
	return s.close(reason)
}
