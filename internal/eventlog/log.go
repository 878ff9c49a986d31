// Package eventlog is the append-only activity record and the recorder that
// feeds the live channel from it.
package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/pickup-ops/internal/models"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Log is the append-only event store. Append assigns evt.Seq.
type Log interface {
	Append(ctx context.Context, evt *models.ActivityEvent) error
	// Recent returns events newest first, strictly older than the cursor.
	Recent(ctx context.Context, limit int, before Cursor) ([]models.ActivityEvent, error)
}

// Cursor bounds a Recent query. At most one field is set.
type Cursor struct {
	EventID string
	Time    time.Time
}

func (c Cursor) IsZero() bool { return c.EventID == "" && c.Time.IsZero() }

// ParseCursor reads an RFC 3339 timestamp or, failing that, an event id.
func ParseCursor(s string) Cursor {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Cursor{Time: t}
	}
	return Cursor{EventID: s}
}

// ClampLimit maps a requested page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

type MemoryLog struct {
	mu     sync.RWMutex
	events []models.ActivityEvent
	byID   map[string]int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]int)}
}

func (m *MemoryLog) Append(_ context.Context, evt *models.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[evt.ID]; dup {
		return fmt.Errorf("event %s already appended: %w", evt.ID, models.ErrValidation)
	}
	evt.Seq = int64(len(m.events) + 1)
	m.byID[evt.ID] = len(m.events)
	m.events = append(m.events, copyEvent(*evt))
	return nil
}

func (m *MemoryLog) Recent(_ context.Context, limit int, before Cursor) ([]models.ActivityEvent, error) {
	limit = ClampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	end := len(m.events)
	if before.EventID != "" {
		idx, ok := m.byID[before.EventID]
		if !ok {
			return nil, fmt.Errorf("unknown cursor %q: %w", before.EventID, models.ErrValidation)
		}
		end = idx
	}
	out := make([]models.ActivityEvent, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if !before.Time.IsZero() && !e.CreatedAt.Before(before.Time) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	return out, nil
}

// Len reports the number of stored events.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func copyEvent(e models.ActivityEvent) models.ActivityEvent {
	if e.Details != nil {
		d := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}
