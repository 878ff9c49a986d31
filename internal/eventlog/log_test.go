package eventlog

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/storage"
)

func seed(t *testing.T, l Log, n int, base time.Time) []models.ActivityEvent {
	t.Helper()
	out := make([]models.ActivityEvent, 0, n)
	for i := 0; i < n; i++ {
		e := models.ActivityEvent{
			ID:        "e" + string(rune('a'+i)),
			Action:    models.ActionPickupCreated,
			Details:   map[string]any{"pickup_id": "p"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := l.Append(context.Background(), &e); err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestMemoryLogRecentNewestFirst(t *testing.T) {
	l := NewMemoryLog()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	seed(t, l, 5, base)

	got, err := l.Recent(context.Background(), 3, Cursor{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 || got[0].ID != "ee" || got[2].ID != "ec" {
		t.Fatalf("unexpected page %+v", ids(got))
	}
	if got[0].Seq != 5 {
		t.Fatalf("expected seq 5, got %d", got[0].Seq)
	}
}

func TestMemoryLogPaginateByEventID(t *testing.T) {
	l := NewMemoryLog()
	seed(t, l, 5, time.Now())

	page1, _ := l.Recent(context.Background(), 2, Cursor{})
	page2, err := l.Recent(context.Background(), 2, Cursor{EventID: page1[len(page1)-1].ID})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if got := ids(page2); len(got) != 2 || got[0] != "ec" || got[1] != "eb" {
		t.Fatalf("unexpected second page %v", got)
	}
	page3, _ := l.Recent(context.Background(), 2, Cursor{EventID: "eb"})
	if got := ids(page3); len(got) != 1 || got[0] != "ea" {
		t.Fatalf("unexpected last page %v", got)
	}
}

func TestMemoryLogPaginateByTime(t *testing.T) {
	l := NewMemoryLog()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	seed(t, l, 5, base)

	got, err := l.Recent(context.Background(), 10, Cursor{Time: base.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if ids := ids(got); len(ids) != 2 || ids[0] != "eb" || ids[1] != "ea" {
		t.Fatalf("unexpected events before cursor: %v", ids)
	}
}

func TestMemoryLogUnknownCursor(t *testing.T) {
	l := NewMemoryLog()
	if _, err := l.Recent(context.Background(), 10, Cursor{EventID: "missing"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseCursorAndClamp(t *testing.T) {
	if c := ParseCursor("2024-05-01T10:00:00Z"); c.Time.IsZero() || c.EventID != "" {
		t.Fatalf("expected time cursor, got %+v", c)
	}
	if c := ParseCursor("3f1c"); c.EventID != "3f1c" {
		t.Fatalf("expected id cursor, got %+v", c)
	}
	if !ParseCursor("  ").IsZero() {
		t.Fatalf("blank cursor should be zero")
	}
	if ClampLimit(0) != DefaultLimit || ClampLimit(10_000) != MaxLimit || ClampLimit(7) != 7 {
		t.Fatalf("unexpected clamp results")
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (c *capturePublisher) Publish(evt models.ActivityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

type failingLog struct{ MemoryLog }

func (f *failingLog) Append(context.Context, *models.ActivityEvent) error {
	return errors.New("disk full")
}

func TestRecorderPublishesInAppendOrder(t *testing.T) {
	l := NewMemoryLog()
	pub := &capturePublisher{}
	r := NewRecorder(l, pub, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Record(context.Background(), models.ActionPickupCreated, nil, ""); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(pub.events) != 50 {
		t.Fatalf("expected 50 published, got %d", len(pub.events))
	}
	for i, e := range pub.events {
		if e.Seq != int64(i+1) {
			t.Fatalf("publish order diverged from log order at %d: seq=%d", i, e.Seq)
		}
	}
}

func TestRecorderAppendFailureStillPublishes(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRecorder(&failingLog{}, pub, nil)
	evt, err := r.Record(context.Background(), models.ActionSettingsUpdated, map[string]any{"fields": []string{"zones"}}, "admin")
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if evt.ID == "" || len(pub.events) != 1 || pub.events[0].ID != evt.ID {
		t.Fatalf("event should still be published, got %+v", pub.events)
	}
}

func TestPostgresLogRecent(t *testing.T) {
	dsn := os.Getenv("OPS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("OPS_TEST_PG_DSN not set; skipping DB-backed event log test")
	}
	ctx := context.Background()
	db, err := storage.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(ctx, db, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE TABLE activity_events"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	l := NewPostgresLog(db)
	seed(t, l, 4, time.Now().UTC())
	got, err := l.Recent(ctx, 2, Cursor{EventID: "ec"})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if ids := ids(got); len(ids) != 2 || ids[0] != "eb" || ids[1] != "ea" {
		t.Fatalf("unexpected page %v", ids)
	}
}

func ids(es []models.ActivityEvent) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
