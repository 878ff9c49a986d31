package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/example/pickup-ops/internal/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func ev(id string, minute int) models.ActivityEvent {
	return models.ActivityEvent{ID: id, Action: models.ActionPickupCreated, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

type sink struct{ ids []string }

func (s *sink) render(evt models.ActivityEvent, d models.Display) {
	if d.Icon == "" {
		panic("missing icon")
	}
	s.ids = append(s.ids, evt.ID)
}

func TestPausedFeedKeepsEventsAndRendersOnResume(t *testing.T) {
	var out sink
	f := New(10, out.render)

	f.Receive(ev("a", 1))
	if !f.Toggle() {
		t.Fatal("toggle should pause")
	}
	if f.Receive(ev("b", 2)) {
		t.Fatal("paused feed rendered")
	}
	f.Receive(ev("c", 3))
	if f.Held() != 2 || len(f.Recent()) != 3 {
		t.Fatalf("held=%d window=%d", f.Held(), len(f.Recent()))
	}
	if n := f.Resume(); n != 2 {
		t.Fatalf("resumed %d", n)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if out.ids[i] != want[i] {
			t.Fatalf("render order %v", out.ids)
		}
	}
}

func TestReconcileMergesWithoutDuplicates(t *testing.T) {
	var out sink
	f := New(10, out.render)
	f.Receive(ev("b", 2))

	// history arrives newest first, overlapping with what was already seen
	added := f.Reconcile([]models.ActivityEvent{ev("c", 3), ev("b", 2), ev("a", 1)})
	if added != 2 {
		t.Fatalf("added %d", added)
	}
	if out.ids[1] != "a" || out.ids[2] != "c" {
		t.Fatalf("missed events not rendered oldest first: %v", out.ids)
	}
	recent := f.Recent()
	if recent[0].ID != "c" || recent[2].ID != "a" {
		t.Fatalf("window not newest first: %v", recent)
	}
	if f.Receive(ev("c", 3)) {
		t.Fatal("duplicate live event rendered")
	}
}

func TestWindowIsBounded(t *testing.T) {
	f := New(2, nil)
	f.Receive(ev("a", 1))
	f.Receive(ev("b", 2))
	f.Receive(ev("c", 3))
	recent := f.Recent()
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("unexpected window %v", recent)
	}
	if f.Reconcile([]models.ActivityEvent{ev("a", 1)}) != 0 {
		t.Fatal("trimmed event came back")
	}
}

func TestSeenIDsAreBounded(t *testing.T) {
	f := New(10, nil)
	for i := 0; i < 3*minSeen; i++ {
		f.Receive(ev(fmt.Sprintf("e%d", i), i))
	}
	if len(f.seen) != minSeen || len(f.order) != minSeen {
		t.Fatalf("seen grew to %d ids (%d ordered)", len(f.seen), len(f.order))
	}
	last := fmt.Sprintf("e%d", 3*minSeen-1)
	if f.Receive(ev(last, 3*minSeen-1)) {
		t.Fatal("recent duplicate rendered again")
	}
}
