package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/pickup-ops/internal/models"
)

// fakeProjector implements Projector for tests. Apply stages its writes and
// discards them on failure, as MULTI/EXEC does.
type fakeProjector struct {
	failIncr   int // Apply calls to fail on the count increment
	failFloat  int // Apply calls to fail on the first weight increment
	applyCalls int
	seen       map[string]bool
	counts     map[string]int64
	kg         map[string]float64
}

func newFake() *fakeProjector {
	return &fakeProjector{seen: map[string]bool{}, counts: map[string]int64{}, kg: map[string]float64{}}
}

func (f *fakeProjector) MarkSeen(_ context.Context, id string) (bool, error) {
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

func (f *fakeProjector) Forget(_ context.Context, id string) error {
	delete(f.seen, id)
	return nil
}

func (f *fakeProjector) Apply(_ context.Context, action string, weights map[string]float64) error {
	f.applyCalls++
	if f.failIncr > 0 {
		f.failIncr--
		return errors.New("hincrby fail")
	}
	kg := make(map[string]float64, len(weights))
	for wasteType, w := range weights {
		if f.failFloat > 0 {
			f.failFloat--
			return errors.New("hincrbyfloat fail")
		}
		kg[wasteType] = w
	}
	f.counts[action]++
	for wasteType, w := range kg {
		f.kg[wasteType] += w
	}
	return nil
}

func message(t *testing.T, evt models.ActivityEvent) []byte {
	t.Helper()
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleMessage_ProjectsCollectedWeights(t *testing.T) {
	f := newFake()
	evt := models.ActivityEvent{ID: "e1", Action: models.ActionPickupCollected, Details: map[string]any{
		"pickup_id": "p1",
		"weights":   map[string]float64{"metal": 3.2},
	}}
	if err := handleMessage(context.Background(), f, message(t, evt), 3, time.Millisecond); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.counts[string(models.ActionPickupCollected)] != 1 || f.kg["metal"] != 3.2 {
		t.Fatalf("unexpected projection counts=%v kg=%v", f.counts, f.kg)
	}
}

func TestHandleMessage_SkipsRedelivery(t *testing.T) {
	f := newFake()
	b := message(t, models.ActivityEvent{ID: "e1", Action: models.ActionPickupCreated})
	for i := 0; i < 2; i++ {
		if err := handleMessage(context.Background(), f, b, 3, time.Millisecond); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if f.counts[string(models.ActionPickupCreated)] != 1 {
		t.Fatalf("redelivered event counted twice: %v", f.counts)
	}
}

func TestHandleMessage_SucceedsAfterRetries(t *testing.T) {
	f := newFake()
	f.failIncr = 2
	start := time.Now()
	b := message(t, models.ActivityEvent{ID: "e1", Action: models.ActionPickupCreated})
	if err := handleMessage(context.Background(), f, b, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.applyCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.applyCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestHandleMessage_FailsWhenExhaustedAndForgets(t *testing.T) {
	f := newFake()
	f.failIncr = 5
	b := message(t, models.ActivityEvent{ID: "e1", Action: models.ActionPickupCreated})
	if err := handleMessage(context.Background(), f, b, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.seen["e1"] {
		t.Fatalf("failed event still marked seen; redelivery would be skipped")
	}
}

func TestHandleMessage_RejectsGarbage(t *testing.T) {
	f := newFake()
	for _, b := range [][]byte{[]byte("not json"), []byte(`{"id":""}`)} {
		if err := handleMessage(context.Background(), f, b, 3, time.Millisecond); !errors.Is(err, errInvalidMessage) {
			t.Fatalf("expected invalid message, got %v", err)
		}
	}
}

func TestHandleMessage_RetryAfterWeightFailureCountsOnce(t *testing.T) {
	f := newFake()
	f.failFloat = 1
	evt := models.ActivityEvent{ID: "e1", Action: models.ActionPickupCollected, Details: map[string]any{
		"weights": map[string]float64{"metal": 2, "glass": 1.5},
	}}
	if err := handleMessage(context.Background(), f, message(t, evt), 3, time.Millisecond); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.applyCalls != 2 {
		t.Fatalf("expected one retry, got %d calls", f.applyCalls)
	}
	if got := f.counts[string(models.ActionPickupCollected)]; got != 1 {
		t.Fatalf("event counted %d times", got)
	}
	if f.kg["metal"] != 2 || f.kg["glass"] != 1.5 {
		t.Fatalf("weights applied more than once: %v", f.kg)
	}
}
