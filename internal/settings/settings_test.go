package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-ops/internal/models"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []models.ActivityEvent
	err    error
}

func (f *fakeRecorder) Record(_ context.Context, action models.Action, details map[string]any, actorID string) (models.ActivityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := models.ActivityEvent{ID: "evt", Action: action, Details: details, ActorID: actorID}
	f.events = append(f.events, e)
	return e, f.err
}

func newStore(t *testing.T, rec Recorder) *Store {
	t.Helper()
	s, err := Open(context.Background(), NewMemoryRepository(), rec, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestUpdatePricingLeavesOtherEntries(t *testing.T) {
	rec := &fakeRecorder{}
	s := newStore(t, rec)
	before := s.Get()

	got, err := s.Update(context.Background(), Patch{Pricing: map[string]any{"plastic": 0.5}}, "admin-1")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Pricing["plastic"] != 0.5 {
		t.Fatalf("plastic = %v", got.Pricing["plastic"])
	}
	after := s.Get()
	for k, v := range before.Pricing {
		if k == "plastic" {
			continue
		}
		if after.Pricing[k] != v {
			t.Fatalf("pricing[%s] changed from %v to %v", k, v, after.Pricing[k])
		}
	}
	if len(after.Zones) != len(before.Zones) {
		t.Fatalf("zones changed on a pricing-only update")
	}
	if after.Version != before.Version+1 {
		t.Fatalf("version not advanced: %d -> %d", before.Version, after.Version)
	}
	if len(rec.events) != 1 || rec.events[0].Action != models.ActionSettingsUpdated || rec.events[0].ActorID != "admin-1" {
		t.Fatalf("unexpected events %+v", rec.events)
	}
}

func TestUpdateRejectsInvalidInput(t *testing.T) {
	cases := map[string]Patch{
		"negative rate": {Pricing: map[string]any{"plastic": -1.0}},
		"string rate":   {Pricing: map[string]any{"plastic": "cheap"}},
		"nil rate":      {Pricing: map[string]any{"plastic": nil}},
		"blank key":     {Pricing: map[string]any{"  ": 1.0}},
		"colliding key": {Pricing: map[string]any{"Plastic": 0.5, " plastic": 0.4}},
		"empty zone":    {Zones: []string{"North", "  "}},
		"dup zone":      {Zones: []string{"North", " North "}},
		"empty patch":   {},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &fakeRecorder{}
			s := newStore(t, rec)
			before := s.Get()
			if _, err := s.Update(context.Background(), p, "admin"); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			after := s.Get()
			if after.Version != before.Version || after.Pricing["plastic"] != before.Pricing["plastic"] || len(after.Zones) != len(before.Zones) {
				t.Fatalf("settings modified by rejected update")
			}
			if len(rec.events) != 0 {
				t.Fatalf("rejected update recorded an event")
			}
		})
	}
}

func TestUpdateZonesReplacesWholeSet(t *testing.T) {
	s := newStore(t, &fakeRecorder{})
	got, err := s.Update(context.Background(), Patch{Zones: []string{" Harbor ", "Airport"}}, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(got.Zones) != 2 || got.Zones[0] != "Harbor" || got.Zones[1] != "Airport" {
		t.Fatalf("unexpected zones %v", got.Zones)
	}
	if !s.HasZone("Harbor") || s.HasZone("North") {
		t.Fatalf("zone membership not replaced")
	}
}

func TestUpdateAcceptsJSONNumbers(t *testing.T) {
	var p Patch
	dec := json.NewDecoder(strings.NewReader(`{"pricing":{"Metal":1.25}}`))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	s := newStore(t, &fakeRecorder{})
	got, err := s.Update(context.Background(), p, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Pricing["metal"] != 1.25 {
		t.Fatalf("expected normalised key metal=1.25, got %v", got.Pricing)
	}
}

func TestUpdateAuditFailureKeepsNewSettings(t *testing.T) {
	rec := &fakeRecorder{err: models.ErrStorageUnavailable}
	s := newStore(t, rec)
	got, err := s.Update(context.Background(), Patch{Pricing: map[string]any{"glass": 0.07}}, "")
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if got.Pricing["glass"] != 0.07 || s.Get().Pricing["glass"] != 0.07 {
		t.Fatalf("committed update lost after audit failure")
	}
}

func TestConcurrentUpdatesAllApply(t *testing.T) {
	s := newStore(t, &fakeRecorder{})
	start := s.Get().Version
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update(context.Background(), Patch{Pricing: map[string]any{"paper": float64(i)}}, "")
		}(i)
	}
	wg.Wait()
	if got := s.Get().Version; got != start+20 {
		t.Fatalf("expected version %d, got %d (lost update)", start+20, got)
	}
}

// fakeKV is an in-memory stand-in for the redis client.
type fakeKV struct {
	data   map[string]string
	setErr error
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func TestRedisRepositoryPersistsAcrossOpen(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}}
	ctx := context.Background()

	s1, err := Open(ctx, NewRedisRepository(kv, "ops:settings"), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s1.Update(ctx, Patch{Pricing: map[string]any{"plastic": 0.5}}, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	s2, err := Open(ctx, NewRedisRepository(kv, "ops:settings"), nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.Get(); got.Pricing["plastic"] != 0.5 || got.Version != 2 {
		t.Fatalf("settings not restored: %+v", got)
	}
}

func TestRedisRepositorySaveFailure(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}}
	s, err := Open(context.Background(), NewRedisRepository(kv, "k"), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	kv.setErr = errors.New("connection refused")
	got, err := s.Update(context.Background(), Patch{Zones: []string{"Harbor"}}, "")
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if len(got.Zones) != 1 || got.Zones[0] != "Harbor" {
		t.Fatalf("in-memory update should remain applied: %+v", got)
	}
}
