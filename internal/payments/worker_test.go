package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/pickup-ops/internal/models"
)

type staticPricing map[string]float64

func (s staticPricing) Get() models.OperationalSettings {
	return models.OperationalSettings{Pricing: s}
}

type fakePayer struct {
	paid []Payout
	err  error
}

func (f *fakePayer) Pay(_ context.Context, p Payout) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.paid = append(f.paid, p)
	return "tr_" + p.PickupID, nil
}

type fakeRecorder struct {
	events []models.ActivityEvent
}

func (f *fakeRecorder) Record(_ context.Context, action models.Action, details map[string]any, actorID string) (models.ActivityEvent, error) {
	e := models.ActivityEvent{Action: action, Details: details, ActorID: actorID}
	f.events = append(f.events, e)
	return e, nil
}

func collected(weights any) models.ActivityEvent {
	return models.ActivityEvent{
		ID:     "evt-1",
		Action: models.ActionPickupCollected,
		Details: map[string]any{
			"pickup_id":    "p1",
			"requester_id": "acct_123",
			"weights":      weights,
		},
	}
}

func TestQuoteSumsWeightTimesRate(t *testing.T) {
	w := NewWorker(&fakePayer{}, staticPricing{"metal": 0.80, "paper": 0.10}, &fakeRecorder{}, "usd", nil)
	p, err := w.Quote(collected(map[string]any{"metal": 3.2, "paper": 1.0, "mystery": 9.0}))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 3.2*0.80 + 1.0*0.10 = 2.66
	if p.AmountCents != 266 || p.Currency != "usd" || p.RequesterID != "acct_123" {
		t.Fatalf("unexpected payout %+v", p)
	}
}

func TestHandlePaysAndRecords(t *testing.T) {
	payer := &fakePayer{}
	rec := &fakeRecorder{}
	w := NewWorker(payer, staticPricing{"metal": 1}, rec, "usd", nil)

	if err := w.Handle(context.Background(), collected(map[string]float64{"metal": 2})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(payer.paid) != 1 || payer.paid[0].AmountCents != 200 {
		t.Fatalf("unexpected payments %+v", payer.paid)
	}
	if len(rec.events) != 1 || rec.events[0].Action != models.ActionPayoutIssued || rec.events[0].Details["reference"] != "tr_p1" {
		t.Fatalf("unexpected events %+v", rec.events)
	}
}

func TestHandleSkipsWithoutDestinationOrAmount(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWorker(&fakePayer{err: ErrNoDestination}, staticPricing{"metal": 1}, rec, "usd", nil)
	if err := w.Handle(context.Background(), collected(map[string]any{"metal": 1.0})); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}

	w = NewWorker(&fakePayer{}, staticPricing{}, rec, "usd", nil)
	if err := w.Handle(context.Background(), collected(map[string]any{"metal": 1.0})); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("skipped payouts recorded events: %+v", rec.events)
	}
}

func TestHandlePropagatesPayerFailure(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWorker(&fakePayer{err: errors.New("card_declined")}, staticPricing{"metal": 1}, rec, "usd", nil)
	if err := w.Handle(context.Background(), collected(map[string]any{"metal": 1.0})); err == nil {
		t.Fatal("expected error")
	}
	if len(rec.events) != 0 {
		t.Fatalf("failed payout recorded an event")
	}
}

func TestWeightsRejectsGarbage(t *testing.T) {
	for _, v := range []any{"3kg", map[string]any{"metal": true}, map[string]any{"metal": "x"}} {
		if _, err := Weights(v); !errors.Is(err, models.ErrValidation) {
			t.Errorf("Weights(%v) = %v, want validation error", v, err)
		}
	}
}

func TestStripePayerRequiresConnectedAccount(t *testing.T) {
	_, err := (&StripePayer{}).Pay(context.Background(), Payout{PickupID: "p1", RequesterID: "user-1", AmountCents: 100, Currency: "usd"})
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}
