package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/example/pickup-ops/internal/dispatch"
	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
)

type Recorder interface {
	Record(ctx context.Context, action models.Action, details map[string]any, actorID string) (models.ActivityEvent, error)
}

// PricingSource exposes the current per-kg rates.
type PricingSource interface {
	Get() models.OperationalSettings
}

// Worker pays requesters for collected pickups.
type Worker struct {
	payer    Payer
	pricing  PricingSource
	events   Recorder
	currency string
	logger   *slog.Logger
}

func NewWorker(payer Payer, pricing PricingSource, events Recorder, currency string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{payer: payer, pricing: pricing, events: events, currency: currency, logger: logger.With("component", "payouts")}
}

// Run handles PICKUP_COLLECTED events from sub until ctx ends or the
// registry shuts down.
func (w *Worker) Run(ctx context.Context, sub dispatch.Subscriber) error {
	return dispatch.Consume(ctx, sub, w.logger, func(ctx context.Context, evt models.ActivityEvent) {
		if evt.Action != models.ActionPickupCollected {
			return
		}
		if err := w.Handle(ctx, evt); err != nil {
			w.logger.Error("payout failed", "event_id", evt.ID, "pickup_id", evt.DetailString("pickup_id"), "error", err)
		}
	})
}

// Handle pays out one collection event and records PAYOUT_ISSUED.
func (w *Worker) Handle(ctx context.Context, evt models.ActivityEvent) error {
	p, err := w.Quote(evt)
	if err != nil {
		observability.PayoutsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	if p.AmountCents <= 0 {
		observability.PayoutsTotal.WithLabelValues("skipped").Inc()
		w.logger.Info("nothing to pay", "pickup_id", p.PickupID)
		return nil
	}

	ref, err := w.payer.Pay(ctx, p)
	if errors.Is(err, ErrNoDestination) {
		observability.PayoutsTotal.WithLabelValues("skipped").Inc()
		w.logger.Info("payout skipped", "pickup_id", p.PickupID, "reason", err)
		return nil
	}
	if err != nil {
		observability.PayoutsTotal.WithLabelValues("failed").Inc()
		return err
	}
	observability.PayoutsTotal.WithLabelValues("ok").Inc()

	_, err = w.events.Record(ctx, models.ActionPayoutIssued, map[string]any{
		"pickup_id":    p.PickupID,
		"requester_id": p.RequesterID,
		"amount_cents": p.AmountCents,
		"currency":     p.Currency,
		"reference":    ref,
	}, "")
	return err
}

// Quote prices a PICKUP_COLLECTED event against the current rates. Waste
// types without a rate are paid at zero.
func (w *Worker) Quote(evt models.ActivityEvent) (Payout, error) {
	pickupID := evt.DetailString("pickup_id")
	if pickupID == "" {
		return Payout{}, fmt.Errorf("event %s has no pickup_id: %w", evt.ID, models.ErrValidation)
	}
	weights, err := Weights(evt.Details["weights"])
	if err != nil {
		return Payout{}, fmt.Errorf("event %s: %w", evt.ID, err)
	}
	rates := w.pricing.Get().Pricing
	var total float64
	for wasteType, kg := range weights {
		rate, ok := rates[wasteType]
		if !ok {
			w.logger.Warn("no rate for waste type", "waste_type", wasteType, "pickup_id", pickupID)
			continue
		}
		total += kg * rate
	}
	return Payout{
		PickupID:    pickupID,
		RequesterID: evt.DetailString("requester_id"),
		AmountCents: int64(math.Round(total * 100)),
		Currency:    w.currency,
		WeightsKg:   weights,
	}, nil
}

// Weights reads a weights detail as decoded in process (map[string]float64 or
// map[string]any) or from JSON (map[string]any of float64 or strings).
func Weights(v any) (map[string]float64, error) {
	switch m := v.(type) {
	case map[string]float64:
		out := make(map[string]float64, len(m))
		for k, kg := range m {
			out[k] = kg
		}
		return out, nil
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, raw := range m {
			switch n := raw.(type) {
			case float64:
				out[k] = n
			case int:
				out[k] = float64(n)
			case string:
				f, err := strconv.ParseFloat(n, 64)
				if err != nil {
					return nil, fmt.Errorf("weight for %q: %w", k, models.ErrValidation)
				}
				out[k] = f
			default:
				return nil, fmt.Errorf("weight for %q has type %T: %w", k, raw, models.ErrValidation)
			}
		}
		return out, nil
	case nil:
		return map[string]float64{}, nil
	default:
		return nil, fmt.Errorf("weights have type %T: %w", v, models.ErrValidation)
	}
}
