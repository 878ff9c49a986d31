package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/transfer"
)

// ErrNoDestination means the requester has no connected payout account.
var ErrNoDestination = errors.New("requester has no payout account")

// Payout is the amount owed to a requester for one collected pickup.
type Payout struct {
	PickupID    string
	RequesterID string
	AmountCents int64
	Currency    string
	WeightsKg   map[string]float64
}

// Payer sends a payout and returns the provider's reference for it.
type Payer interface {
	Pay(ctx context.Context, p Payout) (string, error)
}

// StripePayer pays requesters through Stripe Connect transfers. Requester ids
// that are connected account ids ("acct_...") are paid directly.
type StripePayer struct{}

// NewStripePayer sets the global stripe key used by every transfer call.
func NewStripePayer(apiKey string) *StripePayer {
	stripe.Key = apiKey
	return &StripePayer{}
}

// Pay creates a transfer keyed on the pickup id, so a retried payout for the
// same pickup is deduplicated by Stripe.
func (s *StripePayer) Pay(ctx context.Context, p Payout) (string, error) {
	if !strings.HasPrefix(p.RequesterID, "acct_") {
		return "", fmt.Errorf("requester %s: %w", p.RequesterID, ErrNoDestination)
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		Destination:   stripe.String(p.RequesterID),
		TransferGroup: stripe.String(p.PickupID),
		Description:   stripe.String("Recycling payout for pickup " + p.PickupID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout-" + p.PickupID)
	params.AddMetadata("pickup_id", p.PickupID)
	for wasteType, kg := range p.WeightsKg {
		params.AddMetadata("kg_"+wasteType, fmt.Sprintf("%.3f", kg))
	}
	t, err := transfer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe transfer for pickup %s: %w", p.PickupID, err)
	}
	return t.ID, nil
}

// LogPayer only logs payouts. Used when no Stripe key is configured.
type LogPayer struct {
	Logger *slog.Logger
}

func (l LogPayer) Pay(_ context.Context, p Payout) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("payout (dry run)", "pickup_id", p.PickupID, "requester_id", p.RequesterID, "amount_cents", p.AmountCents, "currency", p.Currency)
	return "dryrun-" + p.PickupID, nil
}
