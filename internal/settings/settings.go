// Package settings holds the operational pricing table and service zones.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
)

// Recorder appends activity events.
type Recorder interface {
	Record(ctx context.Context, action models.Action, details map[string]any, actorID string) (models.ActivityEvent, error)
}

// Patch is a partial update. A nil field leaves that group untouched.
// Pricing entries merge one by one; Zones replaces the whole set.
type Patch struct {
	Pricing map[string]any `json:"pricing,omitempty"`
	Zones   []string       `json:"zones,omitempty"`
}

// Defaults is the seed used when nothing has been persisted yet.
func Defaults() models.OperationalSettings {
	return models.OperationalSettings{
		Pricing: map[string]float64{
			"plastic": 0.30,
			"paper":   0.10,
			"metal":   0.80,
			"glass":   0.05,
			"organic": 0.02,
			"e-waste": 1.50,
		},
		Zones:   []string{"Downtown", "North", "South", "East", "West"},
		Version: 1,
	}
}

type Store struct {
	Now func() time.Time

	mu      sync.RWMutex
	current models.OperationalSettings
	repo    Repository
	events  Recorder
	logger  *slog.Logger
}

// Open loads persisted settings, seeding and saving Defaults on first run.
func Open(ctx context.Context, repo Repository, events Recorder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{Now: time.Now, repo: repo, events: events, logger: logger.With("component", "settings")}

	cur, found, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !found {
		cur = Defaults()
		cur.UpdatedAt = s.Now().UTC()
		if err := repo.Save(ctx, cur); err != nil {
			s.logger.Warn("could not persist default settings", "error", err)
		}
	}
	s.current = cur.Clone()
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() models.OperationalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// HasZone reports whether label is a configured zone.
func (s *Store) HasZone(label string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.HasZone(label)
}

// Update validates p, applies it as a read-modify-write and records
// SETTINGS_UPDATED. Concurrent updates are last-writer-wins per field group.
// On a persistence or audit failure the new snapshot is still returned,
// together with an error wrapping models.ErrStorageUnavailable.
func (s *Store) Update(ctx context.Context, p Patch, actorID string) (models.OperationalSettings, error) {
	pricing, zones, err := validate(p)
	if err != nil {
		observability.SettingsUpdatesTotal.WithLabelValues("rejected").Inc()
		return models.OperationalSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	var fields []string
	if pricing != nil {
		for k, v := range pricing {
			next.Pricing[k] = v
		}
		fields = append(fields, "pricing")
	}
	if zones != nil {
		next.Zones = zones
		fields = append(fields, "zones")
	}
	next.Version++
	next.UpdatedAt = s.Now().UTC()
	s.current = next

	var errs []error
	if err := s.repo.Save(ctx, next); err != nil {
		s.logger.Error("settings persisted in memory only", "version", next.Version, "error", err)
		errs = append(errs, err)
	}

	details := map[string]any{"fields": fields, "version": next.Version}
	if pricing != nil {
		details["pricing"] = pricing
	}
	if zones != nil {
		details["zones"] = append([]string(nil), zones...)
	}
	if s.events != nil {
		if _, err := s.events.Record(ctx, models.ActionSettingsUpdated, details, actorID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		observability.SettingsUpdatesTotal.WithLabelValues("storage_error").Inc()
		return next.Clone(), err
	}
	observability.SettingsUpdatesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("settings updated", "version", next.Version, "fields", fields, "actor_id", actorID)
	return next.Clone(), nil
}

func validate(p Patch) (map[string]float64, []string, error) {
	if p.Pricing == nil && p.Zones == nil {
		return nil, nil, fmt.Errorf("nothing to update: %w", models.ErrValidation)
	}
	var pricing map[string]float64
	if p.Pricing != nil {
		pricing = make(map[string]float64, len(p.Pricing))
		keys := make([]string, 0, len(p.Pricing))
		for k := range p.Pricing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			wasteType := strings.ToLower(strings.TrimSpace(k))
			if wasteType == "" {
				return nil, nil, fmt.Errorf("pricing key must not be empty: %w", models.ErrValidation)
			}
			if _, dup := pricing[wasteType]; dup {
				return nil, nil, fmt.Errorf("pricing key %q given more than once: %w", wasteType, models.ErrValidation)
			}
			rate, ok := toFloat(p.Pricing[k])
			if !ok {
				return nil, nil, fmt.Errorf("pricing for %q is not a number: %w", k, models.ErrValidation)
			}
			if rate < 0 {
				return nil, nil, fmt.Errorf("pricing for %q must not be negative: %w", k, models.ErrValidation)
			}
			pricing[wasteType] = rate
		}
	}

	var zones []string
	if p.Zones != nil {
		zones = make([]string, 0, len(p.Zones))
		seen := make(map[string]struct{}, len(p.Zones))
		for _, z := range p.Zones {
			label := strings.TrimSpace(z)
			if label == "" {
				return nil, nil, fmt.Errorf("zone labels must not be empty: %w", models.ErrValidation)
			}
			if _, dup := seen[label]; dup {
				return nil, nil, fmt.Errorf("duplicate zone %q: %w", label, models.ErrValidation)
			}
			seen[label] = struct{}{}
			zones = append(zones, label)
		}
	}
	return pricing, zones, nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
