package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/pickup-ops/internal/models"
)

// PostgresLog stores events in the activity_events table; seq is a BIGSERIAL.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Append(ctx context.Context, evt *models.ActivityEvent) error {
	details, err := json.Marshal(evt.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	var actor any
	if evt.ActorID != "" {
		actor = evt.ActorID
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO activity_events (id, action, details, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		evt.ID, string(evt.Action), string(details), actor, evt.CreatedAt,
	).Scan(&evt.Seq)
	if err != nil {
		return fmt.Errorf("append event %s: %v: %w", evt.ID, err, models.ErrStorageUnavailable)
	}
	return nil
}

func (p *PostgresLog) Recent(ctx context.Context, limit int, before Cursor) ([]models.ActivityEvent, error) {
	limit = ClampLimit(limit)
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT seq, id, action, details, actor_id, created_at FROM activity_events`
	switch {
	case before.EventID != "":
		var seq int64
		err = p.db.QueryRowContext(ctx, `SELECT seq FROM activity_events WHERE id = $1`, before.EventID).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown cursor %q: %w", before.EventID, models.ErrValidation)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %v: %w", err, models.ErrStorageUnavailable)
		}
		rows, err = p.db.QueryContext(ctx, cols+` WHERE seq < $1 ORDER BY seq DESC LIMIT $2`, seq, limit)
	case !before.Time.IsZero():
		rows, err = p.db.QueryContext(ctx, cols+` WHERE created_at < $1 ORDER BY seq DESC LIMIT $2`, before.Time, limit)
	default:
		rows, err = p.db.QueryContext(ctx, cols+` ORDER BY seq DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %v: %w", err, models.ErrStorageUnavailable)
	}
	defer rows.Close()

	out := make([]models.ActivityEvent, 0, limit)
	for rows.Next() {
		var (
			e       models.ActivityEvent
			details []byte
			actor   sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Action, &details, &actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %v: %w", err, models.ErrStorageUnavailable)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details for %s: %w", e.ID, err)
			}
		}
		e.ActorID = actor.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %v: %w", err, models.ErrStorageUnavailable)
	}
	return out, nil
}
