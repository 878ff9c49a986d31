package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/pickup-ops/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const pickupColumns = `id, requester_id, waste_types, zone, notes, status, assigned_driver_id,
	collected_weights, cancel_reason, created_at, updated_at`

func (p *PostgresStore) GetPickup(ctx context.Context, id string) (models.PickupRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE id = $1`, id)
	pr, err := scanPickup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PickupRequest{}, fmt.Errorf("pickup %q: %w", id, models.ErrNotFound)
	}
	return pr, err
}

func (p *PostgresStore) ListPickups(ctx context.Context) ([]models.PickupRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+pickupColumns+` FROM pickups ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PickupRequest
	for rows.Next() {
		pr, err := scanPickup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	var d models.Driver
	err := p.db.QueryRowContext(ctx, `SELECT id, name, availability, updated_at FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Availability, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, fmt.Errorf("driver %q: %w", id, models.ErrNotFound)
	}
	return d, err
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, availability, updated_at FROM drivers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var d models.Driver
		if err := rows.Scan(&d.ID, &d.Name, &d.Availability, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Commit writes c in one transaction. Guarded writes become conditional
// UPDATEs, so a second replica acting on stale state affects no rows.
// Database failures wrap models.ErrStorageUnavailable.
func (p *PostgresStore) Commit(ctx context.Context, c Change) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	if pr := c.Pickup; pr != nil {
		if err := writePickup(ctx, tx, pr, c.PickupFrom); err != nil {
			return err
		}
	}
	if d := c.Driver; d != nil {
		if err := writeDriver(ctx, tx, d, c.DriverFrom); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func writePickup(ctx context.Context, tx *sql.Tx, pr *models.PickupRequest, from models.PickupStatus) error {
	weights, err := json.Marshal(pr.CollectedWeights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	if from == "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pickups (`+pickupColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				assigned_driver_id = EXCLUDED.assigned_driver_id,
				collected_weights = EXCLUDED.collected_weights,
				cancel_reason = EXCLUDED.cancel_reason,
				updated_at = EXCLUDED.updated_at`,
			pr.ID, pr.RequesterID, pq.Array(pr.WasteTypes), nullable(pr.Zone), nullable(pr.Notes),
			string(pr.Status), nullable(pr.AssignedDriverID), string(weights), nullable(pr.CancelReason),
			pr.CreatedAt, pr.UpdatedAt)
		if err != nil {
			return unavailable("upsert pickup "+pr.ID, err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE pickups SET
			status = $2,
			assigned_driver_id = $3,
			collected_weights = $4,
			cancel_reason = $5,
			updated_at = $6
		WHERE id = $1 AND status = $7`,
		pr.ID, string(pr.Status), nullable(pr.AssignedDriverID), string(weights), nullable(pr.CancelReason),
		pr.UpdatedAt, string(from))
	if err != nil {
		return unavailable("update pickup "+pr.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("update pickup "+pr.ID, err)
	} else if n == 0 {
		return stalePickup(pr.ID, from)
	}
	return nil
}

func writeDriver(ctx context.Context, tx *sql.Tx, d *models.Driver, from models.Availability) error {
	if from == "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO drivers (id, name, availability, updated_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				availability = EXCLUDED.availability,
				updated_at = EXCLUDED.updated_at`,
			d.ID, d.Name, string(d.Availability), d.UpdatedAt)
		if err != nil {
			return unavailable("upsert driver "+d.ID, err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE drivers SET availability = $2, updated_at = $3
		WHERE id = $1 AND availability = $4`,
		d.ID, string(d.Availability), d.UpdatedAt, string(from))
	if err != nil {
		return unavailable("update driver "+d.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("update driver "+d.ID, err)
	} else if n == 0 {
		return staleDriver(d.ID, from)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, models.ErrStorageUnavailable)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPickup(row scanner) (models.PickupRequest, error) {
	var pr models.PickupRequest
	var zone, notes, driverID, reason sql.NullString
	var weights []byte
	err := row.Scan(&pr.ID, &pr.RequesterID, pq.Array(&pr.WasteTypes), &zone, &notes, &pr.Status,
		&driverID, &weights, &reason, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return models.PickupRequest{}, err
	}
	pr.Zone = zone.String
	pr.Notes = notes.String
	pr.AssignedDriverID = driverID.String
	pr.CancelReason = reason.String
	if len(weights) > 0 {
		if err := json.Unmarshal(weights, &pr.CollectedWeights); err != nil {
			return models.PickupRequest{}, fmt.Errorf("decode weights for %s: %w", pr.ID, err)
		}
	}
	return pr, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
