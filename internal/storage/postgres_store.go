package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_create_trips.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply 001_create_trips.sql: %w", err)
	}
	return nil
}

const upsertTrip = `
INSERT INTO trips (id, request_id, rider_id, driver_id, vehicle_class, state,
    pickup_lat, pickup_lng, dest_lat, dest_lng, estimated_amount, final_amount,
    currency, payment_status, history_len, doc, matched_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    final_amount = EXCLUDED.final_amount,
    payment_status = EXCLUDED.payment_status,
    history_len = EXCLUDED.history_len,
    doc = EXCLUDED.doc,
    updated_at = now()
WHERE trips.history_len <= EXCLUDED.history_len`

func (p *PostgresStore) SaveTrip(ctx context.Context, t models.Trip) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var final sql.NullFloat64
	if t.FinalFare != nil {
		final = sql.NullFloat64{Float64: t.FinalFare.Amount, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, upsertTrip,
		t.ID, t.RequestID, t.RiderID, t.DriverID, string(t.VehicleClass), string(t.State),
		t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		t.EstimatedFare.Amount, final, t.EstimatedFare.Currency, string(t.PaymentStatus),
		len(t.History), doc, t.MatchedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM trips WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, fmt.Errorf("%w: trip %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Trip{}, err
	}
	var t models.Trip
	if err := json.Unmarshal(doc, &t); err != nil {
		return models.Trip{}, fmt.Errorf("decode trip %s: %w", id, err)
	}
	return t, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
