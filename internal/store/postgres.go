package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-sync/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Postgres is the OrderStore of record. Concurrency control is row-level
// optimistic locking on the version column.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a new database store
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema migrations
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

type orderRow struct {
	ID                string         `db:"id"`
	Provider          string         `db:"provider"`
	ProviderOrderRef  sql.NullString `db:"provider_order_ref"`
	CanonicalStatus   string         `db:"canonical_status"`
	ProviderStatusRaw string         `db:"provider_status_raw"`
	Version           int64          `db:"version"`
	TrackingCarrier   sql.NullString `db:"tracking_carrier"`
	TrackingNumber    sql.NullString `db:"tracking_number"`
	TrackingURL       sql.NullString `db:"tracking_url"`
	Timeline          types.JSONText `db:"timeline"`
	Terminal          bool           `db:"terminal"`
	LastSyncedAt      time.Time      `db:"last_synced_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type casRow struct {
	orderRow
	ExpectedVersion int64 `db:"expected_version"`
}

func toRow(o *models.Order) (orderRow, error) {
	timeline := o.Timeline
	if timeline == nil {
		timeline = []models.TimelineEntry{}
	}
	raw, err := json.Marshal(timeline)
	if err != nil {
		return orderRow{}, fmt.Errorf("failed to marshal timeline: %w", err)
	}
	row := orderRow{
		ID:                o.ID,
		Provider:          string(o.Provider),
		CanonicalStatus:   string(o.CanonicalStatus),
		ProviderStatusRaw: o.ProviderStatusRaw,
		Version:           o.Version,
		Timeline:          types.JSONText(raw),
		Terminal:          o.Terminal(),
		LastSyncedAt:      o.LastSyncedAt.UTC(),
		CreatedAt:         o.CreatedAt.UTC(),
		UpdatedAt:         o.UpdatedAt.UTC(),
	}
	if o.ProviderOrderRef != nil {
		row.ProviderOrderRef = sql.NullString{String: *o.ProviderOrderRef, Valid: true}
	}
	if o.Tracking != nil {
		row.TrackingCarrier = sql.NullString{String: o.Tracking.Carrier, Valid: true}
		row.TrackingNumber = sql.NullString{String: o.Tracking.Number, Valid: true}
		row.TrackingURL = sql.NullString{String: o.Tracking.URL, Valid: o.Tracking.URL != ""}
	}
	return row, nil
}

func (r orderRow) toModel() (*models.Order, error) {
	o := &models.Order{
		ID:                r.ID,
		Provider:          models.Provider(r.Provider),
		CanonicalStatus:   models.CanonicalStatus(r.CanonicalStatus),
		ProviderStatusRaw: r.ProviderStatusRaw,
		Version:           r.Version,
		LastSyncedAt:      r.LastSyncedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ProviderOrderRef.Valid {
		ref := r.ProviderOrderRef.String
		o.ProviderOrderRef = &ref
	}
	if r.TrackingCarrier.Valid || r.TrackingNumber.Valid {
		o.Tracking = &models.Tracking{
			Carrier: r.TrackingCarrier.String,
			Number:  r.TrackingNumber.String,
			URL:     r.TrackingURL.String,
		}
	}
	if len(r.Timeline) > 0 {
		if err := r.Timeline.Unmarshal(&o.Timeline); err != nil {
			return nil, fmt.Errorf("failed to decode timeline for %s: %w", r.ID, err)
		}
	}
	return o, nil
}

const selectOrder = `
	SELECT id, provider, provider_order_ref, canonical_status, provider_status_raw, version,
	       tracking_carrier, tracking_number, tracking_url, timeline, terminal,
	       last_synced_at, created_at, updated_at
	FROM orders`

// Get retrieves an order by ID
func (p *Postgres) Get(ctx context.Context, orderID string) (*models.Order, error) {
	var row orderRow
	err := p.db.GetContext(ctx, &row, selectOrder+" WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return row.toModel()
}

// Create inserts a new order; reused ids fail with ErrAlreadyExists
func (p *Postgres) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	row, err := toRow(order)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO orders (id, provider, provider_order_ref, canonical_status, provider_status_raw, version,
		                    tracking_carrier, tracking_number, tracking_url, timeline, terminal,
		                    last_synced_at, created_at, updated_at)
		VALUES (:id, :provider, :provider_order_ref, :canonical_status, :provider_status_raw, :version,
		        :tracking_carrier, :tracking_number, :tracking_url, :timeline, :terminal,
		        :last_synced_at, :created_at, :updated_at)`

	if _, err := p.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order.Clone(), nil
}

// CompareAndApply loads the order, runs mutate, and writes version+1 only if
// the stored version still equals expectedVersion
func (p *Postgres) CompareAndApply(ctx context.Context, orderID string, expectedVersion int64, mutate Mutator) (*models.Order, error) {
	current, err := p.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next, err := mutate(current.Clone())
	if err != nil {
		return nil, err
	}
	if err := guardImmutable(current, next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1

	row, err := toRow(next)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE orders SET
			provider_order_ref = :provider_order_ref,
			canonical_status = :canonical_status,
			provider_status_raw = :provider_status_raw,
			version = :version,
			tracking_carrier = :tracking_carrier,
			tracking_number = :tracking_number,
			tracking_url = :tracking_url,
			timeline = :timeline,
			terminal = :terminal,
			last_synced_at = :last_synced_at,
			updated_at = :updated_at
		WHERE id = :id AND version = :expected_version`

	res, err := p.db.NamedExecContext(ctx, query, casRow{orderRow: row, ExpectedVersion: expectedVersion})
	if err != nil {
		return nil, fmt.Errorf("failed to apply order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrVersionConflict
	}
	return next, nil
}

// MarkSynced moves last_synced_at forward for a non-terminal order
func (p *Postgres) MarkSynced(ctx context.Context, orderID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET last_synced_at = $2 WHERE id = $1 AND NOT terminal AND last_synced_at < $2`,
		orderID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark order %s synced: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID); err != nil {
		return fmt.Errorf("failed to check order %s: %w", orderID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// ListStale returns non-terminal orders last synced before olderThan, stalest first
func (p *Postgres) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var rows []orderRow
	err := p.db.SelectContext(ctx, &rows,
		selectOrder+" WHERE NOT terminal AND last_synced_at < $1 ORDER BY last_synced_at ASC LIMIT $2",
		olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}

	out := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}
