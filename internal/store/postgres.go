package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for all tables. Execute it via [Postgres.Migrate] or
// apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    persona              TEXT NOT NULL DEFAULT '',
    hours                TEXT NOT NULL DEFAULT '',
    location             TEXT NOT NULL DEFAULT '',
    knowledge            TEXT NOT NULL DEFAULT '',
    menu_cache           TEXT NOT NULL DEFAULT '',
    active               BOOLEAN,
    pos_merchant_id      TEXT NOT NULL DEFAULT '',
    pos_access_token     TEXT NOT NULL DEFAULT '',
    pos_refresh_token    TEXT NOT NULL DEFAULT '',
    pos_token_expires_at TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES tenants(id),
    call_id       TEXT NOT NULL DEFAULT '',
    items         JSONB NOT NULL DEFAULT '[]',
    total         NUMERIC(10,2) NOT NULL DEFAULT 0,
    customer_name TEXT NOT NULL DEFAULT '',
    phone         TEXT NOT NULL DEFAULT '',
    notes         TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'received',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders(tenant_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS reservations (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES tenants(id),
    call_id       TEXT NOT NULL DEFAULT '',
    customer_name TEXT NOT NULL DEFAULT '',
    phone         TEXT NOT NULL DEFAULT '',
    party_size    INTEGER NOT NULL DEFAULT 0,
    reserved_for  TEXT NOT NULL DEFAULT '',
    notes         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reservations_tenant ON reservations(tenant_id);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres executes all persistence against a PostgreSQL database.
type Postgres struct {
	db DB
}

// NewPostgres wraps a database connection or pool. Call [Postgres.Migrate]
// before issuing queries.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL, creating tables and indexes if they do
// not already exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const tenantColumns = `id, name, persona, hours, location, knowledge, menu_cache, active,
       pos_merchant_id, pos_access_token, pos_refresh_token, pos_token_expires_at,
       created_at, updated_at`

// GetTenant loads one tenant by id. It returns [ErrNotFound] when no such
// row exists.
func (s *Postgres) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	t, err := scanTenant(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: tenant %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get tenant %q: %w", id, err)
	}
	return t, nil
}

// ListTenants returns every tenant, ordered by id. The catalog syncer walks
// this list on its schedule.
func (s *Postgres) ListTenants(ctx context.Context) ([]Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list tenants scan: %w", err)
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list tenants: %w", err)
	}
	return tenants, nil
}

// UpdateMenuCache replaces the tenant's flattened menu text.
func (s *Postgres) UpdateMenuCache(ctx context.Context, tenantID, menu string) error {
	const query = `UPDATE tenants SET menu_cache = $2, updated_at = now() WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, tenantID, menu)
	if err != nil {
		return fmt.Errorf("store: update menu cache for %q: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: tenant %q: %w", tenantID, ErrNotFound)
	}
	return nil
}

// SavePOSCredentials stores the tenant's POS OAuth material after a link or
// token refresh.
func (s *Postgres) SavePOSCredentials(ctx context.Context, tenantID string, creds POSCredentials) error {
	const query = `
		UPDATE tenants SET
			pos_merchant_id = $2, pos_access_token = $3,
			pos_refresh_token = $4, pos_token_expires_at = $5,
			updated_at = now()
		WHERE id = $1`

	var expires *time.Time
	if !creds.ExpiresAt.IsZero() {
		expires = &creds.ExpiresAt
	}
	tag, err := s.db.Exec(ctx, query, tenantID,
		creds.MerchantID, creds.AccessToken, creds.RefreshToken, expires)
	if err != nil {
		return fmt.Errorf("store: save pos credentials for %q: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: tenant %q: %w", tenantID, ErrNotFound)
	}
	return nil
}

// InsertOrder persists a new order and fills in its creation time. A zero
// Status defaults to received.
func (s *Postgres) InsertOrder(ctx context.Context, o *Order) error {
	itemsJSON, err := json.Marshal(emptyItems(o.Items))
	if err != nil {
		return fmt.Errorf("store: marshal order items: %w", err)
	}
	if o.Status == "" {
		o.Status = OrderStatusReceived
	}

	const query = `
		INSERT INTO orders (id, tenant_id, call_id, items, total, customer_name, phone, notes, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		o.ID, o.TenantID, o.CallID, itemsJSON, o.Total,
		o.CustomerName, o.Phone, o.Notes, o.Status,
	).Scan(&o.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: order %q: %w", o.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: insert order: %w", err)
	}
	return nil
}

// GetOrder loads one order by id. It returns [ErrNotFound] when no such row
// exists.
func (s *Postgres) GetOrder(ctx context.Context, id string) (*Order, error) {
	const query = `
		SELECT id, tenant_id, call_id, items, total, customer_name, phone, notes, status, created_at
		FROM orders
		WHERE id = $1`

	var o Order
	var itemsJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.TenantID, &o.CallID, &itemsJSON, &o.Total,
		&o.CustomerName, &o.Phone, &o.Notes, &o.Status, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: order %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get order %q: %w", id, err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("store: unmarshal order items: %w", err)
	}
	return &o, nil
}

// UpdateOrderStatus moves an order through the submission pipeline.
func (s *Postgres) UpdateOrderStatus(ctx context.Context, id, status string) error {
	const query = `UPDATE orders SET status = $2 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("store: update order %q status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: order %q: %w", id, ErrNotFound)
	}
	return nil
}

// InsertReservation persists a new reservation and fills in its creation
// time.
func (s *Postgres) InsertReservation(ctx context.Context, r *Reservation) error {
	const query = `
		INSERT INTO reservations (id, tenant_id, call_id, customer_name, phone, party_size, reserved_for, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		r.ID, r.TenantID, r.CallID, r.CustomerName, r.Phone,
		r.PartySize, r.ReservedFor, r.Notes,
	).Scan(&r.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: reservation %q: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: insert reservation: %w", err)
	}
	return nil
}

// scanTenant reads one tenant row from a query or a rows cursor.
func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var expires *time.Time
	err := row.Scan(
		&t.ID, &t.Name, &t.Persona, &t.Hours, &t.Location, &t.Knowledge,
		&t.MenuCache, &t.Active,
		&t.POS.MerchantID, &t.POS.AccessToken, &t.POS.RefreshToken, &expires,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expires != nil {
		t.POS.ExpiresAt = *expires
	}
	return &t, nil
}

// emptyItems returns items if non-nil, otherwise an empty non-nil slice,
// so JSON marshalling produces "[]" instead of "null".
func emptyItems(items []OrderItem) []OrderItem {
	if items == nil {
		return []OrderItem{}
	}
	return items
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
