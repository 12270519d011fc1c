// Package store persists tenants and the rows the voice agent writes on
// their behalf: orders and reservations. Postgres is the only backend.
package store

import (
	"errors"
	"time"
)

// Sentinel errors. Callers match these with [errors.Is]; the wrapped message
// carries the offending id.
var (
	// ErrNotFound reports a lookup that matched no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate reports an insert that collided with an existing primary
	// key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Tenant is one restaurant configured on the platform. Its text fields feed
// the session's system prompt verbatim.
type Tenant struct {
	ID        string
	Name      string
	Persona   string
	Hours     string
	Location  string
	Knowledge string

	// MenuCache is the flattened menu text written by the catalog syncer.
	MenuCache string

	// Active is nil on rows that predate the flag; treat nil as active.
	Active *bool

	POS POSCredentials

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the tenant should take calls. A nil flag counts
// as active.
func (t *Tenant) IsActive() bool { return t.Active == nil || *t.Active }

// POSCredentials is the tenant's point-of-sale OAuth material.
type POSCredentials struct {
	MerchantID   string
	AccessToken  string
	RefreshToken string

	// ExpiresAt is zero when the tenant has never connected a provider.
	ExpiresAt time.Time
}

// Connected reports whether the tenant has linked a POS account.
func (c POSCredentials) Connected() bool { return c.AccessToken != "" }

// OrderItem is one line of an order, as the caller phrased it.
type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

// Order statuses as they move through the submission pipeline.
const (
	OrderStatusReceived  = "received"
	OrderStatusSubmitted = "submitted"
	OrderStatusFailed    = "failed"
)

// Order is a phone order captured during a call. Items are stored as JSONB.
type Order struct {
	ID           string
	TenantID     string
	CallID       string
	Items        []OrderItem
	Total        float64
	CustomerName string
	Phone        string
	Notes        string
	Status       string
	CreatedAt    time.Time
}

// Reservation is a table booking captured during a call. ReservedFor keeps
// the caller's wording; staff confirm the exact slot.
type Reservation struct {
	ID           string
	TenantID     string
	CallID       string
	CustomerName string
	Phone        string
	PartySize    int
	ReservedFor  string
	Notes        string
	CreatedAt    time.Time
}
