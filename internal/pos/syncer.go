package pos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mealtone-ai/mealtone/internal/store"
)

// ErrNotConnected reports a sync request for a tenant that never linked a
// POS account.
var ErrNotConnected = errors.New("pos: tenant has no POS connection")

// DefaultSyncInterval is how often the syncer walks all tenants unless
// configured otherwise.
const DefaultSyncInterval = 15 * time.Minute

// SyncStore is the slice of the persistence layer the syncer reads and
// writes.
type SyncStore interface {
	ListTenants(ctx context.Context) ([]store.Tenant, error)
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	UpdateMenuCache(ctx context.Context, tenantID, menu string) error
	SavePOSCredentials(ctx context.Context, tenantID string, creds store.POSCredentials) error
}

// Syncer keeps tenants' menu caches in step with their POS catalogs. It runs
// a periodic walk over all active connected tenants and accepts on-demand
// triggers from webhooks and the REST surface.
type Syncer struct {
	client *Client
	store  SyncStore
	log    *slog.Logger

	trigger chan string

	mu       sync.Mutex
	interval time.Duration
}

// NewSyncer returns a syncer walking tenants every interval. A non-positive
// interval disables the periodic walk; triggers still work.
func NewSyncer(client *Client, st SyncStore, interval time.Duration, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		client:   client,
		store:    st,
		log:      log,
		trigger:  make(chan string, 16),
		interval: interval,
	}
}

// SetInterval changes the periodic walk interval. It takes effect after the
// walk currently being waited on.
func (s *Syncer) SetInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Syncer) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Trigger requests an out-of-band sync for one tenant. It never blocks; when
// the backlog is full the request is dropped, which is fine because the next
// periodic walk covers it.
func (s *Syncer) Trigger(tenantID string) {
	select {
	case s.trigger <- tenantID:
	default:
		s.log.Warn("catalog sync trigger dropped", "tenant_id", tenantID)
	}
}

// Run services triggers and the periodic walk until ctx is cancelled. It
// always returns nil on shutdown.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.Info("catalog syncer started", "interval", s.currentInterval())
	for {
		var timer *time.Timer
		var tick <-chan time.Time
		if d := s.currentInterval(); d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.log.Info("catalog syncer stopped")
			return nil
		case id := <-s.trigger:
			if timer != nil {
				timer.Stop()
			}
			if err := s.SyncTenant(ctx, id); err != nil {
				s.log.Error("catalog sync failed", "tenant_id", id, "err", err)
			}
		case <-tick:
			s.syncAll(ctx)
		}
	}
}

// SyncTenant refreshes one tenant's menu cache from its POS catalog. It also
// persists rotated credentials when the access token had to be refreshed.
func (s *Syncer) SyncTenant(ctx context.Context, tenantID string) error {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("pos: sync tenant %q: %w", tenantID, err)
	}
	if !tenant.POS.Connected() {
		return fmt.Errorf("pos: sync tenant %q: %w", tenantID, ErrNotConnected)
	}

	creds, refreshed, err := s.client.FreshCredentials(ctx, tenant.POS)
	if err != nil {
		return fmt.Errorf("pos: sync tenant %q: %w", tenantID, err)
	}
	if refreshed {
		if err := s.store.SavePOSCredentials(ctx, tenantID, creds); err != nil {
			// The refreshed token still works for this walk; losing it only
			// forces another refresh next time.
			s.log.Error("persist refreshed credentials", "tenant_id", tenantID, "err", err)
		}
	}

	items, err := s.client.FetchCatalog(ctx, creds)
	if err != nil {
		return fmt.Errorf("pos: sync tenant %q: %w", tenantID, err)
	}
	menu := RenderMenu(items)
	if err := s.store.UpdateMenuCache(ctx, tenantID, menu); err != nil {
		return fmt.Errorf("pos: sync tenant %q: %w", tenantID, err)
	}
	s.log.Info("menu cache refreshed", "tenant_id", tenantID, "items", len(items))
	return nil
}

func (s *Syncer) syncAll(ctx context.Context) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		s.log.Error("list tenants for catalog sync", "err", err)
		return
	}
	for i := range tenants {
		if ctx.Err() != nil {
			return
		}
		t := &tenants[i]
		if !t.IsActive() || !t.POS.Connected() {
			continue
		}
		if err := s.SyncTenant(ctx, t.ID); err != nil {
			s.log.Error("catalog sync failed", "tenant_id", t.ID, "err", err)
		}
	}
}
