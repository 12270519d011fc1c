package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mealtone-ai/mealtone/internal/jobs"
	"github.com/mealtone-ai/mealtone/internal/pos"
	"github.com/mealtone-ai/mealtone/internal/store"
)

// OrderStore is the slice of the persistence layer the order submission
// handler reads and writes.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*store.Order, error)
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	UpdateOrderStatus(ctx context.Context, id, status string) error
	SavePOSCredentials(ctx context.Context, tenantID string, creds store.POSCredentials) error
}

// OrderSubmitter is the slice of the POS client the order submission handler
// drives. *pos.Client satisfies it.
type OrderSubmitter interface {
	FreshCredentials(ctx context.Context, creds store.POSCredentials) (store.POSCredentials, bool, error)
	SubmitOrder(ctx context.Context, creds store.POSCredentials, order *store.Order) (string, error)
}

// OrderSubmitHandler returns the job handler that pushes captured orders
// into the tenant's POS. A nil submitter keeps every order local, which is
// the whole behaviour when the integration is disabled.
//
// The handler separates permanent failures from transient ones: permanent
// ones (unusable payload, missing rows, rejected credentials) drop the job
// or mark the order failed and return nil, while transient ones return the
// error and ride the worker's attempt budget. Resubmitting is safe because
// the provider deduplicates on our order id.
func OrderSubmitHandler(st OrderStore, submitter OrderSubmitter, log *slog.Logger) jobs.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, job jobs.Job) error {
		var p jobs.OrderSubmitPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.OrderID == "" {
			log.Error("dropping order submission with unusable payload", "job_id", job.ID, "err", err)
			return nil
		}
		log := log.With("order_id", p.OrderID, "tenant_id", job.TenantID)

		order, err := st.GetOrder(ctx, p.OrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Error("dropping submission for unknown order")
				return nil
			}
			return err
		}
		if order.Status == store.OrderStatusSubmitted {
			log.Info("order already submitted, skipping")
			return nil
		}

		tenant, err := st.GetTenant(ctx, order.TenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Error("dropping submission for unknown tenant")
				return nil
			}
			return err
		}
		if submitter == nil || !tenant.POS.Connected() {
			// The order stays in received; staff work it from the database.
			log.Info("order kept local, tenant has no pos connection")
			return nil
		}

		creds, refreshed, err := submitter.FreshCredentials(ctx, tenant.POS)
		if err != nil {
			return failOrRetry(ctx, st, log, order.ID, err)
		}
		if refreshed {
			if err := st.SavePOSCredentials(ctx, order.TenantID, creds); err != nil {
				// The refreshed token still works for this submission.
				log.Error("persist refreshed credentials", "err", err)
			}
		}

		posID, err := submitter.SubmitOrder(ctx, creds, order)
		if err != nil {
			return failOrRetry(ctx, st, log, order.ID, err)
		}
		if err := st.UpdateOrderStatus(ctx, order.ID, store.OrderStatusSubmitted); err != nil {
			// Retrying resubmits the order, which dedupes provider-side, and
			// the row must not stay in received after a submission.
			return err
		}
		log.Info("order submitted to pos", "pos_order_id", posID)
		return nil
	}
}

// failOrRetry sorts a submission error: rejected credentials are permanent,
// so the order is marked failed and the job dropped; anything else is
// treated as transient and retried.
func failOrRetry(ctx context.Context, st OrderStore, log *slog.Logger, orderID string, err error) error {
	if errors.Is(err, pos.ErrUnauthorized) {
		log.Error("pos rejected the tenant credentials, marking order failed", "err", err)
		if uerr := st.UpdateOrderStatus(ctx, orderID, store.OrderStatusFailed); uerr != nil {
			log.Error("mark order failed", "err", uerr)
		}
		return nil
	}
	return err
}

// CallEndedHandler returns the post-call bookkeeping handler. Orders,
// reservations and the menu cache are already persisted by the time the
// provider reports the hangup, so the job records the disconnect in the
// structured log where reconciliation picks it up.
func CallEndedHandler(log *slog.Logger) jobs.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(_ context.Context, job jobs.Job) error {
		var p jobs.CallEndedPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			log.Error("dropping call.ended job with unusable payload", "job_id", job.ID, "err", err)
			return nil
		}
		log.Info("call ended", "call_id", p.CallID, "tenant_id", job.TenantID, "reason", p.Reason)
		return nil
	}
}
