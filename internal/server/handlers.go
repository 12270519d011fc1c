package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mealtone-ai/mealtone/internal/jobs"
	"github.com/mealtone-ai/mealtone/internal/store"
)

// maxWebhookBody caps how much of a webhook request is read. Provider events
// are small; anything past the cap truncates and fails to decode.
const maxWebhookBody = 1 << 20

// eventCallEnded is the voice provider's post-call event name.
const eventCallEnded = "call_ended"

// voiceEvent is the subset of the provider's webhook body the handler reads.
// The full body travels with the job.
type voiceEvent struct {
	Event    string `json:"event"`
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id"`
}

// handleVoiceWebhook receives the voice provider's post-call events. The
// provider retries on non-2xx, so the handler acknowledges everything it can
// decode or not, and defers all real work to the job queue.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.log.Warn("voice webhook: body read failed", "err", err)
		return
	}

	var ev voiceEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.log.Warn("voice webhook: undecodable body", "err", err)
		return
	}

	log := s.log.With("event", ev.Event, "tenant_id", ev.TenantID, "call_id", ev.CallID)
	if ev.Event != eventCallEnded {
		log.Debug("voice webhook: ignoring event")
		return
	}
	if s.queue == nil {
		log.Warn("voice webhook: no job queue, dropping event")
		return
	}

	job := jobs.Job{
		Kind:     jobs.KindCallEnded,
		TenantID: ev.TenantID,
		Payload:  body,
	}
	// The acknowledgement must not hinge on the client still waiting.
	if err := s.queue.Enqueue(context.WithoutCancel(r.Context()), job); err != nil {
		log.Error("voice webhook: enqueue failed", "err", err)
		return
	}
	log.Info("voice webhook: call-ended job enqueued")
}

// handlePOSWebhook receives catalog-change pings. Each tenant registers its
// own webhook URL carrying tenant_id; the POS sends an empty notification to
// it, so the body is not read.
func (s *Server) handlePOSWebhook(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.log.Warn("pos webhook: no tenant_id in registered URL")
		return
	}
	if s.syncer == nil {
		s.log.Warn("pos webhook: no syncer, dropping ping", "tenant_id", tenantID)
		return
	}
	s.syncer.Trigger(tenantID)
	s.log.Info("pos webhook: catalog sync triggered", "tenant_id", tenantID)
}

// handleOAuthStart redirects the tenant's browser into the POS consent flow.
// The tenant id rides the state parameter and comes back on the callback.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		http.Error(w, "POS integration is not configured", http.StatusServiceUnavailable)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, s.oauth.AuthorizeURL(tenantID), http.StatusFound)
}

// handleOAuthCallback finishes the consent flow: state names the tenant, the
// code exchanges for credentials, and a catalog sync kicks off right away so
// the menu is in place before the first call.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		http.Error(w, "POS integration is not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "code and state are required", http.StatusBadRequest)
		return
	}

	tenant, err := s.store.GetTenant(r.Context(), state)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("oauth callback: tenant lookup failed", "tenant_id", state, "err", err)
		http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
		return
	}

	creds, err := s.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		s.log.Error("oauth callback: code exchange failed", "tenant_id", tenant.ID, "err", err)
		http.Error(w, "authorization code exchange failed", http.StatusBadGateway)
		return
	}

	if err := s.store.SavePOSCredentials(r.Context(), tenant.ID, creds); err != nil {
		s.log.Error("oauth callback: saving credentials failed", "tenant_id", tenant.ID, "err", err)
		http.Error(w, "storing credentials failed", http.StatusInternalServerError)
		return
	}

	if s.syncer != nil {
		s.syncer.Trigger(tenant.ID)
	}

	s.log.Info("pos account connected", "tenant_id", tenant.ID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "POS account connected. You can close this window.")
}

// handleCatalogSync queues an immediate catalog refresh for one tenant.
func (s *Server) handleCatalogSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		http.Error(w, "POS integration is not configured", http.StatusServiceUnavailable)
		return
	}

	tenantID := chi.URLParam(r, "tenantID")
	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		s.log.Error("catalog sync: tenant lookup failed", "tenant_id", tenantID, "err", err)
		http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
		return
	}

	s.syncer.Trigger(tenantID)
	s.log.Info("catalog sync requested", "tenant_id", tenantID)
	w.WriteHeader(http.StatusAccepted)
}
