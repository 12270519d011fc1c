package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/mealtone-ai/mealtone/internal/session"
	"github.com/mealtone-ai/mealtone/internal/store"
	"github.com/mealtone-ai/mealtone/pkg/voicewire"
)

// writeTimeout bounds a single frame write. A transport that cannot drain a
// frame within it is treated as gone.
const writeTimeout = 10 * time.Second

// handleWS runs one call end to end: accept the socket, resolve the tenant,
// start a session, and pump inbound frames until the transport drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	callID := callIDFromRequest(r)
	log := s.log.With("tenant_id", tenantID, "call_id", callID)

	if tenantID == "" {
		log.Warn("rejecting call: no tenant_id in connect URL")
		_ = conn.Close(voicewire.CloseInvalidTenant, "missing tenant_id")
		return
	}

	tenant, err := s.store.GetTenant(r.Context(), tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("rejecting call: unknown tenant")
		_ = conn.Close(voicewire.CloseInvalidTenant, "unknown tenant")
		return
	case err != nil:
		log.Error("tenant lookup failed", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "tenant lookup failed")
		return
	case !tenant.IsActive():
		log.Warn("rejecting call: tenant deactivated")
		_ = conn.Close(voicewire.CloseInvalidTenant, "tenant deactivated")
		return
	}

	profile := session.Profile{
		ID:        tenant.ID,
		Name:      tenant.Name,
		Persona:   tenant.Persona,
		Hours:     tenant.Hours,
		Location:  tenant.Location,
		Knowledge: tenant.Knowledge,
		MenuCache: tenant.MenuCache,
		Active:    tenant.Active,
	}

	sink := newWSSink(conn)
	sess := session.New(session.Config{
		TenantID:       tenant.ID,
		CallID:         callID,
		Profile:        profile,
		Generator:      s.models.Generator(profile.SystemPrompt()),
		Tools:          s.tools.ForCall(tenant.ID, callID, tenant.MenuCache),
		Sink:           sink,
		StreamTimeout:  s.streamTimeout,
		GreetingPrompt: s.greeting,
		Metrics:        s.metrics,
		Logger:         s.log,
	})
	sess.Start()
	defer func() {
		sink.shutdown()
		sess.Close()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			log.Info("call transport closed", "err", err)
			return
		}
		if err := sess.HandleFrame(data); err != nil {
			log.Warn("dropping call: undecodable frame", "err", err)
			_ = conn.Close(voicewire.CloseBadFrame, "frames must be JSON")
			return
		}
	}
}

// callIDFromRequest pulls the call id from the query when present, falling
// back to the route's trailing path segment. Providers differ on where they
// put it.
func callIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("call_id"); id != "" {
		return id
	}
	return chi.URLParam(r, "callID")
}

var errSinkClosed = errors.New("transport closed")

// wsSink adapts one call's WebSocket to the session's frame sink. Writes are
// serialized under a mutex and each carries a writeTimeout deadline; the
// first failed write latches the sink closed so later frames drop without
// blocking a turn.
type wsSink struct {
	conn *websocket.Conn

	// ctx spans the connection. shutdown cancels it, which aborts a write
	// already in flight.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSink{conn: conn, ctx: ctx, cancel: cancel}
}

// WriteFrame sends one frame as a JSON text message. The write deadline
// derives from the sink's own context rather than the caller's: a session
// context stays live until its queue drains, which is after every write.
func (ws *wsSink) WriteFrame(_ context.Context, frame voicewire.OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return errSinkClosed
	}

	writeCtx, cancel := context.WithTimeout(ws.ctx, writeTimeout)
	defer cancel()
	if err := ws.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		ws.closed = true
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Open reports whether the transport has accepted every write so far.
func (ws *wsSink) Open() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return !ws.closed
}

// shutdown latches the sink closed. The read loop calls it when the
// transport drops, before the session itself is released.
func (ws *wsSink) shutdown() {
	ws.cancel()
	ws.mu.Lock()
	ws.closed = true
	ws.mu.Unlock()
}
