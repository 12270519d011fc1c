package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mealtone-ai/mealtone/internal/app"
	"github.com/mealtone-ai/mealtone/internal/jobs"
	"github.com/mealtone-ai/mealtone/internal/pos"
	"github.com/mealtone-ai/mealtone/internal/store"
)

func connectedTenant() store.Tenant {
	return store.Tenant{
		ID:   "t1",
		Name: "Mario's Pizzeria",
		POS: store.POSCredentials{
			MerchantID:   "m-77",
			AccessToken:  "tok-live",
			RefreshToken: "ref-1",
		},
	}
}

func receivedOrder() store.Order {
	return store.Order{
		ID:           "o-100",
		TenantID:     "t1",
		CallID:       "c-9",
		Items:        []store.OrderItem{{Name: "Margherita", Quantity: 2}},
		Total:        24.50,
		CustomerName: "Dana",
		Phone:        "555-0100",
		Status:       store.OrderStatusReceived,
	}
}

func submitJob(payload json.RawMessage) jobs.Job {
	return jobs.Job{
		ID:       "job-1",
		Kind:     jobs.KindOrderSubmit,
		TenantID: "t1",
		Payload:  payload,
	}
}

// fakeSubmitter scripts the POS side of order submission.
type fakeSubmitter struct {
	mu         sync.Mutex
	freshCreds store.POSCredentials
	refreshed  bool
	credsErr   error
	submitErr  error

	submitted []store.Order
	usedCreds []store.POSCredentials
}

func (f *fakeSubmitter) FreshCredentials(_ context.Context, creds store.POSCredentials) (store.POSCredentials, bool, error) {
	if f.credsErr != nil {
		return store.POSCredentials{}, false, f.credsErr
	}
	if f.refreshed {
		return f.freshCreds, true, nil
	}
	return creds, false, nil
}

func (f *fakeSubmitter) SubmitOrder(_ context.Context, creds store.POSCredentials, order *store.Order) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, *order)
	f.usedCreds = append(f.usedCreds, creds)
	f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "pos-" + order.ID, nil
}

func (f *fakeSubmitter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeSubmitter) lastCreds() store.POSCredentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.usedCreds) == 0 {
		return store.POSCredentials{}
	}
	return f.usedCreds[len(f.usedCreds)-1]
}

func TestOrderSubmitHandler_SubmitsAndMarksOrder(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.tenants["t1"] = connectedTenant()
	st.orders["o-100"] = receivedOrder()
	sub := &fakeSubmitter{}
	h := app.OrderSubmitHandler(st, sub, discardLogger())

	if err := h(context.Background(), submitJob(json.RawMessage(`{"order_id":"o-100"}`))); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	if n := sub.submitCount(); n != 1 {
		t.Fatalf("submit count = %d, want 1", n)
	}
	if got := st.orderStatus("o-100"); got != store.OrderStatusSubmitted {
		t.Errorf("order status = %q, want %q", got, store.OrderStatusSubmitted)
	}
	if got := sub.lastCreds().AccessToken; got != "tok-live" {
		t.Errorf("submission used token %q, want the stored token", got)
	}
	if _, ok := st.credsFor("t1"); ok {
		t.Error("credentials were rewritten without a token refresh")
	}
}

func TestOrderSubmitHandler_PersistsRefreshedCredentials(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.tenants["t1"] = connectedTenant()
	st.orders["o-100"] = receivedOrder()
	sub := &fakeSubmitter{
		refreshed: true,
		freshCreds: store.POSCredentials{
			MerchantID:   "m-77",
			AccessToken:  "tok-new",
			RefreshToken: "ref-2",
		},
	}
	h := app.OrderSubmitHandler(st, sub, discardLogger())

	if err := h(context.Background(), submitJob(json.RawMessage(`{"order_id":"o-100"}`))); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	creds, ok := st.credsFor("t1")
	if !ok {
		t.Fatal("refreshed credentials were not persisted")
	}
	if creds.AccessToken != "tok-new" {
		t.Errorf("persisted token = %q, want tok-new", creds.AccessToken)
	}
	if got := sub.lastCreds().AccessToken; got != "tok-new" {
		t.Errorf("submission used token %q, want the refreshed one", got)
	}
	if got := st.orderStatus("o-100"); got != store.OrderStatusSubmitted {
		t.Errorf("order status = %q, want %q", got, store.OrderStatusSubmitted)
	}
}

// Terminal conditions drop the job: returning an error would requeue work
// that can never succeed.
func TestOrderSubmitHandler_DropsTerminalJobs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		prepare      func(st *fakeStore)
		payload      json.RawMessage
		nilSubmitter bool
		wantStatus   string
	}{
		{
			name: "unusable payload",
			prepare: func(st *fakeStore) {
				st.tenants["t1"] = connectedTenant()
				st.orders["o-100"] = receivedOrder()
			},
			payload:    json.RawMessage(`{"order_id"`),
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "payload without order id",
			prepare: func(st *fakeStore) {
				st.tenants["t1"] = connectedTenant()
				st.orders["o-100"] = receivedOrder()
			},
			payload:    json.RawMessage(`{}`),
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "order no longer exists",
			prepare: func(st *fakeStore) {
				st.tenants["t1"] = connectedTenant()
			},
			payload: json.RawMessage(`{"order_id":"o-100"}`),
		},
		{
			name: "tenant no longer exists",
			prepare: func(st *fakeStore) {
				st.orders["o-100"] = receivedOrder()
			},
			payload:    json.RawMessage(`{"order_id":"o-100"}`),
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "order already submitted",
			prepare: func(st *fakeStore) {
				st.tenants["t1"] = connectedTenant()
				o := receivedOrder()
				o.Status = store.OrderStatusSubmitted
				st.orders["o-100"] = o
			},
			payload:    json.RawMessage(`{"order_id":"o-100"}`),
			wantStatus: store.OrderStatusSubmitted,
		},
		{
			name: "tenant never connected a pos",
			prepare: func(st *fakeStore) {
				tn := connectedTenant()
				tn.POS = store.POSCredentials{}
				st.tenants["t1"] = tn
				st.orders["o-100"] = receivedOrder()
			},
			payload:    json.RawMessage(`{"order_id":"o-100"}`),
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "pos integration disabled",
			prepare: func(st *fakeStore) {
				st.tenants["t1"] = connectedTenant()
				st.orders["o-100"] = receivedOrder()
			},
			payload:      json.RawMessage(`{"order_id":"o-100"}`),
			nilSubmitter: true,
			wantStatus:   store.OrderStatusReceived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := newFakeStore()
			tt.prepare(st)
			sub := &fakeSubmitter{}
			var submitter app.OrderSubmitter = sub
			if tt.nilSubmitter {
				submitter = nil
			}
			h := app.OrderSubmitHandler(st, submitter, discardLogger())

			if err := h(context.Background(), submitJob(tt.payload)); err != nil {
				t.Fatalf("want the job dropped without error, got %v", err)
			}
			if n := sub.submitCount(); n != 0 {
				t.Errorf("submit count = %d, want 0", n)
			}
			if tt.wantStatus != "" {
				if got := st.orderStatus("o-100"); got != tt.wantStatus {
					t.Errorf("order status = %q, want %q", got, tt.wantStatus)
				}
			}
		})
	}
}

func TestOrderSubmitHandler_UnauthorizedMarksOrderFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		script      func(sub *fakeSubmitter)
		wantSubmits int
	}{
		{
			name: "rejected during token refresh",
			script: func(sub *fakeSubmitter) {
				sub.credsErr = fmt.Errorf("pos: refresh token: %w", pos.ErrUnauthorized)
			},
		},
		{
			name: "rejected during submission",
			script: func(sub *fakeSubmitter) {
				sub.submitErr = fmt.Errorf("pos: submit order: %w", pos.ErrUnauthorized)
			},
			wantSubmits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := newFakeStore()
			st.tenants["t1"] = connectedTenant()
			st.orders["o-100"] = receivedOrder()
			sub := &fakeSubmitter{}
			tt.script(sub)
			h := app.OrderSubmitHandler(st, sub, discardLogger())

			if err := h(context.Background(), submitJob(json.RawMessage(`{"order_id":"o-100"}`))); err != nil {
				t.Fatalf("want the job dropped after marking the order, got %v", err)
			}
			if got := st.orderStatus("o-100"); got != store.OrderStatusFailed {
				t.Errorf("order status = %q, want %q", got, store.OrderStatusFailed)
			}
			if n := sub.submitCount(); n != tt.wantSubmits {
				t.Errorf("submit count = %d, want %d", n, tt.wantSubmits)
			}
		})
	}
}

// Transient failures surface to the worker so the job rides the retry budget.
func TestOrderSubmitHandler_TransientErrorsSurface(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		prepare    func(st *fakeStore, sub *fakeSubmitter)
		wantStatus string
	}{
		{
			name: "store read fails",
			prepare: func(st *fakeStore, _ *fakeSubmitter) {
				st.getOrderErr = errors.New("connection reset")
			},
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "token refresh fails",
			prepare: func(_ *fakeStore, sub *fakeSubmitter) {
				sub.credsErr = errors.New("pos unreachable")
			},
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "provider rejects the request",
			prepare: func(_ *fakeStore, sub *fakeSubmitter) {
				sub.submitErr = errors.New("pos: status 503")
			},
			wantStatus: store.OrderStatusReceived,
		},
		{
			name: "status update fails after submission",
			prepare: func(st *fakeStore, _ *fakeSubmitter) {
				st.updateStatusErr = errors.New("connection reset")
			},
			wantStatus: store.OrderStatusReceived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := newFakeStore()
			st.tenants["t1"] = connectedTenant()
			st.orders["o-100"] = receivedOrder()
			sub := &fakeSubmitter{}
			tt.prepare(st, sub)
			h := app.OrderSubmitHandler(st, sub, discardLogger())

			if err := h(context.Background(), submitJob(json.RawMessage(`{"order_id":"o-100"}`))); err == nil {
				t.Fatal("want the error surfaced for retry, got nil")
			}
			if got := st.orderStatus("o-100"); got != tt.wantStatus {
				t.Errorf("order status = %q, want %q", got, tt.wantStatus)
			}
		})
	}
}

func TestCallEndedHandler(t *testing.T) {
	t.Parallel()

	h := app.CallEndedHandler(discardLogger())

	tests := []struct {
		name    string
		payload json.RawMessage
	}{
		{"records the disconnect", json.RawMessage(`{"call_id":"c-9","reason":"hangup"}`)},
		{"drops an unusable payload", json.RawMessage(`{"call_id"`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			job := jobs.Job{ID: "job-2", Kind: jobs.KindCallEnded, TenantID: "t1", Payload: tt.payload}
			if err := h(context.Background(), job); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
		})
	}
}
