// Package jobs is the Redis-backed work queue for everything that must
// outlive a phone call: submitting captured orders to the tenant's POS and
// post-call bookkeeping. Webhook handlers and tools enqueue; one worker per
// process pops and dispatches.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueue is the Redis list jobs travel through unless configured
// otherwise.
const DefaultQueue = "mealtone:jobs"

// Kind discriminates job payloads.
type Kind string

const (
	// KindOrderSubmit pushes a persisted order into the tenant's POS.
	KindOrderSubmit Kind = "order.submit"

	// KindCallEnded runs post-call bookkeeping for a finished call.
	KindCallEnded Kind = "call.ended"
)

// Job is the unit of queued work, serialised as JSON on the wire.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// OrderSubmitPayload is the payload carried by [KindOrderSubmit] jobs.
type OrderSubmitPayload struct {
	OrderID string `json:"order_id"`
}

// CallEndedPayload is the payload carried by [KindCallEnded] jobs. It is the
// voice provider's post-call event, trimmed to the fields bookkeeping needs.
type CallEndedPayload struct {
	CallID string `json:"call_id"`

	// Reason is the provider's disconnect reason, when it sends one.
	Reason string `json:"reason,omitempty"`
}

// Commander is the slice of the Redis API the queue uses. *redis.Client
// satisfies it.
type Commander interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}
