package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealtone-ai/mealtone/internal/jobs"
	"github.com/mealtone-ai/mealtone/internal/observe"
	"github.com/mealtone-ai/mealtone/internal/store"
)

// Store is the slice of the persistence layer the dispatcher writes through.
type Store interface {
	InsertOrder(ctx context.Context, o *store.Order) error
	InsertReservation(ctx context.Context, r *store.Reservation) error
}

// Enqueuer hands finished orders to the background queue for POS submission.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// Config configures a [Dispatcher].
type Config struct {
	// Store persists orders and reservations. Required.
	Store Store

	// Queue receives order.submit jobs after a successful order insert.
	// Optional; without it orders are persisted but not forwarded.
	Queue Enqueuer

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Dispatcher executes tool calls. One instance serves the whole process;
// bind it to a call with [Dispatcher.ForCall].
type Dispatcher struct {
	store   Store
	queue   Enqueuer
	metrics *observe.Metrics
	log     *slog.Logger
	schemas map[string]*jsonschema.Schema
}

// NewDispatcher compiles the tool argument schemas and returns a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tools: store is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := jsonschema.NewCompiler()
	for _, t := range catalog {
		var doc any
		if err := json.Unmarshal([]byte(t.params), &doc); err != nil {
			return nil, fmt.Errorf("tools: parse %s schema: %w", t.name, err)
		}
		if err := c.AddResource(t.name+".json", doc); err != nil {
			return nil, fmt.Errorf("tools: register %s schema: %w", t.name, err)
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(catalog))
	for _, t := range catalog {
		schema, err := c.Compile(t.name + ".json")
		if err != nil {
			return nil, fmt.Errorf("tools: compile %s schema: %w", t.name, err)
		}
		schemas[t.name] = schema
	}

	return &Dispatcher{
		store:   cfg.Store,
		queue:   cfg.Queue,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		schemas: schemas,
	}, nil
}

// ForCall binds the dispatcher to one call's identity and cached menu text.
// The returned Runner is what the session invokes.
func (d *Dispatcher) ForCall(tenantID, callID, menu string) *Runner {
	return &Runner{
		d:        d,
		tenantID: tenantID,
		callID:   callID,
		menu:     menu,
		log:      d.log.With("tenant_id", tenantID, "call_id", callID),
	}
}

// Runner executes tool calls for a single call.
type Runner struct {
	d        *Dispatcher
	tenantID string
	callID   string
	menu     string
	log      *slog.Logger
}

// Dispatch runs the named tool and returns its result payload. It never
// returns an error and never panics on bad input; failures come back as
// payloads the model can voice.
func (r *Runner) Dispatch(ctx context.Context, name string, args map[string]any) map[string]any {
	start := time.Now()
	payload, status := r.run(ctx, name, args)
	r.d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", name)))
	r.d.metrics.RecordToolCall(ctx, name, status)
	r.log.Info("tool dispatched", "tool", name, "status", status)
	return payload
}

func (r *Runner) run(ctx context.Context, name string, args map[string]any) (map[string]any, string) {
	schema, known := r.d.schemas[name]
	if !known {
		r.log.Warn("model requested unknown tool", "tool", name)
		return underConstruction("That isn't something I can do on this line."), "unknown"
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		r.log.Warn("tool arguments rejected", "tool", name, "err", err)
		return r.invalidArgs(name), "invalid_args"
	}

	switch name {
	case GetMenu:
		return r.getMenu()
	case PlaceOrder:
		return r.placeOrder(ctx, args)
	case MakeReservation:
		return r.makeReservation(ctx, args)
	case CheckOrderStatus:
		return underConstruction("I can't look up existing orders on this line yet. Offer to pass a message to the staff."), "deferred"
	case CancelOrModify:
		return underConstruction("I can't change existing orders on this line yet. Offer to transfer the caller to the staff."), "deferred"
	case TransferToHuman:
		return r.transferToHuman(args)
	}
	// catalog and the schema map are built from the same table, so every
	// known name has a case above.
	return underConstruction("That isn't something I can do on this line."), "unknown"
}

func (r *Runner) getMenu() (map[string]any, string) {
	menu := strings.TrimSpace(r.menu)
	if menu == "" {
		return map[string]any{"menu": "unavailable"}, "empty"
	}
	return map[string]any{"menu": menu}, "ok"
}

type placeOrderArgs struct {
	Items        []store.OrderItem `json:"items"`
	CustomerName string            `json:"customer_name"`
	Phone        string            `json:"phone"`
	Total        float64           `json:"total"`
	Notes        string            `json:"notes"`
}

func (r *Runner) placeOrder(ctx context.Context, args map[string]any) (map[string]any, string) {
	var a placeOrderArgs
	if err := decodeArgs(args, &a); err != nil {
		r.log.Warn("place_order arguments undecodable", "err", err)
		return r.invalidArgs(PlaceOrder), "invalid_args"
	}

	order := &store.Order{
		ID:           uuid.NewString(),
		TenantID:     r.tenantID,
		CallID:       r.callID,
		Items:        a.Items,
		Total:        a.Total,
		CustomerName: a.CustomerName,
		Phone:        a.Phone,
		Notes:        a.Notes,
	}
	if err := r.d.store.InsertOrder(ctx, order); err != nil {
		r.log.Error("order insert failed", "order_id", order.ID, "err", err)
		return failure("We were unable to place your order right now."), "error"
	}
	r.submitLater(ctx, order)

	return map[string]any{
		"success":  true,
		"order_id": order.ID,
		"message":  "Order received. Read the items and total back to the caller and let them know it has been sent to the kitchen.",
	}, "ok"
}

// submitLater queues the order for POS submission. The row is already saved,
// so a queue outage only delays forwarding.
func (r *Runner) submitLater(ctx context.Context, order *store.Order) {
	if r.d.queue == nil {
		return
	}
	payload, err := json.Marshal(jobs.OrderSubmitPayload{OrderID: order.ID})
	if err != nil {
		r.log.Error("marshal order submission payload", "order_id", order.ID, "err", err)
		return
	}
	job := jobs.Job{Kind: jobs.KindOrderSubmit, TenantID: order.TenantID, Payload: payload}
	if err := r.d.queue.Enqueue(ctx, job); err != nil {
		r.log.Error("order submission enqueue failed", "order_id", order.ID, "err", err)
	}
}

type makeReservationArgs struct {
	CustomerName string `json:"customer_name"`
	Phone        string `json:"phone"`
	PartySize    int    `json:"party_size"`
	Time         string `json:"time"`
	Notes        string `json:"notes"`
}

func (r *Runner) makeReservation(ctx context.Context, args map[string]any) (map[string]any, string) {
	var a makeReservationArgs
	if err := decodeArgs(args, &a); err != nil {
		r.log.Warn("make_reservation arguments undecodable", "err", err)
		return r.invalidArgs(MakeReservation), "invalid_args"
	}

	res := &store.Reservation{
		ID:           uuid.NewString(),
		TenantID:     r.tenantID,
		CallID:       r.callID,
		CustomerName: a.CustomerName,
		Phone:        a.Phone,
		PartySize:    a.PartySize,
		ReservedFor:  a.Time,
		Notes:        a.Notes,
	}
	if err := r.d.store.InsertReservation(ctx, res); err != nil {
		r.log.Error("reservation insert failed", "reservation_id", res.ID, "err", err)
		return failure("We were unable to book your reservation right now."), "error"
	}

	return map[string]any{
		"success":        true,
		"reservation_id": res.ID,
		"message":        "Reservation noted. Confirm the name, party size and time back to the caller; staff will call back only if the slot is unavailable.",
	}, "ok"
}

func (r *Runner) transferToHuman(args map[string]any) (map[string]any, string) {
	reason, _ := args["reason"].(string)
	r.log.Info("caller escalated to staff", "reason", reason)
	return map[string]any{
		"status":  "transferring",
		"message": "Tell the caller to hold for a moment while they are connected to a staff member.",
	}, "ok"
}

// invalidArgs shapes a schema-rejection payload in the failing tool's own
// failure format.
func (r *Runner) invalidArgs(name string) map[string]any {
	switch name {
	case PlaceOrder:
		return failure("I couldn't make out the full order. Please confirm the items, the caller's name and a phone number, then try again.")
	case MakeReservation:
		return failure("I couldn't make out the reservation details. Please confirm the name, party size and time, then try again.")
	default:
		return underConstruction("Something about that request didn't come through. Please try again.")
	}
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func underConstruction(msg string) map[string]any {
	return map[string]any{"status": "under_construction", "message": msg}
}

func decodeArgs(args map[string]any, dst any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
