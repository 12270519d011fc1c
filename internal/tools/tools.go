// Package tools maps tool calls emitted by the model to concrete operations:
// menu retrieval from cached prompt state, order and reservation inserts, and
// escalation signalling.
//
// The dispatcher never returns an error. Every failure, from rejected
// arguments to a dead database, becomes a structured payload with a message
// the model can voice to the caller.
package tools

import (
	"encoding/json"

	"github.com/mealtone-ai/mealtone/internal/llm"
)

// Tool names as the model emits them.
const (
	GetMenu          = "get_menu"
	PlaceOrder       = "place_order"
	MakeReservation  = "make_reservation"
	CheckOrderStatus = "check_order_status"
	CancelOrModify   = "cancel_or_modify"
	TransferToHuman  = "transfer_to_human"
)

// Parameter schemas, declared as JSON so one document serves both the
// provider declaration and argument validation.
const (
	getMenuParams = `{
		"type": "object",
		"properties": {}
	}`

	placeOrderParams = `{
		"type": "object",
		"properties": {
			"items": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string", "description": "Menu item as the caller named it."},
						"quantity": {"type": "integer", "minimum": 1},
						"notes": {"type": "string", "description": "Modifiers, allergies or special requests."}
					},
					"required": ["name", "quantity"]
				}
			},
			"customer_name": {"type": "string", "description": "Name the order is under."},
			"phone": {"type": "string", "description": "Callback phone number."},
			"total": {"type": "number", "description": "Quoted total in dollars, if one was given."},
			"notes": {"type": "string", "description": "Anything the kitchen should know."}
		},
		"required": ["items", "customer_name", "phone"]
	}`

	makeReservationParams = `{
		"type": "object",
		"properties": {
			"customer_name": {"type": "string", "description": "Name the booking is under."},
			"phone": {"type": "string", "description": "Callback phone number."},
			"party_size": {"type": "integer", "minimum": 1},
			"time": {"type": "string", "description": "Requested date and time in the caller's words."},
			"notes": {"type": "string", "description": "Seating preferences or special occasions."}
		},
		"required": ["customer_name", "party_size", "time"]
	}`

	checkOrderStatusParams = `{
		"type": "object",
		"properties": {
			"order_id": {"type": "string"},
			"phone": {"type": "string", "description": "Phone number the order was placed under."}
		}
	}`

	cancelOrModifyParams = `{
		"type": "object",
		"properties": {
			"order_id": {"type": "string"},
			"change": {"type": "string", "description": "What the caller wants changed or cancelled."}
		}
	}`

	transferToHumanParams = `{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "description": "Why the caller needs a person."}
		}
	}`
)

var catalog = []struct {
	name        string
	description string
	params      string
}{
	{
		name:        GetMenu,
		description: "Look up the restaurant's current menu. Call this before answering questions about dishes, prices or availability.",
		params:      getMenuParams,
	},
	{
		name:        PlaceOrder,
		description: "Place a takeout order. Only call after reading the full order back and getting the caller's name and phone number.",
		params:      placeOrderParams,
	},
	{
		name:        MakeReservation,
		description: "Book a table. Only call once the caller has given a name, a party size and a requested time.",
		params:      makeReservationParams,
	},
	{
		name:        CheckOrderStatus,
		description: "Check on an order the caller placed earlier.",
		params:      checkOrderStatusParams,
	},
	{
		name:        CancelOrModify,
		description: "Cancel or change an order the caller placed earlier.",
		params:      cancelOrModifyParams,
	},
	{
		name:        TransferToHuman,
		description: "Hand the call to a staff member when the caller asks for a person or the request is beyond what you can handle.",
		params:      transferToHumanParams,
	},
}

// Definitions returns the tool declarations offered to the model. The slice
// is freshly built on each call; callers may mutate it.
func Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(catalog))
	for _, t := range catalog {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.name,
			Description: t.description,
			Parameters:  mustParams(t.params),
		})
	}
	return defs
}

func mustParams(raw string) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic("tools: invalid parameter schema: " + err.Error())
	}
	return doc
}
