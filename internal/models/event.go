package models

import "time"

type EventType string

const (
	EventStatusChanged   EventType = "status_changed"
	EventOfferReceived   EventType = "offer_received"
	EventOfferUpdated    EventType = "offer_updated"
	EventOfferWithdrawn  EventType = "offer_withdrawn"
	EventOfferAccepted   EventType = "offer_accepted"
	EventOrderCancelled  EventType = "order_cancelled"
	EventSearchExhausted EventType = "search_exhausted"
)

// OrderEvent is a committed state change of one order. Seq is the order's
// Version after the commit and is strictly increasing per order.
type OrderEvent struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"order_id"`
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status"`
	OfferID   string    `json:"offer_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
