// Package dispatch pushes bidding invitations and order notices to workers
// and streams order events to connected clients.
package dispatch

import (
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// Message is what a worker app receives over its websocket or push channel.
type Message struct {
	Kind      string              `json:"kind"`
	RequestID string              `json:"request_id"`
	Class     models.ServiceClass `json:"service_class,omitempty"`
	Origin    *models.Place       `json:"origin,omitempty"`
	Dest      *models.Place       `json:"destination,omitempty"`
	Estimate  float64             `json:"estimated_price,omitempty"`
	DistanceM float64             `json:"distance_m,omitempty"`
	ExpiresAt *time.Time          `json:"bidding_expires_at,omitempty"`
	OfferID   string              `json:"offer_id,omitempty"`
	Status    models.Status       `json:"status,omitempty"`
}

const (
	KindInvitation    = "invitation"
	KindOfferAccepted = "offer_accepted"
	KindOrderClosed   = "order_cancelled"
)

func invitation(r *models.TripRequest, distanceM float64) Message {
	origin, dest, exp := r.Origin, r.Destination, r.BiddingExpiresAt
	return Message{
		Kind:      KindInvitation,
		RequestID: r.ID,
		Class:     r.ServiceClass,
		Origin:    &origin,
		Dest:      &dest,
		Estimate:  r.EstimatedPrice,
		DistanceM: distanceM,
		ExpiresAt: &exp,
	}
}
