package events

import "github.com/example/ride-bidding/internal/models"

// Filter decides what one listener sees of ev. deliver false skips the event;
// end closes the listener right after out is delivered.
type Filter func(ev models.OrderEvent) (out models.OrderEvent, deliver, end bool)

// ViewFor returns the filter for actor watching r, or nil when actor is a
// party to r and sees every event.
//
// Any other worker watches as a bidder: only its own offer events, and
// order-level events without the offer, worker, amount or actor. The stream
// ends once the order is awarded to someone else or cancelled.
func ViewFor(actor models.Actor, r *models.TripRequest) Filter {
	if actor.Role == models.RoleAdmin || actor.ID == r.RequesterID || (r.WorkerID != "" && actor.ID == r.WorkerID) {
		return nil
	}
	won := false
	return func(ev models.OrderEvent) (models.OrderEvent, bool, bool) {
		if won {
			return ev, true, false
		}
		mine := ev.WorkerID != "" && ev.WorkerID == actor.ID
		switch ev.Type {
		case models.EventOfferReceived, models.EventOfferUpdated, models.EventOfferWithdrawn:
			return ev, mine, false
		case models.EventOfferAccepted:
			if mine {
				won = true
				return ev, true, false
			}
			return redact(ev), true, true
		case models.EventOrderCancelled:
			return redact(ev), true, true
		}
		return redact(ev), true, false
	}
}

func redact(ev models.OrderEvent) models.OrderEvent {
	ev.OfferID = ""
	ev.WorkerID = ""
	ev.Amount = 0
	ev.ActorID = ""
	ev.RecordID = ""
	return ev
}
