package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a geocoded address; geocoding itself happens upstream.
type Place struct {
	Address string `json:"address"`
	Coord
}

type ServiceClass string

const (
	ClassEconomy  ServiceClass = "economy"
	ClassComfort  ServiceClass = "comfort"
	ClassDelivery ServiceClass = "delivery"
	ClassCargo    ServiceClass = "cargo"
)

// Status is the lifecycle state of a TripRequest (the order).
type Status string

const (
	StatusPending       Status = "pending"
	StatusBiddingOpen   Status = "bidding_open"
	StatusAccepted      Status = "accepted"
	StatusWorkerArrived Status = "worker_arrived"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Biddable reports whether offers may be submitted or accepted in s.
func (s Status) Biddable() bool {
	return s == StatusPending || s == StatusBiddingOpen
}

// BiddableStatuses is the set of statuses during which a bidding session is open.
var BiddableStatuses = []Status{StatusPending, StatusBiddingOpen}

type TripRequest struct {
	ID                 string       `json:"id"`
	RequesterID        string       `json:"requester_id"`
	Origin             Place        `json:"origin"`
	Destination        Place        `json:"destination"`
	ServiceClass       ServiceClass `json:"service_class"`
	EstimatedPrice     float64      `json:"estimated_price"`
	EstimatedDistanceM float64      `json:"estimated_distance_m"`
	EstimatedDurationS float64      `json:"estimated_duration_s"`
	Status             Status       `json:"status"`
	SearchRadiusM      float64      `json:"search_radius_m"`
	OriginGeohash      string       `json:"-"`
	AcceptedOfferID    string       `json:"accepted_offer_id,omitempty"`
	WorkerID           string       `json:"worker_id,omitempty"`
	FinalPrice         float64      `json:"final_price,omitempty"`
	Version            int64        `json:"version"`
	ScheduledAt        *time.Time   `json:"scheduled_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	BiddingExpiresAt   time.Time    `json:"bidding_expires_at"`
}

// CommittedPrice is the accepted price when a winner exists, else the estimate.
func (r *TripRequest) CommittedPrice() float64 {
	if r.AcceptedOfferID != "" && r.FinalPrice > 0 {
		return r.FinalPrice
	}
	return r.EstimatedPrice
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
)

type Offer struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	WorkerID    string      `json:"worker_id"`
	Price       float64     `json:"price"`
	Message     string      `json:"message,omitempty"`
	ETAMinutes  int         `json:"eta_minutes"`
	DistanceM   float64     `json:"distance_m"`
	Status      OfferStatus `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Better reports whether o beats other: lower price, then earlier submission.
func (o Offer) Better(other Offer) bool {
	if o.Price != other.Price {
		return o.Price < other.Price
	}
	if !o.SubmittedAt.Equal(other.SubmittedAt) {
		return o.SubmittedAt.Before(other.SubmittedAt)
	}
	return o.ID < other.ID
}

type WorkerAvailability struct {
	WorkerID          string         `json:"worker_id"`
	Loc               Coord          `json:"loc"`
	LastPingAt        time.Time      `json:"last_ping_at"`
	Online            bool           `json:"online"`
	ServiceClasses    []ServiceClass `json:"service_classes,omitempty"`
	CurrentAssignment string         `json:"current_assignment,omitempty"`
}

// Serves reports whether the worker accepts requests of class c.
func (w WorkerAvailability) Serves(c ServiceClass) bool {
	for _, sc := range w.ServiceClasses {
		if sc == c {
			return true
		}
	}
	return false
}

// LocationPing is one message of the worker location feed.
type LocationPing struct {
	WorkerID       string         `json:"worker_id"`
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	Timestamp      time.Time      `json:"timestamp"`
	Online         bool           `json:"online"`
	ServiceClasses []ServiceClass `json:"service_classes,omitempty"`
}

type CancellationRecord struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	InitiatorID    string    `json:"initiator_id"`
	Reason         string    `json:"reason"`
	Fee            float64   `json:"fee"`
	FeePercent     float64   `json:"fee_percent"`
	BasePrice      float64   `json:"base_price"`
	StatusAtCancel Status    `json:"status_at_cancel"`
	Override       bool      `json:"override"`
	CreatedAt      time.Time `json:"created_at"`
}

// Actor identifies who drives an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor drives timer-initiated operations such as auto-accept.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleClient    Role = "client"
	RoleWorker    Role = "worker"
	RolePartner   Role = "partner"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)
