package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GeoFix is one geolocation sample. AccuracyM < 0 means the uncertainty
// radius is unknown (manual pins, readings without accuracy). Fixes are
// transient: every better fix supersedes the previous one.
type GeoFix struct {
	Coord      Coord     `json:"coord"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

// UnknownAccuracy marks a fix whose uncertainty radius is not known.
const UnknownAccuracy = -1.0

func (f GeoFix) HasAccuracy() bool { return f.AccuracyM >= 0 }

// BetterThan reports whether f is a strictly better fix than other.
// A fix with known accuracy always beats one without.
func (f GeoFix) BetterThan(other GeoFix) bool {
	if !f.HasAccuracy() {
		return false
	}
	if !other.HasAccuracy() {
		return true
	}
	return f.AccuracyM < other.AccuracyM
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

type Kind string

const (
	KindRide         Kind = "ride"
	KindParcel       Kind = "parcel"
	KindService      Kind = "service"
	KindCarpoolOffer Kind = "carpool_offer"
	KindCarpoolSeek  Kind = "carpool_seek"
)

// HasCapacity reports whether the kind carries seat capacity.
func (k Kind) HasCapacity() bool { return k == KindCarpoolOffer }

// CounterKind returns the kind a request of kind k is matched against in
// carpool flows, or "" for bid-based kinds.
func (k Kind) CounterKind() Kind {
	switch k {
	case KindCarpoolOffer:
		return KindCarpoolSeek
	case KindCarpoolSeek:
		return KindCarpoolOffer
	}
	return ""
}

type Status string

const (
	StatusNone        Status = "none" // client-only: no active request
	StatusPending     Status = "pending"
	StatusSearching   Status = "searching"
	StatusBidReceived Status = "bid_received"
	StatusMatched     Status = "matched"
	StatusAccepted    Status = "accepted"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
)

// Terminal statuses never change again; the server drops terminal requests
// from the active snapshot, which clients observe as a vanished request.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// allowedTransitions encodes the request state flow as data. Cancel and
// expire are reachable from every non-terminal state and are appended in
// init rather than repeated per row.
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusSearching},
	StatusSearching:   {StatusBidReceived, StatusMatched, StatusAccepted},
	StatusBidReceived: {StatusSearching, StatusMatched, StatusAccepted},
	StatusMatched:     {StatusAccepted, StatusCompleted},
	StatusAccepted:    {StatusInProgress, StatusCompleted},
	StatusInProgress:  {StatusCompleted},
}

func init() {
	for from, next := range allowedTransitions {
		allowedTransitions[from] = append(next, StatusCancelled, StatusExpired)
	}
}

func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TripRequest is the authoritative booking record. The server owns it;
// clients hold a cached projection that can lag or be stale.
type TripRequest struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Role            Role      `json:"role"`
	Kind            Kind      `json:"kind"`
	Status          Status    `json:"status"`
	Origin          Coord     `json:"origin"`
	Destination     Coord     `json:"destination"`
	OriginAddr      string    `json:"origin_addr,omitempty"`
	DestinationAddr string    `json:"destination_addr,omitempty"`
	CapacityTotal   int       `json:"capacity_total,omitempty"`
	CapacityFilled  int       `json:"capacity_filled,omitempty"`
	PriceQuoted     float64   `json:"price_quoted"`
	PriceAgreed     float64   `json:"price_agreed,omitempty"`
	ProviderID      string    `json:"provider_id,omitempty"`
	RoundTrip       bool      `json:"round_trip,omitempty"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r *TripRequest) Active() bool { return r != nil && !r.Status.Terminal() }

type BidStatus string

const (
	BidOpen      BidStatus = "open"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
)

// Bid is a counterparty's proposed price for a request. For single-capacity
// kinds at most one bid per request is ever accepted; for carpool offers
// acceptance is bounded by CapacityTotal.
type Bid struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	CounterpartyID string    `json:"counterparty_id"`
	Price          float64   `json:"price"`
	Message        string    `json:"message,omitempty"`
	Status         BidStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

type MatchStatus string

const (
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

// Match pairs a carpool capacity-holder with one capacity-seeker. Completing
// or cancelling a match never touches sibling matches.
type Match struct {
	ID        string      `json:"id"`
	OfferID   string      `json:"offer_id"`
	SeekID    string      `json:"seek_id"`
	Status    MatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// DeriveCapacityFilled recomputes filled capacity from the match set.
// It is the only way filled capacity is obtained on the client; storing
// the count separately drifts.
func DeriveCapacityFilled(matches []Match) int {
	n := 0
	for _, m := range matches {
		if m.Status == MatchActive {
			n++
		}
	}
	return n
}

// NearbyPoint is a decorative map marker for a nearby counterparty.
type NearbyPoint struct {
	ID       string    `json:"id"`
	Position Coord     `json:"position"`
	Updated  time.Time `json:"updated,omitempty"`
}

// Rating is a post-completion score for a counterparty.
type Rating struct {
	ID        string    `json:"id"`
	RaterID   string    `json:"rater_id"`
	TargetID  string    `json:"target_id"`
	RequestID string    `json:"request_id,omitempty"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
