// Package draft holds user-entered trip parameters and derives the quoted
// price from route distance. Pure and synchronous: the only I/O is the
// optional router lookup, and a failed lookup falls back to the
// straight-line estimate.
package draft

import (
	"context"
	"errors"
	"math"

	"github.com/example/trip-exchange/internal/models"
	"github.com/example/trip-exchange/internal/routing"
)

// Per-km rates and floors, in account currency.
const (
	RideRatePerKm   = 0.60
	ParcelRatePerKm = 0.40
	ParcelMinPrice  = 2.00
)

var (
	ErrMissingEndpoint = errors.New("draft: origin and destination required")
	ErrBadCapacity     = errors.New("draft: carpool offer needs at least one seat")
	ErrBadPrice        = errors.New("draft: price must be positive")
	ErrUnknownKind     = errors.New("draft: unknown request kind")
)

// Draft is an un-submitted trip request.
type Draft struct {
	Kind            models.Kind
	Origin          models.GeoFix
	Destination     models.GeoFix
	OriginAddr      string
	DestinationAddr string
	CapacitySeats   int     // carpool offers only
	UserPrice       float64 // flat price for service; per-seat for carpool
	RoundTrip       bool
	Note            string
}

// Quote is the derived fare for a draft.
type Quote struct {
	DistanceKm float64
	Price      float64
}

func (d *Draft) Validate() error {
	switch d.Kind {
	case models.KindRide, models.KindParcel:
	case models.KindService, models.KindCarpoolSeek:
		if d.UserPrice <= 0 {
			return ErrBadPrice
		}
	case models.KindCarpoolOffer:
		if d.CapacitySeats < 1 {
			return ErrBadCapacity
		}
		if d.UserPrice <= 0 {
			return ErrBadPrice
		}
	default:
		return ErrUnknownKind
	}
	if d.Origin.CapturedAt.IsZero() || d.Destination.CapturedAt.IsZero() {
		return ErrMissingEndpoint
	}
	return nil
}

// Quote derives the fare. router may be nil; lookup failures silently fall
// back to the straight-line distance, mirroring the product behavior when
// the routing API is unreachable.
func (d *Draft) Quote(ctx context.Context, router routing.Router) (Quote, error) {
	if err := d.Validate(); err != nil {
		return Quote{}, err
	}
	meters := 0.0
	if router != nil {
		if m, err := router.DistanceMeters(ctx, d.Origin.Coord, d.Destination.Coord); err == nil {
			meters = m
		}
	}
	if meters == 0 {
		meters = routing.StraightLineMeters(d.Origin.Coord, d.Destination.Coord)
	}
	km := meters / 1000.0

	var price float64
	switch d.Kind {
	case models.KindRide:
		price = km * RideRatePerKm
	case models.KindParcel:
		price = km * ParcelRatePerKm
		if price < ParcelMinPrice {
			price = ParcelMinPrice
		}
	case models.KindService, models.KindCarpoolOffer, models.KindCarpoolSeek:
		price = d.UserPrice
	}
	// a round trip is two metered legs; user-priced kinds name their own total
	if d.RoundTrip && (d.Kind == models.KindRide || d.Kind == models.KindParcel) {
		price *= 2
	}
	return Quote{DistanceKm: round2(km), Price: round2(price)}, nil
}

// Request materializes the draft into a request payload for submission.
func (d *Draft) Request(q Quote) models.TripRequest {
	return models.TripRequest{
		Kind:            d.Kind,
		Role:            models.RoleRequester,
		Origin:          d.Origin.Coord,
		Destination:     d.Destination.Coord,
		OriginAddr:      d.OriginAddr,
		DestinationAddr: d.DestinationAddr,
		CapacityTotal:   d.CapacitySeats,
		PriceQuoted:     q.Price,
		RoundTrip:       d.RoundTrip,
		Note:            d.Note,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
