// Package backend defines the narrow interface to the authoritative remote
// store. The server owns all trip state; this side only issues commands and
// fetches snapshots.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/trip-exchange/internal/models"
)

// RejectionError is a command the collaborator declined (stale state,
// already matched, already cancelled). Local state must stay untouched
// until the next reconciling poll.
type RejectionError struct {
	Reason string
	Code   int
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("backend: rejected (%d): %s", e.Code, e.Reason)
}

// IsRejection distinguishes a declined command from a transient failure.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// Client is the full collaborator surface. Implementations must treat every
// call as non-blocking with respect to the UI: callers run them from timer
// goroutines only.
type Client interface {
	// CreateRequest submits a new request and returns its id.
	CreateRequest(ctx context.Context, req models.TripRequest) (string, error)
	// ActiveRequest returns the authoritative snapshot of the caller's one
	// active request for (role, kind), or nil when none exists.
	ActiveRequest(ctx context.Context, role models.Role, kind models.Kind) (*models.TripRequest, error)

	ListBids(ctx context.Context, requestID string) ([]models.Bid, error)
	PlaceBid(ctx context.Context, requestID string, price float64, message string) (string, error)
	AcceptBid(ctx context.Context, bidID string) error

	CancelRequest(ctx context.Context, requestID, reason string) error
	StartJob(ctx context.Context, requestID string) error
	CompleteJob(ctx context.Context, requestID string) error

	// Carpool: candidate seeks for an offer, offer-initiated matching,
	// live match listing and per-pair completion.
	CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error)
	MatchCarpool(ctx context.Context, requestID, candidateRequestID string) (*models.Match, error)
	ActiveMatches(ctx context.Context, requestID string) ([]models.Match, error)
	EndMatch(ctx context.Context, matchID string) error

	ListNearby(ctx context.Context, at models.Coord, radiusM float64, kind models.Kind) ([]models.NearbyPoint, error)
	SubmitRating(ctx context.Context, targetID string, score int, comment string) error
}
