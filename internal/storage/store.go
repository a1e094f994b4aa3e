// Package storage persists requests, bids, matches and ratings. All domain
// rules that must hold atomically live here: the single-active-request
// invariant, exclusive bid acceptance, and the carpool seat bound.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrActiveExists  = errors.New("storage: an active request of this kind already exists")
	ErrNotOwner      = errors.New("storage: request belongs to another user")
	ErrBidClosed     = errors.New("storage: bid is no longer open")
	ErrRequestClosed = errors.New("storage: request no longer accepts bids")
	ErrCapacityFull  = errors.New("storage: capacity full")
	ErrBadTransition = errors.New("storage: illegal status transition")
	ErrNoCounterpart = errors.New("storage: counterparty has no matchable request")
)

// Store is the persistence surface the API handlers run on.
type Store interface {
	CreateRequest(ctx context.Context, req *models.TripRequest) error
	GetRequest(ctx context.Context, id string) (*models.TripRequest, error)
	// ActiveRequest returns the user's outstanding request for (role, kind),
	// or nil. Completed requests stay visible until rated or replaced;
	// cancelled and expired ones vanish immediately.
	ActiveRequest(ctx context.Context, userID string, role models.Role, kind models.Kind) (*models.TripRequest, error)
	CancelRequest(ctx context.Context, id, userID, reason string) error
	StartJob(ctx context.Context, id, userID string) error
	CompleteJob(ctx context.Context, id, userID string) error

	ListBids(ctx context.Context, requestID string) ([]models.Bid, error)
	PlaceBid(ctx context.Context, bid *models.Bid) error
	// AcceptBid closes a single-capacity request exclusively: the bid is
	// accepted, every sibling rejected, and the request assigned in one
	// step. On capacity kinds it creates a match instead and leaves the
	// offer open until the seat bound is hit.
	AcceptBid(ctx context.Context, bidID, byUserID string) (*models.TripRequest, error)

	// CarpoolCandidates lists matchable counterpart requests. A full
	// offer gets an empty list; ended pairings free the slot again.
	CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error)
	MatchCarpool(ctx context.Context, offerRequestID, seekRequestID, byUserID string) (*models.Match, error)
	// Matches returns the live pairings of a request. Completed and
	// cancelled matches are history and never appear here.
	Matches(ctx context.Context, requestID string) ([]models.Match, error)
	EndMatch(ctx context.Context, matchID, byUserID string) error

	SaveRating(ctx context.Context, r *models.Rating) error

	// ExpireStale times out open requests older than maxAge and returns
	// how many were expired.
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
}
