// Package carpool coordinates many-to-many seat matching for capacity
// kinds. Matching is initiated from the offer side; filled capacity is
// never stored locally, it is re-derived from the active match set on every
// refresh.
package carpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/trip-exchange/internal/models"
)

type Backend interface {
	CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error)
	MatchCarpool(ctx context.Context, requestID, candidateRequestID string) (*models.Match, error)
	ActiveMatches(ctx context.Context, requestID string) ([]models.Match, error)
	EndMatch(ctx context.Context, matchID string) error
}

// Coordinator manages the matches of one capacity request, offer or seek
// side. Each request pairs independently; ending one match never disturbs
// its siblings.
type Coordinator struct {
	Backend Backend
	Logger  *slog.Logger

	requestID string
	capacity  int

	mu      sync.Mutex
	matches []models.Match
}

// New binds a coordinator to one capacity request. capacity is the seat
// total for offer-side requests and zero for seek-side ones.
func New(b Backend, requestID string, capacity int) *Coordinator {
	return &Coordinator{Backend: b, requestID: requestID, capacity: capacity}
}

// Candidates lists counterpart requests matchable with this one. Only the
// offer side browses; seekers surface through their bids instead. A full
// offer surfaces nothing until a seat frees up.
func (c *Coordinator) Candidates(ctx context.Context) ([]models.TripRequest, error) {
	if c.Full() {
		return nil, nil
	}
	return c.Backend.CarpoolCandidates(ctx, c.requestID)
}

// Match pairs this request with a candidate and refreshes the match set.
// The server enforces the seat bound and rejects with capacity_full once
// the offer is full.
func (c *Coordinator) Match(ctx context.Context, candidateRequestID string) (*models.Match, error) {
	m, err := c.Backend.MatchCarpool(ctx, c.requestID, candidateRequestID)
	if err != nil {
		return nil, err
	}
	if err := c.Refresh(ctx); err != nil && c.Logger != nil {
		c.Logger.Warn("match refresh failed", "request_id", c.requestID, "error", err)
	}
	return m, nil
}

// Refresh re-fetches the match set from the server.
func (c *Coordinator) Refresh(ctx context.Context) error {
	matches, err := c.Backend.ActiveMatches(ctx, c.requestID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.matches = matches
	c.mu.Unlock()
	return nil
}

// End finishes one match and refreshes. The sibling matches, and the seats
// they occupy, are untouched.
func (c *Coordinator) End(ctx context.Context, matchID string) error {
	if err := c.Backend.EndMatch(ctx, matchID); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Matches returns the last fetched match set.
func (c *Coordinator) Matches() []models.Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Match, len(c.matches))
	copy(out, c.matches)
	return out
}

// Filled derives occupied seats from the active matches.
func (c *Coordinator) Filled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.DeriveCapacityFilled(c.matches)
}

// Full reports whether the offer has no seats left. Always false on the
// seek side.
func (c *Coordinator) Full() bool {
	return c.capacity > 0 && c.Filled() >= c.capacity
}
