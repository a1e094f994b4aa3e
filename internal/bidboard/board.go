// Package bidboard tracks the open bids on the caller's active request and
// drives bid acceptance. Bids arrive only through polling; acceptance is
// optimistic and always verified by re-fetching the request snapshot.
package bidboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

// BidPollInterval is the board refresh cadence, faster than the lifecycle
// poll because the bid list is the surface the user is actively staring at.
const BidPollInterval = 3 * time.Second

// ErrAcceptNotConfirmed means the accept command was acknowledged but the
// follow-up snapshot does not show the request assigned to the bidder. The
// next poll decides; the board must not pretend the deal closed.
var ErrAcceptNotConfirmed = errors.New("bidboard: acceptance not confirmed by snapshot")

type Backend interface {
	ListBids(ctx context.Context, requestID string) ([]models.Bid, error)
	PlaceBid(ctx context.Context, requestID string, price float64, message string) (string, error)
	AcceptBid(ctx context.Context, bidID string) error
	ActiveRequest(ctx context.Context, role models.Role, kind models.Kind) (*models.TripRequest, error)
}

// Board polls the bid list for one request. OnNewBid fires once per bid ID,
// edge triggered; OnBids fires with the full open set on every change.
type Board struct {
	Backend  Backend
	Role     models.Role
	Kind     models.Kind
	Logger   *slog.Logger
	Interval time.Duration // defaults to BidPollInterval
	OnNewBid func(models.Bid)
	OnBids   func([]models.Bid)

	mu        sync.Mutex
	cancel    context.CancelFunc
	requestID string
	seen      map[string]struct{}
	open      []models.Bid
}

// Watch begins (or restarts) polling bids for requestID and returns a stop
// function. Restarting for a new request clears the announced set.
func (b *Board) Watch(ctx context.Context, requestID string) (stop func()) {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	if b.requestID != requestID {
		b.seen = make(map[string]struct{})
		b.open = nil
	}
	b.requestID = requestID
	b.mu.Unlock()

	go b.loop(runCtx, requestID)
	return cancel
}

// Open returns the last observed open bids.
func (b *Board) Open() []models.Bid {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Bid, len(b.open))
	copy(out, b.open)
	return out
}

func (b *Board) loop(ctx context.Context, requestID string) {
	interval := b.Interval
	if interval <= 0 {
		interval = BidPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.refresh(ctx, requestID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh(ctx, requestID)
		}
	}
}

func (b *Board) refresh(ctx context.Context, requestID string) {
	bids, err := b.Backend.ListBids(ctx, requestID)
	if err != nil {
		if b.Logger != nil {
			b.Logger.Warn("bid poll failed", "request_id", requestID, "error", err)
		}
		return
	}

	open := bids[:0:0]
	for _, bid := range bids {
		if bid.Status == models.BidOpen {
			open = append(open, bid)
		}
	}

	b.mu.Lock()
	if b.requestID != requestID {
		// a Watch restart switched requests while this fetch was in flight
		b.mu.Unlock()
		return
	}
	if b.seen == nil {
		b.seen = make(map[string]struct{})
	}
	var fresh []models.Bid
	for _, bid := range open {
		if _, ok := b.seen[bid.ID]; !ok {
			b.seen[bid.ID] = struct{}{}
			fresh = append(fresh, bid)
		}
	}
	changed := len(fresh) > 0 || len(open) != len(b.open)
	b.open = open
	newBid, onBids := b.OnNewBid, b.OnBids
	b.mu.Unlock()

	if newBid != nil {
		for _, bid := range fresh {
			newBid(bid)
		}
	}
	if onBids != nil && changed {
		onBids(open)
	}
}

// Accept accepts one bid and confirms the outcome against a fresh snapshot.
// For single-capacity kinds the server closes the request exclusively:
// either the snapshot comes back assigned to the bidder with the agreed
// price, or nothing changed. Capacity-gated kinds reject with capacity_full
// once the offer is full; the rejection passes through untouched.
func (b *Board) Accept(ctx context.Context, bid models.Bid) (*models.TripRequest, error) {
	if err := b.Backend.AcceptBid(ctx, bid.ID); err != nil {
		return nil, err
	}
	snap, err := b.Backend.ActiveRequest(ctx, b.Role, b.Kind)
	if err != nil {
		return nil, err
	}
	if b.Kind.HasCapacity() {
		// carpool offers stay open until full; the snapshot is the result
		return snap, nil
	}
	if snap == nil || snap.Status != models.StatusAccepted || snap.ProviderID != bid.CounterpartyID {
		return snap, ErrAcceptNotConfirmed
	}
	return snap, nil
}

// Place submits a counterparty bid on someone else's request.
func (b *Board) Place(ctx context.Context, requestID string, price float64, message string) (string, error) {
	return b.Backend.PlaceBid(ctx, requestID, price, message)
}
