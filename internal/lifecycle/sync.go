// Package lifecycle owns the client-observed request state machine. The
// server is the sole source of truth and is never heard from unprompted:
// every transition is discovered by polling the active-request snapshot and
// reconciling the local projection against it, re-deriving full state on
// every tick rather than diffing deltas.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-exchange/internal/backend"
	"github.com/example/trip-exchange/internal/models"
)

// PollInterval is the reconciliation cadence. The same interval doubles as
// the background self-heal re-check in stable states.
const PollInterval = 10 * time.Second

// Backend is the slice of the collaborator surface the sync engine uses.
type Backend interface {
	ActiveRequest(ctx context.Context, role models.Role, kind models.Kind) (*models.TripRequest, error)
	AcceptBid(ctx context.Context, bidID string) error
	CancelRequest(ctx context.Context, requestID, reason string) error
	StartJob(ctx context.Context, requestID string) error
	CompleteJob(ctx context.Context, requestID string) error
}

type EventType string

const (
	// EventTransition: the snapshot status advanced past the local one.
	EventTransition EventType = "transition"
	// EventVanished: the snapshot disappeared (expired or fully resolved);
	// local state resets to none and polling stops.
	EventVanished EventType = "vanished"
	// EventNewBid: the request just entered bid_received.
	EventNewBid EventType = "new_bid"
	// EventSeatsFull: derived capacity reached the total on a carpool offer.
	EventSeatsFull EventType = "seats_full"
)

type Event struct {
	Type    EventType
	From    models.Status
	To      models.Status
	Request *models.TripRequest // snapshot after reconciliation, nil on vanish
}

// Sync reconciles one outstanding request per (role, kind). All mutation of
// the cached projection happens from the polling goroutine or command
// callers holding the mutex; every path is idempotent against being invoked
// twice in quick succession.
type Sync struct {
	Backend  Backend
	Role     models.Role
	Kind     models.Kind
	Logger   *slog.Logger
	Interval time.Duration // defaults to PollInterval
	OnEvent  func(Event)

	mu      sync.Mutex
	cancel  context.CancelFunc
	poke    chan struct{}
	seq     uint64 // next poll sequence number
	applied uint64 // highest sequence whose response was applied
	current *models.TripRequest
	full    bool // seats-full already announced
}

// Start begins (or idempotently restarts) the polling loop and returns a
// stop function. Any prior loop's timer is torn down first; there is only
// ever one live timer.
func (s *Sync) Start(ctx context.Context) (stop func()) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.poke == nil {
		s.poke = make(chan struct{}, 1)
	}
	s.mu.Unlock()

	go s.loop(runCtx)
	return cancel
}

// Poke schedules an immediate extra tick (e.g. on a push hint). The poll
// remains the only source of truth; a poke never carries data.
func (s *Sync) Poke() {
	s.mu.Lock()
	ch := s.poke
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the cached projection, which can lag the
// server.
func (s *Sync) Snapshot() (models.TripRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.TripRequest{}, false
	}
	return *s.current, true
}

func (s *Sync) loop(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.poke:
			s.tick(ctx)
		}
	}
}

// tick fetches the authoritative snapshot and reconciles. Fetch failures
// are logged and retried on the next tick, never surfaced: the loop
// self-heals instead of alarming the user for every blip.
func (s *Sync) tick(ctx context.Context) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	snap, err := s.Backend.ActiveRequest(ctx, s.Role, s.Kind)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("poll failed", "role", s.Role, "kind", s.Kind, "error", err)
		}
		return
	}
	s.apply(seq, snap)
}

// apply reconciles one poll response. Responses can complete out of send
// order: only the latest-completed response wins, anything older is
// discarded by sequence number.
func (s *Sync) apply(seq uint64, snap *models.TripRequest) {
	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		return
	}
	s.applied = seq

	var events []Event
	switch {
	case snap == nil && s.current == nil:
		// nothing outstanding; keep polling until a request appears
	case snap == nil:
		from := s.current.Status
		s.current = nil
		s.full = false
		events = append(events, Event{Type: EventVanished, From: from, To: models.StatusNone})
		if s.cancel != nil {
			s.cancel()
		}
	default:
		var from models.Status
		if s.current == nil {
			from = models.StatusNone
		} else {
			from = s.current.Status
		}
		cp := *snap
		s.current = &cp
		if snap.Status != from {
			events = append(events, Event{Type: EventTransition, From: from, To: snap.Status, Request: &cp})
			if snap.Status == models.StatusBidReceived {
				events = append(events, Event{Type: EventNewBid, From: from, To: snap.Status, Request: &cp})
			}
		}
		if snap.Kind.HasCapacity() && snap.CapacityTotal > 0 && snap.CapacityFilled >= snap.CapacityTotal {
			if !s.full {
				s.full = true
				events = append(events, Event{Type: EventSeatsFull, From: from, To: snap.Status, Request: &cp})
			}
		} else {
			s.full = false
		}
	}
	handler := s.OnEvent
	s.mu.Unlock()

	if handler != nil {
		for _, e := range events {
			handler(e)
		}
	}
}

// reconcile runs a mandatory fresh fetch after a command. The command's own
// response body is never trusted as state.
func (s *Sync) reconcile(ctx context.Context) {
	s.tick(ctx)
}

// Cancel cancels the outstanding request. Permitted from any non-terminal
// state exactly once; duplicates are local no-ops, and a collaborator
// rejection of a duplicate is swallowed the same way.
func (s *Sync) Cancel(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.current == nil || s.current.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	id := s.current.ID
	s.mu.Unlock()

	if err := s.Backend.CancelRequest(ctx, id, reason); err != nil {
		if backend.IsRejection(err) {
			if s.Logger != nil {
				s.Logger.Warn("duplicate cancel rejected", "request_id", id, "error", err)
			}
			s.reconcile(ctx)
			return nil
		}
		return err
	}
	s.reconcile(ctx)
	return nil
}

// AcceptBid issues the optimistic accept command, then immediately
// re-fetches. A rejection leaves local state untouched.
func (s *Sync) AcceptBid(ctx context.Context, bidID string) error {
	if err := s.Backend.AcceptBid(ctx, bidID); err != nil {
		return err
	}
	s.reconcile(ctx)
	return nil
}

// StartJob marks the accepted job as underway.
func (s *Sync) StartJob(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	id := s.current.ID
	s.mu.Unlock()
	if err := s.Backend.StartJob(ctx, id); err != nil {
		return err
	}
	s.reconcile(ctx)
	return nil
}

// CompleteJob marks the job finished.
func (s *Sync) CompleteJob(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	id := s.current.ID
	s.mu.Unlock()
	if err := s.Backend.CompleteJob(ctx, id); err != nil {
		return err
	}
	s.reconcile(ctx)
	return nil
}
