package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-exchange/internal/backend"
	"github.com/example/trip-exchange/internal/models"
)

type fakeBackend struct {
	mu        sync.Mutex
	snap      *models.TripRequest
	acceptErr error
	cancelErr error

	activeCalls int
	cancelCalls int
}

func (f *fakeBackend) set(snap *models.TripRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeCalls
}

func (f *fakeBackend) ActiveRequest(ctx context.Context, role models.Role, kind models.Kind) (*models.TripRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	if f.snap == nil {
		return nil, nil
	}
	cp := *f.snap
	return &cp, nil
}

func (f *fakeBackend) AcceptBid(ctx context.Context, bidID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	if f.snap != nil {
		f.snap.Status = models.StatusAccepted
	}
	return nil
}

func (f *fakeBackend) CancelRequest(ctx context.Context, requestID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if f.snap != nil {
		f.snap.Status = models.StatusCancelled
	}
	return nil
}

func (f *fakeBackend) StartJob(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap != nil {
		f.snap.Status = models.StatusInProgress
	}
	return nil
}

func (f *fakeBackend) CompleteJob(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap != nil {
		f.snap.Status = models.StatusCompleted
	}
	return nil
}

func req(status models.Status) *models.TripRequest {
	return &models.TripRequest{ID: "r1", UserID: "u1", Role: models.RoleRequester, Kind: models.KindRide, Status: status}
}

func newSync(fb *fakeBackend, events chan Event) *Sync {
	return &Sync{
		Backend:  fb,
		Role:     models.RoleRequester,
		Kind:     models.KindRide,
		Interval: 20 * time.Millisecond,
		OnEvent: func(e Event) {
			select {
			case events <- e:
			case <-time.After(time.Second):
			}
		},
	}
}

func waitEvent(t *testing.T, events chan Event, typ EventType, to models.Status) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ && e.To == to {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s -> %s", typ, to)
		}
	}
}

func TestTransitionEventsAreEdgeTriggered(t *testing.T) {
	fb := &fakeBackend{snap: req(models.StatusSearching)}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	stop := s.Start(context.Background())
	defer stop()

	waitEvent(t, events, EventTransition, models.StatusSearching)

	// Identical snapshots must not re-emit.
	time.Sleep(100 * time.Millisecond)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %v for unchanged snapshot", e)
	default:
	}

	fb.set(req(models.StatusBidReceived))
	waitEvent(t, events, EventNewBid, models.StatusBidReceived)
}

func TestStaleResponseDiscarded(t *testing.T) {
	s := &Sync{Backend: &fakeBackend{}, Role: models.RoleRequester, Kind: models.KindRide}

	s.apply(2, req(models.StatusAccepted))
	s.apply(1, req(models.StatusSearching))

	snap, ok := s.Snapshot()
	if !ok {
		t.Fatal("expected cached request")
	}
	if snap.Status != models.StatusAccepted {
		t.Fatalf("stale response applied: got %s", snap.Status)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	fb := &fakeBackend{snap: req(models.StatusAccepted)}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	stop := s.Start(context.Background())
	defer stop()
	waitEvent(t, events, EventTransition, models.StatusAccepted)

	if err := s.Cancel(context.Background(), "changed my mind"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitEvent(t, events, EventTransition, models.StatusCancelled)

	if err := s.Cancel(context.Background(), "again"); err != nil {
		t.Fatalf("duplicate Cancel: %v", err)
	}

	fb.mu.Lock()
	cancels := fb.cancelCalls
	fb.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("cancel sent %d times, want 1", cancels)
	}
}

func TestCancelRejectionIsSwallowed(t *testing.T) {
	fb := &fakeBackend{
		snap:      req(models.StatusSearching),
		cancelErr: &backend.RejectionError{Reason: "already cancelled", Code: 409},
	}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	stop := s.Start(context.Background())
	defer stop()
	waitEvent(t, events, EventTransition, models.StatusSearching)

	if err := s.Cancel(context.Background(), "late"); err != nil {
		t.Fatalf("rejected duplicate cancel should be a no-op, got %v", err)
	}
}

func TestVanishedResetsAndStopsPolling(t *testing.T) {
	fb := &fakeBackend{snap: req(models.StatusSearching)}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	stop := s.Start(context.Background())
	defer stop()
	waitEvent(t, events, EventTransition, models.StatusSearching)

	fb.set(nil)
	e := waitEvent(t, events, EventVanished, models.StatusNone)
	if e.From != models.StatusSearching {
		t.Fatalf("vanish From = %s, want searching", e.From)
	}
	if _, ok := s.Snapshot(); ok {
		t.Fatal("projection should reset to none")
	}

	// Polling stops once the request is gone.
	n := fb.calls()
	time.Sleep(150 * time.Millisecond)
	if got := fb.calls(); got != n {
		t.Fatalf("still polling after vanish: %d -> %d", n, got)
	}
}

func TestCommandRejectionLeavesStateUntouched(t *testing.T) {
	fb := &fakeBackend{
		snap:      req(models.StatusBidReceived),
		acceptErr: &backend.RejectionError{Reason: "bid withdrawn", Code: 409},
	}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	stop := s.Start(context.Background())
	defer stop()
	waitEvent(t, events, EventTransition, models.StatusBidReceived)

	err := s.AcceptBid(context.Background(), "b1")
	if !backend.IsRejection(err) {
		t.Fatalf("want rejection, got %v", err)
	}
	snap, _ := s.Snapshot()
	if snap.Status != models.StatusBidReceived {
		t.Fatalf("local state moved on rejection: %s", snap.Status)
	}
}

func TestPokeTriggersImmediateTick(t *testing.T) {
	fb := &fakeBackend{snap: req(models.StatusSearching)}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	s.Interval = time.Minute
	stop := s.Start(context.Background())
	defer stop()
	waitEvent(t, events, EventTransition, models.StatusSearching)

	fb.set(req(models.StatusBidReceived))
	s.Poke()
	waitEvent(t, events, EventTransition, models.StatusBidReceived)
}

func TestRestartKeepsOneTimer(t *testing.T) {
	fb := &fakeBackend{snap: req(models.StatusSearching)}
	s := &Sync{Backend: fb, Role: models.RoleRequester, Kind: models.KindRide, Interval: 50 * time.Millisecond}
	s.Start(context.Background())
	stop := s.Start(context.Background())
	defer stop()

	time.Sleep(500 * time.Millisecond)
	if got := fb.calls(); got > 15 {
		t.Fatalf("too many polls for a single timer: %d", got)
	}
}

func TestSeatsFullAnnouncedOnce(t *testing.T) {
	offer := &models.TripRequest{
		ID: "r2", UserID: "u1", Role: models.RoleProvider, Kind: models.KindCarpoolOffer,
		Status: models.StatusSearching, CapacityTotal: 2, CapacityFilled: 2,
	}
	fb := &fakeBackend{snap: offer}
	events := make(chan Event, 16)
	s := newSync(fb, events)
	s.Role = models.RoleProvider
	s.Kind = models.KindCarpoolOffer
	stop := s.Start(context.Background())
	defer stop()

	waitEvent(t, events, EventSeatsFull, models.StatusSearching)
	time.Sleep(100 * time.Millisecond)
	select {
	case e := <-events:
		if e.Type == EventSeatsFull {
			t.Fatal("seats_full re-announced for unchanged snapshot")
		}
	default:
	}
}

// Full requester walk: searching, a bid arrives, accept, start, complete.
func TestRequesterHappyPath(t *testing.T) {
	fb := &fakeBackend{snap: req(models.StatusSearching)}
	events := make(chan Event, 32)
	s := newSync(fb, events)
	stop := s.Start(context.Background())
	defer stop()
	waitEvent(t, events, EventTransition, models.StatusSearching)

	fb.set(req(models.StatusBidReceived))
	waitEvent(t, events, EventTransition, models.StatusBidReceived)

	if err := s.AcceptBid(context.Background(), "b1"); err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	waitEvent(t, events, EventTransition, models.StatusAccepted)

	if err := s.StartJob(context.Background()); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitEvent(t, events, EventTransition, models.StatusInProgress)

	if err := s.CompleteJob(context.Background()); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	waitEvent(t, events, EventTransition, models.StatusCompleted)

	fb.set(nil)
	waitEvent(t, events, EventVanished, models.StatusNone)
}
