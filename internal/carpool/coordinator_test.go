package carpool

import (
	"context"
	"sync"
	"testing"

	"github.com/example/trip-exchange/internal/backend"
	"github.com/example/trip-exchange/internal/models"
)

type fakeBackend struct {
	mu       sync.Mutex
	matches  []models.Match
	capacity int
	nextID   int
}

func (f *fakeBackend) CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error) {
	return []models.TripRequest{{ID: "seek-1", Kind: models.KindCarpoolSeek, Status: models.StatusSearching}}, nil
}

func (f *fakeBackend) MatchCarpool(ctx context.Context, requestID, candidateRequestID string) (*models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if models.DeriveCapacityFilled(f.matches) >= f.capacity {
		return nil, &backend.RejectionError{Reason: "capacity_full", Code: 409}
	}
	f.nextID++
	m := models.Match{ID: string(rune('a' + f.nextID)), OfferID: requestID, SeekID: candidateRequestID, Status: models.MatchActive}
	f.matches = append(f.matches, m)
	return &m, nil
}

func (f *fakeBackend) ActiveMatches(ctx context.Context, requestID string) ([]models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Match
	for _, m := range f.matches {
		if m.Status == models.MatchActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) EndMatch(ctx context.Context, matchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.matches {
		if f.matches[i].ID == matchID {
			f.matches[i].Status = models.MatchCompleted
		}
	}
	return nil
}

// Seats fill to the bound, refuse beyond it, and free up again when a
// match ends.
func TestSeatCountDerivedFromActiveMatches(t *testing.T) {
	fb := &fakeBackend{capacity: 2}
	c := New(fb, "offer-1", 2)
	ctx := context.Background()

	m1, err := c.Match(ctx, "seek-1")
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	if c.Filled() != 1 || c.Full() {
		t.Fatalf("filled=%d full=%v after one match", c.Filled(), c.Full())
	}

	if _, err := c.Match(ctx, "seek-2"); err != nil {
		t.Fatalf("second match: %v", err)
	}
	if c.Filled() != 2 || !c.Full() {
		t.Fatalf("filled=%d full=%v after two matches", c.Filled(), c.Full())
	}

	if _, err := c.Match(ctx, "seek-3"); !backend.IsRejection(err) {
		t.Fatalf("overfull match must be rejected, got %v", err)
	}

	if err := c.End(ctx, m1.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if c.Filled() != 1 || c.Full() {
		t.Fatalf("filled=%d full=%v after ending a match", c.Filled(), c.Full())
	}
	if len(c.Matches()) != 1 {
		t.Fatalf("ended matches are history, want 1 live match, got %d", len(c.Matches()))
	}
}

func TestEndingOneMatchLeavesSiblingsActive(t *testing.T) {
	fb := &fakeBackend{capacity: 3}
	c := New(fb, "offer-1", 3)
	ctx := context.Background()

	m1, _ := c.Match(ctx, "seek-1")
	m2, _ := c.Match(ctx, "seek-2")
	if err := c.End(ctx, m1.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	live := c.Matches()
	if len(live) != 1 {
		t.Fatalf("want only the live sibling, got %d matches", len(live))
	}
	if live[0].ID != m2.ID || live[0].Status != models.MatchActive {
		t.Fatalf("sibling match disturbed: %+v", live[0])
	}
}

// A full offer stops surfacing candidate seeks; ending a match reopens
// the list.
func TestCandidatesHiddenWhenFull(t *testing.T) {
	fb := &fakeBackend{capacity: 2}
	c := New(fb, "offer-1", 2)
	ctx := context.Background()

	cands, err := c.Candidates(ctx)
	if err != nil || len(cands) == 0 {
		t.Fatalf("open offer must surface candidates, got %v %v", cands, err)
	}

	c.Match(ctx, "seek-1")
	m2, _ := c.Match(ctx, "seek-2")
	cands, err = c.Candidates(ctx)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("full offer must hide candidates, got %d", len(cands))
	}

	if err := c.End(ctx, m2.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	cands, _ = c.Candidates(ctx)
	if len(cands) == 0 {
		t.Fatal("freed seat must surface candidates again")
	}
}

func TestSeekSideNeverReportsFull(t *testing.T) {
	fb := &fakeBackend{capacity: 5}
	c := New(fb, "seek-9", 0)
	if c.Full() {
		t.Fatal("seek side has no seat bound")
	}
}
