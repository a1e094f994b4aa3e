package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

type fakeBackend struct {
	mu     sync.Mutex
	points []models.NearbyPoint
	err    error
	calls  int
	lastAt models.Coord
}

func (f *fakeBackend) ListNearby(ctx context.Context, at models.Coord, radiusM float64, kind models.Kind) ([]models.NearbyPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastAt = at
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.NearbyPoint, len(f.points))
	copy(out, f.points)
	return out, nil
}

func TestPollerFetchesAndExposesPoints(t *testing.T) {
	fb := &fakeBackend{points: []models.NearbyPoint{{ID: "p1"}}}
	got := make(chan []models.NearbyPoint, 4)
	p := &Poller{
		Backend:  fb,
		Kind:     models.KindRide,
		RadiusM:  2000,
		Interval: 20 * time.Millisecond,
		OnPoints: func(pts []models.NearbyPoint) { got <- pts },
	}
	stop := p.Begin(context.Background(), models.Coord{Lat: 25.03, Lon: 121.56})
	defer stop()

	select {
	case pts := <-got:
		if len(pts) != 1 || pts[0].ID != "p1" {
			t.Fatalf("got %+v", pts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("layer never painted")
	}
	if pts := p.Points(); len(pts) != 1 {
		t.Fatalf("Points() = %+v", pts)
	}
}

func TestFetchFailureClearsLayerSilently(t *testing.T) {
	fb := &fakeBackend{err: errors.New("network down")}
	p := &Poller{Backend: fb, Kind: models.KindRide, RadiusM: 1000, Interval: 20 * time.Millisecond}
	stop := p.Begin(context.Background(), models.Coord{})
	defer stop()

	time.Sleep(60 * time.Millisecond)
	if pts := p.Points(); len(pts) != 0 {
		t.Fatalf("expected empty layer, got %+v", pts)
	}
}

func TestBeginRestartIsIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	p := &Poller{Backend: fb, Kind: models.KindRide, RadiusM: 1000, Interval: 50 * time.Millisecond}
	p.Begin(context.Background(), models.Coord{})
	stop := p.Begin(context.Background(), models.Coord{})
	defer stop()

	time.Sleep(500 * time.Millisecond)
	fb.mu.Lock()
	calls := fb.calls
	fb.mu.Unlock()
	if calls > 15 {
		t.Fatalf("too many polls for a single timer: %d", calls)
	}
}

func TestRecenterMovesQueryPoint(t *testing.T) {
	fb := &fakeBackend{}
	p := &Poller{Backend: fb, Kind: models.KindRide, RadiusM: 1000, Interval: 20 * time.Millisecond}
	stop := p.Begin(context.Background(), models.Coord{Lat: 1, Lon: 1})
	defer stop()

	p.Recenter(models.Coord{Lat: 2, Lon: 2})

	deadline := time.After(2 * time.Second)
	for {
		fb.mu.Lock()
		at := fb.lastAt
		fb.mu.Unlock()
		if at.Lat == 2 && at.Lon == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("query center never moved: %+v", at)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
