package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

type countingRouter struct {
	calls int
	v     float64
	err   error
}

func (c *countingRouter) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestCachedRouterHitsCache(t *testing.T) {
	inner := &countingRouter{v: 1234}
	r := &Cached{Inner: inner, Cache: NewCache(time.Minute)}
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}

	for i := 0; i < 3; i++ {
		v, err := r.DistanceMeters(context.Background(), a, b)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 1234 {
			t.Fatalf("expected 1234, got %f", v)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 inner call, got %d", inner.calls)
	}
}

func TestCachedRouterDoesNotCacheErrors(t *testing.T) {
	inner := &countingRouter{err: errors.New("boom")}
	r := &Cached{Inner: inner, Cache: NewCache(time.Minute)}
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}

	for i := 0; i < 2; i++ {
		if _, err := r.DistanceMeters(context.Background(), a, b); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("errors must not be cached, got %d calls", inner.calls)
	}
}

func TestStraightLineMeters(t *testing.T) {
	// one degree of latitude is roughly 111 km
	d := StraightLineMeters(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if d < 110000 || d > 112000 {
		t.Fatalf("unexpected distance %f", d)
	}
}
