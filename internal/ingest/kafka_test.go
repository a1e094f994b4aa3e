package ingest

import (
	"testing"

	"github.com/example/trip-exchange/internal/geo"
	"github.com/example/trip-exchange/internal/models"
)

func TestApplyUpsertsBeacon(t *testing.T) {
	idx := geo.NewMemoryIndex()
	payload := []byte(`{"provider_id": "p1", "kind": "ride", "lat": 25.03, "lon": 121.56, "online": true}`)
	if err := Apply(idx, payload); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pts := idx.Nearby(models.Coord{Lat: 25.03, Lon: 121.56}, 1000, models.KindRide, 10)
	if len(pts) != 1 || pts[0].ID != "p1" {
		t.Fatalf("nearby = %+v", pts)
	}
}

func TestApplyRejectsBadPayloads(t *testing.T) {
	idx := geo.NewMemoryIndex()
	if err := Apply(idx, []byte(`not json`)); err == nil {
		t.Fatal("want decode error")
	}
	if err := Apply(idx, []byte(`{"kind": "ride"}`)); err == nil {
		t.Fatal("want missing provider_id error")
	}
}
