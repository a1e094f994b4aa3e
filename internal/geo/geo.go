package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

// Provider is a counterparty whose position is tracked for nearby display.
type Provider struct {
	ID      string        `json:"id"`
	Kind    models.Kind   `json:"kind"`
	Loc     models.Coord  `json:"loc"`
	Online  bool          `json:"online"`
	Updated time.Time     `json:"updated"`
}

// Index is the minimal interface required by the nearby handlers.
type Index interface {
	Upsert(p Provider)
	Nearby(at models.Coord, radiusM float64, kind models.Kind, limit int) []models.NearbyPoint
}

type MemoryIndex struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{providers: make(map[string]Provider)}
}

func (g *MemoryIndex) Upsert(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.providers[p.ID] = p
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearby(at models.Coord, radiusM float64, kind models.Kind, limit int) []models.NearbyPoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    Provider
		dist float64
	}
	arr := make([]pair, 0, len(g.providers))
	for _, p := range g.providers {
		if !p.Online {
			continue
		}
		if kind != "" && p.Kind != kind {
			continue
		}
		dist := Haversine(at.Lat, at.Lon, p.Loc.Lat, p.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.NearbyPoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.NearbyPoint{ID: arr[i].p.ID, Position: arr[i].p.Loc, Updated: arr[i].p.Updated})
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
