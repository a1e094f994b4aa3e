// Package presence paints nearby counterparties on the map. The markers
// are decorative only; nothing downstream depends on them, so fetch
// failures degrade to an empty layer and are never surfaced.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

const PollInterval = 30 * time.Second

type Backend interface {
	ListNearby(ctx context.Context, at models.Coord, radiusM float64, kind models.Kind) ([]models.NearbyPoint, error)
}

// Poller refreshes the nearby layer around a moving center.
type Poller struct {
	Backend  Backend
	Kind     models.Kind
	RadiusM  float64
	Logger   *slog.Logger
	Interval time.Duration // defaults to PollInterval
	OnPoints func([]models.NearbyPoint)

	mu     sync.Mutex
	cancel context.CancelFunc
	center models.Coord
	points []models.NearbyPoint
}

// Begin starts (or idempotently restarts) polling around center and
// returns a stop function.
func (p *Poller) Begin(ctx context.Context, center models.Coord) (stop func()) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.center = center
	p.mu.Unlock()

	go p.loop(runCtx)
	return cancel
}

// Recenter moves the query point without restarting the timer.
func (p *Poller) Recenter(center models.Coord) {
	p.mu.Lock()
	p.center = center
	p.mu.Unlock()
}

// Points returns the last fetched layer.
func (p *Poller) Points() []models.NearbyPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.NearbyPoint, len(p.points))
	copy(out, p.points)
	return out
}

func (p *Poller) loop(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	p.mu.Lock()
	center := p.center
	p.mu.Unlock()

	pts, err := p.Backend.ListNearby(ctx, center, p.RadiusM, p.Kind)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Debug("nearby poll failed", "error", err)
		}
		pts = nil
	}

	p.mu.Lock()
	p.points = pts
	handler := p.OnPoints
	p.mu.Unlock()

	if handler != nil {
		handler(pts)
	}
}
