// Package gps acquires a trustworthy device position from a stream of noisy,
// asynchronously-arriving readings. The sensor cannot be queried
// synchronously: the tracker watches the stream, keeps the best fix seen and
// decides when a reading is good enough to lock on.
package gps

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

// Sensor failure modes. Each is retried before being surfaced.
var (
	ErrPermissionDenied  = errors.New("gps: permission denied")
	ErrSignalUnavailable = errors.New("gps: signal unavailable")
	ErrAcquireTimeout    = errors.New("gps: acquisition timed out")
)

// Accuracy tiers and timing, in meters and wall time.
const (
	ExcellentAccuracyM  = 20.0
	GoodAccuracyM       = 50.0
	AcceptableAccuracyM = 150.0

	ConvergeTimeout   = 30 * time.Second
	CachedSeedTimeout = 5 * time.Second

	// MaxRetries bounds stream restarts after a sensor failure.
	MaxRetries = 2

	// goodLockCount: a sub-50m reading locks only once this many sub-50m
	// readings have been seen, so a lucky-but-unstable first fix never
	// locks on its own.
	goodLockCount = 3
)

// Reading is one raw sample or sensor error from the stream.
type Reading struct {
	Fix models.GeoFix
	Err error
}

// Source supplies raw position data. Watch starts a high-accuracy stream
// that ends when ctx is cancelled; Cached returns a fast, possibly stale
// low-accuracy fix used only to seed the best-fix hint.
type Source interface {
	Watch(ctx context.Context) (<-chan Reading, error)
	Cached(ctx context.Context) (models.GeoFix, error)
}

// Tracker converges on a device position. Callbacks fire on the tracker's
// own goroutine: OnUpdate for every non-final improvement at good accuracy,
// OnLocked exactly once on convergence, OnFailure once if the tracker gives
// up (still carrying the best fix seen, if any, for manual correction).
type Tracker struct {
	Source    Source
	Logger    *slog.Logger
	Timeout   time.Duration // convergence fallback, defaults to ConvergeTimeout
	OnUpdate  func(fix models.GeoFix)
	OnLocked  func(fix models.GeoFix)
	OnFailure func(err error, best models.GeoFix, hasBest bool)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     bool
	best     models.GeoFix
	hasBest  bool
	goodSeen int
	attempts int
}

// Begin starts (or idempotently restarts) acquisition and returns a stop
// function. Any prior watch is torn down first; there is only ever one live
// subscription.
func (t *Tracker) Begin(ctx context.Context) (stop func()) {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = false
	t.best = models.GeoFix{}
	t.hasBest = false
	t.goodSeen = 0
	t.attempts = 0
	t.mu.Unlock()

	go t.seed(runCtx)
	go t.run(runCtx)
	return cancel
}

// SetManual records a user-corrected position (dragged pin, typed address).
// It cancels tracking and is a permanent lock with unknown accuracy.
func (t *Tracker) SetManual(c models.Coord) {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.done = true
	fix := models.GeoFix{Coord: c, AccuracyM: models.UnknownAccuracy, CapturedAt: time.Now()}
	t.best = fix
	t.hasBest = true
	t.mu.Unlock()
	if t.OnLocked != nil {
		t.OnLocked(fix)
	}
}

// Best returns the best fix observed so far.
func (t *Tracker) Best() (models.GeoFix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.best, t.hasBest
}

// seed performs the fast cached read. Purely a non-final hint: it can update
// the best fix and emit an update, never lock.
func (t *Tracker) seed(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, CachedSeedTimeout)
	defer cancel()
	fix, err := t.Source.Cached(cctx)
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.done || (t.hasBest && !fix.BetterThan(t.best)) {
		t.mu.Unlock()
		return
	}
	t.best = fix
	t.hasBest = true
	emit := fix.HasAccuracy() && fix.AccuracyM <= GoodAccuracyM
	t.mu.Unlock()
	if emit && t.OnUpdate != nil {
		t.OnUpdate(fix)
	}
}

func (t *Tracker) run(ctx context.Context) {
	wait := t.Timeout
	if wait <= 0 {
		wait = ConvergeTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var ch <-chan Reading
	for {
		if ch == nil {
			var err error
			ch, err = t.Source.Watch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if t.nextAttempt(err) {
					continue
				}
				t.fail(err)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.fallback()
			return
		case r, ok := <-ch:
			if !ok {
				ch = nil
				if t.nextAttempt(ErrSignalUnavailable) {
					continue
				}
				t.fail(ErrSignalUnavailable)
				return
			}
			if r.Err != nil {
				ch = nil
				if t.nextAttempt(r.Err) {
					continue
				}
				t.fail(r.Err)
				return
			}
			if t.handle(r.Fix) {
				return
			}
		}
	}
}

// handle applies one reading; returns true once the tracker locked.
func (t *Tracker) handle(fix models.GeoFix) bool {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return true
	}
	if !t.hasBest || fix.BetterThan(t.best) {
		t.best = fix
		t.hasBest = true
	}

	var lock, update bool
	if fix.HasAccuracy() {
		switch {
		case fix.AccuracyM <= ExcellentAccuracyM:
			lock = true
		case fix.AccuracyM <= GoodAccuracyM:
			t.goodSeen++
			if t.goodSeen >= goodLockCount {
				lock = true
			} else {
				update = true
			}
		}
	}
	if lock {
		t.done = true
		if t.cancel != nil {
			t.cancel()
		}
	}
	t.mu.Unlock()

	if lock {
		if t.OnLocked != nil {
			t.OnLocked(fix)
		}
		return true
	}
	if update && t.OnUpdate != nil {
		t.OnUpdate(fix)
	}
	return false
}

// fallback fires when the convergence timer expires without a lock: accept
// the best fix at acceptable accuracy, otherwise fail but keep surfacing it.
func (t *Tracker) fallback() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	if t.cancel != nil {
		t.cancel()
	}
	best, has := t.best, t.hasBest
	accept := has && best.HasAccuracy() && best.AccuracyM <= AcceptableAccuracyM
	t.mu.Unlock()

	if accept {
		if t.OnLocked != nil {
			t.OnLocked(best)
		}
		return
	}
	if t.Logger != nil {
		t.Logger.Warn("gps convergence timed out", "has_best", has)
	}
	if t.OnFailure != nil {
		t.OnFailure(ErrAcquireTimeout, best, has)
	}
}

// nextAttempt consumes one retry; returns false when no retries remain.
// There is no retry after a successful lock: the run loop has exited by then.
func (t *Tracker) nextAttempt(cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.attempts++
	if t.attempts > MaxRetries {
		return false
	}
	if t.Logger != nil {
		t.Logger.Warn("gps stream failed, retrying", "attempt", t.attempts, "error", cause)
	}
	return true
}

func (t *Tracker) fail(err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	best, has := t.best, t.hasBest
	t.mu.Unlock()
	if t.OnFailure != nil {
		t.OnFailure(err, best, has)
	}
}
