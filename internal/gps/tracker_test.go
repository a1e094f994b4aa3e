package gps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

func fix(accuracy float64) models.GeoFix {
	return models.GeoFix{Coord: models.Coord{Lat: -17.82, Lon: 31.05}, AccuracyM: accuracy, CapturedAt: time.Now()}
}

// scriptSource replays a fixed set of readings per Watch call, then holds the
// stream open until the tracker cancels.
type scriptSource struct {
	mu         sync.Mutex
	scripts    [][]Reading // scripts[i] feeds the i-th Watch call
	watchErr   error
	cached     *models.GeoFix
	watchCalls int
}

func (s *scriptSource) Watch(ctx context.Context) (<-chan Reading, error) {
	s.mu.Lock()
	call := s.watchCalls
	s.watchCalls++
	s.mu.Unlock()
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	var script []Reading
	if call < len(s.scripts) {
		script = s.scripts[call]
	}
	ch := make(chan Reading)
	go func() {
		for _, r := range script {
			select {
			case ch <- r:
			case <-ctx.Done():
				close(ch)
				return
			}
		}
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *scriptSource) Cached(ctx context.Context) (models.GeoFix, error) {
	if s.cached == nil {
		return models.GeoFix{}, ErrSignalUnavailable
	}
	return *s.cached, nil
}

func (s *scriptSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchCalls
}

// recorder collects tracker callbacks for assertions.
type recorder struct {
	mu       sync.Mutex
	updates  []models.GeoFix
	locked   chan models.GeoFix
	failed   chan error
	failBest models.GeoFix
	failHas  bool
}

func newRecorder() *recorder {
	return &recorder{locked: make(chan models.GeoFix, 1), failed: make(chan error, 1)}
}

func (r *recorder) attach(t *Tracker) {
	t.OnUpdate = func(f models.GeoFix) {
		r.mu.Lock()
		r.updates = append(r.updates, f)
		r.mu.Unlock()
	}
	t.OnLocked = func(f models.GeoFix) { r.locked <- f }
	t.OnFailure = func(err error, best models.GeoFix, has bool) {
		r.mu.Lock()
		r.failBest, r.failHas = best, has
		r.mu.Unlock()
		r.failed <- err
	}
}

func (r *recorder) updateAccuracies() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.updates))
	for i, f := range r.updates {
		out[i] = f.AccuracyM
	}
	return out
}

func waitLocked(t *testing.T, r *recorder) models.GeoFix {
	t.Helper()
	select {
	case f := <-r.locked:
		return f
	case err := <-r.failed:
		t.Fatalf("tracker failed instead of locking: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock")
	}
	return models.GeoFix{}
}

func waitFailed(t *testing.T, r *recorder) error {
	t.Helper()
	select {
	case err := <-r.failed:
		return err
	case f := <-r.locked:
		t.Fatalf("tracker locked at %v instead of failing", f.AccuracyM)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	return nil
}

func TestLocksImmediatelyOnExcellentFirstReading(t *testing.T) {
	src := &scriptSource{scripts: [][]Reading{{{Fix: fix(15)}}}}
	tr := &Tracker{Source: src}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	got := waitLocked(t, rec)
	if got.AccuracyM != 15 {
		t.Fatalf("expected lock at 15m, got %v", got.AccuracyM)
	}
	if len(rec.updateAccuracies()) != 0 {
		t.Fatalf("no non-final updates expected, got %v", rec.updateAccuracies())
	}
}

func TestGoodTierRequiresThreeSubFiftyReadings(t *testing.T) {
	// [80,70,45,40]: only two sub-50m readings, so no good-tier lock; the
	// fallback timer accepts the 40m best instead.
	src := &scriptSource{scripts: [][]Reading{{
		{Fix: fix(80)}, {Fix: fix(70)}, {Fix: fix(45)}, {Fix: fix(40)},
	}}}
	tr := &Tracker{Source: src, Timeout: 150 * time.Millisecond}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	got := waitLocked(t, rec)
	if got.AccuracyM != 40 {
		t.Fatalf("expected fallback lock at 40m best, got %v", got.AccuracyM)
	}
	ups := rec.updateAccuracies()
	if len(ups) != 2 || ups[0] != 45 || ups[1] != 40 {
		t.Fatalf("expected non-final updates [45 40], got %v", ups)
	}
}

func TestGoodTierLocksOnThirdSubFiftyReading(t *testing.T) {
	src := &scriptSource{scripts: [][]Reading{{
		{Fix: fix(60)}, {Fix: fix(48)}, {Fix: fix(46)}, {Fix: fix(44)},
	}}}
	tr := &Tracker{Source: src}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	got := waitLocked(t, rec)
	if got.AccuracyM != 44 {
		t.Fatalf("expected lock at third sub-50m reading (44m), got %v", got.AccuracyM)
	}
}

func TestExcellentRuleBeatsGoodTier(t *testing.T) {
	// Scenario: [unknown, 90, 55, 48, 19] must lock at 19 via the excellent
	// tier; 48 is only the first sub-50m reading so the good tier never fires.
	src := &scriptSource{scripts: [][]Reading{{
		{Fix: fix(models.UnknownAccuracy)}, {Fix: fix(90)}, {Fix: fix(55)}, {Fix: fix(48)}, {Fix: fix(19)},
	}}}
	tr := &Tracker{Source: src}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	got := waitLocked(t, rec)
	if got.AccuracyM != 19 {
		t.Fatalf("expected excellent-tier lock at 19m, got %v", got.AccuracyM)
	}
	ups := rec.updateAccuracies()
	if len(ups) != 1 || ups[0] != 48 {
		t.Fatalf("expected a single 48m update, got %v", ups)
	}
}

func TestBestFixAccuracyIsMonotonic(t *testing.T) {
	// A worse reading (80 after 60) must never replace the best fix, and the
	// emitted refinement sequence is non-increasing in accuracy radius.
	src := &scriptSource{scripts: [][]Reading{{
		{Fix: fix(100)}, {Fix: fix(60)}, {Fix: fix(80)}, {Fix: fix(45)}, {Fix: fix(44)}, {Fix: fix(43)},
	}}}
	tr := &Tracker{Source: src}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	got := waitLocked(t, rec)
	if got.AccuracyM != 43 {
		t.Fatalf("expected lock at 43m, got %v", got.AccuracyM)
	}
	seq := append(rec.updateAccuracies(), got.AccuracyM)
	for i := 1; i < len(seq); i++ {
		if seq[i] > seq[i-1] {
			t.Fatalf("accuracy radius increased: %v", seq)
		}
	}
	best, has := tr.Best()
	if !has || best.AccuracyM != 43 {
		t.Fatalf("expected best 43m, got %v (has=%v)", best.AccuracyM, has)
	}
}

func TestFallbackFailsWhenBestTooCoarse(t *testing.T) {
	src := &scriptSource{scripts: [][]Reading{{{Fix: fix(500)}}}}
	tr := &Tracker{Source: src, Timeout: 100 * time.Millisecond}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	err := waitFailed(t, rec)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.failHas || rec.failBest.AccuracyM != 500 {
		t.Fatalf("failure must still surface the 500m best fix, got %v (has=%v)", rec.failBest.AccuracyM, rec.failHas)
	}
}

func TestWatchRetriedTwiceThenSurfaced(t *testing.T) {
	src := &scriptSource{watchErr: ErrPermissionDenied}
	tr := &Tracker{Source: src, Timeout: time.Second}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	err := waitFailed(t, rec)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denial, got %v", err)
	}
	if got := src.calls(); got != 1+MaxRetries {
		t.Fatalf("expected %d watch attempts, got %d", 1+MaxRetries, got)
	}
}

func TestStreamErrorRecoversOnRetry(t *testing.T) {
	src := &scriptSource{scripts: [][]Reading{
		{{Err: ErrSignalUnavailable}},
		{{Fix: fix(12)}},
	}}
	tr := &Tracker{Source: src}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	got := waitLocked(t, rec)
	if got.AccuracyM != 12 {
		t.Fatalf("expected lock at 12m after retry, got %v", got.AccuracyM)
	}
	if src.calls() != 2 {
		t.Fatalf("expected 2 watch calls, got %d", src.calls())
	}
}

func TestManualCorrectionIsPermanentUnknownAccuracyLock(t *testing.T) {
	src := &scriptSource{scripts: [][]Reading{{{Fix: fix(80)}}}}
	tr := &Tracker{Source: src, Timeout: time.Second}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	tr.SetManual(models.Coord{Lat: -17.83, Lon: 31.06})

	got := waitLocked(t, rec)
	if got.HasAccuracy() {
		t.Fatalf("manual lock must have unknown accuracy, got %v", got.AccuracyM)
	}
	if got.Coord.Lat != -17.83 {
		t.Fatalf("unexpected manual coordinate %v", got.Coord)
	}
}

func TestCachedSeedIsNonFinalHint(t *testing.T) {
	cached := fix(15)
	src := &scriptSource{cached: &cached, scripts: [][]Reading{nil}}
	tr := &Tracker{Source: src, Timeout: 150 * time.Millisecond}
	rec := newRecorder()
	rec.attach(tr)

	stop := tr.Begin(context.Background())
	defer stop()

	// The excellent cached fix seeds the best fix but never locks by itself;
	// the fallback timer then accepts it.
	got := waitLocked(t, rec)
	if got.AccuracyM != 15 {
		t.Fatalf("expected fallback lock on seeded 15m fix, got %v", got.AccuracyM)
	}
}
