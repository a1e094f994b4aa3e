package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-exchange/internal/models"
)

// MemoryStore keeps everything in maps under one mutex. Used in tests and
// single-node runs; PostgresStore is the durable twin.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.TripRequest
	bids     map[string]*models.Bid
	matches  map[string]*models.Match
	ratings  map[string]*models.Rating
	resolved map[string]bool // completed requests dropped from the active snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.TripRequest),
		bids:     make(map[string]*models.Bid),
		matches:  make(map[string]*models.Match),
		ratings:  make(map[string]*models.Rating),
		resolved: make(map[string]bool),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.UserID != req.UserID || r.Role != req.Role || r.Kind != req.Kind {
			continue
		}
		if !r.Status.Terminal() {
			return ErrActiveExists
		}
		if r.Status == models.StatusCompleted {
			// a new request replaces the lingering completed snapshot
			m.resolved[r.ID] = true
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.StatusSearching
	}
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshotLocked(r), nil
}

func (m *MemoryStore) ActiveRequest(ctx context.Context, userID string, role models.Role, kind models.Kind) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.UserID != userID || r.Role != role || r.Kind != kind {
			continue
		}
		if !r.Status.Terminal() {
			return m.snapshotLocked(r), nil
		}
		if r.Status == models.StatusCompleted && !m.resolved[r.ID] {
			return m.snapshotLocked(r), nil
		}
	}
	return nil, nil
}

// snapshotLocked copies a request with filled capacity re-derived from the
// match set. Callers hold at least the read lock.
func (m *MemoryStore) snapshotLocked(r *models.TripRequest) *models.TripRequest {
	cp := *r
	if cp.Kind.HasCapacity() {
		cp.CapacityFilled = m.filledLocked(cp.ID)
	}
	return &cp
}

func (m *MemoryStore) filledLocked(offerID string) int {
	n := 0
	for _, match := range m.matches {
		if match.OfferID == offerID && match.Status == models.MatchActive {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CancelRequest(ctx context.Context, id, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.UserID != userID {
		return ErrNotOwner
	}
	if !models.CanTransition(r.Status, models.StatusCancelled) {
		return ErrBadTransition
	}
	r.Status = models.StatusCancelled
	r.Note = reason
	r.UpdatedAt = time.Now()

	for _, b := range m.bids {
		if b.RequestID == id && b.Status == models.BidOpen {
			b.Status = models.BidRejected
		}
	}
	for _, match := range m.matches {
		if match.Status != models.MatchActive {
			continue
		}
		if match.OfferID == id || match.SeekID == id {
			match.Status = models.MatchCancelled
			m.settleSeekLocked(match.SeekID)
		}
	}
	return nil
}

func (m *MemoryStore) StartJob(ctx context.Context, id, userID string) error {
	return m.advance(id, userID, models.StatusInProgress)
}

func (m *MemoryStore) CompleteJob(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.UserID != userID && r.ProviderID != userID {
		return ErrNotOwner
	}
	if !models.CanTransition(r.Status, models.StatusCompleted) {
		return ErrBadTransition
	}
	r.Status = models.StatusCompleted
	r.UpdatedAt = time.Now()

	// completing a capacity offer settles every remaining active match
	for _, match := range m.matches {
		if match.OfferID == id && match.Status == models.MatchActive {
			match.Status = models.MatchCompleted
			m.settleSeekLocked(match.SeekID)
		}
	}
	return nil
}

// advance moves a request along the status flow on behalf of either party.
func (m *MemoryStore) advance(id, userID string, to models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.UserID != userID && r.ProviderID != userID {
		return ErrNotOwner
	}
	if !models.CanTransition(r.Status, to) {
		return ErrBadTransition
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return nil
}

// settleSeekLocked completes a seek request once its last active match is
// gone. A matched seek with matches still running is left alone.
func (m *MemoryStore) settleSeekLocked(seekID string) {
	r, ok := m.requests[seekID]
	if !ok || r.Status != models.StatusMatched {
		return
	}
	for _, match := range m.matches {
		if match.SeekID == seekID && match.Status == models.MatchActive {
			return
		}
	}
	r.Status = models.StatusCompleted
	r.UpdatedAt = time.Now()
}

func (m *MemoryStore) ListBids(ctx context.Context, requestID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, ErrNotFound
	}
	var out []models.Bid
	for _, b := range m.bids {
		if b.RequestID == requestID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryStore) PlaceBid(ctx context.Context, bid *models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[bid.RequestID]
	if !ok {
		return ErrNotFound
	}
	switch r.Status {
	case models.StatusSearching, models.StatusBidReceived:
	default:
		return ErrRequestClosed
	}
	if r.Kind.HasCapacity() && m.filledLocked(r.ID) >= r.CapacityTotal {
		return ErrCapacityFull
	}

	if bid.ID == "" {
		bid.ID = uuid.NewString()
	}
	bid.Status = models.BidOpen
	bid.CreatedAt = time.Now()
	cp := *bid
	m.bids[bid.ID] = &cp

	if r.Status == models.StatusSearching {
		r.Status = models.StatusBidReceived
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) AcceptBid(ctx context.Context, bidID, byUserID string) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bids[bidID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != models.BidOpen {
		return nil, ErrBidClosed
	}
	r, ok := m.requests[b.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.UserID != byUserID {
		return nil, ErrNotOwner
	}

	if r.Kind.HasCapacity() {
		return m.acceptSeatBidLocked(b, r)
	}

	switch r.Status {
	case models.StatusSearching, models.StatusBidReceived:
	default:
		return nil, ErrRequestClosed
	}

	// exclusive close: one winner, every sibling rejected, all in one step
	b.Status = models.BidAccepted
	for _, sibling := range m.bids {
		if sibling.RequestID == r.ID && sibling.Status == models.BidOpen {
			sibling.Status = models.BidRejected
		}
	}
	r.ProviderID = b.CounterpartyID
	r.PriceAgreed = b.Price
	r.Status = models.StatusAccepted
	r.UpdatedAt = time.Now()
	return m.snapshotLocked(r), nil
}

// acceptSeatBidLocked turns an accepted bid on a capacity offer into a
// match against the bidder's own seek request.
func (m *MemoryStore) acceptSeatBidLocked(b *models.Bid, offer *models.TripRequest) (*models.TripRequest, error) {
	if m.filledLocked(offer.ID) >= offer.CapacityTotal {
		return nil, ErrCapacityFull
	}
	seek := m.activeCounterpartLocked(b.CounterpartyID, offer.Kind.CounterKind())
	if seek == nil {
		return nil, ErrNoCounterpart
	}

	b.Status = models.BidAccepted
	match := &models.Match{
		ID:        uuid.NewString(),
		OfferID:   offer.ID,
		SeekID:    seek.ID,
		Status:    models.MatchActive,
		CreatedAt: time.Now(),
	}
	m.matches[match.ID] = match

	if models.CanTransition(seek.Status, models.StatusMatched) {
		seek.Status = models.StatusMatched
		seek.UpdatedAt = time.Now()
	}
	if offer.Status == models.StatusBidReceived && !m.hasOpenBidsLocked(offer.ID) {
		offer.Status = models.StatusSearching
	}
	offer.UpdatedAt = time.Now()
	return m.snapshotLocked(offer), nil
}

func (m *MemoryStore) hasOpenBidsLocked(requestID string) bool {
	for _, b := range m.bids {
		if b.RequestID == requestID && b.Status == models.BidOpen {
			return true
		}
	}
	return false
}

func (m *MemoryStore) activeCounterpartLocked(userID string, kind models.Kind) *models.TripRequest {
	for _, r := range m.requests {
		if r.UserID == userID && r.Kind == kind && !r.Status.Terminal() {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	counter := r.Kind.CounterKind()
	if counter == "" {
		return nil, nil
	}
	if r.Kind.HasCapacity() && m.filledLocked(r.ID) >= r.CapacityTotal {
		return nil, nil
	}

	paired := make(map[string]bool)
	for _, match := range m.matches {
		if match.Status != models.MatchActive {
			continue
		}
		if match.OfferID == requestID {
			paired[match.SeekID] = true
		}
		if match.SeekID == requestID {
			paired[match.OfferID] = true
		}
	}

	var out []models.TripRequest
	for _, c := range m.requests {
		if c.Kind != counter || c.UserID == r.UserID || paired[c.ID] {
			continue
		}
		switch c.Status {
		case models.StatusSearching, models.StatusBidReceived:
			out = append(out, *m.snapshotLocked(c))
		}
	}
	return out, nil
}

func (m *MemoryStore) MatchCarpool(ctx context.Context, offerRequestID, seekRequestID, byUserID string) (*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.requests[offerRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	seek, ok := m.requests[seekRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if !offer.Kind.HasCapacity() {
		// caller passed the pair in seek-first order
		offer, seek = seek, offer
	}
	if !offer.Kind.HasCapacity() || seek.Kind != offer.Kind.CounterKind() {
		return nil, ErrNoCounterpart
	}
	// matching is driven from the offer side
	if offer.UserID != byUserID {
		return nil, ErrNotOwner
	}
	if offer.Status.Terminal() || seek.Status.Terminal() || seek.Status == models.StatusMatched {
		return nil, ErrRequestClosed
	}
	if m.filledLocked(offer.ID) >= offer.CapacityTotal {
		return nil, ErrCapacityFull
	}

	match := &models.Match{
		ID:        uuid.NewString(),
		OfferID:   offer.ID,
		SeekID:    seek.ID,
		Status:    models.MatchActive,
		CreatedAt: time.Now(),
	}
	m.matches[match.ID] = match

	if models.CanTransition(seek.Status, models.StatusMatched) {
		seek.Status = models.StatusMatched
		seek.UpdatedAt = time.Now()
	}
	offer.UpdatedAt = time.Now()
	cp := *match
	return &cp, nil
}

func (m *MemoryStore) Matches(ctx context.Context, requestID string) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, ErrNotFound
	}
	var out []models.Match
	for _, match := range m.matches {
		if match.Status != models.MatchActive {
			continue
		}
		if match.OfferID == requestID || match.SeekID == requestID {
			out = append(out, *match)
		}
	}
	return out, nil
}

func (m *MemoryStore) EndMatch(ctx context.Context, matchID, byUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if match.Status != models.MatchActive {
		return ErrBadTransition
	}
	offer, seek := m.requests[match.OfferID], m.requests[match.SeekID]
	if (offer == nil || offer.UserID != byUserID) && (seek == nil || seek.UserID != byUserID) {
		return ErrNotOwner
	}

	match.Status = models.MatchCompleted
	m.settleSeekLocked(match.SeekID)
	if offer != nil {
		offer.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) SaveRating(ctx context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now()
	cp := *r
	m.ratings[r.ID] = &cp

	// a rating acknowledges the rater's lingering completed request
	for _, req := range m.requests {
		if req.Status != models.StatusCompleted || m.resolved[req.ID] || req.UserID != r.RaterID {
			continue
		}
		if r.RequestID == req.ID || (r.RequestID == "" && req.ProviderID == r.TargetID) {
			m.resolved[req.ID] = true
		}
	}
	return nil
}

func (m *MemoryStore) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, r := range m.requests {
		switch r.Status {
		case models.StatusPending, models.StatusSearching, models.StatusBidReceived:
		default:
			continue
		}
		if r.CreatedAt.After(cutoff) {
			continue
		}
		r.Status = models.StatusExpired
		r.UpdatedAt = time.Now()
		for _, b := range m.bids {
			if b.RequestID == r.ID && b.Status == models.BidOpen {
				b.Status = models.BidRejected
			}
		}
		n++
	}
	return n, nil
}
