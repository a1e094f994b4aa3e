package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/trip-exchange/internal/models"
)

// PostgresStore implements Store on Postgres. Multi-row rules (exclusive
// accept, seat bound, cancel fan-out) run inside transactions with the
// affected request row locked first.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const requestColumns = `id, user_id, role, kind, status, origin_lat, origin_lon, dest_lat, dest_lon,
	origin_addr, dest_addr, capacity_total, price_quoted, price_agreed, provider_id, round_trip, note,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*models.TripRequest, error) {
	var r models.TripRequest
	var providerID, originAddr, destAddr, note sql.NullString
	var priceAgreed sql.NullFloat64
	err := row.Scan(&r.ID, &r.UserID, &r.Role, &r.Kind, &r.Status,
		&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&originAddr, &destAddr, &r.CapacityTotal, &r.PriceQuoted, &priceAgreed,
		&providerID, &r.RoundTrip, &note, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.OriginAddr = originAddr.String
	r.DestinationAddr = destAddr.String
	r.ProviderID = providerID.String
	r.PriceAgreed = priceAgreed.Float64
	r.Note = note.String
	return &r, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *models.TripRequest) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var blocking int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM trip_requests
		 WHERE user_id=$1 AND role=$2 AND kind=$3 AND status NOT IN ('completed','cancelled','expired')`,
		req.UserID, req.Role, req.Kind).Scan(&blocking)
	if err != nil {
		return err
	}
	if blocking > 0 {
		return ErrActiveExists
	}
	// a new request replaces any lingering completed snapshot
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET resolved=true WHERE user_id=$1 AND role=$2 AND kind=$3 AND status='completed'`,
		req.UserID, req.Role, req.Kind); err != nil {
		return err
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
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trip_requests(`+requestColumns+`, resolved)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,false)`,
		req.ID, req.UserID, req.Role, req.Kind, req.Status,
		req.Origin.Lat, req.Origin.Lon, req.Destination.Lat, req.Destination.Lon,
		nullable(req.OriginAddr), nullable(req.DestinationAddr), req.CapacityTotal,
		req.PriceQuoted, sql.NullFloat64{}, nullable(req.ProviderID), req.RoundTrip, nullable(req.Note),
		req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.TripRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM trip_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.withDerivedCapacity(ctx, r)
}

func (p *PostgresStore) ActiveRequest(ctx context.Context, userID string, role models.Role, kind models.Kind) (*models.TripRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM trip_requests
		 WHERE user_id=$1 AND role=$2 AND kind=$3
		   AND (status NOT IN ('completed','cancelled','expired') OR (status='completed' AND NOT resolved))
		 ORDER BY created_at DESC LIMIT 1`,
		userID, role, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.withDerivedCapacity(ctx, r)
}

func (p *PostgresStore) withDerivedCapacity(ctx context.Context, r *models.TripRequest) (*models.TripRequest, error) {
	if !r.Kind.HasCapacity() {
		return r, nil
	}
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM matches WHERE offer_id=$1 AND status='active'`, r.ID).Scan(&r.CapacityFilled)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) CancelRequest(ctx context.Context, id, userID, reason string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owner string
	var status models.Status
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, status FROM trip_requests WHERE id=$1 FOR UPDATE`, id).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrNotOwner
	}
	if !models.CanTransition(status, models.StatusCancelled) {
		return ErrBadTransition
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='cancelled', note=$2, updated_at=now() WHERE id=$1`, id, reason); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status='rejected' WHERE request_id=$1 AND status='open'`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE matches SET status='cancelled' WHERE (offer_id=$1 OR seek_id=$1) AND status='active'`, id); err != nil {
		return err
	}
	// seekers whose only active match was just cancelled are done
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='completed', updated_at=now()
		 WHERE status='matched'
		   AND id IN (SELECT seek_id FROM matches WHERE offer_id=$1)
		   AND NOT EXISTS (SELECT 1 FROM matches WHERE seek_id=trip_requests.id AND status='active')`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) StartJob(ctx context.Context, id, userID string) error {
	return p.advance(ctx, id, userID, models.StatusInProgress)
}

func (p *PostgresStore) CompleteJob(ctx context.Context, id, userID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := advanceTx(ctx, tx, id, userID, models.StatusCompleted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE matches SET status='completed' WHERE offer_id=$1 AND status='active'`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='completed', updated_at=now()
		 WHERE status='matched'
		   AND id IN (SELECT seek_id FROM matches WHERE offer_id=$1)
		   AND NOT EXISTS (SELECT 1 FROM matches WHERE seek_id=trip_requests.id AND status='active')`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) advance(ctx context.Context, id, userID string, to models.Status) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := advanceTx(ctx, tx, id, userID, to); err != nil {
		return err
	}
	return tx.Commit()
}

func advanceTx(ctx context.Context, tx *sql.Tx, id, userID string, to models.Status) error {
	var owner string
	var provider sql.NullString
	var status models.Status
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, provider_id, status FROM trip_requests WHERE id=$1 FOR UPDATE`, id).
		Scan(&owner, &provider, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID && provider.String != userID {
		return ErrNotOwner
	}
	if !models.CanTransition(status, to) {
		return ErrBadTransition
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE trip_requests SET status=$2, updated_at=now() WHERE id=$1`, id, to)
	return err
}

func (p *PostgresStore) ListBids(ctx context.Context, requestID string) ([]models.Bid, error) {
	if _, err := p.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, request_id, counterparty_id, price, message, status, created_at
		 FROM bids WHERE request_id=$1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Bid
	for rows.Next() {
		var b models.Bid
		var msg sql.NullString
		if err := rows.Scan(&b.ID, &b.RequestID, &b.CounterpartyID, &b.Price, &msg, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Message = msg.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PlaceBid(ctx context.Context, bid *models.Bid) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.Status
	var kind models.Kind
	var capacity int
	err = tx.QueryRowContext(ctx,
		`SELECT status, kind, capacity_total FROM trip_requests WHERE id=$1 FOR UPDATE`,
		bid.RequestID).Scan(&status, &kind, &capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	switch status {
	case models.StatusSearching, models.StatusBidReceived:
	default:
		return ErrRequestClosed
	}
	if kind.HasCapacity() {
		var filled int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM matches WHERE offer_id=$1 AND status='active'`, bid.RequestID).Scan(&filled); err != nil {
			return err
		}
		if filled >= capacity {
			return ErrCapacityFull
		}
	}

	if bid.ID == "" {
		bid.ID = uuid.NewString()
	}
	bid.Status = models.BidOpen
	bid.CreatedAt = time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bids(id, request_id, counterparty_id, price, message, status, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		bid.ID, bid.RequestID, bid.CounterpartyID, bid.Price, nullable(bid.Message), bid.Status, bid.CreatedAt); err != nil {
		return err
	}
	if status == models.StatusSearching {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trip_requests SET status='bid_received', updated_at=now() WHERE id=$1`, bid.RequestID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) AcceptBid(ctx context.Context, bidID, byUserID string) (*models.TripRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var b models.Bid
	err = tx.QueryRowContext(ctx,
		`SELECT id, request_id, counterparty_id, price, status FROM bids WHERE id=$1 FOR UPDATE`, bidID).
		Scan(&b.ID, &b.RequestID, &b.CounterpartyID, &b.Price, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.Status != models.BidOpen {
		return nil, ErrBidClosed
	}

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM trip_requests WHERE id=$1 FOR UPDATE`, b.RequestID))
	if err != nil {
		return nil, err
	}
	if req.UserID != byUserID {
		return nil, ErrNotOwner
	}

	if req.Kind.HasCapacity() {
		if err := p.acceptSeatBidTx(ctx, tx, &b, req); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return p.GetRequest(ctx, req.ID)
	}

	switch req.Status {
	case models.StatusSearching, models.StatusBidReceived:
	default:
		return nil, ErrRequestClosed
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status='accepted' WHERE id=$1`, b.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status='rejected' WHERE request_id=$1 AND status='open' AND id<>$2`, req.ID, b.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='accepted', provider_id=$2, price_agreed=$3, updated_at=now() WHERE id=$1`,
		req.ID, b.CounterpartyID, b.Price); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetRequest(ctx, req.ID)
}

func (p *PostgresStore) acceptSeatBidTx(ctx context.Context, tx *sql.Tx, b *models.Bid, offer *models.TripRequest) error {
	var filled int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM matches WHERE offer_id=$1 AND status='active'`, offer.ID).Scan(&filled); err != nil {
		return err
	}
	if filled >= offer.CapacityTotal {
		return ErrCapacityFull
	}

	var seekID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM trip_requests
		 WHERE user_id=$1 AND kind=$2 AND status NOT IN ('completed','cancelled','expired')
		 ORDER BY created_at DESC LIMIT 1`,
		b.CounterpartyID, offer.Kind.CounterKind()).Scan(&seekID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoCounterpart
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status='accepted' WHERE id=$1`, b.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO matches(id, offer_id, seek_id, status, created_at) VALUES($1,$2,$3,'active',now())`,
		uuid.NewString(), offer.ID, seekID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='matched', updated_at=now() WHERE id=$1 AND status IN ('searching','bid_received')`,
		seekID)
	return err
}

func (p *PostgresStore) CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error) {
	req, err := p.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	counter := req.Kind.CounterKind()
	if counter == "" {
		return nil, nil
	}
	if req.Kind.HasCapacity() && req.CapacityFilled >= req.CapacityTotal {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM trip_requests
		 WHERE kind=$1 AND user_id<>$2 AND status IN ('searching','bid_received')
		   AND id NOT IN (
		     SELECT CASE WHEN offer_id=$3 THEN seek_id ELSE offer_id END
		     FROM matches WHERE (offer_id=$3 OR seek_id=$3) AND status='active')
		 ORDER BY created_at`, counter, req.UserID, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TripRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MatchCarpool(ctx context.Context, offerRequestID, seekRequestID, byUserID string) (*models.Match, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	offer, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM trip_requests WHERE id=$1 FOR UPDATE`, offerRequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	seek, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM trip_requests WHERE id=$1 FOR UPDATE`, seekRequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !offer.Kind.HasCapacity() {
		offer, seek = seek, offer
	}
	if !offer.Kind.HasCapacity() || seek.Kind != offer.Kind.CounterKind() {
		return nil, ErrNoCounterpart
	}
	if offer.UserID != byUserID {
		return nil, ErrNotOwner
	}
	if offer.Status.Terminal() || seek.Status.Terminal() || seek.Status == models.StatusMatched {
		return nil, ErrRequestClosed
	}

	var filled int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM matches WHERE offer_id=$1 AND status='active'`, offer.ID).Scan(&filled); err != nil {
		return nil, err
	}
	if filled >= offer.CapacityTotal {
		return nil, ErrCapacityFull
	}

	match := &models.Match{
		ID:        uuid.NewString(),
		OfferID:   offer.ID,
		SeekID:    seek.ID,
		Status:    models.MatchActive,
		CreatedAt: time.Now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO matches(id, offer_id, seek_id, status, created_at) VALUES($1,$2,$3,$4,$5)`,
		match.ID, match.OfferID, match.SeekID, match.Status, match.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='matched', updated_at=now() WHERE id=$1 AND status IN ('searching','bid_received')`,
		seek.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return match, nil
}

func (p *PostgresStore) Matches(ctx context.Context, requestID string) ([]models.Match, error) {
	if _, err := p.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, offer_id, seek_id, status, created_at FROM matches
		 WHERE (offer_id=$1 OR seek_id=$1) AND status='active' ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ID, &m.OfferID, &m.SeekID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EndMatch(ctx context.Context, matchID, byUserID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var m models.Match
	err = tx.QueryRowContext(ctx,
		`SELECT id, offer_id, seek_id, status FROM matches WHERE id=$1 FOR UPDATE`, matchID).
		Scan(&m.ID, &m.OfferID, &m.SeekID, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if m.Status != models.MatchActive {
		return ErrBadTransition
	}

	var party int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM trip_requests WHERE id IN ($1,$2) AND user_id=$3`,
		m.OfferID, m.SeekID, byUserID).Scan(&party); err != nil {
		return err
	}
	if party == 0 {
		return ErrNotOwner
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE matches SET status='completed' WHERE id=$1`, m.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='completed', updated_at=now()
		 WHERE id=$1 AND status='matched'
		   AND NOT EXISTS (SELECT 1 FROM matches WHERE seek_id=$1 AND status='active')`,
		m.SeekID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SaveRating(ctx context.Context, r *models.Rating) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ratings(id, rater_id, target_id, request_id, score, comment, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.RaterID, r.TargetID, nullable(r.RequestID), r.Score, nullable(r.Comment), r.CreatedAt); err != nil {
		return err
	}
	if r.RequestID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trip_requests SET resolved=true WHERE id=$1 AND user_id=$2 AND status='completed'`,
			r.RequestID, r.RaterID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trip_requests SET resolved=true WHERE user_id=$1 AND provider_id=$2 AND status='completed'`,
			r.RaterID, r.TargetID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE trip_requests SET status='expired', updated_at=now()
		 WHERE status IN ('pending','searching','bid_received') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status='rejected'
		 WHERE status='open' AND request_id IN (SELECT id FROM trip_requests WHERE status='expired')`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
