package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/trip-exchange/internal/auth"
	"github.com/example/trip-exchange/internal/ingest"
	"github.com/example/trip-exchange/internal/models"
	"github.com/example/trip-exchange/internal/observability"
	"github.com/example/trip-exchange/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps storage sentinels onto the wire. Reasons are short stable
// names so clients can branch on them without string matching messages.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, storage.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_request_owner")
	case errors.Is(err, storage.ErrCapacityFull):
		writeError(w, http.StatusConflict, "capacity_full")
	case errors.Is(err, storage.ErrActiveExists):
		writeError(w, http.StatusConflict, "active_request_exists")
	case errors.Is(err, storage.ErrBidClosed):
		writeError(w, http.StatusConflict, "bid_closed")
	case errors.Is(err, storage.ErrRequestClosed):
		writeError(w, http.StatusConflict, "request_closed")
	case errors.Is(err, storage.ErrBadTransition):
		writeError(w, http.StatusConflict, "illegal_transition")
	case errors.Is(err, storage.ErrNoCounterpart):
		writeError(w, http.StatusConflict, "no_matchable_counterpart")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	token, err := s.Auth.Mint(body.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.UserID = userID
	req.Status = ""
	if req.Kind == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "kind and role required")
		return
	}
	if req.Kind.HasCapacity() && req.CapacityTotal < 1 {
		writeError(w, http.StatusBadRequest, "capacity_total must be at least 1")
		return
	}
	if err := s.Store.CreateRequest(r.Context(), &req); err != nil {
		storeError(w, err)
		return
	}
	observability.RequestsCreated.WithLabelValues(string(req.Kind)).Inc()
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleActiveRequest(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	role := models.Role(r.URL.Query().Get("role"))
	kind := models.Kind(r.URL.Query().Get("kind"))
	req, err := s.Store.ActiveRequest(r.Context(), userID, role, kind)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.Store.ListBids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bids": bids})
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	requestID := mux.Vars(r)["id"]
	var body struct {
		Price   float64 `json:"price"`
		Message string  `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	bid := models.Bid{RequestID: requestID, CounterpartyID: userID, Price: body.Price, Message: body.Message}
	if err := s.Store.PlaceBid(r.Context(), &bid); err != nil {
		storeError(w, err)
		return
	}
	observability.BidsPlaced.Inc()
	s.notifyRequestParties(r, requestID, "new_bid")
	writeJSON(w, http.StatusCreated, map[string]string{"id": bid.ID})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	snap, err := s.Store.AcceptBid(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		storeError(w, err)
		return
	}
	observability.BidsAccepted.Inc()
	s.holdFare(r, snap)
	s.notifyRequestParties(r, snap.ID, "bid_accepted")
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": snap})
}

// holdFare reserves the agreed fare once a bid is accepted. Escrow failures
// never fail the acceptance; the fare falls back to out-of-band settlement.
func (s *Server) holdFare(r *http.Request, snap *models.TripRequest) {
	if s.Escrow == nil || snap == nil || snap.PriceAgreed <= 0 {
		return
	}
	intentID, err := s.Escrow.Hold(r.Context(), snap)
	if err != nil {
		s.logger.Warn("fare hold failed", "request_id", snap.ID, "error", err)
		return
	}
	s.holds.Store(snap.ID, intentID)
}

func (s *Server) settleFare(r *http.Request, requestID string, capture bool) {
	if s.Escrow == nil {
		return
	}
	v, ok := s.holds.LoadAndDelete(requestID)
	if !ok {
		return
	}
	intentID := v.(string)
	var err error
	if capture {
		err = s.Escrow.Capture(r.Context(), intentID)
	} else {
		err = s.Escrow.Release(r.Context(), intentID)
	}
	if err != nil {
		s.logger.Warn("fare settlement failed", "request_id", requestID, "capture", capture, "error", err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	requestID := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if err := s.Store.CancelRequest(r.Context(), requestID, userID, body.Reason); err != nil {
		storeError(w, err)
		return
	}
	s.settleFare(r, requestID, false)
	s.notifyRequestParties(r, requestID, "cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	requestID := mux.Vars(r)["id"]
	if err := s.Store.StartJob(r.Context(), requestID, userID); err != nil {
		storeError(w, err)
		return
	}
	s.notifyRequestParties(r, requestID, "started")
	writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	requestID := mux.Vars(r)["id"]
	if err := s.Store.CompleteJob(r.Context(), requestID, userID); err != nil {
		storeError(w, err)
		return
	}
	s.settleFare(r, requestID, true)
	s.notifyRequestParties(r, requestID, "completed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.Store.CarpoolCandidates(r.Context(), r.URL.Query().Get("request_id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": cands})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var body struct {
		RequestID          string `json:"request_id"`
		CandidateRequestID string `json:"candidate_request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	match, err := s.Store.MatchCarpool(r.Context(), body.RequestID, body.CandidateRequestID, userID)
	if err != nil {
		storeError(w, err)
		return
	}
	observability.MatchesTotal.Inc()
	s.notifyRequestParties(r, match.OfferID, "matched")
	s.notifyRequestParties(r, match.SeekID, "matched")
	writeJSON(w, http.StatusOK, map[string]interface{}{"match": match})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.Store.Matches(r.Context(), r.URL.Query().Get("request_id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
}

func (s *Server) handleEndMatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if err := s.Store.EndMatch(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lon required")
		return
	}
	radius := s.NearbyRadiusM
	if v := q.Get("radius_m"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			radius = parsed
		}
	}
	kind := models.Kind(q.Get("kind"))
	pts := s.Geo.Nearby(models.Coord{Lat: lat, Lon: lon}, radius, kind, 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{"nearby": pts})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var body struct {
		TargetID  string `json:"target_id"`
		RequestID string `json:"request_id"`
		Score     int    `json:"score"`
		Comment   string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.TargetID == "" || body.Score < 1 || body.Score > 5 {
		writeError(w, http.StatusBadRequest, "target_id and a score of 1-5 required")
		return
	}
	rating := models.Rating{RaterID: userID, TargetID: body.TargetID, RequestID: body.RequestID, Score: body.Score, Comment: body.Comment}
	if err := s.Store.SaveRating(r.Context(), &rating); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rating.ID})
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var ev ingest.LocationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	ev.Online = true
	if s.Kafka != nil {
		if err := s.Kafka.Publish(r.Context(), ev); err != nil {
			s.logger.Warn("beacon publish failed", "provider_id", ev.ProviderID, "error", err)
		}
	}
	b, _ := json.Marshal(ev)
	if err := ingest.Apply(s.Geo, b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	observability.ProvidersOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// notifyRequestParties pushes a sync hint to everyone attached to the
// request. Hints carry no data; clients that receive one simply poll early.
func (s *Server) notifyRequestParties(r *http.Request, requestID, reason string) {
	req, err := s.Store.GetRequest(r.Context(), requestID)
	if err != nil {
		return
	}
	s.Hints.Notify(req.UserID, reason)
	if req.ProviderID != "" {
		s.Hints.Notify(req.ProviderID, reason)
	}
}
