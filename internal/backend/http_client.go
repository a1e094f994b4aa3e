package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/example/trip-exchange/internal/models"
)

// HTTPClient talks to the trip-exchange API server. Every request carries
// the bearer credential; the token is the only piece of state persisted on
// the device.
type HTTPClient struct {
	BaseURL string
	Token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode < 500 {
			return &RejectionError{Reason: payload.Error, Code: resp.StatusCode}
		}
		return fmt.Errorf("backend: server error (%d): %s", resp.StatusCode, payload.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (h *HTTPClient) CreateRequest(ctx context.Context, req models.TripRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := h.do(ctx, http.MethodPost, "/api/v1/requests", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (h *HTTPClient) ActiveRequest(ctx context.Context, role models.Role, kind models.Kind) (*models.TripRequest, error) {
	q := url.Values{}
	q.Set("role", string(role))
	q.Set("kind", string(kind))
	var out struct {
		Request *models.TripRequest `json:"request"`
	}
	if err := h.do(ctx, http.MethodGet, "/api/v1/requests/active?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (h *HTTPClient) ListBids(ctx context.Context, requestID string) ([]models.Bid, error) {
	var out struct {
		Bids []models.Bid `json:"bids"`
	}
	if err := h.do(ctx, http.MethodGet, "/api/v1/requests/"+requestID+"/bids", nil, &out); err != nil {
		return nil, err
	}
	return out.Bids, nil
}

func (h *HTTPClient) PlaceBid(ctx context.Context, requestID string, price float64, message string) (string, error) {
	body := map[string]interface{}{"price": price, "message": message}
	var out struct {
		ID string `json:"id"`
	}
	if err := h.do(ctx, http.MethodPost, "/api/v1/requests/"+requestID+"/bids", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (h *HTTPClient) AcceptBid(ctx context.Context, bidID string) error {
	return h.do(ctx, http.MethodPost, "/api/v1/bids/"+bidID+"/accept", nil, nil)
}

func (h *HTTPClient) CancelRequest(ctx context.Context, requestID, reason string) error {
	body := map[string]string{"reason": reason}
	return h.do(ctx, http.MethodPost, "/api/v1/requests/"+requestID+"/cancel", body, nil)
}

func (h *HTTPClient) StartJob(ctx context.Context, requestID string) error {
	return h.do(ctx, http.MethodPost, "/api/v1/requests/"+requestID+"/start", nil, nil)
}

func (h *HTTPClient) CompleteJob(ctx context.Context, requestID string) error {
	return h.do(ctx, http.MethodPost, "/api/v1/requests/"+requestID+"/complete", nil, nil)
}

func (h *HTTPClient) CarpoolCandidates(ctx context.Context, requestID string) ([]models.TripRequest, error) {
	var out struct {
		Candidates []models.TripRequest `json:"candidates"`
	}
	if err := h.do(ctx, http.MethodGet, "/api/v1/carpool/candidates?request_id="+url.QueryEscape(requestID), nil, &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

func (h *HTTPClient) MatchCarpool(ctx context.Context, requestID, candidateRequestID string) (*models.Match, error) {
	body := map[string]string{"request_id": requestID, "candidate_request_id": candidateRequestID}
	var out struct {
		Match *models.Match `json:"match"`
	}
	if err := h.do(ctx, http.MethodPost, "/api/v1/carpool/match", body, &out); err != nil {
		return nil, err
	}
	return out.Match, nil
}

func (h *HTTPClient) ActiveMatches(ctx context.Context, requestID string) ([]models.Match, error) {
	var out struct {
		Matches []models.Match `json:"matches"`
	}
	if err := h.do(ctx, http.MethodGet, "/api/v1/carpool/matches?request_id="+url.QueryEscape(requestID), nil, &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

func (h *HTTPClient) EndMatch(ctx context.Context, matchID string) error {
	return h.do(ctx, http.MethodPost, "/api/v1/carpool/matches/"+matchID+"/end", nil, nil)
}

func (h *HTTPClient) ListNearby(ctx context.Context, at models.Coord, radiusM float64, kind models.Kind) ([]models.NearbyPoint, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", at.Lat))
	q.Set("lon", fmt.Sprintf("%f", at.Lon))
	q.Set("radius_m", fmt.Sprintf("%f", radiusM))
	q.Set("kind", string(kind))
	var out struct {
		Nearby []models.NearbyPoint `json:"nearby"`
	}
	if err := h.do(ctx, http.MethodGet, "/api/v1/nearby?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Nearby, nil
}

func (h *HTTPClient) SubmitRating(ctx context.Context, targetID string, score int, comment string) error {
	body := map[string]interface{}{"target_id": targetID, "score": score, "comment": comment}
	return h.do(ctx, http.MethodPost, "/api/v1/ratings", body, nil)
}
