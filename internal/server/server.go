// Package server is the collaborator API: the authoritative request store
// behind the polling clients. Handlers stay thin; every domain rule lives
// in storage so it holds under concurrent commands.
package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-exchange/internal/auth"
	"github.com/example/trip-exchange/internal/geo"
	"github.com/example/trip-exchange/internal/ingest"
	"github.com/example/trip-exchange/internal/payments"
	"github.com/example/trip-exchange/internal/storage"
)

type Server struct {
	Store  storage.Store
	Geo    geo.Index
	Auth   *auth.Manager
	Kafka  *ingest.Producer // optional; beacons also feed the index directly
	Escrow *payments.Escrow // optional; fares settle out of band when unset
	Hints  *HintRegistry

	NearbyRadiusM float64

	logger *slog.Logger
	mux    *mux.Router
	holds  sync.Map // request ID -> payment intent ID
}

func New(store storage.Store, idx geo.Index, am *auth.Manager, logger *slog.Logger) *Server {
	s := &Server{
		Store:         store,
		Geo:           idx,
		Auth:          am,
		Hints:         NewHintRegistry(logger),
		NearbyRadiusM: 3000,
		logger:        logger,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/api/v1/auth/token", s.handleToken).Methods("POST")
	s.mux.HandleFunc("/internal/provider/locations", s.handleProviderLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.Auth.Middleware)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/active", s.handleActiveRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/bids", s.handleListBids).Methods("GET")
	api.HandleFunc("/requests/{id}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/bids/{id}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/carpool/candidates", s.handleCandidates).Methods("GET")
	api.HandleFunc("/carpool/match", s.handleMatch).Methods("POST")
	api.HandleFunc("/carpool/matches", s.handleMatches).Methods("GET")
	api.HandleFunc("/carpool/matches/{id}/end", s.handleEndMatch).Methods("POST")
	api.HandleFunc("/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/ratings", s.handleRating).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
