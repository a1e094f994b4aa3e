package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hint is the only message pushed over a socket. It is advisory: a client
// that receives one polls immediately instead of waiting for the next tick,
// but the poll remains the sole source of truth.
type Hint struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

var ErrNoSession = errors.New("server: no websocket session")

type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(h Hint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(h)
}

// HintRegistry holds one live socket per user. A newer connection evicts
// the older one.
type HintRegistry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewHintRegistry(logger *slog.Logger) *HintRegistry {
	return &HintRegistry{logger: logger, sessions: make(map[string]*wsSession)}
}

func (r *HintRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		old.conn.Close()
	}
	r.sessions[userID] = &wsSession{conn: conn}
}

func (r *HintRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		s.conn.Close()
		delete(r.sessions, userID)
	}
}

// Notify pushes a sync hint. Send failures evict the session; the client
// falls back to plain polling and loses nothing.
func (r *HintRegistry) Notify(userID, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(Hint{Type: "sync", Reason: reason}); err != nil {
		if r.logger != nil {
			r.logger.Warn("hint send failed", "user_id", userID, "error", err)
		}
		r.Remove(userID)
		return err
	}
	return nil
}

var upgrader = websocket.Upgrader{}

// handleWS authenticates via the token query parameter since browsers
// cannot set headers on websocket dials.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.Auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed")
		return
	}
	s.Hints.Add(userID, conn)
}
