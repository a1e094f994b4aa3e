// Package notify is the boundary where lifecycle events leave the engine.
// Everything user-visible funnels through a Sink; the engine itself never
// renders anything.
package notify

import (
	"context"
	"log/slog"

	"github.com/example/trip-exchange/internal/models"
)

// Notice is one user-facing announcement derived from a state change.
type Notice struct {
	Kind      string        `json:"kind"` // transition, new_bid, seats_full, vanished
	Title     string        `json:"title"`
	Body      string        `json:"body,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Status    models.Status `json:"status,omitempty"`
}

type Sink interface {
	Notify(ctx context.Context, n Notice) error
}

// LogSink announces through structured logs, the default for headless runs.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Notify(ctx context.Context, n Notice) error {
	s.Logger.Info("notice",
		"notice_kind", n.Kind,
		"title", n.Title,
		"body", n.Body,
		"request_id", n.RequestID,
		"status", n.Status,
	)
	return nil
}

// Fanout delivers to every sink; a failing sink is logged and skipped so
// one broken channel cannot mute the rest.
type Fanout struct {
	Sinks  []Sink
	Logger *slog.Logger
}

func (f *Fanout) Notify(ctx context.Context, n Notice) error {
	for _, s := range f.Sinks {
		if err := s.Notify(ctx, n); err != nil && f.Logger != nil {
			f.Logger.Warn("sink failed", "notice_kind", n.Kind, "error", err)
		}
	}
	return nil
}
