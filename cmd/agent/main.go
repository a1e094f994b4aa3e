// The agent is a headless client: it acquires a position, quotes and
// submits a request, then mirrors the server through the polling engine
// until the request resolves. Useful for demos and load drills without a
// mobile frontend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/trip-exchange/internal/backend"
	"github.com/example/trip-exchange/internal/bidboard"
	"github.com/example/trip-exchange/internal/config"
	"github.com/example/trip-exchange/internal/draft"
	"github.com/example/trip-exchange/internal/gps"
	"github.com/example/trip-exchange/internal/lifecycle"
	"github.com/example/trip-exchange/internal/logging"
	"github.com/example/trip-exchange/internal/models"
	"github.com/example/trip-exchange/internal/notify"
	"github.com/example/trip-exchange/internal/presence"
	"github.com/example/trip-exchange/internal/routing"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := backend.NewHTTPClient(cfg.ServerURL, cfg.Token)

	var sink notify.Sink = &notify.LogSink{Logger: logger}
	if cfg.AMQPURL != "" {
		amqpSink, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.NoticeExchange)
		if err != nil {
			logger.Warn("broker unavailable, notices stay local", "error", err)
		} else {
			defer amqpSink.Close()
			sink = &notify.Fanout{Sinks: []notify.Sink{&notify.LogSink{Logger: logger}, amqpSink}, Logger: logger}
		}
	}

	origin := envCoord("ORIGIN", models.Coord{Lat: 25.033, Lon: 121.565})
	dest := envCoord("DESTINATION", models.Coord{Lat: 25.047, Lon: 121.517})

	fix, err := acquire(ctx, logger, origin)
	if err != nil {
		logger.Error("position acquisition failed", "error", err)
		os.Exit(1)
	}
	logger.Info("position locked", "lat", fix.Coord.Lat, "lon", fix.Coord.Lon, "accuracy_m", fix.AccuracyM)

	var router routing.Router // nil falls back to straight-line distances
	if key := os.Getenv("GOOGLE_MAPS_API_KEY"); key != "" {
		if gr, err := routing.NewGoogleRouter(key); err == nil {
			router = &routing.Cached{Inner: gr, Cache: routing.NewCache(time.Minute)}
		} else {
			logger.Warn("maps client unavailable, using straight-line distances", "error", err)
		}
	}

	d := draft.Draft{
		Kind:        models.Kind(cfg.Kind),
		Origin:      fix,
		Destination: models.GeoFix{Coord: dest, AccuracyM: models.UnknownAccuracy, CapturedAt: time.Now()},
		RoundTrip:   os.Getenv("ROUND_TRIP") == "true",
	}
	if v := os.Getenv("USER_PRICE"); v != "" {
		d.UserPrice, _ = strconv.ParseFloat(v, 64)
	}
	if v := os.Getenv("CAPACITY_SEATS"); v != "" {
		d.CapacitySeats, _ = strconv.Atoi(v)
	}
	if err := d.Validate(); err != nil {
		logger.Error("draft invalid", "error", err)
		os.Exit(1)
	}
	quote, err := d.Quote(ctx, router)
	if err != nil {
		logger.Error("quoting failed", "error", err)
		os.Exit(1)
	}
	logger.Info("quote ready", "kind", d.Kind, "price", quote.Price, "distance_km", quote.DistanceKm)

	req := d.Request(quote)
	req.Role = models.Role(cfg.Role)
	requestID, err := client.CreateRequest(ctx, req)
	if err != nil {
		logger.Error("submit failed", "error", err)
		os.Exit(1)
	}
	logger.Info("request submitted", "request_id", requestID)

	board := &bidboard.Board{
		Backend:  client,
		Role:     models.Role(cfg.Role),
		Kind:     models.Kind(cfg.Kind),
		Logger:   logging.Component(logger, "bidboard"),
		Interval: cfg.BidInterval,
		OnNewBid: func(b models.Bid) {
			sink.Notify(ctx, notify.Notice{Kind: "new_bid", Title: "New bid", Body: fmt.Sprintf("%s offers %.2f", b.CounterpartyID, b.Price), RequestID: b.RequestID})
		},
	}
	stopBoard := board.Watch(ctx, requestID)
	defer stopBoard()

	done := make(chan struct{})
	sync := &lifecycle.Sync{
		Backend:  client,
		Role:     models.Role(cfg.Role),
		Kind:     models.Kind(cfg.Kind),
		Logger:   logging.Component(logger, "sync"),
		Interval: cfg.PollInterval,
	}
	sync.OnEvent = func(e lifecycle.Event) {
		switch e.Type {
		case lifecycle.EventTransition:
			sink.Notify(ctx, notify.Notice{Kind: "transition", Title: "Request " + string(e.To), RequestID: requestID, Status: e.To})
		case lifecycle.EventSeatsFull:
			sink.Notify(ctx, notify.Notice{Kind: "seats_full", Title: "All seats taken", RequestID: requestID, Status: e.To})
		case lifecycle.EventVanished:
			sink.Notify(ctx, notify.Notice{Kind: "vanished", Title: "Request resolved", RequestID: requestID})
			close(done)
		}
	}
	stopSync := sync.Start(ctx)
	defer stopSync()

	near := &presence.Poller{
		Backend:  client,
		Kind:     models.Kind(cfg.Kind),
		RadiusM:  cfg.NearbyRadiusM,
		Logger:   logging.Component(logger, "presence"),
		Interval: cfg.NearbyInterval,
		OnPoints: func(pts []models.NearbyPoint) {
			logger.Debug("nearby layer refreshed", "count", len(pts))
		},
	}
	stopNear := near.Begin(ctx, fix.Coord)
	defer stopNear()

	go listenHints(ctx, cfg, logger, sync)

	if os.Getenv("AUTO_ACCEPT") == "true" {
		go autoAccept(ctx, logger, board, sync)
	}

	select {
	case <-ctx.Done():
		logger.Info("interrupted, cancelling request")
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sync.Cancel(cancelCtx, "agent shutdown"); err != nil {
			logger.Warn("cancel failed", "error", err)
		}
	case <-done:
		logger.Info("request resolved")
	}
}

// acquire runs the convergence loop over a synthetic source seeded from the
// configured origin, standing in for a device GPS.
func acquire(ctx context.Context, logger *slog.Logger, origin models.Coord) (models.GeoFix, error) {
	locked := make(chan models.GeoFix, 1)
	failed := make(chan error, 1)
	tracker := &gps.Tracker{
		Source: &staticSource{at: origin},
		Logger: logger,
		OnLocked: func(fix models.GeoFix) {
			select {
			case locked <- fix:
			default:
			}
		},
		OnFailure: func(err error, best models.GeoFix, hasBest bool) {
			select {
			case failed <- err:
			default:
			}
		},
	}
	stop := tracker.Begin(ctx)
	defer stop()

	select {
	case fix := <-locked:
		return fix, nil
	case err := <-failed:
		return models.GeoFix{}, err
	case <-ctx.Done():
		return models.GeoFix{}, ctx.Err()
	}
}

// staticSource reports the configured coordinate with excellent accuracy.
type staticSource struct {
	at models.Coord
}

func (s *staticSource) Watch(ctx context.Context) (<-chan gps.Reading, error) {
	ch := make(chan gps.Reading, 1)
	ch <- gps.Reading{Fix: models.GeoFix{Coord: s.at, AccuracyM: 5, CapturedAt: time.Now()}}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *staticSource) Cached(ctx context.Context) (models.GeoFix, error) {
	return models.GeoFix{}, gps.ErrSignalUnavailable
}

// listenHints keeps a websocket open for push hints; every hint collapses
// the next poll delay to zero. Loss of the socket is harmless.
func listenHints(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger, sync *lifecycle.Sync) {
	wsURL := strings.Replace(cfg.ServerURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(cfg.Token)
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			logger.Debug("hint socket unavailable", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
			continue
		}
		for {
			var hint struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&hint); err != nil {
				conn.Close()
				break
			}
			if hint.Type == "sync" {
				sync.Poke()
			}
		}
	}
}

// autoAccept takes the first bid that arrives, for unattended demos.
func autoAccept(ctx context.Context, logger *slog.Logger, board *bidboard.Board, sync *lifecycle.Sync) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open := board.Open()
			if len(open) == 0 {
				continue
			}
			if err := sync.AcceptBid(ctx, open[0].ID); err != nil {
				logger.Warn("auto accept failed", "bid_id", open[0].ID, "error", err)
				continue
			}
			logger.Info("bid accepted", "bid_id", open[0].ID, "price", open[0].Price)
			return
		}
	}
}

func envCoord(prefix string, def models.Coord) models.Coord {
	lat, err1 := strconv.ParseFloat(os.Getenv(prefix+"_LAT"), 64)
	lon, err2 := strconv.ParseFloat(os.Getenv(prefix+"_LON"), 64)
	if err1 != nil || err2 != nil {
		return def
	}
	return models.Coord{Lat: lat, Lon: lon}
}
