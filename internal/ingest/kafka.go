// Package ingest moves provider location beacons through Kafka into the
// geo index that backs the nearby layer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-exchange/internal/geo"
	"github.com/example/trip-exchange/internal/models"
)

// LocationEvent is one provider beacon on the wire.
type LocationEvent struct {
	ProviderID string    `json:"provider_id"`
	Kind       string    `json:"kind"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Online     bool      `json:"online"`
	At         time.Time `json:"at"`
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, ev LocationEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling location event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ProviderID), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Apply folds one raw beacon into the index. Bad payloads are returned to
// the caller to count, not to retry: a beacon that failed to decode once
// will fail forever.
func Apply(idx geo.Index, value []byte) error {
	var ev LocationEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decoding location event: %w", err)
	}
	if ev.ProviderID == "" {
		return fmt.Errorf("location event without provider_id")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	idx.Upsert(geo.Provider{
		ID:      ev.ProviderID,
		Kind:    models.Kind(ev.Kind),
		Loc:     models.Coord{Lat: ev.Lat, Lon: ev.Lon},
		Online:  ev.Online,
		Updated: at,
	})
	return nil
}
