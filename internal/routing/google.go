package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/trip-exchange/internal/models"
)

// GoogleRouter resolves road distances through the Google Directions API.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

// DistanceMeters queries driving directions between the points and returns
// the first route's first leg distance.
func (g *GoogleRouter) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat, from.Lon),
		Destination: fmt.Sprintf("%f,%f", to.Lat, to.Lon),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	return float64(routes[0].Legs[0].Distance.Meters), nil
}
