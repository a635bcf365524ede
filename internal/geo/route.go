package geo

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/questly/questmonitor/internal/quest"
)

// RouteLocator replays a fixed path one point per Locate call and then
// stays at the final point.
type RouteLocator struct {
	clock  clockwork.Clock
	points []quest.LatLng

	mu   sync.Mutex
	next int
}

func NewRouteLocator(clock clockwork.Clock, points []quest.LatLng) *RouteLocator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RouteLocator{clock: clock, points: points}
}

// ParseRoute builds a RouteLocator from an encoded polyline.
func ParseRoute(clock clockwork.Clock, encoded string) (*RouteLocator, error) {
	points, err := quest.DecodePolyline(encoded)
	if err != nil {
		return nil, fmt.Errorf("parsing route: %w", err)
	}
	return NewRouteLocator(clock, points), nil
}

func (r *RouteLocator) Locate(ctx context.Context, _ LocateOptions) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	if len(r.points) == 0 {
		return Fix{}, ErrUnsupported
	}

	r.mu.Lock()
	p := r.points[r.next]
	if r.next < len(r.points)-1 {
		r.next++
	}
	r.mu.Unlock()

	return Fix{Latitude: p.Lat, Longitude: p.Lng, Timestamp: r.clock.Now()}, nil
}

// Static always reports the same position.
type Static struct {
	Latitude, Longitude float64
}

func (s Static) Locate(ctx context.Context, _ LocateOptions) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{Latitude: s.Latitude, Longitude: s.Longitude}, nil
}
