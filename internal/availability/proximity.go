package availability

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/pkg/logger"
)

const (
	earthRadiusKm = 6371.0
	FieldDest     = "destination"
)

// Geocoder resolves free-text places to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (domain.Coordinates, error)
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b domain.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ProximityChecker is advisory: when the destination cannot be geocoded the
// check passes.
type ProximityChecker struct {
	geocoder Geocoder
	radiusKm float64
}

func NewProximityChecker(geocoder Geocoder, radiusKm float64) *ProximityChecker {
	return &ProximityChecker{geocoder: geocoder, radiusKm: radiusKm}
}

func (p *ProximityChecker) RadiusKm() float64 { return p.radiusKm }

// Check rejects a destination that resolves to a point outside the service
// radius around base. A nil base, an empty destination or a failed lookup
// all pass.
func (p *ProximityChecker) Check(ctx context.Context, base *domain.Coordinates, destination string) error {
	destination = strings.TrimSpace(destination)
	if p == nil || p.geocoder == nil || base == nil || destination == "" {
		return nil
	}

	point, err := p.geocoder.Geocode(ctx, destination)
	if err != nil {
		logger.WarnContext(ctx, "Destination lookup failed, skipping proximity check",
			"destination", destination,
			"error", err,
		)
		return nil
	}

	dist := DistanceKm(*base, point)
	if dist > p.radiusKm {
		return domain.ValidationError{
			Field: FieldDest,
			Msg:   fmt.Sprintf("destination is %.0f km away; service radius is %.0f km", dist, p.radiusKm),
		}
	}
	return nil
}
