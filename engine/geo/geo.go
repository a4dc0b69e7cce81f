// Package geo holds the service zone and the distance test every
// admission decision goes through.
package geo

import (
	"log/slog"
	"math"

	"github.com/localbiz/directory/engine/domain"
)

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

const (
	// CenterLat and CenterLng are the fixed center of the directory.
	CenterLat = 25.6714
	CenterLng = -100.3095
	// MaxRadiusKm bounds admission around the center.
	MaxRadiusKm = 2.0
)

// Zone is a circular admission area.
type Zone struct {
	Center   domain.Point
	RadiusKm float64
}

// DefaultZone is shared by the fetcher, the pipeline, repair and export so
// admission is identical at ingest time and read time.
var DefaultZone = Zone{
	Center:   domain.Point{Lat: CenterLat, Lng: CenterLng},
	RadiusKm: MaxRadiusKm,
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b domain.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Contains reports whether p lies within the zone. The boundary is inside.
// A nil or non-finite point is never inside.
func (z Zone) Contains(p *domain.Point) bool {
	if p == nil || !p.Valid() || !z.Center.Valid() {
		return false
	}
	return DistanceKm(*p, z.Center) <= z.RadiusKm
}

// RadiusMeters is the zone radius for provider search requests.
func (z Zone) RadiusMeters() int {
	return int(math.Round(z.RadiusKm * 1000))
}

// Admit is Contains with logging of the dropped record.
func (z Zone) Admit(log *slog.Logger, name string, p *domain.Point) bool {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case p == nil:
		log.Debug("geo: no location, dropped", "name", name)
		return false
	case !p.Valid():
		log.Warn("geo: invalid coordinates, dropped", "name", name, "lat", p.Lat, "lng", p.Lng)
		return false
	}
	if !z.Contains(p) {
		log.Debug("geo: outside zone, dropped", "name", name,
			"distance_km", DistanceKm(*p, z.Center), "radius_km", z.RadiusKm)
		return false
	}
	return true
}
