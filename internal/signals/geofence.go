package signals

import (
	"math"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// EarthRadiusMeters is the IUGG mean earth radius.
const EarthRadiusMeters = 6371008.8

// Distance returns the great-circle distance in meters between two points.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lng2 - lng1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// IsWithinGeofence reports whether the point lies inside the circle. A zero
// radius only admits the exact center.
func IsWithinGeofence(lat, lng, centerLat, centerLng, radiusMeters float64) bool {
	if radiusMeters <= 0 {
		return lat == centerLat && lng == centerLng
	}
	return Distance(lat, lng, centerLat, centerLng) <= radiusMeters
}

// Within checks a reported location against a session geofence.
func Within(loc models.GeoLocation, fence models.GeofenceConfig) bool {
	return IsWithinGeofence(loc.Latitude, loc.Longitude, fence.CenterLat, fence.CenterLng, fence.RadiusMeters)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
