package regions

import (
	"errors"
	"fmt"

	"github.com/golang/geo/s2"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

var ErrNoCoordinates = errors.New("region has no coordinates")

const (
	earthRadiusKm = 6371.0088

	// SameMetroDistanceKm is reported for distinct regions whose published
	// coordinates are identical, e.g. two clouds in the same city. Zero is
	// reserved for a region compared with itself.
	SameMetroDistanceKm = 1.0
)

// Distance returns the great-circle distance in km between two regions.
// It is 0 exactly when a and b are the same region.
func Distance(a, b types.Region) (float64, error) {
	if a.Equal(b) {
		return 0, nil
	}
	if !a.HasCoords || !b.HasCoords {
		return 0, fmt.Errorf("%w: distance %s to %s", ErrNoCoordinates, a, b)
	}
	km := greatCircleKm(a, b)
	if km == 0 {
		return SameMetroDistanceKm, nil
	}
	return km, nil
}

func greatCircleKm(a, b types.Region) float64 {
	angle := s2.LatLngFromDegrees(a.Latitude, a.Longitude).Distance(s2.LatLngFromDegrees(b.Latitude, b.Longitude))
	return angle.Radians() * earthRadiusKm
}
