// Package geodesy converts geodetic fixes into local Cartesian frames. It
// covers the two conversions flight telemetry needs for spatial
// visualization: WGS-84 latitude/longitude/altitude to a local East-North-Up
// offset from a home origin, and NED Euler attitude to an ENU quaternion.
package geodesy

import (
	"math"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/arducap/utils"
)

// WGS-84 ellipsoid constants.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2.0 - wgs84F)
)

// ToECEF converts a geodetic point and altitude (meters above the ellipsoid)
// to Earth-centered, Earth-fixed Cartesian coordinates in meters.
func ToECEF(p *geo.Point, altitude float64) r3.Vector {
	latRad := utils.DegToRad(p.Lat())
	lngRad := utils.DegToRad(p.Lng())
	sinLat := math.Sin(latRad)
	cosLat := math.Cos(latRad)

	// Prime-vertical radius of curvature.
	n := wgs84A / math.Sqrt(1.0-wgs84E2*sinLat*sinLat)

	return r3.Vector{
		X: (n + altitude) * cosLat * math.Cos(lngRad),
		Y: (n + altitude) * cosLat * math.Sin(lngRad),
		Z: (n*(1.0-wgs84E2) + altitude) * sinLat,
	}
}

// ENUOffset returns the East-North-Up displacement of p relative to home, in
// meters. Both points are converted to ECEF and the difference vector is
// rotated into the tangent plane at home.
func ENUOffset(p *geo.Point, altitude float64, home *geo.Point, homeAltitude float64) r3.Vector {
	d := ToECEF(p, altitude).Sub(ToECEF(home, homeAltitude))

	latRad := utils.DegToRad(home.Lat())
	lngRad := utils.DegToRad(home.Lng())
	sinLat := math.Sin(latRad)
	cosLat := math.Cos(latRad)
	sinLng := math.Sin(lngRad)
	cosLng := math.Cos(lngRad)

	return r3.Vector{
		X: -sinLng*d.X + cosLng*d.Y,
		Y: -sinLat*cosLng*d.X - sinLat*sinLng*d.Y + cosLat*d.Z,
		Z: cosLat*cosLng*d.X + cosLat*sinLng*d.Y + sinLat*d.Z,
	}
}

// NEDEulerToENUQuaternion converts roll/pitch/yaw in degrees, expressed in
// the aerospace North-East-Down convention with the Z-Y-X rotation sequence,
// to the equivalent ENU quaternion. The NED→ENU change of basis is a half
// turn about the forward axis: Jmag and Kmag flip sign, Real and Imag are
// unchanged, and the unit norm is preserved.
func NEDEulerToENUQuaternion(roll, pitch, yaw float64) quat.Number {
	r := utils.DegToRad(roll)
	p := utils.DegToRad(pitch)
	y := utils.DegToRad(yaw)

	cy := math.Cos(y * 0.5)
	sy := math.Sin(y * 0.5)
	cp := math.Cos(p * 0.5)
	sp := math.Sin(p * 0.5)
	cr := math.Cos(r * 0.5)
	sr := math.Sin(r * 0.5)

	ned := quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}

	return quat.Number{Real: ned.Real, Imag: ned.Imag, Jmag: -ned.Jmag, Kmag: -ned.Kmag}
}
