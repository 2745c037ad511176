// Package sim provides synthetic sensor and GPS sources for bench runs
// without hardware.
package sim

import (
	"math"
	"time"
)

const metersPerDegLat = 111320.0

// Route is a deterministic figure-eight loop around a center point.
type Route struct {
	CenterLatDeg float64
	CenterLonDeg float64
	RadiusM      float64
	Period       time.Duration
}

func (r Route) norm() (radiusM float64, period time.Duration) {
	radiusM, period = r.RadiusM, r.Period
	if radiusM <= 0 {
		radiusM = 400
	}
	if period <= 0 {
		period = 3 * time.Minute
	}
	return radiusM, period
}

// At returns the position, course over ground and ground speed after
// elapsed time on the loop.
//
// The path is a Lissajous curve that stays within the radius:
//
//	x = cos(2πt)       (east)
//	y = 0.5*sin(4πt)   (north)
func (r Route) At(elapsed time.Duration) (latDeg, lonDeg, courseDeg, speedMPS float64) {
	radiusM, period := r.norm()
	phase := float64(elapsed%period) / float64(period)
	w := 2 * math.Pi * phase

	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)
	radiusDeg := radiusM / metersPerDegLat
	latDeg = r.CenterLatDeg + radiusDeg*y
	lonDeg = r.CenterLonDeg + (radiusDeg*x)/math.Cos(r.CenterLatDeg*math.Pi/180.0)

	// d/dt of the unit curve, per cycle.
	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	courseDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	speedMPS = math.Hypot(vx, vy) * radiusM / period.Seconds()
	return latDeg, lonDeg, courseDeg, speedMPS
}
