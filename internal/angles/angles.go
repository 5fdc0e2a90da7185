// Package angles provides the wrapping and unwrapping arithmetic used to turn
// a stream of bounded yaw samples into a continuous rotation value, plus the
// yaw extraction from raw quaternion samples.
package angles

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// WrapToPi reduces an angle to the interval (-pi, pi].
func WrapToPi(x float64) float64 {
	w := math.Mod(x+math.Pi, 2*math.Pi)
	if w <= 0 {
		w += 2 * math.Pi
	}
	return w - math.Pi
}

// UnwrapStep returns the minimal signed difference between two wrapped yaw
// samples. Summing successive steps reconstructs a continuous trajectory with
// no 2-pi jump when the raw yaw crosses the +/-pi boundary, as long as the
// true angular displacement between samples stays below pi.
func UnwrapStep(prev, cur float64) float64 {
	return WrapToPi(cur - prev)
}

// Yaw extracts the rotation angle the commutator tracks from a unit
// quaternion: the first Euler angle of the x-y-z decomposition.
//
// Orientation rows on disk carry the quaternion scalar-last as (x, y, z, w);
// callers map that onto quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}. The
// ordering is a fixed contract with the upstream tracking producer, not
// something detected at runtime.
func Yaw(q quat.Number) float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
}
