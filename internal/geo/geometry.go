package geo

import "math"

// SpeedOfLight is the propagation speed used for wavelength computation (m/s).
const SpeedOfLight = 3e8

// Point is a planar position in metres. Node and PU positions are read from
// datasets; the simulator never moves them.
type Point struct {
	X, Y float64
}

// DistanceTo returns the straight-line distance between two points.
func (p Point) DistanceTo(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Within reports whether other lies inside (or on) a circle of the given
// radius centred at p.
func (p Point) Within(other Point, radius float64) bool {
	return p.DistanceTo(other) <= radius
}

// Wavelength returns the wavelength in metres of a carrier at frequencyHz.
// A non-positive frequency has no wavelength and yields 0.
func Wavelength(frequencyHz float64) float64 {
	if frequencyHz <= 0 {
		return 0
	}
	return SpeedOfLight / frequencyHz
}

// FriisReceivedPower evaluates the free-space equation with unit antenna
// gains and no system loss:
//
//	P_r = P_t * (lambda / (4 * pi * d))^2
//
// A zero distance is clamped to a millimetre to keep the result finite.
func FriisReceivedPower(txPower, wavelength, distance float64) float64 {
	if wavelength <= 0 || txPower <= 0 {
		return 0
	}
	if distance < 1e-3 {
		distance = 1e-3
	}
	m := wavelength / (4 * math.Pi * distance)
	return txPower * m * m
}
