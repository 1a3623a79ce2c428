package velodyne

import "math"

// Config carries the user-facing decoder parameters. View direction and
// width are given in the software reference frame (radians,
// counter-clockwise); the decoder converts them once into the hardware's
// clockwise centidegree convention.
type Config struct {
	CalibrationFile string  // path to a Velodyne calibration YAML; empty uses the embedded default
	DeviceModel     string  // model hint, e.g. "VLP32"; only consulted when the laser count is ambiguous
	MinRange        float64 // metres
	MaxRange        float64 // metres
	ViewDirection   float64 // radians, centre of the field of view
	ViewWidth       float64 // radians, angular width of the field of view
}

// fovFilter is the derived field-of-view window: azimuth bounds in hardware
// units (centidegrees, [0,36000)) and inclusive range bounds in metres.
// The azimuth window may wrap through zero.
type fovFilter struct {
	minAngle int
	maxAngle int
	minRange float64
	maxRange float64
}

// makeFOVFilter mirrors and rotates the software view direction/width into
// the hardware convention. The 0.5 performs a centred float-to-int
// conversion. Identical derived bounds would make every azimuth test fail,
// so that case deliberately widens to the full circle instead of returning
// an empty cloud forever.
func makeFOVFilter(minRange, maxRange, viewDirection, viewWidth float64) fovFilter {
	tmpMin := positiveMod2Pi(viewDirection + viewWidth/2)
	tmpMax := positiveMod2Pi(viewDirection - viewWidth/2)

	f := fovFilter{
		minRange: minRange,
		maxRange: maxRange,
		minAngle: int(100*(2*math.Pi-tmpMin)*180/math.Pi + 0.5),
		maxAngle: int(100*(2*math.Pi-tmpMax)*180/math.Pi + 0.5),
	}
	if f.minAngle == f.maxAngle {
		f.minAngle = 0
		f.maxAngle = 36000
	}
	return f
}

func positiveMod2Pi(a float64) float64 {
	return math.Mod(math.Mod(a, 2*math.Pi)+2*math.Pi, 2*math.Pi)
}

// azimuthInView tests a hardware azimuth against the window. When
// minAngle > maxAngle the window wraps through zero.
func (f fovFilter) azimuthInView(azimuth int) bool {
	switch {
	case f.minAngle < f.maxAngle:
		return azimuth >= f.minAngle && azimuth <= f.maxAngle
	case f.minAngle > f.maxAngle:
		return azimuth <= f.maxAngle || azimuth >= f.minAngle
	default:
		return true
	}
}

// rangeInView gates on the pre-correction measured distance, inclusive at
// both bounds.
func (f fovFilter) rangeInView(distance float64) bool {
	return distance >= f.minRange && distance <= f.maxRange
}
