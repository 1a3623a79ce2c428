package velodyne

// Point is one calibrated LIDAR return in the sensor frame.
// Coordinates follow the right-handed convention (X forward, Y left, Z up)
// produced by the remap at the end of the unpack pipeline. The timestamp is
// split into seconds and nanoseconds so downstream consumers can carry it
// without converting through time.Time on the hot path.
type Point struct {
	X         float64
	Y         float64
	Z         float64
	Intensity float64
	TimeSec   int64
	TimeNsec  int32
	Ring      uint16 // output channel identifier from calibration, not the hardware laser index
}

// PointCloud is an append-only collection of decoded points. One decode call
// appends zero or more points; nothing is ever removed or mutated afterwards.
type PointCloud struct {
	points []Point
}

// NewPointCloud returns a cloud with capacity pre-allocated for the expected
// number of points to avoid reallocations during the decode loop.
func NewPointCloud(capacity int) *PointCloud {
	return &PointCloud{points: make([]Point, 0, capacity)}
}

// Append adds a point to the cloud.
func (pc *PointCloud) Append(p Point) {
	pc.points = append(pc.points, p)
}

// Len reports the number of points appended so far.
func (pc *PointCloud) Len() int {
	return len(pc.points)
}

// Points returns the backing slice. Callers must treat it as read-only.
func (pc *PointCloud) Points() []Point {
	return pc.points
}
