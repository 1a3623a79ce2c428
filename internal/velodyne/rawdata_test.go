package velodyne

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// testLaser is one synthetic calibration entry. The zero value is an
// identity laser: no angular or linear corrections, full intensity range,
// flat intensity curve.
type testLaser struct {
	rotCorrection  float64
	vertCorrection float64
	distCorrection float64
	twoPt          bool
	distCorrX      float64
	distCorrY      float64
	vertOffset     float64
	horizOffset    float64
}

// writeTestCalibration writes a calibration YAML for the given lasers into a
// temp dir and returns its path.
func writeTestCalibration(t *testing.T, lasers []testLaser) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("lasers:\n")
	for i, l := range lasers {
		fmt.Fprintf(&b,
			"- {laser_id: %d, rot_correction: %g, vert_correction: %g, dist_correction: %g, "+
				"two_pt_correction_available: %v, dist_correction_x: %g, dist_correction_y: %g, "+
				"vert_offset_correction: %g, horiz_offset_correction: %g, "+
				"max_intensity: 255, min_intensity: 0, focal_distance: 0, focal_slope: 0}\n",
			i, l.rotCorrection, l.vertCorrection, l.distCorrection,
			l.twoPt, l.distCorrX, l.distCorrY, l.vertOffset, l.horizOffset)
	}
	fmt.Fprintf(&b, "num_lasers: %d\n", len(lasers))

	path := filepath.Join(t.TempDir(), "calibration.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("failed to write test calibration: %v", err)
	}
	return path
}

// identityLasers returns n lasers with distinct vertical corrections (so
// ring assignment is deterministic: ring == laser id) but otherwise zero
// corrections.
func identityLasers(n int) []testLaser {
	lasers := make([]testLaser, n)
	for i := range lasers {
		lasers[i].vertCorrection = float64(i) * 1e-9 // orders rings without moving points measurably
	}
	return lasers
}

func newTestDecoder(t *testing.T, lasers []testLaser, cfg Config, opts ...Option) *Decoder {
	t.Helper()
	cfg.CalibrationFile = writeTestCalibration(t, lasers)
	if len(opts) == 0 {
		opts = []Option{WithLogf(t.Logf)}
	}
	d, err := NewDecoder(cfg, opts...)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

// buildPacket assembles a raw packet. Every block gets the given header and
// rotation values; setSlot writes individual channel measurements.
func buildPacket(headers [BLOCKS_PER_PACKET]uint16, rotations [BLOCKS_PER_PACKET]uint16) []byte {
	data := make([]byte, PACKET_SIZE)
	for i := 0; i < BLOCKS_PER_PACKET; i++ {
		binary.LittleEndian.PutUint16(data[i*BLOCK_SIZE:], headers[i])
		binary.LittleEndian.PutUint16(data[i*BLOCK_SIZE+2:], rotations[i])
	}
	return data
}

func allBlocks(v uint16) [BLOCKS_PER_PACKET]uint16 {
	var a [BLOCKS_PER_PACKET]uint16
	for i := range a {
		a[i] = v
	}
	return a
}

func setSlot(data []byte, block, slot int, distance uint16, intensity uint8) {
	k := block*BLOCK_SIZE + 4 + slot*RAW_SCAN_SIZE
	binary.LittleEndian.PutUint16(data[k:], distance)
	data[k+2] = intensity
}

func TestRotationTableUnitCircle(t *testing.T) {
	d := newTestDecoder(t, identityLasers(64), Config{MaxRange: 130})
	for i := 0; i < ROTATION_MAX_UNITS; i++ {
		mag := d.sinRotTable[i]*d.sinRotTable[i] + d.cosRotTable[i]*d.cosRotTable[i]
		if math.Abs(mag-1) > 1e-12 {
			t.Fatalf("sin^2+cos^2 at index %d = %v, want 1", i, mag)
		}
	}
}

// TestLegacyGoldenBaseline checks that with identity calibration the
// pipeline collapses to plain polar-to-Cartesian conversion followed by the
// right-handed remap: x_out = d*cos(az), y_out = -d*sin(az), z_out = 0.
func TestLegacyGoldenBaseline(t *testing.T) {
	d := newTestDecoder(t, identityLasers(64), Config{MinRange: 0.5, MaxRange: 130})
	require.Equal(t, ModelLegacy64, d.Model())

	cases := []struct {
		rotation uint16
		raw      uint16
	}{
		{0, 1000},
		{9000, 1000},  // 90 degrees
		{18000, 2500}, // 180 degrees
		{27000, 500},  // 270 degrees
		{4500, 3000},  // 45 degrees
	}

	for _, tc := range cases {
		headers := allBlocks(UPPER_BANK)
		rotations := allBlocks(tc.rotation)
		data := buildPacket(headers, rotations)
		setSlot(data, 0, 0, tc.raw, 100)

		pc := NewPointCloud(1)
		stamp := time.Unix(1700000000, 250)
		got := d.UnpackAndAdd(&Packet{Data: data, Stamp: stamp}, pc)
		require.Equal(t, float64(-1), got, "legacy path must return the sentinel")
		require.Equal(t, 1, pc.Len(), "rotation=%d", tc.rotation)

		p := pc.Points()[0]
		az := float64(tc.rotation) * ROTATION_RESOLUTION * math.Pi / 180
		dist := float64(tc.raw) * DISTANCE_RESOLUTION
		require.InDelta(t, dist*math.Cos(az), p.X, 1e-9, "x at rotation %d", tc.rotation)
		require.InDelta(t, -dist*math.Sin(az), p.Y, 1e-9, "y at rotation %d", tc.rotation)
		require.InDelta(t, 0, p.Z, 1e-9, "z at rotation %d", tc.rotation)
		require.InDelta(t, 100, p.Intensity, 1e-9)
		require.Equal(t, int64(1700000000), p.TimeSec)
		require.Equal(t, int32(250), p.TimeNsec)
	}
}

func TestLegacyLowerBankLaserNumbering(t *testing.T) {
	d := newTestDecoder(t, identityLasers(64), Config{MinRange: 0.5, MaxRange: 130})

	headers := allBlocks(UPPER_BANK)
	headers[0] = LOWER_BANK
	data := buildPacket(headers, allBlocks(0))
	for slot := 0; slot < SCANS_PER_BLOCK; slot++ {
		setSlot(data, 0, slot, 1000, 50)
	}

	pc := NewPointCloud(SCANS_PER_BLOCK)
	d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
	require.Equal(t, SCANS_PER_BLOCK, pc.Len())

	// Vertical corrections increase with laser id, so ring == laser id:
	// a lower-bank block must resolve to lasers [32,64).
	for i, p := range pc.Points() {
		if p.Ring < 32 || p.Ring >= 64 {
			t.Fatalf("point %d: ring %d outside lower bank [32,64)", i, p.Ring)
		}
	}
}

func TestVLP16SweepAngleAndRejection(t *testing.T) {
	var logged []string
	logf := func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}
	d := newTestDecoder(t, identityLasers(16), Config{MinRange: 0.5, MaxRange: 130}, WithLogf(logf))
	require.Equal(t, ModelVLP16, d.Model())
	setupLogs := len(logged) // decoder setup logs calibration and model lines

	var rotations [BLOCKS_PER_PACKET]uint16
	for i := range rotations {
		rotations[i] = uint16(i * 20) // monotonic, 20 units between blocks
	}
	data := buildPacket(allBlocks(UPPER_BANK), rotations)

	pc := NewPointCloud(0)
	got := d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
	require.Equal(t, float64((BLOCKS_PER_PACKET-1)*20), got, "sweep must be the sum of inter-block deltas")
	require.Len(t, logged, setupLogs, "a valid packet must not warn")

	// Tamper one block header: the whole packet must be discarded with no
	// partial points, even when earlier blocks were valid.
	setSlot(data, 0, 0, 1000, 10) // would decode into a point otherwise
	binary.LittleEndian.PutUint16(data[5*BLOCK_SIZE:], 0xbeef)
	pc = NewPointCloud(0)
	got = d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
	require.Equal(t, float64(-1), got)
	require.Zero(t, pc.Len())
	require.Len(t, logged, setupLogs+1)
	require.Contains(t, logged[setupLogs], "block 5")

	// A second bad packet inside the throttle window must not log again.
	d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
	require.Len(t, logged, setupLogs+1)
}

func TestVLP16AzimuthInterpolation(t *testing.T) {
	d := newTestDecoder(t, identityLasers(16), Config{MinRange: 0.5, MaxRange: 130})

	var rotations [BLOCKS_PER_PACKET]uint16
	for i := range rotations {
		rotations[i] = uint16(i * 1000)
	}
	data := buildPacket(allBlocks(UPPER_BANK), rotations)
	// First firing sequence, laser 0: corrected azimuth = 0.
	setSlot(data, 0, 0, 1000, 10)
	// Second firing sequence, laser 15: corrected azimuth =
	// 1000 * (15*2.304 + 55.296) / 110.592 = 812.5 -> 813.
	setSlot(data, 0, 16+15, 1000, 10)

	// Window that keeps azimuth 0 and drops azimuth 813.
	d.SetParameters(0.5, 130, 0, 2*math.Pi*500/36000)
	pc := NewPointCloud(2)
	d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
	require.Equal(t, 1, pc.Len())

	// Widened to the full circle both survive.
	d.SetParameters(0.5, 130, 0, 0)
	pc = NewPointCloud(2)
	d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
	require.Equal(t, 2, pc.Len())
}

func TestVLP16PointsNotTimeCorrected(t *testing.T) {
	d := newTestDecoder(t, identityLasers(16), Config{MinRange: 0.5, MaxRange: 130})

	data := buildPacket(allBlocks(UPPER_BANK), allBlocks(0))
	setSlot(data, 0, 0, 1000, 10)
	setSlot(data, 11, 31, 1000, 10)

	stamp := time.Unix(1700000000, 0)
	pc := NewPointCloud(2)
	d.UnpackAndAdd(&Packet{Data: data, Stamp: stamp}, pc)
	require.Equal(t, 2, pc.Len())
	for _, p := range pc.Points() {
		require.Equal(t, stamp.Unix(), p.TimeSec)
		require.Equal(t, int32(0), p.TimeNsec, "VLP16 points must carry the packet time unmodified")
	}
}

func TestVLP32TimingCorrection(t *testing.T) {
	d := newTestDecoder(t, identityLasers(32), Config{MinRange: 0.5, MaxRange: 130, DeviceModel: "VLP32"})
	require.Equal(t, ModelVLP32, d.Model())

	data := buildPacket(allBlocks(UPPER_BANK), allBlocks(0))
	setSlot(data, 0, 0, 1000, 10)
	setSlot(data, 3, 0, 1000, 10)

	stamp := time.Unix(1700000000, 0)
	pc := NewPointCloud(2)
	d.UnpackAndAdd(&Packet{Data: data, Stamp: stamp}, pc)
	require.Equal(t, 2, pc.Len())

	// Block b, firing sequence 0 gets offset b * 55.296µs.
	require.Equal(t, int32(0), pc.Points()[0].TimeNsec)
	wantNsec := int32(3 * 55296)
	require.Equal(t, wantNsec, pc.Points()[1].TimeNsec)
}

// TestTwoPointCorrectionZeroDelta: a calibration with the two-point pair
// unavailable must decode identically to one where the pair is available but
// equal to the base correction (zero interpolated delta).
func TestTwoPointCorrectionZeroDelta(t *testing.T) {
	base := identityLasers(64)
	for i := range base {
		base[i].distCorrection = 1.2
		base[i].vertOffset = 0.2
		base[i].horizOffset = 0.026
		base[i].vertCorrection = -0.1 + float64(i)*0.003
	}
	withTwoPt := make([]testLaser, len(base))
	copy(withTwoPt, base)
	for i := range withTwoPt {
		withTwoPt[i].twoPt = true
		withTwoPt[i].distCorrX = withTwoPt[i].distCorrection
		withTwoPt[i].distCorrY = withTwoPt[i].distCorrection
	}

	decode := func(lasers []testLaser) []Point {
		d := newTestDecoder(t, lasers, Config{MinRange: 0.5, MaxRange: 130})
		data := buildPacket(allBlocks(UPPER_BANK), allBlocks(4500))
		for slot := 0; slot < SCANS_PER_BLOCK; slot++ {
			setSlot(data, 0, slot, uint16(1000+slot*100), uint8(slot))
		}
		pc := NewPointCloud(SCANS_PER_BLOCK)
		d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Unix(1, 0)}, pc)
		return pc.Points()
	}

	without := decode(base)
	with := decode(withTwoPt)
	if diff := cmp.Diff(without, with); diff != "" {
		t.Fatalf("two-point correction with zero delta changed output (-without +with):\n%s", diff)
	}
	require.NotEmpty(t, without)
}

func TestRangeGateInclusive(t *testing.T) {
	d := newTestDecoder(t, identityLasers(64), Config{MinRange: 1.0, MaxRange: 2.0})

	cases := []struct {
		raw  uint16
		want bool
	}{
		{499, false},  // 0.998m, below min
		{500, true},   // exactly min
		{750, true},   // inside
		{1000, true},  // exactly max
		{1001, false}, // above max
	}
	for _, tc := range cases {
		data := buildPacket(allBlocks(UPPER_BANK), allBlocks(0))
		setSlot(data, 0, 0, tc.raw, 10)
		pc := NewPointCloud(1)
		d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, pc)
		if got := pc.Len() == 1; got != tc.want {
			t.Errorf("raw distance %d (%.3fm): in range = %v, want %v",
				tc.raw, float64(tc.raw)*DISTANCE_RESOLUTION, got, tc.want)
		}
	}
}

func TestTruncatedPacketRejected(t *testing.T) {
	d := newTestDecoder(t, identityLasers(16), Config{MaxRange: 130})
	pc := NewPointCloud(0)
	got := d.UnpackAndAdd(&Packet{Data: make([]byte, 100), Stamp: time.Now()}, pc)
	require.Equal(t, float64(-1), got)
	require.Zero(t, pc.Len())
}

func TestCalibrationMismatchPanics(t *testing.T) {
	// A 16-laser calibration forced onto the legacy 64-laser layout is a
	// configuration error and must not be masked.
	d := newTestDecoder(t, identityLasers(16), Config{MinRange: 0.5, MaxRange: 130, DeviceModel: ""})
	d.model = ModelLegacy64 // bypass auto-selection to simulate the mismatch

	data := buildPacket(allBlocks(LOWER_BANK), allBlocks(0))
	require.Panics(t, func() {
		d.UnpackAndAdd(&Packet{Data: data, Stamp: time.Now()}, NewPointCloud(0))
	})
}
