package velodyne

import (
	"encoding/binary"
	"log"
	"math"
	"sync/atomic"
	"time"
)

/*
Velodyne LiDAR Packet Decoder Architecture

This decoder unpacks the fixed-layout 1206-byte UDP packets shared by the
HDL-64E, VLP-16 and VLP-32 sensors into calibrated 3D points. Every packet
carries 12 data blocks; each block is a 2-byte bank header, a 2-byte rotary
encoder azimuth (0.01-degree units), and 32 channel slots of 2-byte distance
plus 1-byte intensity, tightly packed little-endian with no padding. The
6-byte status tail is not used for point generation.

PACKET STRUCTURE (1206 bytes total):
├── Data Blocks (1200 bytes) - 12 blocks × 100 bytes each, starting at offset 0
│   └── Each block: 2-byte bank header (0xEEFF/0xDDFF) + 2-byte azimuth + 32 channels × 3 bytes
└── Status (6 bytes) - GPS timestamp and status bytes [NOT PARSED]

DECODE PATHS:
1. HDL-64E (legacy): the bank header selects which half of the 64 lasers a
   block covers (upper bank = lasers 0-31, lower bank = lasers 32-63). The
   block azimuth is used as-is and points carry the packet arrival time.
2. VLP-16/VLP-32: every block must carry the upper-bank header; anything
   else is a mangled packet and the whole packet is dropped. The azimuth of
   each firing is interpolated between neighbouring blocks from the per-laser
   firing timing, and on the VLP-32 each point additionally receives a
   per-(block, firing sequence) timestamp offset.

PERFORMANCE NOTES:
- Sine/cosine for all 36000 encoder values are precomputed at setup; the
  decode loop performs no trig calls.
- Per-laser rotational corrections are folded in with the angle-difference
  identities instead of a second table lookup.
- The decoder performs no I/O and no allocation beyond point append, and
  keeps no mutable state between packets, so packets may be decoded
  concurrently onto separate point clouds.

CALIBRATION DATA:
Per-laser corrections (angles, linear offsets, distance and intensity
curves) come from the Velodyne calibration YAML, loaded once at setup. The
two-point distance correction interpolates between corrections measured at
two reference ranges; X and Y use different near references and Z follows
the Y branch, exactly as specified in the vendor manual.
*/

// Velodyne packet structure constants. These describe the wire format, which
// is fixed across sensor variants; only the interpretation differs.
const (
	BLOCKS_PER_PACKET  = 12                                        // Data blocks per packet
	SCANS_PER_BLOCK    = 32                                        // Channel slots per block
	RAW_SCAN_SIZE      = 3                                         // Channel slot size: 2 bytes distance + 1 byte intensity
	BLOCK_DATA_SIZE    = SCANS_PER_BLOCK * RAW_SCAN_SIZE           // 96 bytes of channel data per block
	BLOCK_SIZE         = 4 + BLOCK_DATA_SIZE                       // 100 bytes: header + azimuth + channel data
	PACKET_STATUS_SIZE = 6                                         // GPS timestamp + status tail (unused)
	PACKET_SIZE        = BLOCKS_PER_PACKET*BLOCK_SIZE + PACKET_STATUS_SIZE // 1206 bytes

	ROTATION_RESOLUTION = 0.01  // degrees per encoder unit
	ROTATION_MAX_UNITS  = 36000 // encoder units per full rotation

	// Distance unit for the HDL-64E family. The VLP profiles carry their
	// own resolution since the VLP-32 uses 4mm units.
	DISTANCE_RESOLUTION = 0.002 // metres per raw distance unit

	UPPER_BANK = 0xeeff // bank header for lasers 0-31 (and all VLP blocks)
	LOWER_BANK = 0xddff // bank header for lasers 32-63 (HDL-64E only)
)

// Two-point distance correction reference ranges in metres, from the vendor
// calibration procedure. X and Y use different near references.
const (
	nearRefX = 2.4
	nearRefY = 1.93
	farRef   = 25.04
)

// warnInterval throttles malformed-packet warnings so a misconfigured
// sensor cannot flood the log.
const warnInterval = 60 * time.Second

// Packet is one raw sensor datagram plus its arrival timestamp, handed in by
// the transport layer one at a time.
type Packet struct {
	Data  []byte
	Stamp time.Time
}

// Decoder turns raw Velodyne packets into calibrated points. All lookup
// tables are built once by NewDecoder and are read-only afterwards; decoding
// mutates nothing but the output cloud, so a decoder may be shared across
// goroutines as long as each decode call gets its own PointCloud.
type Decoder struct {
	calib         *Calibration
	model         DeviceModel
	profile       DeviceProfile
	timingOffsets [][]time.Duration // non-empty only for VLP32
	cosRotTable   []float64
	sinRotTable   []float64
	fov           fovFilter

	logf     func(format string, args ...any)
	lastWarn atomic.Int64 // unix nanos of last throttled warning
}

// Option configures a Decoder at construction time.
type Option func(*Decoder)

// WithLogf redirects decoder log output. The default is log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(d *Decoder) { d.logf = logf }
}

// NewDecoder loads calibration, selects the device model and builds every
// lookup table. This is the one-time setup phase: any failure here leaves no
// usable decoder, so a partially calibrated sensor can never produce points.
func NewDecoder(cfg Config, opts ...Option) (*Decoder, error) {
	d := &Decoder{logf: log.Printf}
	for _, opt := range opts {
		opt(d)
	}

	var (
		cal *Calibration
		err error
	)
	if cfg.CalibrationFile == "" {
		d.logf("no calibration file configured, falling back to embedded %s", DefaultCalibrationFile)
		cal, err = ReadEmbeddedCalibration()
	} else {
		cal, err = ReadCalibration(cfg.CalibrationFile)
	}
	if err != nil {
		return nil, err
	}
	d.calib = cal
	d.logf("calibration loaded: %d lasers", cal.NumLasers)

	switch {
	case cal.NumLasers == 16:
		// The VLP-16 gets no sub-packet timing correction; only the
		// VLP-32 carries a timing offset table.
		d.model = ModelVLP16
		d.profile = VLP16Profile
	case cfg.DeviceModel == "VLP32":
		d.model = ModelVLP32
		d.profile = VLP32Profile
		d.timingOffsets = vlp32TimingOffsets()
	default:
		d.model = ModelLegacy64
	}
	d.logf("device model: %s", d.model)

	d.cosRotTable = make([]float64, ROTATION_MAX_UNITS)
	d.sinRotTable = make([]float64, ROTATION_MAX_UNITS)
	for i := 0; i < ROTATION_MAX_UNITS; i++ {
		rotation := float64(i) * ROTATION_RESOLUTION * math.Pi / 180
		d.cosRotTable[i] = math.Cos(rotation)
		d.sinRotTable[i] = math.Sin(rotation)
	}

	d.SetParameters(cfg.MinRange, cfg.MaxRange, cfg.ViewDirection, cfg.ViewWidth)
	return d, nil
}

// Model reports the device variant selected at setup.
func (d *Decoder) Model() DeviceModel {
	return d.model
}

// SetParameters recomputes the field-of-view filter from user-facing
// direction/width/range values. Not safe to call concurrently with decoding.
func (d *Decoder) SetParameters(minRange, maxRange, viewDirection, viewWidth float64) {
	d.fov = makeFOVFilter(minRange, maxRange, viewDirection, viewWidth)
}

// UnpackAndAdd decodes one raw packet and appends the resulting points to
// pc. For the VLP variants the return value is the total azimuth sweep the
// packet covered (encoder units), for the caller's scan-boundary
// bookkeeping; the legacy path and rejected packets return -1.
func (d *Decoder) UnpackAndAdd(pkt *Packet, pc *PointCloud) float64 {
	if len(pkt.Data) < BLOCKS_PER_PACKET*BLOCK_SIZE {
		d.warnThrottled("skipping truncated packet: %d bytes, need %d", len(pkt.Data), BLOCKS_PER_PACKET*BLOCK_SIZE)
		return -1
	}
	if d.model == ModelLegacy64 {
		return d.unpackLegacy(pkt, pc)
	}
	return d.unpackVLP(pkt, pc)
}

// unpackLegacy handles the HDL-64E dual-bank layout. The bank header only
// selects which half of the laser array a block covers; unknown header
// values fall through to the upper bank since this path assumes a fixed
// two-bank sensor.
func (d *Decoder) unpackLegacy(pkt *Packet, pc *PointCloud) float64 {
	data := pkt.Data
	timeSec := pkt.Stamp.Unix()
	timeNsec := int32(pkt.Stamp.Nanosecond())

	for block := 0; block < BLOCKS_PER_PACKET; block++ {
		offset := block * BLOCK_SIZE

		bankOrigin := 0
		if binary.LittleEndian.Uint16(data[offset:]) == LOWER_BANK {
			// lower bank lasers are numbered [32..63]
			bankOrigin = 32
		}

		rotation := int(binary.LittleEndian.Uint16(data[offset+2:]))
		if rotation >= ROTATION_MAX_UNITS || !d.fov.azimuthInView(rotation) {
			// encoder values live in [0,36000); anything above is a
			// mangled block and has no table entry
			continue
		}

		for slot, k := 0, offset+4; slot < SCANS_PER_BLOCK; slot, k = slot+1, k+RAW_SCAN_SIZE {
			corr := d.calib.Correction(slot + bankOrigin)
			rawDistance := binary.LittleEndian.Uint16(data[k:])

			x, y, z, intensity, distance := d.unpackMeasurement(rawDistance, data[k+2], rotation, DISTANCE_RESOLUTION, corr)
			if !d.fov.rangeInView(distance) {
				continue
			}

			// No firing-time correction for this model.
			pc.Append(Point{
				X:         x,
				Y:         y,
				Z:         z,
				Intensity: intensity,
				TimeSec:   timeSec,
				TimeNsec:  timeNsec,
				Ring:      corr.LaserRing,
			})
		}
	}
	return -1
}

// unpackVLP handles the VLP-16 and VLP-32 single-bank layout with
// intra-packet azimuth interpolation. A block header that is not the
// upper-bank marker means the packet is mangled; the whole packet is
// rejected before any point is appended.
func (d *Decoder) unpackVLP(pkt *Packet, pc *PointCloud) float64 {
	data := pkt.Data

	for block := 0; block < BLOCKS_PER_PACKET; block++ {
		if header := binary.LittleEndian.Uint16(data[block*BLOCK_SIZE:]); header != UPPER_BANK {
			d.warnThrottled("skipping invalid VLP packet: block %d header value is 0x%04x", block, header)
			return -1
		}
	}

	var sliceAngle float64
	var lastAzimuthDiff float64

	for block := 0; block < BLOCKS_PER_PACKET; block++ {
		offset := block * BLOCK_SIZE
		rotation := binary.LittleEndian.Uint16(data[offset+2:])
		azimuth := float64(rotation)

		// Azimuth step to the next block; the final block reuses the
		// previous step since it has no successor.
		var azimuthDiff float64
		if block < BLOCKS_PER_PACKET-1 {
			next := binary.LittleEndian.Uint16(data[offset+BLOCK_SIZE+2:])
			azimuthDiff = float64((36000 + int(next) - int(rotation)) % 36000)
			sliceAngle += azimuthDiff
			lastAzimuthDiff = azimuthDiff
		} else {
			azimuthDiff = lastAzimuthDiff
		}

		k := offset + 4
		for seq := 0; seq < d.profile.FiringSeqsPerBlock; seq++ {
			seqOffset := float64(seq) * d.profile.FiringSeqDuration

			for laser := 0; laser < d.profile.LasersPerFiringSeq; laser, k = laser+1, k+RAW_SCAN_SIZE {
				corr := d.calib.Correction(laser)

				// Correct for the rotation that happened between the
				// start of the block and this laser's firing.
				firingOffset := float64(laser/d.profile.LasersPerFiring) * d.profile.FiringDuration
				azimuthCorrected := int(math.Round(azimuth+azimuthDiff*(firingOffset+seqOffset)/d.profile.BlockDuration)) % 36000
				if !d.fov.azimuthInView(azimuthCorrected) {
					continue
				}

				rawDistance := binary.LittleEndian.Uint16(data[k:])
				x, y, z, intensity, distance := d.unpackMeasurement(rawDistance, data[k+2], azimuthCorrected, d.profile.DistanceResolution, corr)
				if !d.fov.rangeInView(distance) {
					continue
				}

				stamp := pkt.Stamp
				if len(d.timingOffsets) > 0 {
					stamp = stamp.Add(d.timingOffsets[block][seq])
				}
				pc.Append(Point{
					X:         x,
					Y:         y,
					Z:         z,
					Intensity: intensity,
					TimeSec:   stamp.Unix(),
					TimeNsec:  int32(stamp.Nanosecond()),
					Ring:      corr.LaserRing,
				})
			}
		}
	}
	return sliceAngle
}

// unpackMeasurement runs the shared position and intensity pipeline for one
// channel slot. It returns the output-frame coordinates, the clamped
// intensity and the pre-correction distance used for range gating.
//
// The order of operations follows the vendor calibration model exactly and
// is not commutative: the two-point interpolation is selected from
// provisional coordinates computed with the base distance correction, then X
// and Y are recomputed with their own corrected distances, and Z always uses
// the Y-branch distance.
func (d *Decoder) unpackMeasurement(rawDistance uint16, rawIntensity uint8, azimuth int, resolution float64, corr *LaserCorrection) (x, y, z, intensity, distance float64) {
	distance = float64(rawDistance)*resolution + corr.DistCorrection

	// cos(a-b) = cos(a)*cos(b) + sin(a)*sin(b)
	// sin(a-b) = sin(a)*cos(b) - cos(a)*sin(b)
	cosRotAngle := d.cosRotTable[azimuth]*corr.CosRotCorrection + d.sinRotTable[azimuth]*corr.SinRotCorrection
	sinRotAngle := d.sinRotTable[azimuth]*corr.CosRotCorrection - d.cosRotTable[azimuth]*corr.SinRotCorrection

	horizOffset := corr.HorizOffsetCorrection
	vertOffset := corr.VertOffsetCorrection

	// Distance in the xy plane, before accounting for rotation. The
	// vertical offset term comes from the vendor's geometric model.
	xyDistance := distance*corr.CosVertCorrection - vertOffset*corr.SinVertCorrection

	// Provisional coordinates, used only to pick the interpolation point
	// for the two-point distance correction.
	xx := math.Abs(xyDistance*sinRotAngle - horizOffset*cosRotAngle)
	yy := math.Abs(xyDistance*cosRotAngle + horizOffset*sinRotAngle)

	// Linear interpolation between the corrections measured at the two
	// reference ranges, re-based as a delta on top of the base
	// correction already applied above.
	var distanceCorrX, distanceCorrY float64
	if corr.TwoPtCorrectionAvailable {
		distanceCorrX = (corr.DistCorrection-corr.DistCorrectionX)*(xx-nearRefX)/(farRef-nearRefX) + corr.DistCorrectionX
		distanceCorrX -= corr.DistCorrection
		distanceCorrY = (corr.DistCorrection-corr.DistCorrectionY)*(yy-nearRefY)/(farRef-nearRefY) + corr.DistCorrectionY
		distanceCorrY -= corr.DistCorrection
	}

	distanceX := distance + distanceCorrX
	xyDistance = distanceX*corr.CosVertCorrection - vertOffset*corr.SinVertCorrection
	x = xyDistance*sinRotAngle - horizOffset*cosRotAngle

	distanceY := distance + distanceCorrY
	xyDistance = distanceY*corr.CosVertCorrection - vertOffset*corr.SinVertCorrection
	y = xyDistance*cosRotAngle + horizOffset*sinRotAngle

	// Using the Y-branch distance here is not symmetric, but the vendor
	// manual does this.
	z = distanceY*corr.SinVertCorrection + vertOffset*corr.CosVertCorrection

	// Remap into the right-handed output convention.
	x, y = y, -x

	intensity = float64(rawIntensity)
	focalTerm := 1 - corr.FocalDistance/13100
	focalOffset := 256 * focalTerm * focalTerm
	distTerm := 1 - float64(rawDistance)/65535
	intensity += corr.FocalSlope * math.Abs(focalOffset-256*distTerm*distTerm)
	if intensity < corr.MinIntensity {
		intensity = corr.MinIntensity
	}
	if intensity > corr.MaxIntensity {
		intensity = corr.MaxIntensity
	}

	return x, y, z, intensity, distance
}

// warnThrottled logs through the injected sink at most once per
// warnInterval. The timestamp is CAS-guarded so concurrent decoders on the
// same instance stay race-free.
func (d *Decoder) warnThrottled(format string, args ...any) {
	now := time.Now().UnixNano()
	last := d.lastWarn.Load()
	if now-last < warnInterval.Nanoseconds() {
		return
	}
	if d.lastWarn.CompareAndSwap(last, now) {
		d.logf(format, args...)
	}
}
