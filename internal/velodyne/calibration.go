package velodyne

import (
	"embed"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Calibration data for Velodyne sensors ships as a YAML file with one entry
// per physical laser, keyed by hardware laser number. The values correct for
// per-unit manufacturing tolerances: each laser has its own rotational and
// vertical angle offsets, linear offsets in the sensor frame, a base distance
// correction, an optional two-point distance correction pair measured at two
// reference ranges, and an intensity calibration curve.
//
// The file format matches the Velodyne-supplied calibration files (for
// example 64e_utexas.yaml for the HDL-64E), so units shipped with vendor
// calibration data work unmodified.

//go:embed params/64e_utexas.yaml
var embeddedCalibrations embed.FS

// DefaultCalibrationFile names the embedded fallback calibration, used only
// when no calibration path is configured.
const DefaultCalibrationFile = "params/64e_utexas.yaml"

// LaserCorrection holds the calibration values for a single laser. The
// rotational and vertical correction angles are stored pre-split into sine
// and cosine so the decode loop never calls into math trig functions.
type LaserCorrection struct {
	RotCorrection  float64 // radians, horizontal beam offset
	VertCorrection float64 // radians, vertical beam angle

	DistCorrection           float64 // metres, base distance correction
	TwoPtCorrectionAvailable bool
	DistCorrectionX          float64 // metres, corrected value at the X reference distance
	DistCorrectionY          float64 // metres, corrected value at the Y reference distance

	VertOffsetCorrection  float64 // metres
	HorizOffsetCorrection float64 // metres

	MaxIntensity  float64
	MinIntensity  float64
	FocalDistance float64
	FocalSlope    float64

	// Derived at load time.
	CosRotCorrection  float64
	SinRotCorrection  float64
	CosVertCorrection float64
	SinVertCorrection float64
	LaserRing         uint16 // output channel id, assigned by vertical angle order
}

// Calibration is the full per-sensor correction table, indexed by hardware
// laser number. It is built once at setup and read-only afterwards.
type Calibration struct {
	NumLasers   int
	Corrections []LaserCorrection
}

// Correction returns the calibration entry for a hardware laser number.
// An out-of-range index means the calibration file does not match the
// sensor's channel layout; that is a configuration error nothing downstream
// can recover from, so it panics rather than wrapping silently.
func (c *Calibration) Correction(laser int) *LaserCorrection {
	if laser < 0 || laser >= c.NumLasers {
		panic(fmt.Sprintf("velodyne: laser number %d out of calibrated range [0,%d)", laser, c.NumLasers))
	}
	return &c.Corrections[laser]
}

// yamlLaser mirrors one entry of the Velodyne calibration YAML. Intensity
// bounds are optional in vendor files, hence the pointers.
type yamlLaser struct {
	LaserID                  int      `yaml:"laser_id"`
	RotCorrection            float64  `yaml:"rot_correction"`
	VertCorrection           float64  `yaml:"vert_correction"`
	DistCorrection           float64  `yaml:"dist_correction"`
	TwoPtCorrectionAvailable *bool    `yaml:"two_pt_correction_available"`
	DistCorrectionX          float64  `yaml:"dist_correction_x"`
	DistCorrectionY          float64  `yaml:"dist_correction_y"`
	VertOffsetCorrection     float64  `yaml:"vert_offset_correction"`
	HorizOffsetCorrection    float64  `yaml:"horiz_offset_correction"`
	MaxIntensity             *float64 `yaml:"max_intensity"`
	MinIntensity             *float64 `yaml:"min_intensity"`
	FocalDistance            float64  `yaml:"focal_distance"`
	FocalSlope               float64  `yaml:"focal_slope"`
}

type yamlCalibration struct {
	NumLasers int         `yaml:"num_lasers"`
	Lasers    []yamlLaser `yaml:"lasers"`
}

// ReadCalibration loads a calibration file from disk.
func ReadCalibration(path string) (*Calibration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file %s: %w", path, err)
	}
	cal, err := parseCalibration(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse calibration file %s: %w", path, err)
	}
	return cal, nil
}

// ReadEmbeddedCalibration loads the fallback calibration compiled into the
// binary so the decoder can still come up on a bench with no configuration.
func ReadEmbeddedCalibration() (*Calibration, error) {
	raw, err := embeddedCalibrations.ReadFile(DefaultCalibrationFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded calibration: %w", err)
	}
	cal, err := parseCalibration(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded calibration: %w", err)
	}
	return cal, nil
}

func parseCalibration(raw []byte) (*Calibration, error) {
	var doc yamlCalibration
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid calibration YAML: %w", err)
	}
	if doc.NumLasers == 0 {
		doc.NumLasers = len(doc.Lasers)
	}
	if doc.NumLasers == 0 {
		return nil, fmt.Errorf("calibration defines no lasers")
	}
	if len(doc.Lasers) != doc.NumLasers {
		return nil, fmt.Errorf("calibration declares %d lasers but defines %d", doc.NumLasers, len(doc.Lasers))
	}

	cal := &Calibration{
		NumLasers:   doc.NumLasers,
		Corrections: make([]LaserCorrection, doc.NumLasers),
	}
	seen := make([]bool, doc.NumLasers)
	for i, l := range doc.Lasers {
		if l.LaserID < 0 || l.LaserID >= doc.NumLasers {
			return nil, fmt.Errorf("laser entry %d has laser_id %d out of range [0,%d)", i, l.LaserID, doc.NumLasers)
		}
		if seen[l.LaserID] {
			return nil, fmt.Errorf("duplicate calibration entry for laser_id %d", l.LaserID)
		}
		seen[l.LaserID] = true

		corr := LaserCorrection{
			RotCorrection:         l.RotCorrection,
			VertCorrection:        l.VertCorrection,
			DistCorrection:        l.DistCorrection,
			DistCorrectionX:       l.DistCorrectionX,
			DistCorrectionY:       l.DistCorrectionY,
			VertOffsetCorrection:  l.VertOffsetCorrection,
			HorizOffsetCorrection: l.HorizOffsetCorrection,
			FocalDistance:         l.FocalDistance,
			FocalSlope:            l.FocalSlope,
			MaxIntensity:          255,
			MinIntensity:          0,
			CosRotCorrection:      math.Cos(l.RotCorrection),
			SinRotCorrection:      math.Sin(l.RotCorrection),
			CosVertCorrection:     math.Cos(l.VertCorrection),
			SinVertCorrection:     math.Sin(l.VertCorrection),
		}
		if l.TwoPtCorrectionAvailable != nil {
			corr.TwoPtCorrectionAvailable = *l.TwoPtCorrectionAvailable
		}
		if l.MaxIntensity != nil {
			corr.MaxIntensity = *l.MaxIntensity
		}
		if l.MinIntensity != nil {
			corr.MinIntensity = *l.MinIntensity
		}
		cal.Corrections[l.LaserID] = corr
	}

	assignLaserRings(cal)
	return cal, nil
}

// assignLaserRings numbers the output channels by vertical angle, lowest
// beam first, decoupling the externally visible ring id from the hardware
// laser wiring order.
func assignLaserRings(cal *Calibration) {
	order := make([]int, cal.NumLasers)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return cal.Corrections[order[a]].VertCorrection < cal.Corrections[order[b]].VertCorrection
	})
	for ring, laser := range order {
		cal.Corrections[laser].LaserRing = uint16(ring)
	}
}
