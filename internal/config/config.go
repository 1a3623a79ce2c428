// Package config loads decoder runtime parameters from JSON files. Fields
// are pointers so partial configs are safe: anything omitted keeps its
// default.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/velodyne-rawdata/internal/velodyne"
)

// DecoderConfig is the on-disk schema for decoder parameters. Angles are in
// radians in the software frame; ranges in metres.
type DecoderConfig struct {
	Calibration   *string  `json:"calibration,omitempty"`
	DeviceModel   *string  `json:"device_model,omitempty"`
	MinRange      *float64 `json:"min_range,omitempty"`
	MaxRange      *float64 `json:"max_range,omitempty"`
	ViewDirection *float64 `json:"view_direction,omitempty"`
	ViewWidth     *float64 `json:"view_width,omitempty"`

	// Listener and storage knobs for the cmd entrypoints.
	UDPPort *int    `json:"udp_port,omitempty"`
	DBPath  *string `json:"db_path,omitempty"`
}

// Defaults for anything the config file omits. A full-circle view with the
// sensor's physical range limits decodes everything.
const (
	DefaultMinRange = 0.9
	DefaultMaxRange = 130.0
	DefaultUDPPort  = 2368
)

// Load reads a DecoderConfig from a JSON file. The file must have a .json
// extension and stay under the size cap.
func Load(path string) (*DecoderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &DecoderConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cleanPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Validate rejects values the decoder cannot work with.
func (c *DecoderConfig) Validate() error {
	if c.MinRange != nil && *c.MinRange < 0 {
		return fmt.Errorf("min_range must be non-negative, got %v", *c.MinRange)
	}
	if c.MaxRange != nil && *c.MaxRange <= 0 {
		return fmt.Errorf("max_range must be positive, got %v", *c.MaxRange)
	}
	if c.MinRange != nil && c.MaxRange != nil && *c.MinRange > *c.MaxRange {
		return fmt.Errorf("min_range %v exceeds max_range %v", *c.MinRange, *c.MaxRange)
	}
	if c.ViewWidth != nil && (*c.ViewWidth < 0 || *c.ViewWidth > 2*math.Pi) {
		return fmt.Errorf("view_width must be in [0,2pi], got %v", *c.ViewWidth)
	}
	if c.UDPPort != nil && (*c.UDPPort < 1 || *c.UDPPort > 65535) {
		return fmt.Errorf("udp_port out of range: %d", *c.UDPPort)
	}
	return nil
}

// UDPPortOrDefault returns the configured listener port.
func (c *DecoderConfig) UDPPortOrDefault() int {
	if c.UDPPort != nil {
		return *c.UDPPort
	}
	return DefaultUDPPort
}

// DecoderParams resolves the file values into the decoder's Config,
// filling defaults for anything unset.
func (c *DecoderConfig) DecoderParams() velodyne.Config {
	out := velodyne.Config{
		MinRange: DefaultMinRange,
		MaxRange: DefaultMaxRange,
	}
	if c.Calibration != nil {
		out.CalibrationFile = *c.Calibration
	}
	if c.DeviceModel != nil {
		out.DeviceModel = *c.DeviceModel
	}
	if c.MinRange != nil {
		out.MinRange = *c.MinRange
	}
	if c.MaxRange != nil {
		out.MaxRange = *c.MaxRange
	}
	if c.ViewDirection != nil {
		out.ViewDirection = *c.ViewDirection
	}
	if c.ViewWidth != nil {
		out.ViewWidth = *c.ViewWidth
	}
	return out
}
