package voxgi

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/voxgi/accel"
	"github.com/gogpu/voxgi/internal/cascade"
	"github.com/gogpu/voxgi/internal/instances"
	"github.com/gogpu/voxgi/scene"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

// UnmarshalText parses strings such as "250ms".
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the subsystem configuration.
//
// Everything except Tunables is fixed when the System is created.
type Config struct {
	Cascades      int    `toml:"cascades"`
	ScratchBytes  uint64 `toml:"scratch_bytes"`
	MaxReferences uint32 `toml:"max_references"`
	MaxTriangles  uint32 `toml:"max_triangles"`

	TreeBytes      uint64 `toml:"tree_bytes"`
	BrickMapBytes  uint64 `toml:"brick_map_bytes"`
	AtlasBytes     uint64 `toml:"atlas_bytes"`
	BrickAABBBytes uint64 `toml:"brick_aabb_bytes"`

	DebugWidth  uint32 `toml:"debug_width"`
	DebugHeight uint32 `toml:"debug_height"`

	// FenceTimeout bounds every cross-queue wait. A wait that exceeds it
	// is a fence stall.
	FenceTimeout Duration `toml:"fence_timeout"`

	Tunables Tunables `toml:"tunables"`
}

// Tunables may change while the System runs.
type Tunables struct {
	DirtyThreshold float32 `toml:"dirty_threshold"`

	// Material flag names as accepted by scene.ParseMaterialFlag.
	RequiredMaterials []string `toml:"required_materials"`
	ExcludedMaterials []string `toml:"excluded_materials"`

	// Debug view selection: bricks, distance, instances, cascades.
	Debug []string `toml:"debug"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	l := cascade.DefaultLimits()
	el := instances.DefaultEligibility
	return Config{
		Cascades:       l.Cascades,
		ScratchBytes:   l.ScratchBytes,
		MaxReferences:  l.MaxReferences,
		MaxTriangles:   l.MaxTriangles,
		TreeBytes:      l.TreeBytes,
		BrickMapBytes:  l.BrickMapBytes,
		AtlasBytes:     l.AtlasBytes,
		BrickAABBBytes: l.BrickAABBBytes,
		DebugWidth:     l.DebugWidth,
		DebugHeight:    l.DebugHeight,
		FenceTimeout:   Duration(5 * time.Second),
		Tunables: Tunables{
			DirtyThreshold:    instances.DefaultDirtyThreshold,
			RequiredMaterials: el.Required.Names(),
			ExcludedMaterials: el.Excluded.Names(),
		},
	}
}

// Limits returns the cascade resource sizes.
func (c Config) Limits() cascade.Limits {
	return cascade.Limits{
		Cascades:       c.Cascades,
		ScratchBytes:   c.ScratchBytes,
		MaxReferences:  c.MaxReferences,
		MaxTriangles:   c.MaxTriangles,
		TreeBytes:      c.TreeBytes,
		BrickMapBytes:  c.BrickMapBytes,
		AtlasBytes:     c.AtlasBytes,
		BrickAABBBytes: c.BrickAABBBytes,
		DebugWidth:     c.DebugWidth,
		DebugHeight:    c.DebugHeight,
	}
}

// Validate checks every field.
func (c Config) Validate() error {
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.FenceTimeout <= 0 {
		return fmt.Errorf("%w: fence timeout %v", ErrInvalidConfig, time.Duration(c.FenceTimeout))
	}
	if _, err := c.Tunables.instances(); err != nil {
		return err
	}
	if _, err := c.Tunables.debugFlags(); err != nil {
		return err
	}
	return nil
}

func (t Tunables) instances() (instances.Config, error) {
	if t.DirtyThreshold < 0 {
		return instances.Config{}, fmt.Errorf("%w: negative dirty threshold %v", ErrInvalidConfig, t.DirtyThreshold)
	}
	req, err := scene.ParseMaterialFlags(t.RequiredMaterials)
	if err != nil {
		return instances.Config{}, fmt.Errorf("%w: required_materials: %w", ErrInvalidConfig, err)
	}
	exc, err := scene.ParseMaterialFlags(t.ExcludedMaterials)
	if err != nil {
		return instances.Config{}, fmt.Errorf("%w: excluded_materials: %w", ErrInvalidConfig, err)
	}
	if req&exc != 0 {
		return instances.Config{}, fmt.Errorf("%w: materials both required and excluded: %s", ErrInvalidConfig, req&exc)
	}
	return instances.Config{
		DirtyThreshold: t.DirtyThreshold,
		Eligibility:    instances.Eligibility{Required: req, Excluded: exc},
	}, nil
}

func (t Tunables) debugFlags() (accel.DebugFlags, error) {
	f, err := accel.ParseDebugFlags(t.Debug)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return f, nil
}

// ParseConfig decodes TOML over the defaults and validates the result.
// Unknown keys are errors.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a TOML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes the config as TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
