// Package calibration generates parameterized test prints (temperature
// towers, flow cubes and pressure-advance towers) bounded by device limits.
// Generation is a pure function of its request: identical requests produce
// byte-identical output.
package calibration

import (
	"fmt"
	"math"
	"strings"

	"slicetune/pkg/domain"
)

// Type selects the calibration print.
type Type string

// Supported calibration types.
const (
	TypeTemperature     Type = "temperature"
	TypeFlow            Type = "flow"
	TypePressureAdvance Type = "pressure_advance"
)

// ParseType accepts the canonical names plus a few common aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "temperature", "temperature_tower", "temp", "temp_tower":
		return TypeTemperature, nil
	case "flow", "flow_cube":
		return TypeFlow, nil
	case "pressure_advance", "pa", "pa_tower", "pressure_advance_tower":
		return TypePressureAdvance, nil
	default:
		return "", &domain.ValidationError{Field: "calibration_type", Message: fmt.Sprintf("unsupported %q", s)}
	}
}

// Limits are the device capabilities a calibration print must respect.
type Limits struct {
	XMin               float64 `json:"x_min"`
	XMax               float64 `json:"x_max"`
	YMin               float64 `json:"y_min"`
	YMax               float64 `json:"y_max"`
	ZMax               float64 `json:"z_max"`
	MinNozzleTemp      float64 `json:"min_nozzle_temp"`
	MaxNozzleTemp      float64 `json:"max_nozzle_temp"`
	MaxBedTemp         float64 `json:"max_bed_temp"`
	MaxVelocity        float64 `json:"max_velocity"`
	MaxPressureAdvance float64 `json:"max_pressure_advance"`
	NozzleDiameter     float64 `json:"nozzle_diameter"`
	FilamentDiameter   float64 `json:"filament_diameter"`
}

// DefaultLimits returns the capabilities assumed for an unconfigured device.
func DefaultLimits() Limits {
	return Limits{
		XMax:               220,
		YMax:               220,
		ZMax:               250,
		MaxNozzleTemp:      300,
		MaxBedTemp:         120,
		MaxVelocity:        300,
		MaxPressureAdvance: 1.0,
		NozzleDiameter:     0.4,
		FilamentDiameter:   1.75,
	}
}

// Validate rejects limits that describe no usable envelope.
func (l Limits) Validate() error {
	if err := finite("limits", []namedValue{
		{"x_min", l.XMin}, {"x_max", l.XMax}, {"y_min", l.YMin}, {"y_max", l.YMax}, {"z_max", l.ZMax},
		{"min_nozzle_temp", l.MinNozzleTemp}, {"max_nozzle_temp", l.MaxNozzleTemp},
		{"max_bed_temp", l.MaxBedTemp}, {"max_velocity", l.MaxVelocity},
		{"max_pressure_advance", l.MaxPressureAdvance},
		{"nozzle_diameter", l.NozzleDiameter}, {"filament_diameter", l.FilamentDiameter},
	}); err != nil {
		return err
	}
	switch {
	case l.XMax <= l.XMin:
		return &domain.ValidationError{Field: "limits.x", Message: "x_max must exceed x_min"}
	case l.YMax <= l.YMin:
		return &domain.ValidationError{Field: "limits.y", Message: "y_max must exceed y_min"}
	case l.ZMax <= 0:
		return &domain.ValidationError{Field: "limits.z_max", Message: "must be positive"}
	case l.MaxNozzleTemp <= l.MinNozzleTemp:
		return &domain.ValidationError{Field: "limits.nozzle_temp", Message: "max must exceed min"}
	case l.MaxBedTemp < 0:
		return &domain.ValidationError{Field: "limits.max_bed_temp", Message: "must not be negative"}
	case l.MaxVelocity <= 0:
		return &domain.ValidationError{Field: "limits.max_velocity", Message: "must be positive"}
	case l.NozzleDiameter <= 0 || l.FilamentDiameter <= 0:
		return &domain.ValidationError{Field: "limits.diameter", Message: "nozzle and filament diameter must be positive"}
	case l.XMax-l.XMin > maxBuildSize || l.YMax-l.YMin > maxBuildSize || l.ZMax > maxBuildSize:
		return &domain.ValidationError{Field: "limits", Message: fmt.Sprintf("build volume exceeds %g mm on an axis", maxBuildSize)}
	}
	return nil
}

type namedValue struct {
	name  string
	value float64
}

func finite(prefix string, values []namedValue) error {
	for _, v := range values {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return &domain.ValidationError{Field: prefix + "." + v.name, Message: "must be a finite number"}
		}
	}
	return nil
}

// Sweep holds the requested parameters. Zero values take defaults derived
// from the material.
type Sweep struct {
	// Start and End bound the swept value: nozzle temperature for towers,
	// pressure advance for PA towers. Ignored for flow cubes.
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
	// Step is the temperature increment (default 5).
	Step float64 `json:"step,omitempty"`
	// Steps is the number of pressure-advance sections (default 10).
	Steps          int     `json:"steps,omitempty"`
	SectionHeight  float64 `json:"section_height,omitempty"`
	LayerHeight    float64 `json:"layer_height,omitempty"`
	NozzleTemp     float64 `json:"nozzle_temp,omitempty"`
	BedTemp        float64 `json:"bed_temp,omitempty"`
	PrintSpeed     float64 `json:"print_speed,omitempty"`
	FlowMultiplier float64 `json:"flow_multiplier,omitempty"`
	CubeSize       float64 `json:"cube_size,omitempty"`
}

// Validate rejects non-finite values. Ranges are checked against the device
// limits during generation.
func (s Sweep) Validate() error {
	return finite("sweep", []namedValue{
		{"start", s.Start}, {"end", s.End}, {"step", s.Step},
		{"section_height", s.SectionHeight}, {"layer_height", s.LayerHeight},
		{"nozzle_temp", s.NozzleTemp}, {"bed_temp", s.BedTemp}, {"print_speed", s.PrintSpeed},
		{"flow_multiplier", s.FlowMultiplier}, {"cube_size", s.CubeSize},
	})
}

// Request is the full input of Generate.
type Request struct {
	Type     Type   `json:"type"`
	Material string `json:"material"`
	Limits   Limits `json:"limits"`
	Sweep    Sweep  `json:"sweep"`
}

// Section is one band of a tower or the single body of a cube.
type Section struct {
	Index   int     `json:"index"`
	Value   float64 `json:"value"`
	ZStart  float64 `json:"z_start"`
	ZEnd    float64 `json:"z_end"`
	Command string  `json:"command"`
}

// MetadataEntry is an ordered key/value describing the generated print.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GeneratedInstructions is the deterministic output of Generate.
type GeneratedInstructions struct {
	Type     Type            `json:"type"`
	Material string          `json:"material"`
	Filename string          `json:"filename"`
	Content  []byte          `json:"-"`
	Sections []Section       `json:"sections"`
	Metadata []MetadataEntry `json:"metadata"`
	Digest   string          `json:"digest"`
}

// Meta returns the metadata value for key.
func (g GeneratedInstructions) Meta(key string) (string, bool) {
	for _, m := range g.Metadata {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}
