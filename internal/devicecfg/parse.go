// Package devicecfg reads device capabilities from Klipper style printer.cfg
// files and keeps the registry of known devices.
package devicecfg

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"slicetune/internal/calibration"
)

// Capabilities are the limits and features extracted from a device config.
// Fields not present in the file keep their defaults.
type Capabilities struct {
	MaxVelocity               float64  `json:"max_velocity"`
	MaxAccel                  float64  `json:"max_accel"`
	MaxZVelocity              float64  `json:"max_z_velocity"`
	XMin                      float64  `json:"x_min"`
	XMax                      float64  `json:"x_max"`
	YMin                      float64  `json:"y_min"`
	YMax                      float64  `json:"y_max"`
	ZMin                      float64  `json:"z_min"`
	ZMax                      float64  `json:"z_max"`
	NozzleDiameter            float64  `json:"nozzle_diameter"`
	FilamentDiameter          float64  `json:"filament_diameter"`
	MinNozzleTemp             float64  `json:"min_nozzle_temp"`
	MaxNozzleTemp             float64  `json:"max_nozzle_temp"`
	MaxBedTemp                float64  `json:"max_bed_temp"`
	PressureAdvance           *float64 `json:"pressure_advance,omitempty"`
	PressureAdvanceSmoothTime *float64 `json:"pressure_advance_smooth_time,omitempty"`
	HasProbe                  bool     `json:"has_probe"`
	HasInputShaper            bool     `json:"has_input_shaper"`
}

// DefaultCapabilities describes a generic 220x220x250 printer.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxVelocity:      300,
		MaxAccel:         3000,
		MaxZVelocity:     15,
		XMax:             220,
		YMax:             220,
		ZMax:             250,
		NozzleDiameter:   0.4,
		FilamentDiameter: 1.75,
		MaxNozzleTemp:    300,
		MaxBedTemp:       120,
	}
}

// Limits converts the capabilities into calibration limits.
func (c Capabilities) Limits() calibration.Limits {
	l := calibration.DefaultLimits()
	l.XMin, l.XMax = c.XMin, c.XMax
	l.YMin, l.YMax = c.YMin, c.YMax
	l.ZMax = c.ZMax
	l.MinNozzleTemp, l.MaxNozzleTemp = c.MinNozzleTemp, c.MaxNozzleTemp
	l.MaxBedTemp = c.MaxBedTemp
	l.MaxVelocity = c.MaxVelocity
	l.NozzleDiameter = c.NozzleDiameter
	l.FilamentDiameter = c.FilamentDiameter
	return l
}

// Sections is a parsed config: section name to key/value pairs. Section and
// key names are lower-cased.
type Sections map[string]map[string]string

// Get returns the raw value of key in section.
func (s Sections) Get(section, key string) (string, bool) {
	kv, ok := s[strings.ToLower(section)]
	if !ok {
		return "", false
	}
	v, ok := kv[strings.ToLower(key)]
	return v, ok
}

// Has reports whether the section is present.
func (s Sections) Has(section string) bool {
	_, ok := s[strings.ToLower(section)]
	return ok
}

// ParseSections reads the INI dialect used by Klipper: "[section]" headers,
// "key: value" or "key = value" pairs, "#" and ";" comments, and indented
// continuation lines appended to the previous value.
func ParseSections(r io.Reader) (Sections, error) {
	out := Sections{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var section, lastKey string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if strings.HasPrefix(raw, "#*#") {
			// SAVE_CONFIG block; the values it overrides are commented out
			// and not interesting for capability limits.
			continue
		}
		line := stripComment(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if section != "" && lastKey != "" {
				kv := out[section]
				kv[lastKey] = strings.TrimSpace(kv[lastKey] + "\n" + strings.TrimSpace(line))
			}
			continue
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated section header", lineNo)
			}
			section = strings.ToLower(strings.TrimSpace(line[1:end]))
			lastKey = ""
			if _, ok := out[section]; !ok {
				out[section] = map[string]string{}
			}
			continue
		}
		if section == "" {
			return nil, fmt.Errorf("line %d: option outside of a section", lineNo)
		}
		idx := strings.IndexAny(line, ":=")
		if idx <= 0 {
			return nil, fmt.Errorf("line %d: expected key: value", lineNo)
		}
		lastKey = strings.ToLower(strings.TrimSpace(line[:idx]))
		out[section][lastKey] = strings.TrimSpace(line[idx+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func stripComment(line string) string {
	if i := strings.IndexAny(line, "#;"); i >= 0 {
		return line[:i]
	}
	return line
}

// Parse extracts capabilities from a printer.cfg. Unknown sections and keys
// are ignored; malformed numbers are errors.
func Parse(r io.Reader) (Capabilities, error) {
	sections, err := ParseSections(r)
	if err != nil {
		return Capabilities{}, fmt.Errorf("parse printer config: %w", err)
	}
	return FromSections(sections)
}

// FromSections applies parsed sections over DefaultCapabilities.
func FromSections(s Sections) (Capabilities, error) {
	caps := DefaultCapabilities()
	fields := []struct {
		section, key string
		dst          *float64
	}{
		{"printer", "max_velocity", &caps.MaxVelocity},
		{"printer", "max_accel", &caps.MaxAccel},
		{"printer", "max_z_velocity", &caps.MaxZVelocity},
		{"stepper_x", "position_min", &caps.XMin},
		{"stepper_x", "position_max", &caps.XMax},
		{"stepper_y", "position_min", &caps.YMin},
		{"stepper_y", "position_max", &caps.YMax},
		{"stepper_z", "position_min", &caps.ZMin},
		{"stepper_z", "position_max", &caps.ZMax},
		{"extruder", "nozzle_diameter", &caps.NozzleDiameter},
		{"extruder", "filament_diameter", &caps.FilamentDiameter},
		{"extruder", "min_temp", &caps.MinNozzleTemp},
		{"extruder", "max_temp", &caps.MaxNozzleTemp},
		{"heater_bed", "max_temp", &caps.MaxBedTemp},
	}
	for _, f := range fields {
		v, ok, err := floatValue(s, f.section, f.key)
		if err != nil {
			return Capabilities{}, err
		}
		if ok {
			*f.dst = v
		}
	}
	for key, dst := range map[string]**float64{
		"pressure_advance":             &caps.PressureAdvance,
		"pressure_advance_smooth_time": &caps.PressureAdvanceSmoothTime,
	} {
		v, ok, err := floatValue(s, "extruder", key)
		if err != nil {
			return Capabilities{}, err
		}
		if ok {
			val := v
			*dst = &val
		}
	}
	caps.HasProbe = s.Has("bltouch") || s.Has("probe")
	caps.HasInputShaper = s.Has("input_shaper")
	return caps, nil
}

func floatValue(s Sections, section, key string) (float64, bool, error) {
	raw, ok := s.Get(section, key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false, fmt.Errorf("[%s] %s: %w", section, key, err)
	}
	return v, true, nil
}
