package domain

import (
	"strings"
	"time"
)

// FilamentOverride is a calibrated parameter overlay for one spool identity on
// one device. It is only ever replaced wholesale.
type FilamentOverride struct {
	DeviceID           string     `json:"device_id"`
	FilamentID         string     `json:"filament_id"`
	Material           string     `json:"material"`
	Brand              string     `json:"brand,omitempty"`
	Color              string     `json:"color,omitempty"`
	PressureAdvance    *float64   `json:"pressure_advance,omitempty"`
	OptimalNozzleTemp  *float64   `json:"optimal_nozzle_temp,omitempty"`
	OptimalBedTemp     *float64   `json:"optimal_bed_temp,omitempty"`
	FlowMultiplier     *float64   `json:"flow_multiplier,omitempty"`
	RetractionDistance *float64   `json:"retraction_distance,omitempty"`
	RetractionSpeed    *float64   `json:"retraction_speed,omitempty"`
	Calibrated         bool       `json:"calibrated"`
	CalibrationDate    *time.Time `json:"calibration_date,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// OverrideKey returns the registry key for the override.
func (o FilamentOverride) OverrideKey() string {
	return strings.TrimSpace(o.DeviceID) + "/" + strings.TrimSpace(o.FilamentID)
}

// OverrideField pairs a catalog parameter with an optional override value.
type OverrideField struct {
	Parameter ParameterName
	Value     *float64
}

// Fields maps the override's optional values onto catalog parameters.
func (o FilamentOverride) Fields() []OverrideField {
	return []OverrideField{
		{Parameter: ParamNozzleTemperature, Value: o.OptimalNozzleTemp},
		{Parameter: ParamBedTemperature, Value: o.OptimalBedTemp},
		{Parameter: ParamFlowMultiplier, Value: o.FlowMultiplier},
		{Parameter: ParamRetractionDistance, Value: o.RetractionDistance},
		{Parameter: ParamRetractionSpeed, Value: o.RetractionSpeed},
		{Parameter: ParamPressureAdvance, Value: o.PressureAdvance},
	}
}

// Clone returns a deep copy.
func (o FilamentOverride) Clone() FilamentOverride {
	out := o
	out.PressureAdvance = cloneFloat(o.PressureAdvance)
	out.OptimalNozzleTemp = cloneFloat(o.OptimalNozzleTemp)
	out.OptimalBedTemp = cloneFloat(o.OptimalBedTemp)
	out.FlowMultiplier = cloneFloat(o.FlowMultiplier)
	out.RetractionDistance = cloneFloat(o.RetractionDistance)
	out.RetractionSpeed = cloneFloat(o.RetractionSpeed)
	if o.CalibrationDate != nil {
		d := *o.CalibrationDate
		out.CalibrationDate = &d
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Validate requires identity fields and in-range values for every set field.
func (o FilamentOverride) Validate() error {
	if strings.TrimSpace(o.DeviceID) == "" {
		return &ValidationError{Field: "device_id", Message: "required"}
	}
	if strings.TrimSpace(o.FilamentID) == "" {
		return &ValidationError{Field: "filament_id", Message: "required"}
	}
	if strings.Contains(o.DeviceID, "/") || strings.Contains(o.FilamentID, "/") {
		return &ValidationError{Field: "filament_id", Message: "must not contain '/'"}
	}
	for _, f := range o.Fields() {
		if f.Value == nil {
			continue
		}
		spec, _ := LookupParameter(f.Parameter)
		if !spec.Contains(*f.Value) {
			return &ValidationError{Field: string(f.Parameter), Message: "outside allowed range"}
		}
	}
	return nil
}

// ApplyTo overlays the set fields onto ps when the override is calibrated and
// returns the result plus the parameters it replaced.
func (o FilamentOverride) ApplyTo(ps ParameterSet) (ParameterSet, []ParameterName) {
	if !o.Calibrated {
		return ps.Clone(), nil
	}
	out := ps.Clone()
	var applied []ParameterName
	for _, f := range o.Fields() {
		if f.Value == nil {
			continue
		}
		out = out.With(f.Parameter, *f.Value)
		applied = append(applied, f.Parameter)
	}
	return out, applied
}
