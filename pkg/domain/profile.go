package domain

import (
	"strings"
	"time"
)

// DefaultProfileName is used when a caller does not name a profile.
const DefaultProfileName = "standard"

// MutationRuleID identifies why a profile version was derived.
type MutationRuleID string

// Derivation reasons that do not come from the rule table.
const (
	ReasonManualEdit     MutationRuleID = "manual_edit"
	ReasonManualRollback MutationRuleID = "manual_rollback"
)

// ProfileKey identifies a profile: one parameter history per device, material
// and profile name.
type ProfileKey struct {
	DeviceID    string `json:"device_id"`
	Material    string `json:"material"`
	ProfileName string `json:"profile_name"`
}

// NewProfileKey returns a normalized key.
func NewProfileKey(deviceID, material, profileName string) ProfileKey {
	return ProfileKey{DeviceID: deviceID, Material: material, ProfileName: profileName}.Normalize()
}

// Normalize trims fields, upper-cases the material and applies the default
// profile name.
func (k ProfileKey) Normalize() ProfileKey {
	k.DeviceID = strings.TrimSpace(k.DeviceID)
	k.Material = strings.ToUpper(strings.TrimSpace(k.Material))
	k.ProfileName = strings.TrimSpace(k.ProfileName)
	if k.ProfileName == "" {
		k.ProfileName = DefaultProfileName
	}
	return k
}

// ID returns the stable profile identifier.
func (k ProfileKey) ID() string {
	n := k.Normalize()
	return n.DeviceID + "/" + n.Material + "/" + n.ProfileName
}

func (k ProfileKey) String() string { return k.ID() }

// Validate reports missing key components.
func (k ProfileKey) Validate() error {
	n := k.Normalize()
	if n.DeviceID == "" {
		return &ValidationError{Field: "device_id", Message: "required"}
	}
	if n.Material == "" {
		return &ValidationError{Field: "material", Message: "required"}
	}
	if strings.Contains(n.DeviceID, "/") || strings.Contains(n.Material, "/") || strings.Contains(n.ProfileName, "/") {
		return &ValidationError{Field: "profile", Message: "key components must not contain '/'"}
	}
	return nil
}

// ProfileVersion is an immutable parameter snapshot. Version 0 is the seed
// built from material defaults and is never persisted.
type ProfileVersion struct {
	ProfileID          string         `json:"profile_id"`
	Key                ProfileKey     `json:"key"`
	Version            int            `json:"version"`
	Parameters         ParameterSet   `json:"parameters"`
	CreatedAt          time.Time      `json:"created_at"`
	DerivedFromVersion *int           `json:"derived_from_version,omitempty"`
	Reason             MutationRuleID `json:"derivation_reason,omitempty"`
	FeedbackID         string         `json:"feedback_id,omitempty"`
	Digest             string         `json:"digest,omitempty"`
}

// Clone returns a deep copy.
func (v ProfileVersion) Clone() ProfileVersion {
	out := v
	out.Parameters = v.Parameters.Clone()
	if v.DerivedFromVersion != nil {
		d := *v.DerivedFromVersion
		out.DerivedFromVersion = &d
	}
	return out
}

// IsSeed reports whether v is the unpersisted material default.
func (v ProfileVersion) IsSeed() bool { return v.Version == 0 }

// SeedVersion returns version 0 for key.
func SeedVersion(key ProfileKey) ProfileVersion {
	key = key.Normalize()
	return ProfileVersion{
		ProfileID:  key.ID(),
		Key:        key,
		Version:    0,
		Parameters: DefaultParameters(key.Material),
	}
}

// ProfileSummary describes a stored profile without its history.
type ProfileSummary struct {
	Key            ProfileKey `json:"key"`
	ProfileID      string     `json:"profile_id"`
	CurrentVersion int        `json:"current_version"`
	Versions       int        `json:"versions"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var baseDefaults = map[ParameterName]float64{
	ParamLayerHeight:           0.2,
	ParamFirstLayerHeight:      0.2,
	ParamWallThickness:         0.8,
	ParamTopBottomThickness:    0.8,
	ParamInfillDensity:         20,
	ParamNozzleTemperature:     200,
	ParamBedTemperature:        60,
	ParamPrintSpeed:            50,
	ParamTravelSpeed:           150,
	ParamFirstLayerSpeedFactor: 0.4,
	ParamFlowMultiplier:        1.0,
	ParamRetractionDistance:    5.0,
	ParamRetractionSpeed:       45,
	ParamPressureAdvance:       0,
}

var materialDefaults = map[string]map[ParameterName]float64{
	"PLA": {
		ParamNozzleTemperature: 200,
		ParamBedTemperature:    60,
	},
	"PETG": {
		ParamNozzleTemperature:  230,
		ParamBedTemperature:     80,
		ParamRetractionDistance: 4.0,
	},
	"ABS": {
		ParamNozzleTemperature: 240,
		ParamBedTemperature:    100,
		ParamPrintSpeed:        40,
	},
}

// DefaultParameters returns the built-in seed for material. Unknown materials
// get the generic defaults.
func DefaultParameters(material string) ParameterSet {
	values := make(map[ParameterName]float64, len(baseDefaults))
	for k, v := range baseDefaults {
		values[k] = v
	}
	for k, v := range materialDefaults[strings.ToUpper(strings.TrimSpace(material))] {
		values[k] = v
	}
	return NewParameterSet(values)
}

// KnownMaterials lists the materials with dedicated defaults.
func KnownMaterials() []string {
	return []string{"ABS", "PETG", "PLA"}
}
