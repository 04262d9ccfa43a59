package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrConflict              = errors.New("profile version conflict")
	ErrUnknownProfileVersion = errors.New("unknown profile version")
	ErrOutOfEnvelope         = errors.New("calibration sweep outside device envelope")
	ErrInvalid               = errors.New("invalid input")
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// UnknownProfileVersionError rejects feedback bound to a version that never existed.
type UnknownProfileVersionError struct {
	Key     ProfileKey
	Version int
	Current int
}

func (e *UnknownProfileVersionError) Error() string {
	return fmt.Sprintf("profile %s has no version %d (current %d)", e.Key.ID(), e.Version, e.Current)
}

func (e *UnknownProfileVersionError) Unwrap() error { return ErrUnknownProfileVersion }

// ConflictError reports a lost optimistic-concurrency race on a profile.
type ConflictError struct {
	Key      ProfileKey
	Expected int
	Actual   int
	Attempts int
}

func (e *ConflictError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("profile %s: expected current v%d, found v%d after %d attempts", e.Key.ID(), e.Expected, e.Actual, e.Attempts)
	}
	return fmt.Sprintf("profile %s: expected current v%d, found v%d", e.Key.ID(), e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// OutOfEnvelopeError rejects a calibration sweep that lies entirely outside
// the device limits.
type OutOfEnvelopeError struct {
	Calibration  string
	Field        string
	RequestedMin float64
	RequestedMax float64
	AllowedMin   float64
	AllowedMax   float64
}

func (e *OutOfEnvelopeError) Error() string {
	return fmt.Sprintf("%s calibration: %s range [%g, %g] outside device envelope [%g, %g]",
		e.Calibration, e.Field, e.RequestedMin, e.RequestedMax, e.AllowedMin, e.AllowedMax)
}

func (e *OutOfEnvelopeError) Unwrap() error { return ErrOutOfEnvelope }

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }
