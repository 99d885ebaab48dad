package domain

import "errors"

// Domain errors returned by store implementations.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrStepNotFound indicates the requested job step does not exist.
	ErrStepNotFound = errors.New("job step not found")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")
)
