package voxgi

import "errors"

var (
	// ErrFatal wraps every error that disabled the subsystem.
	ErrFatal = errors.New("voxgi: subsystem disabled")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("voxgi: invalid config")

	// ErrMissingDevice is returned by New when a device or the library is nil.
	ErrMissingDevice = errors.New("voxgi: missing device or library")
)
