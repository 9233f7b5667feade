package geotile

import "errors"

var (
	// ErrInvalidInput is returned when a payload does not decode to a
	// GeoJSON object. The text is matched by clients, keep it stable.
	ErrInvalidInput = errors.New("Input data is not a valid GeoJSON object")

	// ErrInvalidConfig is returned for load parameters that can't be
	// honored, like an unknown aggregate operation.
	ErrInvalidConfig = errors.New("invalid source configuration")
)
