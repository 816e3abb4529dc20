package core

import "errors"

// Sentinel errors for node configuration. Registry factories wrap these
// so a bad graph file fails its load with a pointer to the offending key.
var (
	// ErrMissingConfig indicates a required configuration key is absent.
	ErrMissingConfig = errors.New("missing required config key")

	// ErrInvalidConfig indicates a configuration key holds a value of the
	// wrong type or outside its legal range.
	ErrInvalidConfig = errors.New("invalid config value")
)
