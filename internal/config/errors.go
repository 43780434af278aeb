package config

import "errors"

var (
	// ErrInvalidConfig wraps every validation failure reported by Validate.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig wraps file and environment provider failures.
	ErrLoadConfig = errors.New("load config failed")
)
