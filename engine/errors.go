package engine

import "errors"

var (
	// ErrInvalidConfig is returned for an unusable Config.
	ErrInvalidConfig = errors.New("invalid engine config")
	// ErrUnknownField is returned for a field name not in the Config.
	ErrUnknownField = errors.New("unknown field")
	// ErrMissingField is returned by Add when a document lacks a field.
	ErrMissingField = errors.New("missing field")
	// ErrKindMismatch is returned by Typed for the wrong element type.
	ErrKindMismatch = errors.New("field element kind mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)
