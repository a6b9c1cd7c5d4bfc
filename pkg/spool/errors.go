package spool

import "errors"

var (
	// ErrRotation wraps failures to flush, close or rename during rotation.
	// The active file must be treated as suspect afterwards.
	ErrRotation = errors.New("rotation failed")

	// ErrWrite wraps failures to open, write or sync an active file.
	ErrWrite = errors.New("write failed")

	// ErrNameCollision is returned when no free rotation target remains.
	// Existing spooled files are never overwritten.
	ErrNameCollision = errors.New("rotation target already exists")

	// ErrClosed is returned by a sink or cache after Close.
	ErrClosed = errors.New("spool closed")
)
