package store

import "errors"

var (
	// ErrUnknownMemberType is returned when a relation member row carries a
	// type code other than node, way or relation. The table is corrupt.
	ErrUnknownMemberType = errors.New("unknown relation member type")

	// ErrMissingParent is returned when a child row refers to an entity the
	// same query did not return.
	ErrMissingParent = errors.New("child row references missing parent")

	// ErrConcurrentCopyUnsupported is returned by writers that hold shared
	// mutable state and cannot be copied.
	ErrConcurrentCopyUnsupported = errors.New("concurrent copies are not supported")

	// ErrNoDSN is returned when a copy is requested from a borrowed connection
	// that was wrapped without a DSN.
	ErrNoDSN = errors.New("connection has no DSN to open a copy from")

	// ErrClosed is returned by writers after Close.
	ErrClosed = errors.New("store is closed")

	// ErrUnsupportedDriver is returned for database drivers without a dialect.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)
