package replica

import "errors"

var (
	// ErrSchemaMismatch means a wire tag's type did not match the declared
	// field type. The whole buffer is discarded; callers should request a
	// full resync.
	ErrSchemaMismatch = errors.New("wire type does not match schema")

	// ErrMalformed means the buffer was truncated or structurally invalid.
	ErrMalformed = errors.New("malformed buffer")

	// ErrRegistryFull means more component types were registered than the
	// registry's capacity. Fatal at startup.
	ErrRegistryFull = errors.New("modified registry capacity exceeded")

	// ErrDuplicateType means the same type id was registered twice. Fatal at
	// startup.
	ErrDuplicateType = errors.New("component type already registered")
)
