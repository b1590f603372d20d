package registry

import "errors"

var (
	// ErrRunNotFound is returned when no run matches the id, or the run has no stored data.
	ErrRunNotFound = errors.New("registry: run not found")

	// ErrRunNotWritable is returned when finalizing a run that is not in the writing state.
	ErrRunNotWritable = errors.New("registry: run is not in writing state")
)
