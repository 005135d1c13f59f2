package encoder

import "errors"

var (
	// ErrNoCallback indicates Initialize was called without a packet callback.
	ErrNoCallback = errors.New("encoder: packet callback is nil")

	// ErrNotInitialized indicates a frame was submitted before Initialize
	// stored a callback.
	ErrNotInitialized = errors.New("encoder: not initialized")
)
