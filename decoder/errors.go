package decoder

import "errors"

var (
	// ErrNoDecoder indicates no decoder could be resolved for an encoding.
	ErrNoDecoder = errors.New("decoder: no decoder for encoding")

	// ErrNoCallback indicates Initialize was called without a frame callback.
	ErrNoCallback = errors.New("decoder: frame callback is nil")

	// ErrNotInitialized indicates a packet arrived before Initialize stored
	// a callback.
	ErrNotInitialized = errors.New("decoder: not initialized")
)
