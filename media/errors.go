package media

import "errors"

// Sentinel errors for frame validation.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNilImage indicates a nil image was passed where a frame is required.
	ErrNilImage = errors.New("image cannot be nil")

	// ErrInvalidDimensions indicates zero, negative or misaligned dimensions.
	ErrInvalidDimensions = errors.New("invalid frame dimensions")

	// ErrShortBuffer indicates the pixel buffer is smaller than the frame requires.
	ErrShortBuffer = errors.New("pixel buffer too small")

	// ErrUnknownPixelFormat indicates a pixel format the pipeline cannot handle.
	ErrUnknownPixelFormat = errors.New("unknown pixel format")

	// ErrInputOnlyFormat indicates a format that can be converted from but
	// not produced, such as a Bayer mosaic.
	ErrInputOnlyFormat = errors.New("pixel format is input only")
)
