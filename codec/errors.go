package codec

import "errors"

// Send/receive state errors. These are not failures; they drive the
// drain loops.
var (
	// ErrAgain indicates the context has no output ready, or cannot take
	// input until output is drained.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrEOF indicates a flushed context has been fully drained.
	ErrEOF = errors.New("end of stream")
)

// Configuration errors.
var (
	// ErrEncoderNotFound indicates the library has no encoder of that name.
	ErrEncoderNotFound = errors.New("encoder not found")

	// ErrDecoderNotFound indicates the library has no decoder of that name.
	ErrDecoderNotFound = errors.New("decoder not found")

	// ErrPixelFormatUnsupported indicates the codec cannot take the pixel format.
	ErrPixelFormatUnsupported = errors.New("pixel format not supported by codec")

	// ErrInvalidOption indicates an unknown profile, preset, tune or delay value.
	ErrInvalidOption = errors.New("invalid codec option")

	// ErrUnknownLibrary indicates no library is registered under that name.
	ErrUnknownLibrary = errors.New("unknown codec library")
)

// Runtime errors.
var (
	// ErrHardwareUnavailable indicates a hardware device could not be acquired.
	ErrHardwareUnavailable = errors.New("hardware device unavailable")

	// ErrClosed indicates use of a closed context.
	ErrClosed = errors.New("codec context closed")

	// ErrInvalidData indicates a corrupt or truncated bitstream.
	ErrInvalidData = errors.New("invalid data found when processing input")

	// ErrFrameMismatch indicates a frame whose size or format differs from
	// what the context was opened with.
	ErrFrameMismatch = errors.New("frame does not match codec parameters")
)
