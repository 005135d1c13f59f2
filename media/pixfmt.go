package media

import (
	"fmt"
	"strings"
)

// PixelFormat names a pixel layout using FFmpeg naming.
type PixelFormat string

const (
	PixelFormatNone    PixelFormat = ""
	PixelFormatYUV420P PixelFormat = "yuv420p"
	PixelFormatNV12    PixelFormat = "nv12"
	PixelFormatGray    PixelFormat = "gray"
	PixelFormatBGR24   PixelFormat = "bgr24"
	PixelFormatRGB24   PixelFormat = "rgb24"
	PixelFormatBGRA    PixelFormat = "bgra"
	PixelFormatRGBA    PixelFormat = "rgba"

	// Raw sensor mosaics, named by the colours of the top-left 2x2 tile.
	// They are accepted as encoder input only.
	PixelFormatBayerRGGB8 PixelFormat = "bayer_rggb8"
	PixelFormatBayerBGGR8 PixelFormat = "bayer_bggr8"
	PixelFormatBayerGBRG8 PixelFormat = "bayer_gbrg8"
	PixelFormatBayerGRBG8 PixelFormat = "bayer_grbg8"
)

// aliases maps image encoding names used by camera drivers onto pixel formats.
var aliases = map[string]PixelFormat{
	"yuv420p": PixelFormatYUV420P,
	"i420":    PixelFormatYUV420P,
	"nv12":    PixelFormatNV12,
	"gray":    PixelFormatGray,
	"gray8":   PixelFormatGray,
	"mono8":   PixelFormatGray,
	"bgr24":   PixelFormatBGR24,
	"bgr8":    PixelFormatBGR24,
	"rgb24":   PixelFormatRGB24,
	"rgb8":    PixelFormatRGB24,
	"bgra":    PixelFormatBGRA,
	"bgra8":   PixelFormatBGRA,
	"rgba":    PixelFormatRGBA,
	"rgba8":   PixelFormatRGBA,

	"bayer_rggb8": PixelFormatBayerRGGB8,
	"bayer_bggr8": PixelFormatBayerBGGR8,
	"bayer_gbrg8": PixelFormatBayerGBRG8,
	"bayer_grbg8": PixelFormatBayerGRBG8,
}

// ParsePixelFormat resolves a pixel format or encoding alias. An empty
// string yields PixelFormatNone, meaning "let the codec decide".
func ParsePixelFormat(s string) (PixelFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PixelFormatNone, nil
	}
	if f, ok := aliases[s]; ok {
		return f, nil
	}
	return PixelFormatNone, fmt.Errorf("%w: %q", ErrUnknownPixelFormat, s)
}

// Known reports whether the format is one of the supported layouts.
func (f PixelFormat) Known() bool {
	return f.BytesPerPixel() > 0 || f.IsPlanarYUV() || f.IsBayer()
}

// IsBayer reports whether the format is a single-plane colour mosaic.
func (f PixelFormat) IsBayer() bool {
	switch f {
	case PixelFormatBayerRGGB8, PixelFormatBayerBGGR8, PixelFormatBayerGBRG8, PixelFormatBayerGRBG8:
		return true
	}
	return false
}

// IsPlanarYUV reports whether the format stores 4:2:0 subsampled planes.
func (f PixelFormat) IsPlanarYUV() bool {
	return f == PixelFormatYUV420P || f == PixelFormatNV12
}

// BytesPerPixel returns the pixel size of packed formats, 0 otherwise.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatGray:
		return 1
	case PixelFormatBGR24, PixelFormatRGB24:
		return 3
	case PixelFormatBGRA, PixelFormatRGBA:
		return 4
	}
	return 0
}

// RowBytes returns the tightly packed row size for packed formats and the
// luma row size for planar ones.
func (f PixelFormat) RowBytes(width int) int {
	if f.IsPlanarYUV() || f.IsBayer() {
		return width
	}
	return width * f.BytesPerPixel()
}

// FrameSize returns the tightly packed buffer size for a frame.
func (f PixelFormat) FrameSize(width, height int) int {
	if f.IsPlanarYUV() {
		return width*height + 2*(width/2)*(height/2)
	}
	if f.IsBayer() {
		return width * height
	}
	return width * height * f.BytesPerPixel()
}

func (f PixelFormat) String() string {
	if f == PixelFormatNone {
		return "none"
	}
	return string(f)
}
