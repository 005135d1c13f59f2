// Package media defines the frame and timing types shared by the encoder,
// decoder and codec libraries.
//
// Images are either packed (one plane, Step bytes per row) or planar YUV
// (yuv420p, nv12) stored back to back in Data with tightly packed rows.
package media

import (
	"fmt"
	"time"
)

// Header identifies where and when a frame was captured.
type Header struct {
	FrameID string
	Stamp   time.Time
}

// Image is a raw video frame as produced or consumed by the application.
type Image struct {
	Header Header
	Width  int
	Height int
	// Step is the row stride of a packed image in bytes. Zero means tightly
	// packed. Planar formats ignore it.
	Step   int
	Format PixelFormat
	Data   []byte
}

// NewImage allocates a zeroed, tightly packed image.
func NewImage(width, height int, format PixelFormat) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	size := format.FrameSize(width, height)
	if size == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPixelFormat, format)
	}
	return &Image{
		Width:  width,
		Height: height,
		Step:   format.RowBytes(width),
		Format: format,
		Data:   make([]byte, size),
	}, nil
}

// RowStride returns the effective row stride of a packed image.
func (img *Image) RowStride() int {
	if img.Step > 0 {
		return img.Step
	}
	return img.Format.RowBytes(img.Width)
}

// Validate checks that the image is properly formatted and that Data is
// large enough for its dimensions and pixel format.
func (img *Image) Validate() error {
	if img == nil {
		return ErrNilImage
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, img.Width, img.Height)
	}
	if !img.Format.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownPixelFormat, img.Format)
	}

	if img.Format.IsPlanarYUV() {
		if img.Width%2 != 0 || img.Height%2 != 0 {
			return fmt.Errorf("%w: %dx%d must be even for %s",
				ErrInvalidDimensions, img.Width, img.Height, img.Format)
		}
		expected := img.Format.FrameSize(img.Width, img.Height)
		if len(img.Data) < expected {
			return fmt.Errorf("%w: got %d, expected %d", ErrShortBuffer, len(img.Data), expected)
		}
		return nil
	}

	if img.Format.IsBayer() && (img.Width%2 != 0 || img.Height%2 != 0) {
		return fmt.Errorf("%w: %dx%d must be even for %s",
			ErrInvalidDimensions, img.Width, img.Height, img.Format)
	}

	rowBytes := img.Format.RowBytes(img.Width)
	stride := img.RowStride()
	if stride < rowBytes {
		return fmt.Errorf("%w: step %d smaller than row size %d", ErrShortBuffer, stride, rowBytes)
	}
	expected := stride*(img.Height-1) + rowBytes
	if len(img.Data) < expected {
		return fmt.Errorf("%w: got %d, expected %d", ErrShortBuffer, len(img.Data), expected)
	}
	return nil
}

// Planes splits a planar YUV image into its planes without copying.
// Packed images return Data as the single plane.
func (img *Image) Planes() (planes [][]byte, strides []int) {
	w, h := img.Width, img.Height
	switch img.Format {
	case PixelFormatYUV420P:
		ySize := w * h
		cSize := (w / 2) * (h / 2)
		return [][]byte{
				img.Data[:ySize],
				img.Data[ySize : ySize+cSize],
				img.Data[ySize+cSize : ySize+2*cSize],
			},
			[]int{w, w / 2, w / 2}
	case PixelFormatNV12:
		ySize := w * h
		return [][]byte{img.Data[:ySize], img.Data[ySize : ySize+ySize/2]}, []int{w, w}
	default:
		return [][]byte{img.Data}, []int{img.RowStride()}
	}
}

// Rational is a fraction used for time bases and frame rates.
type Rational struct {
	Num int `yaml:"num"`
	Den int `yaml:"den"`
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float64 returns the value of the fraction, or 0 for an invalid one.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert swaps numerator and denominator.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}
