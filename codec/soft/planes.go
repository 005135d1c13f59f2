package soft

import (
	"fmt"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// planeShape is the tightly packed geometry of one plane.
type planeShape struct {
	rowBytes int
	rows     int
}

func planeShapes(format media.PixelFormat, width, height int) []planeShape {
	switch format {
	case media.PixelFormatYUV420P:
		return []planeShape{
			{width, height},
			{width / 2, height / 2},
			{width / 2, height / 2},
		}
	case media.PixelFormatNV12:
		return []planeShape{
			{width, height},
			{width, height / 2},
		}
	default:
		return []planeShape{{width * format.BytesPerPixel(), height}}
	}
}

// formatIDs assigns the on-wire format byte.
var formatIDs = map[media.PixelFormat]byte{
	media.PixelFormatYUV420P: 1,
	media.PixelFormatNV12:    2,
	media.PixelFormatGray:    3,
	media.PixelFormatBGR24:   4,
	media.PixelFormatRGB24:   5,
	media.PixelFormatBGRA:    6,
	media.PixelFormatRGBA:    7,
}

func formatFromID(id byte) (media.PixelFormat, bool) {
	for f, v := range formatIDs {
		if v == id {
			return f, true
		}
	}
	return media.PixelFormatNone, false
}

// checkFrame verifies a submitted frame against the context parameters.
func checkFrame(f *codec.Frame, width, height int, format media.PixelFormat) error {
	if f.Width != width || f.Height != height || f.Format != format {
		return fmt.Errorf("%w: expected %dx%d %s, got %dx%d %s",
			codec.ErrFrameMismatch, width, height, format, f.Width, f.Height, f.Format)
	}
	shapes := planeShapes(format, width, height)
	if len(f.Planes) < len(shapes) {
		return fmt.Errorf("%w: %d planes, expected %d", codec.ErrFrameMismatch, len(f.Planes), len(shapes))
	}
	for i, s := range shapes {
		stride := s.rowBytes
		if i < len(f.Strides) && f.Strides[i] > 0 {
			stride = f.Strides[i]
		}
		if stride < s.rowBytes || len(f.Planes[i]) < stride*(s.rows-1)+s.rowBytes {
			return fmt.Errorf("%w: plane %d too small", codec.ErrFrameMismatch, i)
		}
	}
	return nil
}

// copyPlanes copies the frame into tightly packed planes owned by the codec.
func copyPlanes(f *codec.Frame) [][]byte {
	shapes := planeShapes(f.Format, f.Width, f.Height)
	out := make([][]byte, len(shapes))
	for i, s := range shapes {
		stride := s.rowBytes
		if i < len(f.Strides) && f.Strides[i] > 0 {
			stride = f.Strides[i]
		}
		dst := make([]byte, s.rowBytes*s.rows)
		if stride == s.rowBytes {
			copy(dst, f.Planes[i][:len(dst)])
		} else {
			for y := 0; y < s.rows; y++ {
				copy(dst[y*s.rowBytes:(y+1)*s.rowBytes], f.Planes[i][y*stride:])
			}
		}
		out[i] = dst
	}
	return out
}

// splitPlanes slices a tightly packed buffer into planes.
func splitPlanes(buf []byte, format media.PixelFormat, width, height int) ([][]byte, []int, error) {
	shapes := planeShapes(format, width, height)
	planes := make([][]byte, len(shapes))
	strides := make([]int, len(shapes))
	offset := 0
	for i, s := range shapes {
		n := s.rowBytes * s.rows
		if offset+n > len(buf) {
			return nil, nil, fmt.Errorf("%w: payload %d bytes, need %d", codec.ErrInvalidData, len(buf), offset+n)
		}
		planes[i] = buf[offset : offset+n]
		strides[i] = s.rowBytes
		offset += n
	}
	return planes, strides, nil
}

func planesSize(planes [][]byte) int {
	n := 0
	for _, p := range planes {
		n += len(p)
	}
	return n
}
