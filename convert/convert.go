// Package convert moves pictures between application images and codec
// frames, converting pixel formats on the way.
//
// A Converter owns the scratch buffers used for the conversion and reuses
// them across calls, so steady-state encoding allocates nothing. When source
// and target formats already match, frames wrap the image memory without
// copying.
package convert

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// Converter is not safe for concurrent use.
type Converter struct {
	scratch []byte
	cb, cr  []byte
	rgb     []byte
	rgba    *image.RGBA
}

// New creates a converter with empty scratch buffers.
func New() *Converter {
	return &Converter{}
}

// Release drops the scratch buffers.
func (c *Converter) Release() {
	c.scratch = nil
	c.cb = nil
	c.cr = nil
	c.rgb = nil
	c.rgba = nil
}

// view is a set of planes with their row strides.
type view struct {
	format  media.PixelFormat
	width   int
	height  int
	planes  [][]byte
	strides []int
}

func imageView(img *media.Image) view {
	planes, strides := img.Planes()
	return view{format: img.Format, width: img.Width, height: img.Height, planes: planes, strides: strides}
}

func frameView(f *codec.Frame) view {
	return view{format: f.Format, width: f.Width, height: f.Height, planes: f.Planes, strides: f.Strides}
}

func (v view) stride(i int) int {
	if i < len(v.strides) && v.strides[i] > 0 {
		return v.strides[i]
	}
	if i == 0 {
		return v.format.RowBytes(v.width)
	}
	if v.format == media.PixelFormatNV12 {
		return v.width
	}
	return v.width / 2
}

// check verifies that the planes cover the frame geometry, so a frame
// produced from a corrupt or odd-sized stream fails instead of indexing
// past its buffers.
func (v view) check() error {
	if v.width <= 0 || v.height <= 0 {
		return fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, v.width, v.height)
	}
	if !v.format.Known() {
		return fmt.Errorf("%w: %q", media.ErrUnknownPixelFormat, v.format)
	}
	planes := 1
	if v.format.IsPlanarYUV() {
		if v.width%2 != 0 || v.height%2 != 0 {
			return fmt.Errorf("%w: %dx%d must be even for %s", media.ErrInvalidDimensions, v.width, v.height, v.format)
		}
		planes = 3
		if v.format == media.PixelFormatNV12 {
			planes = 2
		}
	}
	if len(v.planes) < planes {
		return fmt.Errorf("%w: %s needs %d planes, got %d", media.ErrShortBuffer, v.format, planes, len(v.planes))
	}
	for i := 0; i < planes; i++ {
		rowBytes, rows := planeGeometry(v.format, v.width, v.height, i)
		stride := v.stride(i)
		if stride < rowBytes || len(v.planes[i]) < stride*(rows-1)+rowBytes {
			return fmt.Errorf("%w: plane %d of %s %dx%d", media.ErrShortBuffer, i, v.format, v.width, v.height)
		}
	}
	return nil
}

// NeedsConversion reports whether an image must be converted before it can
// be handed to a codec that takes target.
func NeedsConversion(src, target media.PixelFormat) bool {
	return src != target
}

// ToFrame prepares img for a codec taking target. Bayer images are
// demosaiced first. The returned frame is valid until the next call to
// ToFrame; codecs copy what they buffer.
func (c *Converter) ToFrame(img *media.Image, target media.PixelFormat) (*codec.Frame, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := checkTarget(target); err != nil {
		return nil, err
	}
	if img.Format.IsBayer() {
		var err error
		if img, err = c.Debayer(img); err != nil {
			return nil, err
		}
	}
	if target.IsPlanarYUV() && (img.Width%2 != 0 || img.Height%2 != 0) {
		return nil, fmt.Errorf("%w: %dx%d must be even for %s", media.ErrInvalidDimensions, img.Width, img.Height, target)
	}

	src := imageView(img)
	if !NeedsConversion(img.Format, target) {
		return &codec.Frame{
			Width:   img.Width,
			Height:  img.Height,
			Format:  img.Format,
			Planes:  src.planes,
			Strides: src.strides,
		}, nil
	}

	size := target.FrameSize(img.Width, img.Height)
	if cap(c.scratch) < size {
		c.scratch = make([]byte, size)
	}
	dstImg := &media.Image{Width: img.Width, Height: img.Height, Format: target, Data: c.scratch[:size]}
	dst := imageView(dstImg)
	if err := c.convert(src, dst); err != nil {
		return nil, err
	}
	return &codec.Frame{
		Width:   img.Width,
		Height:  img.Height,
		Format:  target,
		Planes:  dst.planes,
		Strides: dst.strides,
	}, nil
}

// ToImage turns a decoded frame into a newly allocated image in target
// format. A packed frame already in the target format is wrapped without
// copying.
func (c *Converter) ToImage(f *codec.Frame, target media.PixelFormat, hdr media.Header) (*media.Image, error) {
	if f == nil || len(f.Planes) == 0 {
		return nil, media.ErrNilImage
	}
	if err := checkTarget(target); err != nil {
		return nil, err
	}
	src := frameView(f)
	if err := src.check(); err != nil {
		return nil, err
	}
	if f.Format == target && !target.IsPlanarYUV() {
		return &media.Image{
			Header: hdr,
			Width:  f.Width,
			Height: f.Height,
			Step:   src.stride(0),
			Format: target,
			Data:   f.Planes[0],
		}, nil
	}

	img, err := media.NewImage(f.Width, f.Height, target)
	if err != nil {
		return nil, err
	}
	img.Header = hdr
	if err := c.convert(src, imageView(img)); err != nil {
		return nil, err
	}
	return img, nil
}

func (c *Converter) convert(src, dst view) error {
	switch {
	case src.format.IsBayer() || dst.format.IsBayer():
		return fmt.Errorf("%w: %s to %s", media.ErrUnknownPixelFormat, src.format, dst.format)
	case src.format == dst.format:
		copyView(src, dst)
	case src.format.IsPlanarYUV() && dst.format.IsPlanarYUV():
		yuvToYUV(src, dst)
	case src.format.IsPlanarYUV():
		c.yuvToPacked(src, dst)
	case dst.format.IsPlanarYUV():
		packedToYUV(src, dst)
	case src.format.BytesPerPixel() > 0 && dst.format.BytesPerPixel() > 0:
		packedToPacked(src, dst)
	default:
		return fmt.Errorf("%w: %s to %s", media.ErrUnknownPixelFormat, src.format, dst.format)
	}
	return nil
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride int, rowBytes, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}

func copyView(src, dst view) {
	for i := range dst.planes {
		rowBytes, rows := planeGeometry(dst.format, dst.width, dst.height, i)
		copyRows(dst.planes[i], dst.stride(i), src.planes[i], src.stride(i), rowBytes, rows)
	}
}

func planeGeometry(f media.PixelFormat, w, h, plane int) (rowBytes, rows int) {
	if plane == 0 {
		return f.RowBytes(w), h
	}
	if f == media.PixelFormatNV12 {
		return w, h / 2
	}
	return w / 2, h / 2
}

func yuvToYUV(src, dst view) {
	w, h := src.width, src.height
	copyRows(dst.planes[0], dst.stride(0), src.planes[0], src.stride(0), w, h)
	cw, ch := w/2, h/2
	if src.format == media.PixelFormatYUV420P {
		// I420 -> NV12: interleave U and V.
		us, vs, ds := src.stride(1), src.stride(2), dst.stride(1)
		for y := 0; y < ch; y++ {
			row := dst.planes[1][y*ds:]
			for x := 0; x < cw; x++ {
				row[2*x] = src.planes[1][y*us+x]
				row[2*x+1] = src.planes[2][y*vs+x]
			}
		}
		return
	}
	ss, us, vs := src.stride(1), dst.stride(1), dst.stride(2)
	for y := 0; y < ch; y++ {
		row := src.planes[1][y*ss:]
		for x := 0; x < cw; x++ {
			dst.planes[1][y*us+x] = row[2*x]
			dst.planes[2][y*vs+x] = row[2*x+1]
		}
	}
}

// yuvToPacked renders through image.YCbCr and x/image/draw, then repacks
// the RGBA scratch into the destination layout.
func (c *Converter) yuvToPacked(src, dst view) {
	w, h := src.width, src.height
	if dst.format == media.PixelFormatGray {
		copyRows(dst.planes[0], dst.stride(0), src.planes[0], src.stride(0), w, h)
		return
	}

	ycc := &image.YCbCr{
		Y:              src.planes[0],
		YStride:        src.stride(0),
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
	if src.format == media.PixelFormatYUV420P {
		ycc.Cb, ycc.Cr = src.planes[1], src.planes[2]
		ycc.CStride = src.stride(1)
	} else {
		cw, ch := w/2, h/2
		if cap(c.cb) < cw*ch {
			c.cb = make([]byte, cw*ch)
			c.cr = make([]byte, cw*ch)
		}
		cb, cr := c.cb[:cw*ch], c.cr[:cw*ch]
		ss := src.stride(1)
		for y := 0; y < ch; y++ {
			row := src.planes[1][y*ss:]
			for x := 0; x < cw; x++ {
				cb[y*cw+x] = row[2*x]
				cr[y*cw+x] = row[2*x+1]
			}
		}
		ycc.Cb, ycc.Cr, ycc.CStride = cb, cr, cw
	}

	if c.rgba == nil || c.rgba.Rect.Dx() != w || c.rgba.Rect.Dy() != h {
		c.rgba = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.Copy(c.rgba, image.Point{}, ycc, ycc.Rect, draw.Src, nil)

	bpp := dst.format.BytesPerPixel()
	ds := dst.stride(0)
	for y := 0; y < h; y++ {
		in := c.rgba.Pix[y*c.rgba.Stride:]
		out := dst.planes[0][y*ds:]
		for x := 0; x < w; x++ {
			writeRGB(dst.format, out[x*bpp:], in[4*x], in[4*x+1], in[4*x+2], in[4*x+3])
		}
	}
}

func packedToYUV(src, dst view) {
	w, h := src.width, src.height
	bpp := src.format.BytesPerPixel()
	ss, ys := src.stride(0), dst.stride(0)
	for by := 0; by < h; by += 2 {
		for bx := 0; bx < w; bx += 2 {
			var sumCb, sumCr int
			for dy := 0; dy < 2; dy++ {
				row := src.planes[0][(by+dy)*ss:]
				for dx := 0; dx < 2; dx++ {
					x := bx + dx
					r, g, b := readRGB(src.format, row[x*bpp:])
					yy, cb, cr := color.RGBToYCbCr(r, g, b)
					dst.planes[0][(by+dy)*ys+x] = yy
					sumCb += int(cb)
					sumCr += int(cr)
				}
			}
			cb, cr := byte((sumCb+2)/4), byte((sumCr+2)/4)
			cx, cy := bx/2, by/2
			if dst.format == media.PixelFormatNV12 {
				off := cy*dst.stride(1) + 2*cx
				dst.planes[1][off] = cb
				dst.planes[1][off+1] = cr
			} else {
				dst.planes[1][cy*dst.stride(1)+cx] = cb
				dst.planes[2][cy*dst.stride(2)+cx] = cr
			}
		}
	}
}

func packedToPacked(src, dst view) {
	sb, db := src.format.BytesPerPixel(), dst.format.BytesPerPixel()
	ss, ds := src.stride(0), dst.stride(0)
	for y := 0; y < src.height; y++ {
		in := src.planes[0][y*ss:]
		out := dst.planes[0][y*ds:]
		for x := 0; x < src.width; x++ {
			px := in[x*sb:]
			r, g, b := readRGB(src.format, px)
			a := byte(0xff)
			if src.format == media.PixelFormatBGRA || src.format == media.PixelFormatRGBA {
				a = px[3]
			}
			writeRGB(dst.format, out[x*db:], r, g, b, a)
		}
	}
}

func readRGB(f media.PixelFormat, px []byte) (r, g, b uint8) {
	switch f {
	case media.PixelFormatGray:
		return px[0], px[0], px[0]
	case media.PixelFormatBGR24, media.PixelFormatBGRA:
		return px[2], px[1], px[0]
	default:
		return px[0], px[1], px[2]
	}
}

func writeRGB(f media.PixelFormat, px []byte, r, g, b, a uint8) {
	switch f {
	case media.PixelFormatGray:
		px[0], _, _ = color.RGBToYCbCr(r, g, b)
	case media.PixelFormatBGR24:
		px[0], px[1], px[2] = b, g, r
	case media.PixelFormatRGB24:
		px[0], px[1], px[2] = r, g, b
	case media.PixelFormatBGRA:
		px[0], px[1], px[2], px[3] = b, g, r, a
	case media.PixelFormatRGBA:
		px[0], px[1], px[2], px[3] = r, g, b, a
	}
}
