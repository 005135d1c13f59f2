package convert

import (
	"fmt"

	"github.com/opd-ai/framecodec/media"
)

// Colour indices inside a demosaiced pixel.
const (
	red   = 0
	green = 1
	blue  = 2
)

// bayerTiles gives the colour at (x&1, y&1) as tile[(y&1)*2+(x&1)].
var bayerTiles = map[media.PixelFormat][4]byte{
	media.PixelFormatBayerRGGB8: {red, green, green, blue},
	media.PixelFormatBayerBGGR8: {blue, green, green, red},
	media.PixelFormatBayerGBRG8: {green, blue, red, green},
	media.PixelFormatBayerGRBG8: {green, red, blue, green},
}

// Debayer interpolates a Bayer mosaic into a bgr24 image with bilinear
// interpolation. The result lives in the converter's scratch and is valid
// until the next call. Images that are not Bayer are returned unchanged.
func (c *Converter) Debayer(img *media.Image) (*media.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	tile, ok := bayerTiles[img.Format]
	if !ok {
		return img, nil
	}

	w, h := img.Width, img.Height
	size := media.PixelFormatBGR24.FrameSize(w, h)
	if cap(c.rgb) < size {
		c.rgb = make([]byte, size)
	}
	out := &media.Image{
		Header: img.Header,
		Width:  w,
		Height: h,
		Step:   3 * w,
		Format: media.PixelFormatBGR24,
		Data:   c.rgb[:size],
	}
	demosaic(img.Data, img.RowStride(), w, h, tile, out.Data, out.Step)
	return out, nil
}

// demosaic averages, for every missing colour, the neighbours of that
// colour inside the surrounding 3x3 window. On a Bayer grid this is the
// bilinear kernel: four orthogonal greens, four diagonal or two adjacent
// red/blue samples. Edges use the neighbours that exist.
func demosaic(src []byte, srcStride, w, h int, tile [4]byte, dst []byte, dstStride int) {
	for y := 0; y < h; y++ {
		out := dst[y*dstStride:]
		for x := 0; x < w; x++ {
			var sum, n [3]int
			for yy := y - 1; yy <= y+1; yy++ {
				if yy < 0 || yy >= h {
					continue
				}
				row := src[yy*srcStride:]
				for xx := x - 1; xx <= x+1; xx++ {
					if xx < 0 || xx >= w {
						continue
					}
					ch := tile[(yy&1)*2+(xx&1)]
					sum[ch] += int(row[xx])
					n[ch]++
				}
			}
			own := tile[(y&1)*2+(x&1)]
			sum[own], n[own] = int(src[y*srcStride+x]), 1

			var rgb [3]byte
			for ch := range rgb {
				if n[ch] > 0 {
					rgb[ch] = byte((sum[ch] + n[ch]/2) / n[ch])
				}
			}
			px := out[3*x:]
			px[0], px[1], px[2] = rgb[blue], rgb[green], rgb[red]
		}
	}
}

func checkTarget(target media.PixelFormat) error {
	if !target.Known() {
		return fmt.Errorf("%w: target %q", media.ErrUnknownPixelFormat, target)
	}
	if target.IsBayer() {
		return fmt.Errorf("%w: %s", media.ErrInputOnlyFormat, target)
	}
	return nil
}
