//go:build ffmpeg

package ffmpeg

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// decoder wraps an open libavcodec decoder. Hardware surfaces are
// downloaded, and formats the sessions do not know are scaled to yuv420p.
// Odd-sized 4:2:0 frames are scaled to bgr24, which has no chroma
// subsampling.
type decoder struct {
	name     string
	ctx      *astiav.CodecContext
	hwFormat astiav.PixelFormat
	pkt      *astiav.Packet
	frame    *astiav.Frame
	sw       *astiav.Frame

	scaler   *astiav.SoftwareScaleContext
	scaled   *astiav.Frame
	scaleKey [4]int
	closed   bool
}

func newDecoder(c *astiav.Codec, dev *device) (_ *decoder, err error) {
	d := &decoder{name: c.Name(), hwFormat: astiav.PixelFormatNone}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.ctx = astiav.AllocCodecContext(c); d.ctx == nil {
		return nil, errors.New("allocate codec context")
	}
	if dev != nil {
		d.hwFormat = hardwareFormat(c, dev.avType)
		if d.hwFormat == astiav.PixelFormatNone {
			return nil, fmt.Errorf("%w: %s cannot use a %s device", codec.ErrHardwareUnavailable, d.name, dev.deviceType)
		}
		d.ctx.SetHardwareDeviceContext(dev.ctx)
		hw := d.hwFormat
		d.ctx.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
			for _, pf := range pfs {
				if pf == hw {
					return pf
				}
			}
			return astiav.PixelFormatNone
		})
	}
	if err := d.ctx.Open(c, nil); err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}

	d.pkt = astiav.AllocPacket()
	d.frame = astiav.AllocFrame()
	d.sw = astiav.AllocFrame()
	return d, nil
}

func (d *decoder) Name() string { return d.name }

func (d *decoder) SendPacket(p *codec.Packet) error {
	if d.closed {
		return codec.ErrClosed
	}
	if p == nil {
		return mapError("send packet", d.ctx.SendPacket(nil))
	}
	d.pkt.Unref()
	if err := d.pkt.FromData(p.Data); err != nil {
		return fmt.Errorf("wrap packet: %w", err)
	}
	d.pkt.SetPts(p.PTS)
	if p.IsKey() {
		d.pkt.SetFlags(d.pkt.Flags().Add(astiav.PacketFlagKey))
	}
	return mapError("send packet", d.ctx.SendPacket(d.pkt))
}

func (d *decoder) ReceiveFrame() (*codec.Frame, error) {
	if d.closed {
		return nil, codec.ErrClosed
	}
	d.frame.Unref()
	if err := d.ctx.ReceiveFrame(d.frame); err != nil {
		return nil, mapError("receive frame", err)
	}

	src := d.frame
	if d.hwFormat != astiav.PixelFormatNone && src.PixelFormat() == d.hwFormat {
		d.sw.Unref()
		if err := src.TransferHardwareData(d.sw); err != nil {
			return nil, fmt.Errorf("download frame: %w", err)
		}
		src = d.sw
	}

	format, ok := fromAV[src.PixelFormat()]
	odd := src.Width()%2 != 0 || src.Height()%2 != 0
	if !ok || (format.IsPlanarYUV() && odd) {
		format = media.PixelFormatYUV420P
		if odd {
			format = media.PixelFormatBGR24
		}
		var err error
		if src, err = d.scale(src, toAV[format]); err != nil {
			return nil, err
		}
	}

	data, err := src.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	img := media.Image{Width: src.Width(), Height: src.Height(), Format: format, Data: data}
	planes, strides := img.Planes()
	return &codec.Frame{
		Width:    img.Width,
		Height:   img.Height,
		Format:   format,
		Planes:   planes,
		Strides:  strides,
		PTS:      d.frame.Pts(),
		KeyFrame: d.frame.KeyFrame(),
	}, nil
}

func (d *decoder) scale(src *astiav.Frame, target astiav.PixelFormat) (*astiav.Frame, error) {
	key := [4]int{src.Width(), src.Height(), int(src.PixelFormat()), int(target)}
	if d.scaler == nil || key != d.scaleKey {
		d.freeScaler()
		ssc, err := astiav.CreateSoftwareScaleContext(
			src.Width(), src.Height(), src.PixelFormat(),
			src.Width(), src.Height(), target,
			astiav.NewSoftwareScaleContextFlags(),
		)
		if err != nil {
			return nil, fmt.Errorf("create scaler for %s: %w", src.PixelFormat(), err)
		}
		dst := astiav.AllocFrame()
		dst.SetWidth(src.Width())
		dst.SetHeight(src.Height())
		dst.SetPixelFormat(target)
		if err := dst.AllocBuffer(1); err != nil {
			dst.Free()
			ssc.Free()
			return nil, fmt.Errorf("allocate scaled frame: %w", err)
		}
		d.scaler, d.scaled, d.scaleKey = ssc, dst, key
	}
	if err := d.scaler.ScaleFrame(src, d.scaled); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}
	return d.scaled, nil
}

func (d *decoder) freeScaler() {
	if d.scaled != nil {
		d.scaled.Free()
		d.scaled = nil
	}
	if d.scaler != nil {
		d.scaler.Free()
		d.scaler = nil
	}
}

func (d *decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.freeScaler()
	for _, f := range []*astiav.Frame{d.frame, d.sw} {
		if f != nil {
			f.Free()
		}
	}
	if d.pkt != nil {
		d.pkt.Free()
	}
	if d.ctx != nil {
		d.ctx.Free()
	}
	return nil
}
