//go:build ffmpeg

package ffmpeg

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

const hardwarePoolSize = 20

// encoder wraps an open libavcodec encoder. Hardware encoders upload every
// frame into a surface from their frames context before sending it.
type encoder struct {
	params codec.EncoderParams
	ctx    *astiav.CodecContext
	frames *astiav.HardwareFramesContext
	sw     *astiav.Frame
	hw     *astiav.Frame
	pkt    *astiav.Packet
	buf    []byte
	closed bool
}

func newEncoder(c *astiav.Codec, p codec.EncoderParams, dev *device) (_ *encoder, err error) {
	e := &encoder{params: p}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if e.ctx = astiav.AllocCodecContext(c); e.ctx == nil {
		return nil, errors.New("allocate codec context")
	}
	swFormat := toAV[p.PixelFormat]
	e.ctx.SetWidth(p.Width)
	e.ctx.SetHeight(p.Height)
	e.ctx.SetPixelFormat(swFormat)
	if p.TimeBase.Valid() {
		e.ctx.SetTimeBase(astiav.NewRational(p.TimeBase.Num, p.TimeBase.Den))
	}
	if p.FrameRate.Valid() {
		e.ctx.SetFramerate(astiav.NewRational(p.FrameRate.Num, p.FrameRate.Den))
	}
	if p.BitRate > 0 {
		e.ctx.SetBitRate(p.BitRate)
	}
	if p.GOPSize > 0 {
		e.ctx.SetGopSize(p.GOPSize)
	}

	if dev != nil {
		hwFormat := hardwareFormat(c, dev.avType)
		if hwFormat == astiav.PixelFormatNone {
			return nil, fmt.Errorf("%w: %s cannot use a %s device", codec.ErrHardwareUnavailable, p.Name, dev.deviceType)
		}
		if e.frames = astiav.AllocHardwareFramesContext(dev.ctx); e.frames == nil {
			return nil, errors.New("allocate hardware frames context")
		}
		e.frames.SetHardwarePixelFormat(hwFormat)
		e.frames.SetSoftwarePixelFormat(swFormat)
		e.frames.SetWidth(p.Width)
		e.frames.SetHeight(p.Height)
		e.frames.SetInitialPoolSize(hardwarePoolSize)
		if err := e.frames.Initialize(); err != nil {
			return nil, fmt.Errorf("%w: initialize frames context: %v", codec.ErrHardwareUnavailable, err)
		}
		e.ctx.SetHardwareFramesContext(e.frames)
		e.ctx.SetPixelFormat(hwFormat)
		e.hw = astiav.AllocFrame()
	}

	dict, err := newDictionary(p)
	if err != nil {
		return nil, err
	}
	defer dict.Free()
	if err := e.ctx.Open(c, dict); err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Name, err)
	}

	e.sw = astiav.AllocFrame()
	e.sw.SetWidth(p.Width)
	e.sw.SetHeight(p.Height)
	e.sw.SetPixelFormat(swFormat)
	if err := e.sw.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("allocate frame buffer: %w", err)
	}
	e.pkt = astiav.AllocPacket()
	return e, nil
}

func (e *encoder) Name() string                   { return e.params.Name }
func (e *encoder) PixelFormat() media.PixelFormat { return e.params.PixelFormat }

func (e *encoder) SendFrame(f *codec.Frame) error {
	if e.closed {
		return codec.ErrClosed
	}
	if f == nil {
		return mapError("send frame", e.ctx.SendFrame(nil))
	}
	if f.Width != e.params.Width || f.Height != e.params.Height || f.Format != e.params.PixelFormat {
		return fmt.Errorf("%w: expected %dx%d %s, got %dx%d %s", codec.ErrFrameMismatch,
			e.params.Width, e.params.Height, e.params.PixelFormat, f.Width, f.Height, f.Format)
	}

	e.buf = pack(f, e.buf)
	if err := e.sw.MakeWritable(); err != nil {
		return fmt.Errorf("make frame writable: %w", err)
	}
	if err := e.sw.Data().SetBytes(e.buf, 1); err != nil {
		return fmt.Errorf("fill frame: %w", err)
	}

	frame := e.sw
	if e.frames != nil {
		e.hw.Unref()
		if err := e.hw.AllocHardwareBuffer(e.frames); err != nil {
			return fmt.Errorf("allocate hardware surface: %w", err)
		}
		if err := e.sw.TransferHardwareData(e.hw); err != nil {
			return fmt.Errorf("upload frame: %w", err)
		}
		frame = e.hw
	}
	frame.SetPts(f.PTS)
	if f.KeyFrame {
		frame.SetPictureType(astiav.PictureTypeI)
	} else {
		frame.SetPictureType(astiav.PictureTypeNone)
	}
	return mapError("send frame", e.ctx.SendFrame(frame))
}

func (e *encoder) ReceivePacket() (*codec.Packet, error) {
	if e.closed {
		return nil, codec.ErrClosed
	}
	e.pkt.Unref()
	if err := e.ctx.ReceivePacket(e.pkt); err != nil {
		return nil, mapError("receive packet", err)
	}
	out := &codec.Packet{Data: e.pkt.Data(), PTS: e.pkt.Pts()}
	if e.pkt.Flags().Has(astiav.PacketFlagKey) {
		out.Flags |= codec.PacketFlagKey
	}
	return out, nil
}

func (e *encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.pkt != nil {
		e.pkt.Free()
	}
	if e.hw != nil {
		e.hw.Free()
	}
	if e.sw != nil {
		e.sw.Free()
	}
	if e.ctx != nil {
		e.ctx.Free()
	}
	if e.frames != nil {
		e.frames.Free()
	}
	e.buf = nil
	return nil
}

// pack copies the frame planes back to back without row padding.
func pack(f *codec.Frame, buf []byte) []byte {
	img := media.Image{Width: f.Width, Height: f.Height, Format: f.Format}
	size := f.Format.FrameSize(f.Width, f.Height)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	img.Data = buf[:size]
	dst, dstStrides := img.Planes()
	for i, plane := range dst {
		stride := dstStrides[i]
		if i < len(f.Strides) && f.Strides[i] > 0 {
			stride = f.Strides[i]
		}
		rowBytes := dstStrides[i]
		for y := 0; y*rowBytes < len(plane); y++ {
			copy(plane[y*rowBytes:(y+1)*rowBytes], f.Planes[i][y*stride:])
		}
	}
	return img.Data
}
