package soft

import (
	"fmt"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// drainState tracks end-of-stream and close for the send/receive contexts.
type drainState struct {
	draining bool
	closed   bool
}

// rawEncoder packs every frame into one keyframe packet.
type rawEncoder struct {
	drainState
	params codec.EncoderParams
	out    []*codec.Packet
}

func newRawEncoder(p codec.EncoderParams) *rawEncoder {
	return &rawEncoder{params: p}
}

func (e *rawEncoder) Name() string                   { return e.params.Name }
func (e *rawEncoder) PixelFormat() media.PixelFormat { return e.params.PixelFormat }

func (e *rawEncoder) SendFrame(f *codec.Frame) error {
	if e.closed {
		return codec.ErrClosed
	}
	if f == nil {
		e.draining = true
		return nil
	}
	if e.draining {
		// A new frame after end of stream restarts the context.
		e.draining = false
	}
	if err := checkFrame(f, e.params.Width, e.params.Height, e.params.PixelFormat); err != nil {
		return err
	}

	planes := copyPlanes(f)
	hdr := packetHeader{
		magic:     magicRaw,
		frameType: frameTypeIntra,
		format:    f.Format,
		width:     f.Width,
		height:    f.Height,
	}
	data := hdr.marshal(make([]byte, 0, headerSize+planesSize(planes)))
	for _, p := range planes {
		data = append(data, p...)
	}
	e.out = append(e.out, &codec.Packet{Data: data, PTS: f.PTS, Flags: codec.PacketFlagKey})
	return nil
}

func (e *rawEncoder) ReceivePacket() (*codec.Packet, error) {
	if e.closed {
		return nil, codec.ErrClosed
	}
	if len(e.out) == 0 {
		if e.draining {
			e.draining = false
			return nil, codec.ErrEOF
		}
		return nil, codec.ErrAgain
	}
	pkt := e.out[0]
	e.out[0] = nil
	e.out = e.out[1:]
	return pkt, nil
}

func (e *rawEncoder) Close() error {
	e.closed = true
	e.out = nil
	return nil
}

// rawDecoder unpacks rawvideo packets.
type rawDecoder struct {
	drainState
	ready []*codec.Frame
}

func newRawDecoder() *rawDecoder {
	return &rawDecoder{}
}

func (d *rawDecoder) Name() string { return "rawvideo" }

func (d *rawDecoder) SendPacket(p *codec.Packet) error {
	if d.closed {
		return codec.ErrClosed
	}
	if p == nil {
		d.draining = true
		return nil
	}
	d.draining = false

	hdr, err := parseHeader(p.Data, magicRaw)
	if err != nil {
		return err
	}
	body := p.Data[headerSize:]
	if want := hdr.format.FrameSize(hdr.width, hdr.height); len(body) != want {
		return fmt.Errorf("%w: rawvideo payload %d bytes, expected %d", codec.ErrInvalidData, len(body), want)
	}
	buf := append([]byte(nil), body...)
	planes, strides, err := splitPlanes(buf, hdr.format, hdr.width, hdr.height)
	if err != nil {
		return err
	}
	d.ready = append(d.ready, &codec.Frame{
		Width:    hdr.width,
		Height:   hdr.height,
		Format:   hdr.format,
		Planes:   planes,
		Strides:  strides,
		PTS:      p.PTS,
		KeyFrame: true,
	})
	return nil
}

func (d *rawDecoder) ReceiveFrame() (*codec.Frame, error) {
	if d.closed {
		return nil, codec.ErrClosed
	}
	if len(d.ready) == 0 {
		if d.draining {
			d.draining = false
			return nil, codec.ErrEOF
		}
		return nil, codec.ErrAgain
	}
	f := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	return f, nil
}

func (d *rawDecoder) Close() error {
	d.closed = true
	d.ready = nil
	return nil
}
