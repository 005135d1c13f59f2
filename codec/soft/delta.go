package soft

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sort"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

type pendingFrame struct {
	planes [][]byte
	pts    int64
	key    bool
}

// deltaEncoder buffers frames for B-frame reordering and holds packets back
// for the lookahead delay.
type deltaEncoder struct {
	drainState
	params   codec.EncoderParams
	settings deltaSettings

	// frameNum counts frames since the last restart; it drives the GOP.
	frameNum int64
	pending  []*pendingFrame
	out      []*codec.Packet
	keyRef   [][]byte

	buf bytes.Buffer
	zw  *flate.Writer
}

func newDeltaEncoder(p codec.EncoderParams) (*deltaEncoder, error) {
	s, err := resolveSettings(p)
	if err != nil {
		return nil, err
	}
	zw, err := flate.NewWriter(io.Discard, s.level)
	if err != nil {
		return nil, fmt.Errorf("%w: compression level %d: %v", codec.ErrInvalidOption, s.level, err)
	}
	return &deltaEncoder{params: p, settings: s, zw: zw}, nil
}

func (e *deltaEncoder) Name() string                   { return e.params.Name }
func (e *deltaEncoder) PixelFormat() media.PixelFormat { return e.params.PixelFormat }

func (e *deltaEncoder) SendFrame(f *codec.Frame) error {
	if e.closed {
		return codec.ErrClosed
	}
	if f == nil {
		e.draining = true
		return e.schedule()
	}
	if e.draining {
		// Frames after end of stream start a new GOP.
		e.draining = false
		e.frameNum = 0
		e.keyRef = nil
	}
	if err := checkFrame(f, e.params.Width, e.params.Height, e.params.PixelFormat); err != nil {
		return err
	}

	planes := copyPlanes(f)
	quantize(planes, e.settings.quantShift)
	e.pending = append(e.pending, &pendingFrame{
		planes: planes,
		pts:    f.PTS,
		key:    e.frameNum%int64(e.settings.gop) == 0 || f.KeyFrame,
	})
	e.frameNum++
	return e.schedule()
}

// schedule encodes every pending frame whose mini-group is complete. A
// group of non-key frames closes when it reaches bframes+1 frames, when the
// next frame is a keyframe, or at end of stream; its last frame is coded
// first as P, the others follow as B.
func (e *deltaEncoder) schedule() error {
	for len(e.pending) > 0 {
		head := e.pending[0]
		if head.key {
			if err := e.encode(head, frameTypeIntra); err != nil {
				return err
			}
			e.pending = e.pending[1:]
			continue
		}

		n := 0
		for n < len(e.pending) && !e.pending[n].key && n < e.settings.bframes+1 {
			n++
		}
		complete := n == e.settings.bframes+1 || n < len(e.pending) || e.draining
		if !complete {
			break
		}

		group := e.pending[:n]
		if err := e.encode(group[n-1], frameTypeP); err != nil {
			return err
		}
		for _, pf := range group[:n-1] {
			if err := e.encode(pf, frameTypeB); err != nil {
				return err
			}
		}
		e.pending = e.pending[n:]
	}
	return nil
}

func (e *deltaEncoder) encode(pf *pendingFrame, frameType byte) error {
	payload := pf.planes
	if frameType == frameTypeIntra {
		e.keyRef = pf.planes
	} else {
		if e.keyRef == nil {
			return fmt.Errorf("%w: inter frame without keyframe reference", codec.ErrInvalidData)
		}
		payload = xorPlanes(pf.planes, e.keyRef)
	}

	hdr := packetHeader{
		magic:        magicDelta,
		frameType:    frameType,
		format:       e.params.PixelFormat,
		reorderDepth: e.settings.bframes,
		quantShift:   e.settings.quantShift,
		width:        e.params.Width,
		height:       e.params.Height,
	}

	e.buf.Reset()
	e.zw.Reset(&e.buf)
	for _, p := range payload {
		if _, err := e.zw.Write(p); err != nil {
			return fmt.Errorf("compress plane: %w", err)
		}
	}
	if err := e.zw.Close(); err != nil {
		return fmt.Errorf("compress frame: %w", err)
	}

	data := hdr.marshal(make([]byte, 0, headerSize+e.buf.Len()))
	data = append(data, e.buf.Bytes()...)

	pkt := &codec.Packet{Data: data, PTS: pf.pts}
	if frameType == frameTypeIntra {
		pkt.Flags |= codec.PacketFlagKey
	}
	e.out = append(e.out, pkt)
	return nil
}

func (e *deltaEncoder) ReceivePacket() (*codec.Packet, error) {
	if e.closed {
		return nil, codec.ErrClosed
	}
	if len(e.out) == 0 {
		if e.draining && len(e.pending) == 0 {
			e.draining = false
			e.frameNum = 0
			e.keyRef = nil
			return nil, codec.ErrEOF
		}
		return nil, codec.ErrAgain
	}
	if !e.draining && len(e.out) <= e.settings.delay {
		return nil, codec.ErrAgain
	}
	pkt := e.out[0]
	e.out[0] = nil
	e.out = e.out[1:]
	return pkt, nil
}

func (e *deltaEncoder) Close() error {
	e.closed = true
	e.pending = nil
	e.out = nil
	e.keyRef = nil
	return nil
}

// deltaDecoder inflates packets and restores presentation order with a
// reorder buffer as deep as the stream's B-frame count.
type deltaDecoder struct {
	drainState
	name    string
	formats []media.PixelFormat

	keyRef   [][]byte
	keyShape packetHeader
	depth    int
	reorder  []*codec.Frame
	ready    []*codec.Frame
	zr       io.ReadCloser
}

func newDeltaDecoder(name string, formats []media.PixelFormat) *deltaDecoder {
	return &deltaDecoder{name: name, formats: formats}
}

func (d *deltaDecoder) Name() string { return d.name }

func (d *deltaDecoder) SendPacket(p *codec.Packet) error {
	if d.closed {
		return codec.ErrClosed
	}
	if p == nil {
		d.draining = true
		d.releaseAll()
		return nil
	}
	if d.draining {
		d.draining = false
	}

	hdr, err := parseHeader(p.Data, magicDelta)
	if err != nil {
		return err
	}
	if !(codec.CodecInfo{PixelFormats: d.formats}).Supports(hdr.format) {
		return fmt.Errorf("%w: %s cannot output %s", codec.ErrInvalidData, d.name, hdr.format)
	}

	size := hdr.format.FrameSize(hdr.width, hdr.height)
	raw, err := d.inflate(p.Data[headerSize:], size)
	if err != nil {
		return err
	}
	planes, strides, err := splitPlanes(raw, hdr.format, hdr.width, hdr.height)
	if err != nil {
		return err
	}

	if hdr.frameType == frameTypeIntra {
		d.keyRef = planes
		d.keyShape = hdr
	} else {
		if d.keyRef == nil {
			return fmt.Errorf("%w: inter frame without preceding keyframe", codec.ErrInvalidData)
		}
		if d.keyShape.width != hdr.width || d.keyShape.height != hdr.height || d.keyShape.format != hdr.format {
			return fmt.Errorf("%w: inter frame does not match keyframe geometry", codec.ErrInvalidData)
		}
		planes = xorPlanes(planes, d.keyRef)
	}

	d.depth = hdr.reorderDepth
	d.reorder = append(d.reorder, &codec.Frame{
		Width:    hdr.width,
		Height:   hdr.height,
		Format:   hdr.format,
		Planes:   planes,
		Strides:  strides,
		PTS:      p.PTS,
		KeyFrame: hdr.frameType == frameTypeIntra,
	})
	sort.SliceStable(d.reorder, func(i, j int) bool { return d.reorder[i].PTS < d.reorder[j].PTS })
	for len(d.reorder) > d.depth {
		d.ready = append(d.ready, d.reorder[0])
		d.reorder = d.reorder[1:]
	}
	return nil
}

func (d *deltaDecoder) inflate(data []byte, size int) ([]byte, error) {
	src := bytes.NewReader(data)
	if d.zr == nil {
		d.zr = flate.NewReader(src)
	} else if err := d.zr.(flate.Resetter).Reset(src, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrInvalidData, err)
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(d.zr, out); err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", codec.ErrInvalidData, err)
	}
	return out, nil
}

func (d *deltaDecoder) releaseAll() {
	d.ready = append(d.ready, d.reorder...)
	d.reorder = nil
}

func (d *deltaDecoder) ReceiveFrame() (*codec.Frame, error) {
	if d.closed {
		return nil, codec.ErrClosed
	}
	if len(d.ready) == 0 {
		if d.draining {
			d.draining = false
			d.keyRef = nil
			return nil, codec.ErrEOF
		}
		return nil, codec.ErrAgain
	}
	f := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	return f, nil
}

func (d *deltaDecoder) Close() error {
	d.closed = true
	d.keyRef = nil
	d.reorder = nil
	d.ready = nil
	if d.zr != nil {
		_ = d.zr.Close()
		d.zr = nil
	}
	return nil
}

func quantize(planes [][]byte, shift uint) {
	if shift == 0 {
		return
	}
	mask := ^byte(1<<shift - 1)
	for _, p := range planes {
		for i := range p {
			p[i] &= mask
		}
	}
}

func xorPlanes(planes, ref [][]byte) [][]byte {
	out := make([][]byte, len(planes))
	for i, p := range planes {
		r := ref[i]
		o := make([]byte, len(p))
		for j := range p {
			o[j] = p[j] ^ r[j]
		}
		out[i] = o
	}
	return out
}
