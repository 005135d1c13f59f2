package encoder

import (
	"errors"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

var errRejected = errors.New("frame rejected")

// fakeLibrary turns every frame into one packet right away. Hooks let tests
// reject frames or rewrite packet timestamps.
type fakeLibrary struct {
	// reject is consulted with the zero-based index of each SendFrame call.
	reject    func(call int) bool
	rewritePT func(pts int64) int64
	calls     int
}

func (l *fakeLibrary) Name() string { return "fake" }

func (l *fakeLibrary) EncoderInfo(name string) (codec.CodecInfo, bool) {
	if name != "passthrough" {
		return codec.CodecInfo{}, false
	}
	return codec.CodecInfo{Name: name, PixelFormats: []media.PixelFormat{media.PixelFormatYUV420P}}, true
}

func (l *fakeLibrary) DecoderInfo(name string) (codec.CodecInfo, bool) {
	return codec.CodecInfo{}, false
}

func (l *fakeLibrary) OpenEncoder(p codec.EncoderParams) (codec.EncoderContext, error) {
	return &fakeEncoder{lib: l, params: p}, nil
}

func (l *fakeLibrary) OpenDecoder(p codec.DecoderParams) (codec.DecoderContext, error) {
	return nil, codec.ErrDecoderNotFound
}

func (l *fakeLibrary) OpenHardwareDevice(deviceType string) (codec.HardwareDevice, error) {
	return nil, codec.ErrHardwareUnavailable
}

type fakeEncoder struct {
	lib      *fakeLibrary
	params   codec.EncoderParams
	out      []*codec.Packet
	draining bool
}

func (e *fakeEncoder) Name() string                   { return e.params.Name }
func (e *fakeEncoder) PixelFormat() media.PixelFormat { return media.PixelFormatYUV420P }

func (e *fakeEncoder) SendFrame(f *codec.Frame) error {
	if f == nil {
		e.draining = true
		return nil
	}
	call := e.lib.calls
	e.lib.calls++
	if e.lib.reject != nil && e.lib.reject(call) {
		return errRejected
	}
	pts := f.PTS
	if e.lib.rewritePT != nil {
		pts = e.lib.rewritePT(pts)
	}
	e.out = append(e.out, &codec.Packet{Data: []byte{byte(f.PTS)}, PTS: pts, Flags: codec.PacketFlagKey})
	return nil
}

func (e *fakeEncoder) ReceivePacket() (*codec.Packet, error) {
	if len(e.out) == 0 {
		if e.draining {
			e.draining = false
			return nil, codec.ErrEOF
		}
		return nil, codec.ErrAgain
	}
	p := e.out[0]
	e.out = e.out[1:]
	return p, nil
}

func (e *fakeEncoder) Close() error { return nil }
