package decoder

import (
	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// shiftLibrary decodes every packet into a 2x2 gray frame whose PTS is off
// by shift, so no frame matches its packet.
type shiftLibrary struct {
	shift int64
}

func (l *shiftLibrary) Name() string { return "shift" }

func (l *shiftLibrary) EncoderInfo(name string) (codec.CodecInfo, bool) {
	return codec.CodecInfo{}, false
}

func (l *shiftLibrary) DecoderInfo(name string) (codec.CodecInfo, bool) {
	if name != "shift" {
		return codec.CodecInfo{}, false
	}
	return codec.CodecInfo{Name: name, PixelFormats: []media.PixelFormat{media.PixelFormatGray}}, true
}

func (l *shiftLibrary) OpenEncoder(p codec.EncoderParams) (codec.EncoderContext, error) {
	return nil, codec.ErrEncoderNotFound
}

func (l *shiftLibrary) OpenDecoder(p codec.DecoderParams) (codec.DecoderContext, error) {
	return &shiftDecoder{shift: l.shift}, nil
}

func (l *shiftLibrary) OpenHardwareDevice(deviceType string) (codec.HardwareDevice, error) {
	return nil, codec.ErrHardwareUnavailable
}

type shiftDecoder struct {
	shift int64
	ready []*codec.Frame
}

func (d *shiftDecoder) Name() string { return "shift" }

func (d *shiftDecoder) SendPacket(p *codec.Packet) error {
	if p == nil {
		return nil
	}
	if len(p.Data) != 4 {
		return codec.ErrInvalidData
	}
	d.ready = append(d.ready, &codec.Frame{
		Width:    2,
		Height:   2,
		Format:   media.PixelFormatGray,
		Planes:   [][]byte{append([]byte(nil), p.Data...)},
		Strides:  []int{2},
		PTS:      p.PTS + d.shift,
		KeyFrame: true,
	})
	return nil
}

func (d *shiftDecoder) ReceiveFrame() (*codec.Frame, error) {
	if len(d.ready) == 0 {
		return nil, codec.ErrAgain
	}
	f := d.ready[0]
	d.ready = d.ready[1:]
	return f, nil
}

func (d *shiftDecoder) Close() error { return nil }
