// Package codec defines the narrow capability API the encoder and decoder
// sessions drive: create a context, send a frame or packet, receive the
// output, and acquire hardware devices.
//
// Concrete libraries live in sub-packages and register themselves with
// Register, the way database/sql drivers do:
//
//	import _ "github.com/opd-ai/framecodec/codec/soft"
//
//	lib, err := codec.Default()
//	ctx, err := lib.OpenEncoder(codec.EncoderParams{Name: "delta", ...})
//
// Contexts follow send/receive semantics. SendFrame and SendPacket never
// block; ReceivePacket and ReceiveFrame return ErrAgain when no output is
// ready yet and ErrEOF once a flushed context is fully drained.
package codec

import (
	"github.com/opd-ai/framecodec/media"
)

// PacketFlags carries per-packet bit flags.
type PacketFlags uint8

// PacketFlagKey marks a packet that is decodable without prior packets.
const PacketFlagKey PacketFlags = 1 << 0

// Has reports whether all bits of f are set.
func (p PacketFlags) Has(f PacketFlags) bool {
	return p&f == f
}

// Frame is an uncompressed picture handed to or returned by a codec context.
// Contexts copy what they keep from a sent frame; planes of a received frame
// are only valid until the next call on the same context.
type Frame struct {
	Width    int
	Height   int
	Format   media.PixelFormat
	Planes   [][]byte
	Strides  []int
	PTS      int64
	KeyFrame bool
}

// Packet is one unit of compressed bitstream. Data returned by
// ReceivePacket is only valid until the next call on the same context.
type Packet struct {
	Data  []byte
	PTS   int64
	Flags PacketFlags
}

// IsKey reports whether the packet carries a keyframe.
func (p *Packet) IsKey() bool {
	return p.Flags.Has(PacketFlagKey)
}

// CodecInfo describes one encoder or decoder implementation of a library.
type CodecInfo struct {
	Name string
	// PixelFormats lists accepted (encoder) or produced (decoder) formats,
	// preferred first.
	PixelFormats []media.PixelFormat
	// HardwareDevice is the device type the codec runs on, empty for
	// software codecs.
	HardwareDevice string
	// SoftwareFallback names the software codec producing a compatible
	// bitstream, used when the hardware device cannot be acquired.
	SoftwareFallback string
}

// IsHardware reports whether the codec needs a hardware device.
func (c CodecInfo) IsHardware() bool {
	return c.HardwareDevice != ""
}

// Supports reports whether the codec handles the given pixel format.
func (c CodecInfo) Supports(f media.PixelFormat) bool {
	for _, pf := range c.PixelFormats {
		if pf == f {
			return true
		}
	}
	return false
}

// EncoderParams configures a new encoder context.
type EncoderParams struct {
	Name        string
	Width       int
	Height      int
	PixelFormat media.PixelFormat
	TimeBase    media.Rational
	FrameRate   media.Rational
	BitRate     int64
	GOPSize     int
	QMax        int
	// Options holds codec private options such as profile, preset, tune
	// and delay. Empty values are ignored.
	Options map[string]string
	// Device is non-nil when the codec runs on hardware.
	Device HardwareDevice
}

// DecoderParams configures a new decoder context.
type DecoderParams struct {
	Name   string
	Device HardwareDevice
}

// EncoderContext is one configured, open encoder instance.
type EncoderContext interface {
	// Name returns the encoder name.
	Name() string
	// PixelFormat returns the format frames must be submitted in.
	PixelFormat() media.PixelFormat
	// SendFrame submits a frame. A nil frame signals end of stream.
	SendFrame(f *Frame) error
	// ReceivePacket returns the next available packet.
	ReceivePacket() (*Packet, error)
	// Close releases the context.
	Close() error
}

// DecoderContext is one configured, open decoder instance.
type DecoderContext interface {
	// Name returns the decoder name.
	Name() string
	// SendPacket submits compressed data. A nil packet signals end of stream.
	SendPacket(p *Packet) error
	// ReceiveFrame returns the next decoded frame in presentation order.
	ReceiveFrame() (*Frame, error)
	// Close releases the context.
	Close() error
}

// HardwareDevice is an acquired acceleration device.
type HardwareDevice interface {
	Type() string
	Close() error
}

// Library is a codec implementation: FFmpeg, the built-in software codecs,
// or a test double.
type Library interface {
	Name() string
	EncoderInfo(name string) (CodecInfo, bool)
	DecoderInfo(name string) (CodecInfo, bool)
	OpenEncoder(p EncoderParams) (EncoderContext, error)
	OpenDecoder(p DecoderParams) (DecoderContext, error)
	OpenHardwareDevice(deviceType string) (HardwareDevice, error)
}
