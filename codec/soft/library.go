// Package soft is the built-in pure Go codec library.
//
// It provides two bitstreams:
//
//   - rawvideo: intra-only, uncompressed planes. Every packet is a keyframe.
//   - delta: keyframes are deflated planes, inter frames are deflated XOR
//     residuals against the last keyframe. The encoder honours GOP size,
//     B-frame reordering, lookahead delay, quantizer ceiling, presets and
//     tunes, so packets leave the encoder late and out of presentation
//     order the way x264 output does.
//
// delta_vaapi is the hardware flavour of delta. It needs a "vaapi" device,
// which only exists when the library is built with WithHardwareDevice; the
// default registered instance has no devices, so hardware requests fall
// back to software.
package soft

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// LibraryName is the registry name of the built-in library.
const LibraryName = "soft"

var (
	allFormats = []media.PixelFormat{
		media.PixelFormatYUV420P,
		media.PixelFormatNV12,
		media.PixelFormatGray,
		media.PixelFormatBGR24,
		media.PixelFormatRGB24,
		media.PixelFormatBGRA,
		media.PixelFormatRGBA,
	}

	encoders = map[string]codec.CodecInfo{
		"rawvideo": {Name: "rawvideo", PixelFormats: allFormats},
		"delta": {
			Name:         "delta",
			PixelFormats: []media.PixelFormat{media.PixelFormatYUV420P, media.PixelFormatNV12},
		},
		"delta_vaapi": {
			Name:             "delta_vaapi",
			PixelFormats:     []media.PixelFormat{media.PixelFormatNV12},
			HardwareDevice:   "vaapi",
			SoftwareFallback: "delta",
		},
	}

	decoders = map[string]codec.CodecInfo{
		"rawvideo": {Name: "rawvideo", PixelFormats: allFormats},
		"delta": {
			Name:         "delta",
			PixelFormats: []media.PixelFormat{media.PixelFormatYUV420P, media.PixelFormatNV12},
		},
		"delta_vaapi": {
			Name:             "delta_vaapi",
			PixelFormats:     []media.PixelFormat{media.PixelFormatNV12},
			HardwareDevice:   "vaapi",
			SoftwareFallback: "delta",
		},
	}
)

func init() {
	codec.Register(New())
}

// Option configures a Library.
type Option func(*Library)

// WithHardwareDevice makes simulated devices of the given types available.
func WithHardwareDevice(deviceTypes ...string) Option {
	return func(l *Library) {
		for _, t := range deviceTypes {
			l.devices[t] = true
		}
	}
}

// Library implements codec.Library with the built-in codecs.
type Library struct {
	mu          sync.Mutex
	devices     map[string]bool
	openDevices int
}

// New creates a library instance.
func New(opts ...Option) *Library {
	l := &Library{devices: make(map[string]bool)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements codec.Library.
func (l *Library) Name() string { return LibraryName }

// EncoderInfo implements codec.Library.
func (l *Library) EncoderInfo(name string) (codec.CodecInfo, bool) {
	info, ok := encoders[name]
	return info, ok
}

// DecoderInfo implements codec.Library.
func (l *Library) DecoderInfo(name string) (codec.CodecInfo, bool) {
	info, ok := decoders[name]
	return info, ok
}

// OpenDevices returns the number of hardware devices acquired and not yet closed.
func (l *Library) OpenDevices() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openDevices
}

// OpenHardwareDevice implements codec.Library.
func (l *Library) OpenHardwareDevice(deviceType string) (codec.HardwareDevice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.devices[deviceType] {
		return nil, fmt.Errorf("%w: no %s device", codec.ErrHardwareUnavailable, deviceType)
	}
	l.openDevices++

	logrus.WithFields(logrus.Fields{
		"function": "Library.OpenHardwareDevice",
		"device":   deviceType,
	}).Debug("Simulated hardware device opened")

	return &device{lib: l, deviceType: deviceType}, nil
}

// OpenEncoder implements codec.Library.
func (l *Library) OpenEncoder(p codec.EncoderParams) (codec.EncoderContext, error) {
	info, ok := encoders[p.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", codec.ErrEncoderNotFound, p.Name)
	}
	if err := checkDevice(info, p.Device); err != nil {
		return nil, err
	}
	if p.PixelFormat == media.PixelFormatNone {
		p.PixelFormat = info.PixelFormats[0]
	}
	if !info.Supports(p.PixelFormat) {
		return nil, fmt.Errorf("%w: %s does not accept %s", codec.ErrPixelFormatUnsupported, p.Name, p.PixelFormat)
	}
	if err := checkDimensions(p.Width, p.Height, p.PixelFormat); err != nil {
		return nil, err
	}

	switch p.Name {
	case "rawvideo":
		return newRawEncoder(p), nil
	default:
		return newDeltaEncoder(p)
	}
}

// OpenDecoder implements codec.Library.
func (l *Library) OpenDecoder(p codec.DecoderParams) (codec.DecoderContext, error) {
	info, ok := decoders[p.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", codec.ErrDecoderNotFound, p.Name)
	}
	if err := checkDevice(info, p.Device); err != nil {
		return nil, err
	}

	switch p.Name {
	case "rawvideo":
		return newRawDecoder(), nil
	default:
		return newDeltaDecoder(p.Name, info.PixelFormats), nil
	}
}

func checkDevice(info codec.CodecInfo, dev codec.HardwareDevice) error {
	if !info.IsHardware() {
		return nil
	}
	if dev == nil || dev.Type() != info.HardwareDevice {
		return fmt.Errorf("%w: %s needs a %s device", codec.ErrHardwareUnavailable, info.Name, info.HardwareDevice)
	}
	return nil
}

type device struct {
	lib        *Library
	deviceType string
	closed     bool
}

func (d *device) Type() string { return d.deviceType }

func (d *device) Close() error {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.lib.openDevices--
	return nil
}
