//go:build ffmpeg

package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelWarning)
	astiav.SetLogCallback(func(c astiav.Classer, l astiav.LogLevel, format, msg string) {
		entry := logrus.WithFields(logrus.Fields{
			"function": "ffmpeg",
		})
		switch {
		case l <= astiav.LogLevelError:
			entry.Error(msg)
		case l <= astiav.LogLevelWarning:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	})
	codec.Register(New())
}

var (
	toAV = map[media.PixelFormat]astiav.PixelFormat{
		media.PixelFormatYUV420P: astiav.PixelFormatYuv420P,
		media.PixelFormatNV12:    astiav.PixelFormatNv12,
		media.PixelFormatGray:    astiav.PixelFormatGray8,
		media.PixelFormatBGR24:   astiav.PixelFormatBgr24,
		media.PixelFormatRGB24:   astiav.PixelFormatRgb24,
		media.PixelFormatBGRA:    astiav.PixelFormatBgra,
		media.PixelFormatRGBA:    astiav.PixelFormatRgba,
	}

	fromAV = map[astiav.PixelFormat]media.PixelFormat{
		astiav.PixelFormatYuv420P:  media.PixelFormatYUV420P,
		astiav.PixelFormatYuvj420P: media.PixelFormatYUV420P,
		astiav.PixelFormatNv12:     media.PixelFormatNV12,
		astiav.PixelFormatGray8:    media.PixelFormatGray,
		astiav.PixelFormatBgr24:    media.PixelFormatBGR24,
		astiav.PixelFormatRgb24:    media.PixelFormatRGB24,
		astiav.PixelFormatBgra:     media.PixelFormatBGRA,
		astiav.PixelFormatRgba:     media.PixelFormatRGBA,
	}

	// hardwareInputFormats are the software formats uploaded into hardware
	// frames, preferred first.
	hardwareInputFormats = []media.PixelFormat{media.PixelFormatNV12, media.PixelFormatYUV420P}
)

// mapError translates the FFmpeg send/receive state errors.
func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return codec.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		return codec.ErrEOF
	case errors.Is(err, astiav.ErrInvaliddata):
		return fmt.Errorf("%s: %w: %v", op, codec.ErrInvalidData, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Library implements codec.Library on top of libavcodec.
type Library struct{}

// New creates a library instance.
func New() *Library {
	return &Library{}
}

// Name implements codec.Library.
func (l *Library) Name() string { return LibraryName }

// EncoderInfo implements codec.Library.
func (l *Library) EncoderInfo(name string) (codec.CodecInfo, bool) {
	c := astiav.FindEncoderByName(name)
	if c == nil {
		return codec.CodecInfo{}, false
	}
	return describe(c, codec.KindEncoder), true
}

// DecoderInfo implements codec.Library.
func (l *Library) DecoderInfo(name string) (codec.CodecInfo, bool) {
	c := astiav.FindDecoderByName(name)
	if c == nil {
		return codec.CodecInfo{}, false
	}
	return describe(c, codec.KindDecoder), true
}

func describe(c *astiav.Codec, kind codec.Kind) codec.CodecInfo {
	info := codec.CodecInfo{Name: c.Name(), HardwareDevice: HardwareDevice(c.Name())}
	if info.IsHardware() {
		info.PixelFormats = hardwareInputFormats
		if kind == codec.KindEncoder {
			info.SoftwareFallback = SoftwareEncoder(c.Name())
		} else {
			info.SoftwareFallback = SoftwareDecoder(c.Name())
		}
		return info
	}
	for _, pf := range c.PixelFormats() {
		if f, ok := fromAV[pf]; ok && !info.Supports(f) {
			info.PixelFormats = append(info.PixelFormats, f)
		}
	}
	if len(info.PixelFormats) == 0 && kind == codec.KindEncoder {
		info.PixelFormats = []media.PixelFormat{media.PixelFormatYUV420P}
	}
	return info
}

// hardwareFormat returns the hardware surface format the codec uses with a
// device of the given type.
func hardwareFormat(c *astiav.Codec, t astiav.HardwareDeviceType) astiav.PixelFormat {
	for _, cfg := range c.HardwareConfigs() {
		if cfg.HardwareDeviceType() != t {
			continue
		}
		flags := cfg.MethodFlags()
		if flags.Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) || flags.Has(astiav.CodecHardwareConfigMethodFlagHwFramesCtx) {
			return cfg.PixelFormat()
		}
	}
	return astiav.PixelFormatNone
}

type device struct {
	deviceType string
	avType     astiav.HardwareDeviceType
	ctx        *astiav.HardwareDeviceContext
}

func (d *device) Type() string { return d.deviceType }

func (d *device) Close() error {
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

// OpenHardwareDevice implements codec.Library.
func (l *Library) OpenHardwareDevice(deviceType string) (codec.HardwareDevice, error) {
	t := astiav.FindHardwareDeviceTypeByName(deviceType)
	if t == astiav.HardwareDeviceTypeNone {
		return nil, fmt.Errorf("%w: unknown device type %q", codec.ErrHardwareUnavailable, deviceType)
	}
	ctx, err := astiav.CreateHardwareDeviceContext(t, "", nil, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", codec.ErrHardwareUnavailable, deviceType, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Library.OpenHardwareDevice",
		"device":   deviceType,
	}).Debug("Hardware device context created")

	return &device{deviceType: deviceType, avType: t, ctx: ctx}, nil
}

func asDevice(dev codec.HardwareDevice) (*device, error) {
	if dev == nil {
		return nil, nil
	}
	d, ok := dev.(*device)
	if !ok || d.ctx == nil {
		return nil, fmt.Errorf("%w: device %s not created by the ffmpeg library", codec.ErrHardwareUnavailable, dev.Type())
	}
	return d, nil
}

func newDictionary(params codec.EncoderParams) (*astiav.Dictionary, error) {
	dict := astiav.NewDictionary()
	set := func(k, v string) error {
		if v == "" {
			return nil
		}
		if err := dict.Set(k, v, 0); err != nil {
			return fmt.Errorf("%w: %s=%s: %v", codec.ErrInvalidOption, k, v, err)
		}
		return nil
	}
	for k, v := range params.Options {
		if err := set(k, v); err != nil {
			dict.Free()
			return nil, err
		}
	}
	if params.QMax > 0 {
		if err := set("qmax", strconv.Itoa(params.QMax)); err != nil {
			dict.Free()
			return nil, err
		}
	}
	return dict, nil
}

// OpenEncoder implements codec.Library.
func (l *Library) OpenEncoder(p codec.EncoderParams) (codec.EncoderContext, error) {
	c := astiav.FindEncoderByName(p.Name)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", codec.ErrEncoderNotFound, p.Name)
	}
	info := describe(c, codec.KindEncoder)
	dev, err := asDevice(p.Device)
	if err != nil {
		return nil, err
	}
	if info.IsHardware() && dev == nil {
		return nil, fmt.Errorf("%w: %s needs a %s device", codec.ErrHardwareUnavailable, p.Name, info.HardwareDevice)
	}
	if p.PixelFormat == media.PixelFormatNone {
		p.PixelFormat = info.PixelFormats[0]
	}
	if !info.Supports(p.PixelFormat) {
		return nil, fmt.Errorf("%w: %s does not accept %s", codec.ErrPixelFormatUnsupported, p.Name, p.PixelFormat)
	}
	return newEncoder(c, p, dev)
}

// OpenDecoder implements codec.Library.
func (l *Library) OpenDecoder(p codec.DecoderParams) (codec.DecoderContext, error) {
	c := astiav.FindDecoderByName(p.Name)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", codec.ErrDecoderNotFound, p.Name)
	}
	dev, err := asDevice(p.Device)
	if err != nil {
		return nil, err
	}
	return newDecoder(c, dev)
}
