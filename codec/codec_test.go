package codec

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/framecodec/media"
)

func init() {
	logrus.SetLevel(logrus.ErrorLevel)
}

type stubDevice struct {
	kind   string
	closed int
}

func (d *stubDevice) Type() string { return d.kind }
func (d *stubDevice) Close() error { d.closed++; return nil }

// stubLibrary knows one hardware encoder "hw" with software counterpart
// "sw", and "orphan", a hardware encoder without one.
type stubLibrary struct {
	name       string
	hasDevice  bool
	deviceErrs int
	opened     []*stubDevice
}

func (l *stubLibrary) Name() string { return l.name }

func (l *stubLibrary) EncoderInfo(name string) (CodecInfo, bool) {
	switch name {
	case "sw":
		return CodecInfo{Name: "sw", PixelFormats: []media.PixelFormat{media.PixelFormatYUV420P}}, true
	case "hw":
		return CodecInfo{Name: "hw", HardwareDevice: "gpu", SoftwareFallback: "sw"}, true
	case "orphan":
		return CodecInfo{Name: "orphan", HardwareDevice: "gpu"}, true
	case "loop":
		return CodecInfo{Name: "loop", HardwareDevice: "gpu", SoftwareFallback: "hw"}, true
	}
	return CodecInfo{}, false
}

func (l *stubLibrary) DecoderInfo(name string) (CodecInfo, bool) {
	if name == "sw" {
		return CodecInfo{Name: "sw"}, true
	}
	return CodecInfo{}, false
}

func (l *stubLibrary) OpenEncoder(EncoderParams) (EncoderContext, error) { return nil, ErrClosed }
func (l *stubLibrary) OpenDecoder(DecoderParams) (DecoderContext, error) { return nil, ErrClosed }

func (l *stubLibrary) OpenHardwareDevice(deviceType string) (HardwareDevice, error) {
	if !l.hasDevice {
		l.deviceErrs++
		return nil, errors.New("no such device")
	}
	d := &stubDevice{kind: deviceType}
	l.opened = append(l.opened, d)
	return d, nil
}

func TestPacketFlags(t *testing.T) {
	p := &Packet{}
	assert.False(t, p.IsKey())
	p.Flags |= PacketFlagKey
	assert.True(t, p.IsKey())
}

func TestParseHardwarePolicy(t *testing.T) {
	for in, want := range map[string]HardwarePolicy{
		"":          PolicyFallback,
		"Fallback":  PolicyFallback,
		" require ": PolicyRequire,
		"disable":   PolicyDisable,
	} {
		got, err := ParseHardwarePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseHardwarePolicy("sometimes")
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		codec     string
		policy    HardwarePolicy
		hasDevice bool
		wantCodec string
		wantAccel Accel
		wantErr   error
	}{
		{name: "software codec", codec: "sw", policy: PolicyRequire, wantCodec: "sw", wantAccel: AccelSoftware},
		{name: "hardware available", codec: "hw", hasDevice: true, wantCodec: "hw", wantAccel: AccelHardware},
		{name: "fallback", codec: "hw", policy: PolicyFallback, wantCodec: "sw", wantAccel: AccelSoftware},
		{name: "empty policy falls back", codec: "hw", wantCodec: "sw", wantAccel: AccelSoftware},
		{name: "require fails", codec: "hw", policy: PolicyRequire, wantErr: ErrHardwareUnavailable},
		{name: "disable skips device", codec: "hw", policy: PolicyDisable, hasDevice: true, wantCodec: "sw", wantAccel: AccelSoftware},
		{name: "no counterpart", codec: "orphan", wantErr: ErrHardwareUnavailable},
		{name: "hardware counterpart", codec: "loop", wantErr: ErrHardwareUnavailable},
		{name: "unknown codec", codec: "nope", wantErr: ErrEncoderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := &stubLibrary{name: "stub", hasDevice: tt.hasDevice}
			sel, err := Negotiate(lib, KindEncoder, tt.codec, tt.policy, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.codec, sel.Requested)
			assert.Equal(t, tt.wantCodec, sel.Info.Name)
			assert.Equal(t, tt.wantAccel, sel.Accel)
			assert.Equal(t, tt.wantAccel == AccelHardware, sel.Device != nil)
			if tt.policy == PolicyDisable {
				assert.Empty(t, lib.opened, "disable never opens a device")
			}

			require.NoError(t, sel.Release())
			require.NoError(t, sel.Release())
			for _, d := range lib.opened {
				assert.Equal(t, 1, d.closed)
			}
		})
	}
}

func TestNegotiateIsDeterministic(t *testing.T) {
	lib := &stubLibrary{name: "stub"}
	for i := 0; i < 3; i++ {
		sel, err := Negotiate(lib, KindEncoder, "hw", PolicyFallback, logrus.New())
		require.NoError(t, err)
		assert.Equal(t, "sw", sel.Info.Name)
	}
	assert.Equal(t, 3, lib.deviceErrs)
}

func TestNegotiateDecoder(t *testing.T) {
	lib := &stubLibrary{name: "stub"}
	sel, err := Negotiate(lib, KindDecoder, "sw", PolicyFallback, nil)
	require.NoError(t, err)
	assert.Equal(t, "sw", sel.Info.Name)

	_, err = Negotiate(lib, KindDecoder, "hw", PolicyFallback, nil)
	assert.ErrorIs(t, err, ErrDecoderNotFound)
}

func TestRegistry(t *testing.T) {
	registryMu.Lock()
	saved := libraries
	libraries = make(map[string]Library)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		libraries = saved
		registryMu.Unlock()
	})

	_, err := Default()
	assert.ErrorIs(t, err, ErrUnknownLibrary)

	soft := &stubLibrary{name: "soft"}
	Register(soft)
	lib, err := Default()
	require.NoError(t, err)
	assert.Same(t, soft, lib)

	ff := &stubLibrary{name: "ffmpeg"}
	Register(ff)
	Register(&stubLibrary{name: "custom"})
	lib, err = Resolve("")
	require.NoError(t, err)
	assert.Same(t, ff, lib, "ffmpeg is preferred")

	lib, err = Resolve("soft")
	require.NoError(t, err)
	assert.Same(t, soft, lib)

	_, err = Lookup("gstreamer")
	assert.ErrorIs(t, err, ErrUnknownLibrary)
	assert.Equal(t, []string{"custom", "ffmpeg", "soft"}, Libraries())

	replacement := &stubLibrary{name: "soft"}
	Register(replacement)
	lib, err = Lookup("soft")
	require.NoError(t, err)
	assert.Same(t, replacement, lib)

	assert.Panics(t, func() { Register(nil) })
}
