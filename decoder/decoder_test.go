package decoder

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/codec/soft"
	"github.com/opd-ai/framecodec/encoder"
	"github.com/opd-ai/framecodec/media"
)

var baseStamp = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	logrus.SetLevel(logrus.WarnLevel)
}

type decoded struct {
	img *media.Image
	key bool
}

type collector struct {
	frames []decoded
}

func (c *collector) callback(img *media.Image, key bool) {
	cp := *img
	cp.Data = append([]byte(nil), img.Data...)
	c.frames = append(c.frames, decoded{img: &cp, key: key})
}

// encodeStream produces n packets with the soft library.
func encodeStream(t *testing.T, lib codec.Library, cfg func(e *encoder.Encoder), format media.PixelFormat, w, h, n int) []*encoder.Packet {
	t.Helper()
	e := encoder.New()
	e.SetCodecLibrary(lib)
	if cfg != nil {
		cfg(e)
	}
	var out []*encoder.Packet
	require.NoError(t, e.Initialize(w, h, func(p *encoder.Packet) { out = append(out, p) }))
	for i := 0; i < n; i++ {
		img, err := media.NewImage(w, h, format)
		require.NoError(t, err)
		for j := range img.Data {
			img.Data[j] = byte(j + i*3)
		}
		img.Header = media.Header{
			FrameID: fmt.Sprintf("frame-%d", i),
			Stamp:   baseStamp.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, e.Encode(img))
	}
	e.Flush(media.Header{})
	e.Reset()
	require.Len(t, out, n)
	return out
}

func feed(t *testing.T, d *Decoder, packets []*encoder.Packet) {
	t.Helper()
	for _, p := range packets {
		require.NoError(t, d.DecodePacket(p.Codec, p.Data, p.PTS, p.FrameID, p.Stamp))
	}
}

func TestDefaultEncoderToDecoderMap(t *testing.T) {
	m := DefaultEncoderToDecoderMap()
	assert.Equal(t, "h264", m["libx264"])
	assert.Equal(t, "hevc", m["hevc_vaapi"])
	assert.Equal(t, "delta", m["delta_vaapi"])

	m["libx264"] = "tampered"
	assert.Equal(t, "h264", DefaultEncoderToDecoderMap()["libx264"], "callers get a copy")
}

func TestInitializeResolution(t *testing.T) {
	var c collector
	tests := []struct {
		name     string
		encoding string
		hint     string
		want     string
		err      error
	}{
		{name: "default mapping", encoding: "delta_vaapi", want: "delta"},
		{name: "media type", encoding: "video/DELTA", want: "delta"},
		{name: "hint wins", encoding: "delta", hint: "rawvideo", want: "rawvideo"},
		{name: "unknown hint ignored", encoding: "rawvideo", hint: "h264_cuvid", want: "rawvideo"},
		{name: "mapped decoder missing", encoding: "libx264", err: ErrNoDecoder},
		{name: "unknown encoding", encoding: "theora", err: ErrNoDecoder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			d.SetCodecLibrary(soft.New())
			err := d.Initialize(tt.encoding, c.callback, tt.hint)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.False(t, d.IsInitialized())
				return
			}
			require.NoError(t, err)
			name, _ := d.ActiveCodec()
			assert.Equal(t, tt.want, name)
			assert.Equal(t, tt.encoding, d.Encoding())
		})
	}

	d := New()
	assert.ErrorIs(t, d.Initialize("delta", nil, ""), ErrNoCallback)
	assert.ErrorIs(t, d.DecodePacket("delta", []byte{1}, 0, "x", baseStamp), ErrNotInitialized)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	lib := soft.New()
	packets := encodeStream(t, lib, func(e *encoder.Encoder) { e.SetGOPSize(6) },
		media.PixelFormatBGR24, 32, 16, 14)

	d := New()
	d.SetCodecLibrary(lib)
	var c collector
	require.NoError(t, d.Initialize("delta", c.callback, ""))
	feed(t, d, packets)
	d.Flush()

	require.Len(t, c.frames, 14)
	assert.Equal(t, 0, d.PendingPTS())
	for i, f := range c.frames {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), f.img.Header.FrameID, "frames come out in presentation order")
		assert.True(t, baseStamp.Add(time.Duration(i)*time.Second).Equal(f.img.Header.Stamp))
		assert.Equal(t, i%6 == 0, f.key, "frame %d", i)
		assert.Equal(t, media.PixelFormatBGR24, f.img.Format)
		assert.Equal(t, 32, f.img.Width)
		assert.Equal(t, 16, f.img.Height)
		assert.NoError(t, f.img.Validate())
	}
	assert.Zero(t, d.Timers().Counter(CounterPTSMisses))
	assert.Equal(t, uint64(14), d.Timers().Counter(CounterFramesOut))
}

func TestRawvideoGrayIsExact(t *testing.T) {
	lib := soft.New()
	packets := encodeStream(t, lib, func(e *encoder.Encoder) {
		e.SetEncoder("rawvideo")
		require.NoError(t, e.SetPixelFormat("mono8"))
	}, media.PixelFormatGray, 8, 4, 3)

	d := New()
	d.SetCodecLibrary(lib)
	require.NoError(t, d.SetOutputFormat("gray"))
	var c collector
	require.NoError(t, d.Initialize("rawvideo", c.callback, ""))
	feed(t, d, packets)

	require.Len(t, c.frames, 3)
	for i, f := range c.frames {
		for j, v := range f.img.Data {
			assert.Equal(t, byte(j+i*3), v)
		}
		assert.True(t, f.key)
	}
}

func TestEncodingSwitchReinitializes(t *testing.T) {
	lib := soft.New()
	raw := encodeStream(t, lib, func(e *encoder.Encoder) { e.SetEncoder("rawvideo") },
		media.PixelFormatBGR24, 16, 16, 2)
	delta := encodeStream(t, lib, func(e *encoder.Encoder) {
		e.SetTune("zerolatency")
	}, media.PixelFormatBGR24, 16, 16, 3)

	d := New()
	d.SetCodecLibrary(lib)
	var c collector
	require.NoError(t, d.Initialize("rawvideo", c.callback, ""))
	feed(t, d, raw)
	require.Len(t, c.frames, 2)

	feed(t, d, delta)
	d.Flush()
	assert.Equal(t, "delta", d.Encoding())
	name, _ := d.ActiveCodec()
	assert.Equal(t, "delta", name)
	require.Len(t, c.frames, 5)
	for i, f := range c.frames[2:] {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), f.img.Header.FrameID)
	}
}

func TestCorruptPacketIsRolledBack(t *testing.T) {
	d := New()
	d.SetCodecLibrary(soft.New())
	var c collector
	require.NoError(t, d.Initialize("delta", c.callback, ""))

	err := d.DecodePacket("delta", []byte("garbage"), 7, "bad", baseStamp)
	assert.ErrorIs(t, err, codec.ErrInvalidData)
	assert.Equal(t, 0, d.PendingPTS())
	assert.Empty(t, c.frames)
	assert.True(t, d.IsInitialized(), "runtime errors leave the decoder usable")
}

func TestPTSMissUsesPacketStamp(t *testing.T) {
	d := New()
	d.SetCodecLibrary(&shiftLibrary{shift: 100})
	var c collector
	require.NoError(t, d.Initialize("shift", c.callback, ""))

	require.NoError(t, d.DecodePacket("shift", []byte{1, 2, 3, 4}, 5, "f5", baseStamp))
	require.Len(t, c.frames, 1)
	assert.Equal(t, "f5", c.frames[0].img.Header.FrameID)
	assert.True(t, baseStamp.Equal(c.frames[0].img.Header.Stamp))
	assert.Equal(t, uint64(1), d.Timers().Counter(CounterPTSMisses))
	assert.Equal(t, 1, d.PendingPTS(), "the unmatched entry stays until reset")

	d.Reset()
	assert.Equal(t, 0, d.PendingPTS())
}

func TestResetIdempotence(t *testing.T) {
	lib := soft.New()
	d := New()
	d.SetCodecLibrary(lib)
	d.Reset()
	assert.False(t, d.IsInitialized())

	var c collector
	require.NoError(t, d.Initialize("rawvideo", c.callback, ""))
	d.Reset()
	d.Reset()
	assert.False(t, d.IsInitialized())

	raw := encodeStream(t, lib, func(e *encoder.Encoder) { e.SetEncoder("rawvideo") },
		media.PixelFormatBGR24, 16, 16, 1)
	feed(t, d, raw)
	assert.True(t, d.IsInitialized(), "the next packet reopens with the kept callback")
	assert.Len(t, c.frames, 1)
}

func TestHardwareDecode(t *testing.T) {
	lib := soft.New(soft.WithHardwareDevice("vaapi"))
	packets := encodeStream(t, lib, func(e *encoder.Encoder) {
		e.SetEncoder("delta_vaapi")
		require.NoError(t, e.SetHardwarePolicy("require"))
	}, media.PixelFormatBGR24, 16, 16, 4)
	assert.Zero(t, lib.OpenDevices(), "encoder released its device")

	d := New()
	d.SetCodecLibrary(lib)
	var c collector
	require.NoError(t, d.Initialize("delta_vaapi", c.callback, "delta_vaapi"))
	name, accel := d.ActiveCodec()
	assert.Equal(t, "delta_vaapi", name)
	assert.Equal(t, codec.AccelHardware, accel)
	assert.Equal(t, 1, lib.OpenDevices())

	feed(t, d, packets)
	d.Flush()
	assert.Len(t, c.frames, 4)

	d.Reset()
	assert.Zero(t, lib.OpenDevices())
}

func TestTimers(t *testing.T) {
	lib := soft.New()
	raw := encodeStream(t, lib, func(e *encoder.Encoder) { e.SetEncoder("rawvideo") },
		media.PixelFormatBGR24, 16, 16, 2)

	d := New()
	d.SetCodecLibrary(lib)
	var c collector
	require.NoError(t, d.Initialize("rawvideo", c.callback, ""))
	feed(t, d, raw)

	assert.Equal(t, uint64(2), d.Timers().Timer(TimerSendPacket).Count)
	assert.Equal(t, uint64(2), d.Timers().Counter(CounterPacketsIn))
	d.Reset()
	assert.Equal(t, uint64(2), d.Timers().Counter(CounterPacketsIn), "codec reset keeps timers")
	d.ResetTimers()
	assert.Zero(t, d.Timers().Counter(CounterPacketsIn))
	assert.NotPanics(t, func() { d.PrintTimers("test") })
}

func TestHintOnlyAppliesToItsEncoding(t *testing.T) {
	lib := soft.New()
	raw := encodeStream(t, lib, func(e *encoder.Encoder) { e.SetEncoder("rawvideo") },
		media.PixelFormatBGR24, 16, 16, 2)

	d := New()
	d.SetCodecLibrary(lib)
	var c collector
	require.NoError(t, d.Initialize("delta_vaapi", c.callback, "delta"))
	name, _ := d.ActiveCodec()
	assert.Equal(t, "delta", name)

	feed(t, d, raw)
	name, _ = d.ActiveCodec()
	assert.Equal(t, "rawvideo", name, "a new encoding resolves through the default table")
	assert.Len(t, c.frames, 2)

	require.NoError(t, d.Initialize("rawvideo", c.callback, "rawvideo"))
	d.Reset()
	feed(t, d, raw[:1])
	name, _ = d.ActiveCodec()
	assert.Equal(t, "rawvideo", name, "the hint still applies to its own encoding after reset")
}

func TestOddPlanarPacketIsRefused(t *testing.T) {
	d := New()
	d.SetCodecLibrary(soft.New())
	var c collector
	require.NoError(t, d.Initialize("rawvideo", c.callback, ""))

	// rawvideo yuv420p 3x2: header followed by 6 luma and 2 chroma bytes.
	pkt := []byte{'R', 'V', 1, 0, 1, 0, 0, 0, 3, 0, 2, 0}
	pkt = append(pkt, make([]byte, 8)...)

	var err error
	assert.NotPanics(t, func() {
		err = d.DecodePacket("rawvideo", pkt, 0, "odd", baseStamp)
	})
	assert.ErrorIs(t, err, codec.ErrInvalidData)
	assert.Empty(t, c.frames)
	assert.Equal(t, 0, d.PendingPTS())
}

func TestRefusedDuplicateKeepsEarlierStamp(t *testing.T) {
	lib := soft.New()
	packets := encodeStream(t, lib, nil, media.PixelFormatBGR24, 16, 16, 4)

	d := New()
	d.SetCodecLibrary(lib)
	var c collector
	require.NoError(t, d.Initialize("delta", c.callback, ""))

	first := packets[0]
	require.NoError(t, d.DecodePacket(first.Codec, first.Data, first.PTS, first.FrameID, first.Stamp))
	require.Empty(t, c.frames, "the reorder buffer holds the first frame")

	err := d.DecodePacket("delta", []byte("garbage"), first.PTS, "bogus", baseStamp.Add(time.Hour))
	assert.ErrorIs(t, err, codec.ErrInvalidData)
	assert.Equal(t, 1, d.PendingPTS())

	feed(t, d, packets[1:])
	d.Flush()

	require.Len(t, c.frames, 4)
	for i, f := range c.frames {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), f.img.Header.FrameID)
		assert.True(t, baseStamp.Add(time.Duration(i)*time.Second).Equal(f.img.Header.Stamp))
	}
	assert.Zero(t, d.Timers().Counter(CounterPTSMisses))
}

func TestOutputFormat(t *testing.T) {
	d := New()
	assert.Equal(t, media.PixelFormatBGR24, d.OutputFormat())
	require.NoError(t, d.SetOutputFormat("rgba8"))
	assert.Equal(t, media.PixelFormatRGBA, d.OutputFormat())
	assert.ErrorIs(t, d.SetOutputFormat("bayer_rggb8"), media.ErrInputOnlyFormat)
	assert.ErrorIs(t, d.SetOutputFormat("p010"), media.ErrUnknownPixelFormat)
	assert.Equal(t, media.PixelFormatRGBA, d.OutputFormat(), "a refused format keeps the previous one")
	require.NoError(t, d.SetOutputFormat(""))
	assert.Equal(t, media.PixelFormatBGR24, d.OutputFormat())
}
