// Package decoder turns a compressed video stream back into images.
//
// A Decoder resolves a codec from the encoding of incoming packets, feeds
// it packets and converts every decoded frame to the output pixel format.
// Packet timestamps are supplied by the sender; the decoder remembers the
// frame id and stamp of each one and attaches them again to the frame the
// codec eventually produces for it, which may be several packets later.
//
// A Decoder has no internal lock; callers serialize access. The callback
// runs synchronously inside DecodePacket or Flush and must not call back
// into the same Decoder. The image it receives may alias codec memory and
// is only valid during the callback.
package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/convert"
	"github.com/opd-ai/framecodec/media"
	"github.com/opd-ai/framecodec/perf"
	"github.com/opd-ai/framecodec/ptsmap"
)

// Stage timers and counters of a decoder session.
const (
	TimerSendPacket   = "send_packet"
	TimerReceiveFrame = "receive_frame"
	TimerConvert      = "convert"
	TimerPublish      = "publish"
	TimerTotal        = "total"

	CounterPacketsIn = "packets_in"
	CounterFramesOut = "frames_out"
	CounterBytesIn   = "bytes_in"
	CounterPTSMisses = "pts_misses"
)

// Callback receives decoded images.
type Callback func(img *media.Image, keyFrame bool)

// Decoder is not safe for concurrent use.
type Decoder struct {
	callback Callback
	lib      codec.Library
	libName  string
	policy   codec.HardwarePolicy
	output   media.PixelFormat

	// hint applies only to hintEncoding.
	hint         string
	hintEncoding string

	encoding string
	ctx      codec.DecoderContext
	sel      codec.Selection
	conv     *convert.Converter
	pts      *ptsmap.Map[media.Header]
	last     media.Header

	session string
	log     logrus.FieldLogger
	timers  *perf.Set
}

// New creates an uninitialized decoder producing bgr24 images.
func New() *Decoder {
	d := &Decoder{
		policy:  codec.PolicyFallback,
		output:  media.PixelFormatBGR24,
		pts:     ptsmap.New[media.Header](),
		session: uuid.NewString(),
		timers: perf.NewSet("decoder",
			[]string{TimerSendPacket, TimerReceiveFrame, TimerConvert, TimerPublish, TimerTotal},
			[]string{CounterPacketsIn, CounterFramesOut, CounterBytesIn, CounterPTSMisses}),
	}
	d.SetLogger(logrus.StandardLogger())
	return d
}

// SetLogger replaces the logger. Entries carry the component and session id.
func (d *Decoder) SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	d.log = l.WithFields(logrus.Fields{
		"component": "decoder",
		"session":   d.session,
	})
	d.timers.SetLogger(d.log)
}

// Session returns the id that tags this decoder's logs and metrics.
func (d *Decoder) Session() string {
	return d.session
}

// SetCodecLibrary pins the codec library instance. A nil library restores
// name resolution. Takes effect on the next initialization.
func (d *Decoder) SetCodecLibrary(lib codec.Library) {
	d.lib = lib
}

// SetLibrary selects the codec library by registry name.
func (d *Decoder) SetLibrary(name string) {
	d.libName = name
}

// SetHardwarePolicy sets what happens when a hardware decoder has no device.
func (d *Decoder) SetHardwarePolicy(policy string) error {
	p, err := codec.ParseHardwarePolicy(policy)
	if err != nil {
		return err
	}
	d.policy = p
	return nil
}

// SetOutputFormat sets the pixel format of delivered images.
func (d *Decoder) SetOutputFormat(format string) error {
	pf, err := media.ParsePixelFormat(format)
	if err != nil {
		return err
	}
	if pf.IsBayer() {
		return fmt.Errorf("%w: %s", media.ErrInputOnlyFormat, pf)
	}
	if pf == media.PixelFormatNone {
		pf = media.PixelFormatBGR24
	}
	d.output = pf
	return nil
}

// OutputFormat returns the pixel format of delivered images.
func (d *Decoder) OutputFormat() media.PixelFormat {
	return d.output
}

// IsInitialized reports whether a codec is open.
func (d *Decoder) IsInitialized() bool {
	return d.ctx != nil
}

// Encoding returns the encoding the open codec was resolved for.
func (d *Decoder) Encoding() string {
	return d.encoding
}

// ActiveCodec returns the open decoder name and its acceleration.
func (d *Decoder) ActiveCodec() (string, codec.Accel) {
	if d.ctx == nil {
		return "", codec.AccelSoftware
	}
	return d.ctx.Name(), d.sel.Accel
}

// PendingPTS returns the number of packets whose frame has not been
// delivered yet.
func (d *Decoder) PendingPTS() int {
	return d.pts.Len()
}

// Initialize stores the callback and opens a decoder for encoding. The
// decoder is chosen in this order: decoderHint when the library has it, the
// default encoding table, a decoder named like the encoding.
func (d *Decoder) Initialize(encoding string, cb Callback, decoderHint string) error {
	if cb == nil {
		return ErrNoCallback
	}
	d.callback = cb
	d.hint = decoderHint
	d.hintEncoding = encoding
	d.pts.Clear()
	return d.open(encoding)
}

func (d *Decoder) resolveLibrary() (codec.Library, error) {
	if d.lib != nil {
		return d.lib, nil
	}
	return codec.Resolve(d.libName)
}

// resolveDecoder picks the decoder name for encoding.
func (d *Decoder) resolveDecoder(lib codec.Library, encoding string) (string, error) {
	if d.hint != "" && encoding == d.hintEncoding {
		if _, ok := lib.DecoderInfo(d.hint); ok {
			return d.hint, nil
		}
		d.log.WithFields(logrus.Fields{
			"function": "resolveDecoder",
			"hint":     d.hint,
			"library":  lib.Name(),
		}).Warn("Decoder hint not available, using default mapping")
	}

	key := normalizeEncoding(encoding)
	if name, ok := defaultDecoders[key]; ok {
		if _, ok := lib.DecoderInfo(name); ok {
			return name, nil
		}
	}
	if _, ok := lib.DecoderInfo(key); ok {
		return key, nil
	}
	return "", fmt.Errorf("%w: %q in library %s", ErrNoDecoder, encoding, lib.Name())
}

func (d *Decoder) open(encoding string) error {
	d.closeCodec()

	fields := logrus.Fields{
		"function": "open",
		"encoding": encoding,
	}
	lib, err := d.resolveLibrary()
	if err != nil {
		return err
	}
	name, err := d.resolveDecoder(lib, encoding)
	if err != nil {
		d.log.WithFields(fields).Error("No decoder for encoding")
		return err
	}

	sel, err := codec.Negotiate(lib, codec.KindDecoder, name, d.policy, d.log)
	if err != nil {
		return err
	}
	ctx, err := lib.OpenDecoder(codec.DecoderParams{Name: sel.Info.Name, Device: sel.Device})
	if err != nil {
		_ = sel.Release()
		d.log.WithFields(fields).WithField("error", err.Error()).Error("Opening decoder failed")
		return fmt.Errorf("open %s: %w", sel.Info.Name, err)
	}

	d.ctx = ctx
	d.sel = sel
	d.encoding = encoding
	d.conv = convert.New()

	d.log.WithFields(fields).WithFields(logrus.Fields{
		"library": lib.Name(),
		"decoder": ctx.Name(),
		"accel":   sel.Accel.String(),
		"output":  d.output.String(),
	}).Info("Decoder opened")
	return nil
}

// DecodePacket decodes one packet and delivers every frame the codec has
// ready. A packet of a different encoding than the open codec's reopens
// the decoder first; so does a packet arriving after Reset.
//
// Pipeline:
// 1. Reopen on encoding change, keeping callback, hint and output format
// 2. Record pts -> {frame id, stamp}; a duplicate pts replaces the entry
// 3. Send the packet; a refused packet restores the previous entry
// 4. Drain ready frames, convert them and hand each to the callback
//
// Parameters:
//   - encoding: Encoder name or media type the packet was produced with
//   - data: Compressed payload
//   - pts: Presentation timestamp assigned by the encoder
//   - frameID: Frame id to attach to the decoded image
//   - stamp: Capture time to attach to the decoded image
//
// Returns:
//   - error: ErrNotInitialized, a resolution error or a codec error
func (d *Decoder) DecodePacket(encoding string, data []byte, pts int64, frameID string, stamp time.Time) error {
	total := d.timers.Start()
	defer d.timers.Stop(TimerTotal, total)

	if d.callback == nil {
		return ErrNotInitialized
	}
	if d.ctx == nil || encoding != d.encoding {
		if d.ctx != nil {
			d.log.WithFields(logrus.Fields{
				"function": "DecodePacket",
				"from":     d.encoding,
				"to":       encoding,
			}).Info("Encoding changed, reinitializing decoder")
			d.pts.Clear()
		}
		if err := d.open(encoding); err != nil {
			return err
		}
	}

	current := media.Header{FrameID: frameID, Stamp: stamp}
	prev, replaced := d.pts.Replace(pts, current)
	if replaced {
		d.log.WithFields(logrus.Fields{
			"function": "DecodePacket",
			"pts":      pts,
			"frame_id": frameID,
		}).Warn("Duplicate packet PTS, replacing earlier stamp")
	}
	d.last = current

	pkt := &codec.Packet{Data: data, PTS: pts}
	if err := d.send(pkt, current); err != nil {
		// An earlier packet with this pts may still be buffered in the codec.
		d.pts.Restore(pts, prev, replaced)
		d.log.WithFields(logrus.Fields{
			"function": "DecodePacket",
			"pts":      pts,
			"frame_id": frameID,
			"error":    err.Error(),
		}).Error("Decoder refused packet")
		return fmt.Errorf("send packet: %w", err)
	}
	d.timers.Add(CounterPacketsIn, 1)
	d.timers.Add(CounterBytesIn, uint64(len(data)))

	if _, err := d.drain(current); err != nil {
		return fmt.Errorf("receive frame: %w", err)
	}
	return nil
}

func (d *Decoder) send(pkt *codec.Packet, current media.Header) error {
	start := d.timers.Start()
	err := d.ctx.SendPacket(pkt)
	d.timers.Stop(TimerSendPacket, start)
	if !errors.Is(err, codec.ErrAgain) {
		return err
	}
	if _, err := d.drain(current); err != nil {
		return err
	}
	start = d.timers.Start()
	err = d.ctx.SendPacket(pkt)
	d.timers.Stop(TimerSendPacket, start)
	return err
}

// drain delivers every frame the codec has ready and reports whether it
// reached end of stream.
func (d *Decoder) drain(fallback media.Header) (bool, error) {
	for {
		start := d.timers.Start()
		frame, err := d.ctx.ReceiveFrame()
		d.timers.Stop(TimerReceiveFrame, start)

		switch {
		case err == nil:
			if err := d.publish(frame, fallback); err != nil {
				return false, err
			}
		case errors.Is(err, codec.ErrEOF):
			return true, nil
		case errors.Is(err, codec.ErrAgain):
			return false, nil
		default:
			return false, err
		}
	}
}

func (d *Decoder) publish(frame *codec.Frame, fallback media.Header) error {
	hdr, ok := d.pts.Take(frame.PTS)
	if !ok {
		d.timers.Add(CounterPTSMisses, 1)
		d.log.WithFields(logrus.Fields{
			"function":          "publish",
			"pts":               frame.PTS,
			"fallback_frame_id": fallback.FrameID,
		}).Warn("Frame PTS has no recorded packet, using fallback stamp")
		hdr = fallback
	}

	start := d.timers.Start()
	img, err := d.conv.ToImage(frame, d.output, hdr)
	d.timers.Stop(TimerConvert, start)
	if err != nil {
		return fmt.Errorf("convert %s to %s: %w", frame.Format, d.output, err)
	}

	start = d.timers.Start()
	d.callback(img, frame.KeyFrame)
	d.timers.Stop(TimerPublish, start)
	d.timers.Add(CounterFramesOut, 1)
	return nil
}

// Flush ends the stream and delivers every frame still held by the codec.
// The decoder stays open. Errors are logged and stop the flush.
func (d *Decoder) Flush() {
	if d.ctx == nil {
		return
	}
	fields := logrus.Fields{
		"function": "Flush",
		"decoder":  d.ctx.Name(),
	}
	if err := d.ctx.SendPacket(nil); err != nil && !errors.Is(err, codec.ErrEOF) {
		d.log.WithFields(fields).WithField("error", err.Error()).Error("Signalling end of stream failed")
		return
	}
	if _, err := d.drain(d.last); err != nil {
		d.log.WithFields(fields).WithField("error", err.Error()).Error("Draining decoder failed")
	}
	if n := d.pts.Len(); n > 0 {
		d.log.WithFields(fields).WithFields(logrus.Fields{
			"pending":     n,
			"pending_pts": d.pts.Keys(),
		}).Warn("Packets without frames after flush")
	}
}

// Reset closes the codec and drops stamps of packets still in flight. The
// callback and decoder hint are kept so the next packet reopens the codec.
// Resetting a closed decoder does nothing.
func (d *Decoder) Reset() {
	discarded := d.pts.Clear()
	if d.ctx == nil && discarded == 0 {
		return
	}
	d.closeCodec()
	d.encoding = ""
	d.last = media.Header{}

	d.log.WithFields(logrus.Fields{
		"function":  "Reset",
		"discarded": discarded,
	}).Info("Decoder reset")
}

func (d *Decoder) closeCodec() {
	if d.ctx != nil {
		if err := d.ctx.Close(); err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "close",
				"error":    err.Error(),
			}).Warn("Closing decoder failed")
		}
		d.ctx = nil
	}
	if err := d.sel.Release(); err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "close",
			"error":    err.Error(),
		}).Warn("Releasing hardware device failed")
	}
	d.sel = codec.Selection{}
	if d.conv != nil {
		d.conv.Release()
		d.conv = nil
	}
}

// PrintTimers logs the stage timers and counters.
func (d *Decoder) PrintTimers(prefix string) {
	d.timers.Print(prefix)
}

// ResetTimers zeroes the timers and counters without touching the codec.
func (d *Decoder) ResetTimers() {
	d.timers.Reset()
}

// SetMeasurePerformance turns stage timing on or off.
func (d *Decoder) SetMeasurePerformance(enabled bool) {
	d.timers.SetEnabled(enabled)
}

// Timers exposes the timer set, for Prometheus registration.
func (d *Decoder) Timers() *perf.Set {
	return d.timers
}
