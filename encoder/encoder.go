// Package encoder turns raw images into a compressed video stream.
//
// An Encoder owns one codec session. It opens the codec for the first frame
// size it sees, converts images to the codec's pixel format, stamps every
// frame with the next presentation timestamp and remembers which frame id
// and capture time that timestamp belongs to. Packets leave the codec late
// and, with B-frames, out of order; each one is matched back to its frame
// before it is handed to the callback.
//
// The callback runs synchronously on the caller's goroutine, inside
// EncodeImage or Flush. It may call the configuration setters, Config,
// IsInitialized, Session and the timer methods, but it must not call
// EncodeImage, Flush, Reset, SetLogger, PendingPTS or ActiveCodec on the
// same Encoder; those wait for the call that is delivering the packet and
// deadlock.
package encoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/convert"
	"github.com/opd-ai/framecodec/media"
	"github.com/opd-ai/framecodec/perf"
	"github.com/opd-ai/framecodec/ptsmap"
)

// Stage timers and counters of an encoder session.
const (
	TimerDebayer       = "debayer"
	TimerConvert       = "convert"
	TimerSendFrame     = "send_frame"
	TimerReceivePacket = "receive_packet"
	TimerCopyOut       = "copy_out"
	TimerPublish       = "publish"
	TimerTotal         = "total"

	CounterFramesIn  = "frames_in"
	CounterFramesOut = "frames_out"
	CounterBytesIn   = "bytes_in"
	CounterBytesOut  = "bytes_out"
	CounterPTSMisses = "pts_misses"
)

// Packet is one compressed packet together with the frame it came from.
type Packet struct {
	FrameID string
	Stamp   time.Time
	Codec   string
	Width   int
	Height  int
	PTS     int64
	Flags   codec.PacketFlags
	// Data is owned by the callback.
	Data []byte
}

// IsKey reports whether the packet carries a keyframe.
func (p *Packet) IsKey() bool {
	return p.Flags.Has(codec.PacketFlagKey)
}

// Callback receives encoded packets.
type Callback func(pkt *Packet)

// Encoder is safe for concurrent use.
type Encoder struct {
	// mu serializes the session: open, encode, flush, reset and callback
	// delivery.
	mu       sync.Mutex
	callback Callback

	// cfgMu guards the configuration only, so setters stay callable from
	// inside the callback.
	cfgMu sync.RWMutex
	cfg   Config
	lib   codec.Library

	initialized atomic.Bool
	ctx         codec.EncoderContext
	sel         codec.Selection
	active      Config
	width       int
	height      int
	format      media.PixelFormat
	conv        *convert.Converter

	pts     *ptsmap.Map[media.Header]
	nextPTS int64

	session string
	log     logrus.FieldLogger
	timers  *perf.Set
}

// New creates an encoder with DefaultConfig.
func New() *Encoder {
	e, _ := NewWithConfig(DefaultConfig())
	return e
}

// NewWithConfig creates an encoder with cfg. The encoder is usable even when
// cfg is invalid; the error is reported here and again on open.
func NewWithConfig(cfg Config) (*Encoder, error) {
	e := &Encoder{
		cfg:     cfg,
		pts:     ptsmap.New[media.Header](),
		session: uuid.NewString(),
		timers: perf.NewSet("encoder",
			[]string{TimerDebayer, TimerConvert, TimerSendFrame, TimerReceivePacket, TimerCopyOut, TimerPublish, TimerTotal},
			[]string{CounterFramesIn, CounterFramesOut, CounterBytesIn, CounterBytesOut, CounterPTSMisses}),
	}
	e.setLogger(logrus.StandardLogger())
	e.timers.SetEnabled(cfg.MeasurePerformance)

	logrus.WithFields(logrus.Fields{
		"function": "NewWithConfig",
		"session":  e.session,
		"encoder":  cfg.Encoder,
	}).Debug("Encoder created")

	return e, cfg.Validate()
}

// SetLogger replaces the logger. Entries carry the component and session id.
func (e *Encoder) SetLogger(l logrus.FieldLogger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLogger(l)
}

func (e *Encoder) setLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	e.log = l.WithFields(logrus.Fields{
		"component": "encoder",
		"session":   e.session,
	})
	e.timers.SetLogger(e.log)
}

// Session returns the id that tags this encoder's logs and metrics.
func (e *Encoder) Session() string {
	return e.session
}

// IsInitialized reports whether a codec is open.
func (e *Encoder) IsInitialized() bool {
	return e.initialized.Load()
}

// Initialize stores the callback and opens the codec for width x height.
// An already open codec is flushed and closed first.
func (e *Encoder) Initialize(width, height int, cb Callback) error {
	if cb == nil {
		return ErrNoCallback
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, width, height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx != nil {
		e.flushLocked(media.Header{})
		e.closeLocked()
	}
	e.callback = cb
	return e.openLocked(width, height)
}

// Encode submits img using its own header and stamp.
func (e *Encoder) Encode(img *media.Image) error {
	if img == nil {
		return media.ErrNilImage
	}
	return e.EncodeImage(img, img.Header, img.Header.Stamp)
}

// EncodeImage submits one frame and delivers every packet the codec has
// ready. A frame whose size or pixel format no longer matches the open
// codec flushes it and reopens. A frame the codec refuses is not recorded
// and produces no packet.
//
// Pipeline:
// 1. Validate the image and open the codec if needed
// 2. Debayer mosaic input (timer "debayer")
// 3. Convert to the codec pixel format (timer "convert")
// 4. Record pts -> {frame id, capture time} and send the frame
// 5. Drain ready packets and hand each to the callback with its own stamp
//
// Parameters:
//   - img: Image to encode; its Header is ignored in favour of hdr
//   - hdr: Frame id for the packets produced from this frame
//   - captureTime: Stamp carried by those packets
//
// Returns:
//   - error: Validation, conversion or codec error; the session stays usable
func (e *Encoder) EncodeImage(img *media.Image, hdr media.Header, captureTime time.Time) error {
	total := e.timers.Start()
	defer e.timers.Stop(TimerTotal, total)

	if err := img.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.callback == nil {
		return ErrNotInitialized
	}
	if e.ctx != nil && e.needsReopen(img) {
		e.log.WithFields(logrus.Fields{
			"function":   "EncodeImage",
			"old_width":  e.width,
			"old_height": e.height,
			"width":      img.Width,
			"height":     img.Height,
		}).Info("Frame geometry or pixel format changed, reopening codec")
		e.flushLocked(hdr)
		e.closeLocked()
	}
	if e.ctx == nil {
		if err := e.openLocked(img.Width, img.Height); err != nil {
			return err
		}
	}

	src := img
	if src.Format.IsBayer() {
		start := e.timers.Start()
		rgb, err := e.conv.Debayer(src)
		e.timers.Stop(TimerDebayer, start)
		if err != nil {
			return fmt.Errorf("debayer %s: %w", src.Format, err)
		}
		src = rgb
	}

	start := e.timers.Start()
	frame, err := e.conv.ToFrame(src, e.format)
	e.timers.Stop(TimerConvert, start)
	if err != nil {
		return fmt.Errorf("convert %s to %s: %w", src.Format, e.format, err)
	}

	// Rolled back below if the codec refuses the frame.
	current := media.Header{FrameID: hdr.FrameID, Stamp: captureTime}
	pts := e.nextPTS
	frame.PTS = pts
	if err := e.pts.Insert(pts, current); err != nil {
		return err
	}

	if err := e.sendLocked(frame, current); err != nil {
		e.pts.Remove(pts)
		e.log.WithFields(logrus.Fields{
			"function": "EncodeImage",
			"frame_id": hdr.FrameID,
			"pts":      pts,
			"error":    err.Error(),
		}).Error("Codec refused frame")
		return fmt.Errorf("send frame: %w", err)
	}
	e.nextPTS++
	e.timers.Add(CounterFramesIn, 1)
	e.timers.Add(CounterBytesIn, uint64(len(img.Data)))

	if _, err := e.drainLocked(current, false); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "EncodeImage",
			"error":    err.Error(),
		}).Error("Receiving packets failed")
		return fmt.Errorf("receive packet: %w", err)
	}
	return nil
}

func (e *Encoder) needsReopen(img *media.Image) bool {
	if img.Width != e.width || img.Height != e.height {
		return true
	}
	return e.Config().PixelFormat != e.active.PixelFormat
}

// sendLocked submits frame. A full codec is drained once before retrying;
// a codec that ended its stream and refuses restarts is reopened.
func (e *Encoder) sendLocked(frame *codec.Frame, current media.Header) error {
	start := e.timers.Start()
	err := e.ctx.SendFrame(frame)
	e.timers.Stop(TimerSendFrame, start)

	switch {
	case errors.Is(err, codec.ErrAgain):
		if _, derr := e.drainLocked(current, false); derr != nil {
			return derr
		}
	case errors.Is(err, codec.ErrEOF):
		e.log.WithFields(logrus.Fields{
			"function": "sendLocked",
			"codec":    e.ctx.Name(),
		}).Debug("Codec ended its stream, reopening")
		width, height := e.width, e.height
		e.closeLocked()
		if oerr := e.openLocked(width, height); oerr != nil {
			return oerr
		}
	default:
		return err
	}

	start = e.timers.Start()
	err = e.ctx.SendFrame(frame)
	e.timers.Stop(TimerSendFrame, start)
	return err
}

// drainLocked delivers every packet the codec has ready. It reports
// whether the codec signalled end of stream.
func (e *Encoder) drainLocked(fallback media.Header, flushing bool) (bool, error) {
	for {
		start := e.timers.Start()
		pkt, err := e.ctx.ReceivePacket()
		e.timers.Stop(TimerReceivePacket, start)

		switch {
		case err == nil:
			e.publishLocked(pkt, fallback)
		case errors.Is(err, codec.ErrEOF):
			return true, nil
		case errors.Is(err, codec.ErrAgain):
			return false, nil
		default:
			return false, err
		}
	}
}

func (e *Encoder) publishLocked(pkt *codec.Packet, fallback media.Header) {
	hdr, ok := e.pts.Take(pkt.PTS)
	if !ok {
		e.timers.Add(CounterPTSMisses, 1)
		e.log.WithFields(logrus.Fields{
			"function":          "publishLocked",
			"pts":               pkt.PTS,
			"fallback_frame_id": fallback.FrameID,
		}).Warn("Packet PTS has no recorded frame, using fallback header")
		hdr = fallback
	}

	start := e.timers.Start()
	out := &Packet{
		FrameID: hdr.FrameID,
		Stamp:   hdr.Stamp,
		Codec:   e.ctx.Name(),
		Width:   e.width,
		Height:  e.height,
		PTS:     pkt.PTS,
		Flags:   pkt.Flags,
		Data:    append([]byte(nil), pkt.Data...),
	}
	e.timers.Stop(TimerCopyOut, start)

	start = e.timers.Start()
	e.callback(out)
	e.timers.Stop(TimerPublish, start)

	e.timers.Add(CounterFramesOut, 1)
	e.timers.Add(CounterBytesOut, uint64(len(out.Data)))
}

// Flush ends the stream and delivers every buffered packet. Packets whose
// frame is unknown are stamped with hdr. The codec stays open and the next
// frame starts a new GOP. Drain errors are logged and stop the flush.
func (e *Encoder) Flush(hdr media.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx == nil {
		return
	}
	e.flushLocked(hdr)
}

func (e *Encoder) flushLocked(hdr media.Header) {
	fields := logrus.Fields{
		"function": "Flush",
		"codec":    e.ctx.Name(),
	}
	if err := e.ctx.SendFrame(nil); err != nil && !errors.Is(err, codec.ErrEOF) {
		e.log.WithFields(fields).WithField("error", err.Error()).Error("Signalling end of stream failed")
		return
	}

	eof, err := e.drainLocked(hdr, true)
	if err != nil {
		e.log.WithFields(fields).WithField("error", err.Error()).Error("Draining codec failed")
	} else if !eof {
		e.log.WithFields(fields).Warn("Codec stopped producing output before end of stream")
	}

	if n := e.pts.Len(); n > 0 {
		e.log.WithFields(fields).WithFields(logrus.Fields{
			"pending":     n,
			"pending_pts": e.pts.Keys(),
		}).Warn("Frames without packets after flush")
	}
	e.log.WithFields(fields).Debug("Encoder flushed")
}

// Reset closes the codec, releases its hardware device and conversion
// buffers and drops timestamps of frames still in flight. Configuration,
// callback and timers are kept. Resetting a closed encoder does nothing.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	discarded := e.pts.Clear()
	if e.ctx == nil && discarded == 0 {
		return
	}
	e.closeLocked()
	e.nextPTS = 0

	e.log.WithFields(logrus.Fields{
		"function":  "Reset",
		"discarded": discarded,
	}).Info("Encoder reset")
}

// PendingPTS returns the number of frames submitted whose packet has not
// been delivered yet. It takes the session lock and must not be called
// from the callback.
func (e *Encoder) PendingPTS() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pts.Len()
}

// ActiveCodec returns the encoder that was requested and the acceleration
// actually in use. It returns an empty name when no codec is open. It takes
// the session lock and must not be called from the callback; packets carry
// the codec name in Packet.Codec.
func (e *Encoder) ActiveCodec() (string, codec.Accel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return "", codec.AccelSoftware
	}
	return e.ctx.Name(), e.sel.Accel
}

// openLocked negotiates hardware and opens the codec with a snapshot of the
// configuration. Partially acquired resources are released on failure.
func (e *Encoder) openLocked(width, height int) error {
	cfg, lib := e.snapshot()
	fields := logrus.Fields{
		"function": "open",
		"encoder":  cfg.Encoder,
		"width":    width,
		"height":   height,
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid encoder config: %w", err)
	}
	format, _ := media.ParsePixelFormat(cfg.PixelFormat)
	policy, _ := codec.ParseHardwarePolicy(cfg.HardwarePolicy)

	if lib == nil {
		var err error
		if lib, err = codec.Resolve(cfg.Library); err != nil {
			return err
		}
	}

	sel, err := codec.Negotiate(lib, codec.KindEncoder, cfg.Encoder, policy, e.log)
	if err != nil {
		e.log.WithFields(fields).WithField("error", err.Error()).Error("Codec negotiation failed")
		return err
	}
	if format != media.PixelFormatNone && !sel.Info.Supports(format) {
		_ = sel.Release()
		return fmt.Errorf("%w: %s does not accept %s", codec.ErrPixelFormatUnsupported, sel.Info.Name, format)
	}

	ctx, err := lib.OpenEncoder(cfg.params(sel, width, height, format))
	if err != nil {
		_ = sel.Release()
		e.log.WithFields(fields).WithField("error", err.Error()).Error("Opening codec failed")
		return fmt.Errorf("open %s: %w", sel.Info.Name, err)
	}

	e.ctx = ctx
	e.sel = sel
	e.active = cfg
	e.width, e.height = width, height
	e.format = ctx.PixelFormat()
	e.conv = convert.New()
	e.initialized.Store(true)

	e.log.WithFields(fields).WithFields(logrus.Fields{
		"library":      lib.Name(),
		"codec":        ctx.Name(),
		"accel":        sel.Accel.String(),
		"pixel_format": e.format.String(),
		"gop_size":     cfg.GOPSize,
		"bit_rate":     cfg.BitRate,
		"frame_rate":   cfg.FrameRate.String(),
	}).Info("Encoder opened")
	return nil
}

// closeLocked releases the codec, device and scratch buffers. The PTS map
// is left alone.
func (e *Encoder) closeLocked() {
	e.initialized.Store(false)
	if e.ctx != nil {
		if err := e.ctx.Close(); err != nil {
			e.log.WithFields(logrus.Fields{
				"function": "close",
				"error":    err.Error(),
			}).Warn("Closing codec failed")
		}
		e.ctx = nil
	}
	if err := e.sel.Release(); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "close",
			"error":    err.Error(),
		}).Warn("Releasing hardware device failed")
	}
	e.sel = codec.Selection{}
	if e.conv != nil {
		e.conv.Release()
		e.conv = nil
	}
	e.width, e.height = 0, 0
	e.format = media.PixelFormatNone
}

// PrintTimers logs the stage timers and counters.
func (e *Encoder) PrintTimers(prefix string) {
	e.timers.Print(prefix)
}

// ResetTimers zeroes the timers and counters without touching the codec.
func (e *Encoder) ResetTimers() {
	e.timers.Reset()
}

// SetMeasurePerformance turns stage timing on or off.
func (e *Encoder) SetMeasurePerformance(enabled bool) {
	e.cfgMu.Lock()
	e.cfg.MeasurePerformance = enabled
	e.cfgMu.Unlock()
	e.timers.SetEnabled(enabled)
}

// Timers exposes the timer set, for Prometheus registration.
func (e *Encoder) Timers() *perf.Set {
	return e.timers
}
