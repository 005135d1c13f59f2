package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/decoder"
	"github.com/opd-ai/framecodec/encoder"
	"github.com/opd-ai/framecodec/media"
)

// StreamResult summarizes one encode/decode round trip.
type StreamResult struct {
	Stream     int
	Codec      string
	Accel      codec.Accel
	Sent       int
	Decoded    int
	Keyframes  int
	Bytes      int
	Mismatches int
	Missing    int
	Elapsed    time.Duration
}

// OK reports whether every frame came back with its own timestamp.
func (r *StreamResult) OK() bool {
	return r.Mismatches == 0 && r.Missing == 0 && r.Decoded == r.Sent
}

// paint draws a moving gradient so consecutive frames differ.
func paint(img *media.Image, n int) {
	bpp := img.Format.BytesPerPixel()
	step := img.RowStride()
	for y := 0; y < img.Height; y++ {
		row := img.Data[y*step:]
		for x := 0; x < img.Width; x++ {
			for c := 0; c < bpp; c++ {
				row[x*bpp+c] = byte(x*4 + y*2 + n*3 + c*40)
			}
		}
	}
}

// runStream pushes synthetic frames through an encoder into a decoder and
// checks that each decoded image carries the stamp of the frame it came from.
func runStream(ctx context.Context, id int, s Settings, reg prometheus.Registerer) (*StreamResult, error) {
	log := logrus.WithFields(logrus.Fields{
		"function": "runStream",
		"stream":   id,
	})

	enc, err := encoder.NewWithConfig(s.Encoder)
	if err != nil {
		return nil, err
	}
	dec := decoder.New()
	dec.SetLibrary(s.Decoder.Library)
	if err := dec.SetHardwarePolicy(s.Decoder.HardwarePolicy); err != nil {
		return nil, err
	}
	if err := dec.SetOutputFormat(s.Decoder.OutputFormat); err != nil {
		return nil, err
	}
	dec.SetMeasurePerformance(s.Encoder.MeasurePerformance)

	if reg != nil {
		labels := prometheus.Labels{"stream": strconv.Itoa(id)}
		if err := enc.Timers().Register(reg, labels); err != nil {
			return nil, fmt.Errorf("register encoder metrics: %w", err)
		}
		if err := dec.Timers().Register(reg, labels); err != nil {
			return nil, fmt.Errorf("register decoder metrics: %w", err)
		}
	}

	res := &StreamResult{Stream: id}
	expected := make(map[string]time.Time, s.Run.Frames)
	var decodeErr error

	onImage := func(img *media.Image, keyFrame bool) {
		res.Decoded++
		if keyFrame {
			res.Keyframes++
		}
		want, ok := expected[img.Header.FrameID]
		if !ok || !want.Equal(img.Header.Stamp) {
			res.Mismatches++
			log.WithFields(logrus.Fields{
				"frame_id": img.Header.FrameID,
				"stamp":    img.Header.Stamp,
				"expected": want,
			}).Warn("Decoded frame carries the wrong timestamp")
		}
		delete(expected, img.Header.FrameID)
	}
	if err := dec.Initialize(s.Encoder.Encoder, onImage, s.Decoder.Decoder); err != nil {
		return nil, fmt.Errorf("initialize decoder: %w", err)
	}
	defer dec.Reset()

	onPacket := func(p *encoder.Packet) {
		res.Bytes += len(p.Data)
		if decodeErr != nil {
			return
		}
		decodeErr = dec.DecodePacket(p.Codec, p.Data, p.PTS, p.FrameID, p.Stamp)
	}
	if err := enc.Initialize(s.Run.Width, s.Run.Height, onPacket); err != nil {
		return nil, fmt.Errorf("initialize encoder: %w", err)
	}
	defer enc.Reset()

	img, err := media.NewImage(s.Run.Width, s.Run.Height, media.PixelFormatBGR24)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(float64(time.Second) / s.Encoder.FrameRate.Float64())
	base := time.Now()
	start := time.Now()

	for n := 0; n < s.Run.Frames; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paint(img, n)
		hdr := media.Header{
			FrameID: fmt.Sprintf("stream%d/frame%d", id, n),
			Stamp:   base.Add(time.Duration(n) * interval),
		}
		expected[hdr.FrameID] = hdr.Stamp
		if err := enc.EncodeImage(img, hdr, hdr.Stamp); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", n, err)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("decode: %w", decodeErr)
		}
		res.Sent++
	}
	enc.Flush(media.Header{})
	if decodeErr != nil {
		return nil, fmt.Errorf("decode: %w", decodeErr)
	}
	dec.Flush()

	res.Elapsed = time.Since(start)
	res.Codec, res.Accel = enc.ActiveCodec()
	res.Missing = len(expected)

	if s.Encoder.MeasurePerformance {
		prefix := "stream " + strconv.Itoa(id)
		enc.PrintTimers(prefix)
		dec.PrintTimers(prefix)
	}
	return res, nil
}

// runAll runs the configured number of streams concurrently. The first
// failing stream cancels the others.
func runAll(ctx context.Context, s Settings, reg prometheus.Registerer) ([]*StreamResult, error) {
	results := make([]*StreamResult, s.Run.Streams)
	g, ctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		g.Go(func() error {
			res, err := runStream(ctx, i, s, reg)
			if err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
