package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/framecodec/media"
)

func init() {
	logrus.SetLevel(logrus.WarnLevel)
}

func smallSettings() Settings {
	s := defaultSettings()
	s.Encoder.GOPSize = 5
	s.Encoder.MeasurePerformance = false
	s.Run.Width = 32
	s.Run.Height = 16
	s.Run.Frames = 12
	return s
}

func TestParseCLIFlagsDefaults(t *testing.T) {
	cli, err := parseCLIFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, defaultSettings(), cli.settings)
	assert.NoError(t, validateSettings(cli.settings))
}

func TestParseCLIFlagsOverrides(t *testing.T) {
	cli, err := parseCLIFlags([]string{"-gop", "30", "-fps", "25", "-streams", "3", "-tune", "zerolatency"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 30, cli.settings.Encoder.GOPSize)
	assert.Equal(t, media.Rational{Num: 25, Den: 1}, cli.settings.Encoder.FrameRate)
	assert.Equal(t, 3, cli.settings.Run.Streams)
	assert.Equal(t, "zerolatency", cli.settings.Encoder.Tune)

	_, err = parseCLIFlags([]string{"-frames", "many"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestConfigFileWithFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := `
encoder:
  encoder: rawvideo
  gop_size: 4
  frame_rate: {num: 30, den: 1}
decoder:
  output_format: rgb24
run:
  frames: 7
  streams: 2
  hold: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cli, err := parseCLIFlags([]string{"-config", path, "-streams", "5"}, &bytes.Buffer{})
	require.NoError(t, err)
	s := cli.settings
	assert.Equal(t, "rawvideo", s.Encoder.Encoder)
	assert.Equal(t, 4, s.Encoder.GOPSize)
	assert.Equal(t, media.Rational{Num: 30, Den: 1}, s.Encoder.FrameRate, "unset -fps keeps the file value")
	assert.Equal(t, "medium", s.Encoder.Preset, "keys missing from the file keep defaults")
	assert.Equal(t, "rgb24", s.Decoder.OutputFormat)
	assert.Equal(t, 7, s.Run.Frames)
	assert.Equal(t, 5, s.Run.Streams, "flags win over the file")
	assert.Equal(t, 2*time.Second, s.Run.Hold)
}

func TestLoadSettingsRejectsUnknownKeys(t *testing.T) {
	_, err := loadSettings(strings.NewReader("encoder:\n  speed: 11\n"), defaultSettings())
	assert.Error(t, err)

	s, err := loadSettings(strings.NewReader(""), defaultSettings())
	require.NoError(t, err)
	assert.Equal(t, defaultSettings(), s)

	_, err = parseCLIFlags([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero width", func(s *Settings) { s.Run.Width = 0 }},
		{"no frames", func(s *Settings) { s.Run.Frames = 0 }},
		{"no streams", func(s *Settings) { s.Run.Streams = 0 }},
		{"bad output format", func(s *Settings) { s.Decoder.OutputFormat = "yuv444p" }},
		{"mosaic output format", func(s *Settings) { s.Decoder.OutputFormat = "bayer_rggb8" }},
		{"bad frame rate", func(s *Settings) { s.Encoder.FrameRate = media.Rational{} }},
		{"negative hold", func(s *Settings) { s.Run.Hold = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			tt.mutate(&s)
			assert.Error(t, validateSettings(s))
		})
	}
}

func TestRunStreamVerifiesTimestamps(t *testing.T) {
	s := smallSettings()
	res, err := runStream(context.Background(), 0, s, nil)
	require.NoError(t, err)

	assert.True(t, res.OK(), "%+v", res)
	assert.Equal(t, 12, res.Sent)
	assert.Equal(t, 12, res.Decoded)
	assert.Equal(t, 3, res.Keyframes, "gop 5 over 12 frames")
	assert.Equal(t, "delta", res.Codec)
	assert.Positive(t, res.Bytes)
}

func TestRunStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runStream(ctx, 0, smallSettings(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAllExportsMetrics(t *testing.T) {
	s := smallSettings()
	s.Run.Streams = 3
	s.Encoder.MeasurePerformance = true
	reg := prometheus.NewRegistry()

	results, err := runAll(context.Background(), s, reg)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Stream)
		assert.True(t, r.OK())
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	streams := map[string]bool{}
	for _, mf := range families {
		if mf.GetName() != "framecodec_counter_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "stream" {
					streams[l.GetValue()] = true
				}
			}
		}
	}
	assert.Len(t, streams, 3)
}

func TestRunRawvideoRGB(t *testing.T) {
	s := smallSettings()
	s.Encoder.Encoder = "rawvideo"
	s.Decoder.OutputFormat = "rgb24"
	ok, err := run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)
}
