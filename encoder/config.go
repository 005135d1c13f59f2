package encoder

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// Config holds the encoder settings. Changes take effect the next time the
// codec is opened.
type Config struct {
	// Library selects the codec library; empty picks ffmpeg when compiled
	// in, otherwise the built-in software library.
	Library string `yaml:"library"`
	Encoder string `yaml:"encoder"`
	Profile string `yaml:"profile"`
	Preset  string `yaml:"preset"`
	Tune    string `yaml:"tune"`
	// Delay is the encoder lookahead in frames; empty leaves the codec default.
	Delay   string `yaml:"delay"`
	QMax    int    `yaml:"qmax"`
	BitRate int64  `yaml:"bit_rate"`
	GOPSize int    `yaml:"gop_size"`
	// PixelFormat is the format frames are submitted to the codec in; empty
	// uses the codec's preferred format.
	PixelFormat        string         `yaml:"pixel_format"`
	FrameRate          media.Rational `yaml:"frame_rate"`
	HardwarePolicy     string         `yaml:"hardware_policy"`
	MeasurePerformance bool           `yaml:"measure_performance"`
}

// DefaultConfig returns the settings a new Encoder starts with.
func DefaultConfig() Config {
	return Config{
		Encoder:            "delta",
		Profile:            "main",
		Preset:             "medium",
		BitRate:            1000000,
		GOPSize:            15,
		FrameRate:          media.Rational{Num: 100, Den: 1},
		HardwarePolicy:     string(codec.PolicyFallback),
		MeasurePerformance: true,
	}
}

// Validate checks the fields that can be checked without opening a codec.
func (c Config) Validate() error {
	if c.Encoder == "" {
		return fmt.Errorf("%w: empty encoder name", codec.ErrEncoderNotFound)
	}
	if _, err := media.ParsePixelFormat(c.PixelFormat); err != nil {
		return err
	}
	if _, err := codec.ParseHardwarePolicy(c.HardwarePolicy); err != nil {
		return err
	}
	if !c.FrameRate.Valid() {
		return fmt.Errorf("%w: frame rate %s", codec.ErrInvalidOption, c.FrameRate)
	}
	if c.GOPSize < 0 || c.BitRate < 0 || c.QMax < 0 {
		return fmt.Errorf("%w: gop %d, bit rate %d, qmax %d must not be negative",
			codec.ErrInvalidOption, c.GOPSize, c.BitRate, c.QMax)
	}
	if c.Delay != "" {
		if n, err := strconv.Atoi(c.Delay); err != nil || n < 0 {
			return fmt.Errorf("%w: delay %q", codec.ErrInvalidOption, c.Delay)
		}
	}
	return nil
}

// options returns the codec private options that are set.
func (c Config) options() map[string]string {
	opts := make(map[string]string, 4)
	for k, v := range map[string]string{
		"profile": c.Profile,
		"preset":  c.Preset,
		"tune":    c.Tune,
		"delay":   c.Delay,
	} {
		if v != "" {
			opts[k] = v
		}
	}
	return opts
}

func (c Config) params(sel codec.Selection, width, height int, format media.PixelFormat) codec.EncoderParams {
	return codec.EncoderParams{
		Name:        sel.Info.Name,
		Width:       width,
		Height:      height,
		PixelFormat: format,
		TimeBase:    c.FrameRate.Invert(),
		FrameRate:   c.FrameRate,
		BitRate:     c.BitRate,
		GOPSize:     c.GOPSize,
		QMax:        c.QMax,
		Options:     c.options(),
		Device:      sel.Device,
	}
}
