package encoder

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// Config returns a copy of the current configuration.
func (e *Encoder) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig replaces the whole configuration after validating it.
func (e *Encoder) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.timers.SetEnabled(cfg.MeasurePerformance)
	return nil
}

// SetCodecLibrary pins the codec library instance, overriding the Library
// name of the configuration. A nil library restores name resolution.
func (e *Encoder) SetCodecLibrary(lib codec.Library) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.lib = lib
}

func (e *Encoder) snapshot() (Config, codec.Library) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg, e.lib
}

func (e *Encoder) update(fn func(*Config)) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	fn(&e.cfg)
}

// SetLibrary selects the codec library by registry name.
func (e *Encoder) SetLibrary(name string) {
	e.update(func(c *Config) { c.Library = name })
}

// SetEncoder selects the encoder, e.g. "libx264", "h264_vaapi" or "delta".
func (e *Encoder) SetEncoder(name string) {
	e.update(func(c *Config) { c.Encoder = name })
}

// SetProfile sets the codec profile.
func (e *Encoder) SetProfile(profile string) {
	e.update(func(c *Config) { c.Profile = profile })
}

// SetPreset sets the speed/quality preset.
func (e *Encoder) SetPreset(preset string) {
	e.update(func(c *Config) { c.Preset = preset })
}

// SetTune sets the tuning, e.g. "zerolatency".
func (e *Encoder) SetTune(tune string) {
	e.update(func(c *Config) { c.Tune = tune })
}

// SetDelay sets the lookahead delay in frames; empty restores the codec default.
func (e *Encoder) SetDelay(delay string) error {
	if delay != "" {
		if n, err := strconv.Atoi(delay); err != nil || n < 0 {
			return fmt.Errorf("%w: delay %q", codec.ErrInvalidOption, delay)
		}
	}
	e.update(func(c *Config) { c.Delay = delay })
	return nil
}

// SetQMax sets the quantizer ceiling; 0 leaves the codec default.
func (e *Encoder) SetQMax(qmax int) {
	e.update(func(c *Config) { c.QMax = qmax })
}

// SetBitRate sets the target bit rate in bits per second.
func (e *Encoder) SetBitRate(bitRate int64) {
	e.update(func(c *Config) { c.BitRate = bitRate })
}

// SetGOPSize sets the keyframe interval in frames.
func (e *Encoder) SetGOPSize(size int) {
	e.update(func(c *Config) { c.GOPSize = size })
}

// GOPSize returns the configured keyframe interval.
func (e *Encoder) GOPSize() int {
	return e.Config().GOPSize
}

// SetPixelFormat sets the format frames are handed to the codec in. Unlike
// the other settings, a change reopens an open codec with the next frame.
func (e *Encoder) SetPixelFormat(format string) error {
	pf, err := media.ParsePixelFormat(format)
	if err != nil {
		return err
	}
	e.update(func(c *Config) { c.PixelFormat = string(pf) })
	return nil
}

// SetFrameRate sets the frame rate; the codec time base is its inverse.
func (e *Encoder) SetFrameRate(num, den int) error {
	r := media.Rational{Num: num, Den: den}
	if !r.Valid() {
		return fmt.Errorf("%w: frame rate %s", codec.ErrInvalidOption, r)
	}
	e.update(func(c *Config) { c.FrameRate = r })
	return nil
}

// SetHardwarePolicy sets what happens when a hardware encoder has no device.
func (e *Encoder) SetHardwarePolicy(policy string) error {
	p, err := codec.ParseHardwarePolicy(policy)
	if err != nil {
		return err
	}
	e.update(func(c *Config) { c.HardwarePolicy = string(p) })
	return nil
}
