package soft

import (
	"compress/flate"
	"fmt"
	"strconv"

	"github.com/opd-ai/framecodec/codec"
)

const (
	defaultBFrames = 2
	defaultDelay   = 4
	maxBFrames     = 16
	maxQuantShift  = 3
	lowBitRate     = 256000
)

var presetLevels = map[string]int{
	"ultrafast": flate.BestSpeed,
	"superfast": flate.BestSpeed,
	"veryfast":  flate.BestSpeed,
	"faster":    flate.DefaultCompression,
	"fast":      flate.DefaultCompression,
	"medium":    flate.DefaultCompression,
	"slow":      flate.BestCompression,
	"slower":    flate.BestCompression,
	"veryslow":  flate.BestCompression,
	"placebo":   flate.BestCompression,
	"lossless":  flate.BestCompression,
}

var knownTunes = map[string]bool{
	"film":        true,
	"animation":   true,
	"grain":       true,
	"stillimage":  true,
	"psnr":        true,
	"ssim":        true,
	"fastdecode":  true,
	"zerolatency": true,
}

// deltaSettings are the resolved encoder options.
type deltaSettings struct {
	level      int
	bframes    int
	delay      int
	gop        int
	quantShift uint
	lossless   bool
}

func resolveSettings(p codec.EncoderParams) (deltaSettings, error) {
	s := deltaSettings{
		level:   flate.DefaultCompression,
		bframes: defaultBFrames,
		delay:   defaultDelay,
		gop:     p.GOPSize,
	}
	opts := p.Options

	if preset := opts["preset"]; preset != "" {
		level, ok := presetLevels[preset]
		if !ok {
			return s, fmt.Errorf("%w: preset %q", codec.ErrInvalidOption, preset)
		}
		s.level = level
		s.lossless = preset == "lossless"
	}
	if p.BitRate > 0 && p.BitRate < lowBitRate {
		s.level = flate.BestCompression
	}

	switch profile := opts["profile"]; profile {
	case "", "main", "high":
	case "baseline":
		s.bframes = 0
	default:
		return s, fmt.Errorf("%w: profile %q", codec.ErrInvalidOption, profile)
	}

	if tune := opts["tune"]; tune != "" {
		if !knownTunes[tune] {
			return s, fmt.Errorf("%w: tune %q", codec.ErrInvalidOption, tune)
		}
		if tune == "zerolatency" {
			s.bframes = 0
			s.delay = 0
		}
	}

	if v := opts["bf"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxBFrames {
			return s, fmt.Errorf("%w: bf %q", codec.ErrInvalidOption, v)
		}
		s.bframes = n
	}

	if v := opts["delay"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s, fmt.Errorf("%w: delay %q", codec.ErrInvalidOption, v)
		}
		s.delay = n
	}

	// lossless ignores qmax.
	if p.QMax > 0 && !s.lossless {
		s.quantShift = uint(p.QMax / 8)
		if s.quantShift > maxQuantShift {
			s.quantShift = maxQuantShift
		}
	}
	if s.gop < 1 {
		s.gop = 1
	}
	return s, nil
}
