package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/framecodec/encoder"
	"github.com/opd-ai/framecodec/media"
)

// Settings is everything a round-trip run needs. It is the schema of the
// YAML file passed with -config.
type Settings struct {
	Encoder encoder.Config  `yaml:"encoder"`
	Decoder DecoderSettings `yaml:"decoder"`
	Run     RunSettings     `yaml:"run"`
}

// DecoderSettings configures the decoding side of each stream.
type DecoderSettings struct {
	Library        string `yaml:"library"`
	Decoder        string `yaml:"decoder"`
	HardwarePolicy string `yaml:"hardware_policy"`
	OutputFormat   string `yaml:"output_format"`
}

// RunSettings controls the synthetic workload.
type RunSettings struct {
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	Frames      int           `yaml:"frames"`
	Streams     int           `yaml:"streams"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Hold        time.Duration `yaml:"hold"`
	LogLevel    string        `yaml:"log_level"`
}

func defaultSettings() Settings {
	return Settings{
		Encoder: encoder.DefaultConfig(),
		Decoder: DecoderSettings{
			HardwarePolicy: "fallback",
			OutputFormat:   string(media.PixelFormatBGR24),
		},
		Run: RunSettings{
			Width:    640,
			Height:   480,
			Frames:   100,
			Streams:  1,
			LogLevel: "info",
		},
	}
}

// loadSettings decodes a YAML document over base. Keys missing from the
// document keep their base values.
func loadSettings(r io.Reader, base Settings) (Settings, error) {
	s := base
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse config: %w", err)
	}
	return s, nil
}

func loadSettingsFile(path string, base Settings) (Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return loadSettings(f, base)
}

// CLIConfig is the parsed command line.
type CLIConfig struct {
	configPath string
	help       bool
	settings   Settings
}

// newFlagSet registers the command line flags. Defaults come from s and
// parsed values are written back into it.
func newFlagSet(cli *CLIConfig, s *Settings, fps *int, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("framecodec", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cli.configPath, "config", "", "YAML config file")
	fs.BoolVar(&cli.help, "help", false, "Show help message")

	// Encoder
	fs.StringVar(&s.Encoder.Library, "library", s.Encoder.Library, "Codec library (soft, ffmpeg; empty picks the best available)")
	fs.StringVar(&s.Encoder.Encoder, "encoder", s.Encoder.Encoder, "Encoder name")
	fs.StringVar(&s.Encoder.Profile, "profile", s.Encoder.Profile, "Encoder profile")
	fs.StringVar(&s.Encoder.Preset, "preset", s.Encoder.Preset, "Encoder preset")
	fs.StringVar(&s.Encoder.Tune, "tune", s.Encoder.Tune, "Encoder tune")
	fs.StringVar(&s.Encoder.Delay, "delay", s.Encoder.Delay, "Encoder lookahead delay in frames")
	fs.IntVar(&s.Encoder.GOPSize, "gop", s.Encoder.GOPSize, "GOP size")
	fs.Int64Var(&s.Encoder.BitRate, "bitrate", s.Encoder.BitRate, "Target bit rate")
	fs.IntVar(&s.Encoder.QMax, "qmax", s.Encoder.QMax, "Quantizer ceiling (0 leaves the codec default)")
	fs.StringVar(&s.Encoder.PixelFormat, "pix-fmt", s.Encoder.PixelFormat, "Encoder pixel format (empty lets the codec decide)")
	fs.IntVar(fps, "fps", s.Encoder.FrameRate.Num, "Frame rate")
	fs.StringVar(&s.Encoder.HardwarePolicy, "hw-policy", s.Encoder.HardwarePolicy, "Encoder hardware policy (fallback, require, disable)")
	fs.BoolVar(&s.Encoder.MeasurePerformance, "timers", s.Encoder.MeasurePerformance, "Measure and print stage timers")

	// Decoder
	fs.StringVar(&s.Decoder.Decoder, "decoder", s.Decoder.Decoder, "Decoder name hint")
	fs.StringVar(&s.Decoder.HardwarePolicy, "decoder-hw-policy", s.Decoder.HardwarePolicy, "Decoder hardware policy")
	fs.StringVar(&s.Decoder.OutputFormat, "output-format", s.Decoder.OutputFormat, "Decoded image pixel format")

	// Workload
	fs.IntVar(&s.Run.Width, "width", s.Run.Width, "Frame width")
	fs.IntVar(&s.Run.Height, "height", s.Run.Height, "Frame height")
	fs.IntVar(&s.Run.Frames, "frames", s.Run.Frames, "Frames per stream")
	fs.IntVar(&s.Run.Streams, "streams", s.Run.Streams, "Concurrent streams")
	fs.StringVar(&s.Run.MetricsAddr, "metrics-addr", s.Run.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.DurationVar(&s.Run.Hold, "hold", s.Run.Hold, "Keep serving metrics this long after the run")
	fs.StringVar(&s.Run.LogLevel, "log-level", s.Run.LogLevel, "Log level (debug, info, warn, error)")
	return fs
}

// parseCLIFlags parses args, loads the optional config file and applies
// the flags given explicitly on top of it.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cli := &CLIConfig{}
	s := defaultSettings()
	var fps int
	fs := newFlagSet(cli, &s, &fps, output)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	flagged := s
	flagged.Encoder.FrameRate = media.Rational{Num: fps, Den: 1}

	if cli.configPath == "" {
		cli.settings = flagged
		return cli, nil
	}

	fromFile, err := loadSettingsFile(cli.configPath, defaultSettings())
	if err != nil {
		return nil, err
	}
	// Flags given on the command line win over the file.
	fs.Visit(func(f *flag.Flag) {
		overrideFromFlag(&fromFile, &flagged, f.Name)
	})
	cli.settings = fromFile
	return cli, nil
}

func overrideFromFlag(dst, src *Settings, name string) {
	switch name {
	case "library":
		dst.Encoder.Library = src.Encoder.Library
	case "encoder":
		dst.Encoder.Encoder = src.Encoder.Encoder
	case "profile":
		dst.Encoder.Profile = src.Encoder.Profile
	case "preset":
		dst.Encoder.Preset = src.Encoder.Preset
	case "tune":
		dst.Encoder.Tune = src.Encoder.Tune
	case "delay":
		dst.Encoder.Delay = src.Encoder.Delay
	case "gop":
		dst.Encoder.GOPSize = src.Encoder.GOPSize
	case "bitrate":
		dst.Encoder.BitRate = src.Encoder.BitRate
	case "qmax":
		dst.Encoder.QMax = src.Encoder.QMax
	case "pix-fmt":
		dst.Encoder.PixelFormat = src.Encoder.PixelFormat
	case "fps":
		dst.Encoder.FrameRate = src.Encoder.FrameRate
	case "hw-policy":
		dst.Encoder.HardwarePolicy = src.Encoder.HardwarePolicy
	case "timers":
		dst.Encoder.MeasurePerformance = src.Encoder.MeasurePerformance
	case "decoder":
		dst.Decoder.Decoder = src.Decoder.Decoder
	case "decoder-hw-policy":
		dst.Decoder.HardwarePolicy = src.Decoder.HardwarePolicy
	case "output-format":
		dst.Decoder.OutputFormat = src.Decoder.OutputFormat
	case "width":
		dst.Run.Width = src.Run.Width
	case "height":
		dst.Run.Height = src.Run.Height
	case "frames":
		dst.Run.Frames = src.Run.Frames
	case "streams":
		dst.Run.Streams = src.Run.Streams
	case "metrics-addr":
		dst.Run.MetricsAddr = src.Run.MetricsAddr
	case "hold":
		dst.Run.Hold = src.Run.Hold
	case "log-level":
		dst.Run.LogLevel = src.Run.LogLevel
	}
}

// validateSettings checks the workload; codec options are validated by
// the encoder and decoder themselves.
func validateSettings(s Settings) error {
	if err := s.Encoder.Validate(); err != nil {
		return err
	}
	if s.Run.Width <= 0 || s.Run.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", s.Run.Width, s.Run.Height)
	}
	if s.Run.Frames <= 0 {
		return fmt.Errorf("frames must be positive")
	}
	if s.Run.Streams <= 0 {
		return fmt.Errorf("streams must be positive")
	}
	out, err := media.ParsePixelFormat(s.Decoder.OutputFormat)
	if err != nil {
		return err
	}
	if out.IsBayer() {
		return fmt.Errorf("%w: output format %s", media.ErrInputOnlyFormat, out)
	}
	if s.Run.Hold < 0 {
		return fmt.Errorf("hold cannot be negative")
	}
	return nil
}
