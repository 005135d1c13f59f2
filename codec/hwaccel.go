package codec

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Kind selects between encoder and decoder lookups.
type Kind int

const (
	KindEncoder Kind = iota
	KindDecoder
)

func (k Kind) String() string {
	if k == KindDecoder {
		return "decoder"
	}
	return "encoder"
}

// Accel is the definite outcome of hardware negotiation.
type Accel int

const (
	AccelSoftware Accel = iota
	AccelHardware
)

func (a Accel) String() string {
	if a == AccelHardware {
		return "hardware"
	}
	return "software"
}

// HardwarePolicy decides what happens when a hardware device cannot be
// acquired for a hardware codec.
type HardwarePolicy string

const (
	// PolicyFallback switches to the codec's software counterpart.
	PolicyFallback HardwarePolicy = "fallback"
	// PolicyRequire fails the open.
	PolicyRequire HardwarePolicy = "require"
	// PolicyDisable never touches hardware and always uses the software counterpart.
	PolicyDisable HardwarePolicy = "disable"
)

// ParseHardwarePolicy parses a policy name; empty means PolicyFallback.
func ParseHardwarePolicy(s string) (HardwarePolicy, error) {
	switch p := HardwarePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyFallback, nil
	case PolicyFallback, PolicyRequire, PolicyDisable:
		return p, nil
	default:
		return "", fmt.Errorf("%w: hardware policy %q", ErrInvalidOption, s)
	}
}

// Selection is the result of Negotiate. Device is non-nil exactly when
// Accel is AccelHardware and must be released with Release.
type Selection struct {
	Requested string
	Info      CodecInfo
	Device    HardwareDevice
	Accel     Accel
}

// Release closes the hardware device, if any.
func (s *Selection) Release() error {
	if s.Device == nil {
		return nil
	}
	err := s.Device.Close()
	s.Device = nil
	return err
}

func lookupInfo(lib Library, kind Kind, name string) (CodecInfo, error) {
	var (
		info CodecInfo
		ok   bool
	)
	if kind == KindDecoder {
		info, ok = lib.DecoderInfo(name)
		if !ok {
			return CodecInfo{}, fmt.Errorf("%w: %q in library %s", ErrDecoderNotFound, name, lib.Name())
		}
		return info, nil
	}
	info, ok = lib.EncoderInfo(name)
	if !ok {
		return CodecInfo{}, fmt.Errorf("%w: %q in library %s", ErrEncoderNotFound, name, lib.Name())
	}
	return info, nil
}

// Negotiate resolves the codec to open and acquires its hardware device.
// The outcome is always definite: a hardware selection holding a device, a
// software selection, or an error. For a given library state and policy
// the same request always yields the same outcome.
//
// Resolution:
// 1. Look up name in the library for the requested kind
// 2. Software codecs are selected as they are
// 3. PolicyDisable switches to the software fallback without opening a device
// 4. Otherwise the device is opened; on failure PolicyRequire returns
// ErrHardwareUnavailable and PolicyFallback switches to the software fallback
//
// Parameters:
//   - lib: Codec library to resolve in
//   - kind: KindEncoder or KindDecoder
//   - name: Codec name as the library knows it
//   - policy: What to do when the hardware device cannot be opened
//   - log: Logger for the decision (nil uses the standard logger)
//
// Returns:
//   - Selection: Codec info, acceleration and the device to release
//   - error: ErrEncoderNotFound/ErrDecoderNotFound or ErrHardwareUnavailable
func Negotiate(lib Library, kind Kind, name string, policy HardwarePolicy, log logrus.FieldLogger) (Selection, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if policy == "" {
		policy = PolicyFallback
	}
	fields := logrus.Fields{
		"function": "Negotiate",
		"kind":     kind.String(),
		"codec":    name,
		"policy":   string(policy),
		"library":  lib.Name(),
	}

	info, err := lookupInfo(lib, kind, name)
	if err != nil {
		return Selection{}, err
	}
	if !info.IsHardware() {
		return Selection{Requested: name, Info: info, Accel: AccelSoftware}, nil
	}

	if policy == PolicyDisable {
		return softwareCounterpart(lib, kind, info, fmt.Errorf("hardware disabled by policy"), log.WithFields(fields))
	}

	dev, err := lib.OpenHardwareDevice(info.HardwareDevice)
	if err == nil {
		log.WithFields(fields).WithField("device", dev.Type()).Info("Hardware acceleration active")
		return Selection{Requested: name, Info: info, Device: dev, Accel: AccelHardware}, nil
	}

	if policy == PolicyRequire {
		log.WithFields(fields).WithField("error", err.Error()).Error("Hardware device required but unavailable")
		return Selection{}, fmt.Errorf("%w: %s device for %s: %v", ErrHardwareUnavailable, info.HardwareDevice, name, err)
	}
	return softwareCounterpart(lib, kind, info, err, log.WithFields(fields))
}

func softwareCounterpart(lib Library, kind Kind, hw CodecInfo, cause error, log logrus.FieldLogger) (Selection, error) {
	if hw.SoftwareFallback == "" {
		return Selection{}, fmt.Errorf("%w: %s has no software counterpart: %v", ErrHardwareUnavailable, hw.Name, cause)
	}
	info, err := lookupInfo(lib, kind, hw.SoftwareFallback)
	if err != nil {
		return Selection{}, fmt.Errorf("software counterpart of %s: %w", hw.Name, err)
	}
	if info.IsHardware() {
		return Selection{}, fmt.Errorf("%w: counterpart %s of %s is a hardware codec", ErrHardwareUnavailable, info.Name, hw.Name)
	}

	log.WithFields(logrus.Fields{
		"fallback": info.Name,
		"reason":   cause.Error(),
	}).Warn("Falling back to software codec")

	return Selection{Requested: hw.Name, Info: info, Accel: AccelSoftware}, nil
}
