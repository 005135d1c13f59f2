// Package ffmpeg registers an FFmpeg-backed codec library under the name
// "ffmpeg". The bindings need cgo and the FFmpeg development libraries, so
// the library is only compiled with the ffmpeg build tag:
//
//	go build -tags ffmpeg ./...
//
// Without the tag the package only exports the codec naming helpers and the
// registry keeps using the built-in soft library.
package ffmpeg

import "strings"

// LibraryName is the registry name of the FFmpeg library.
const LibraryName = "ffmpeg"

// hardwareSuffixes maps codec name suffixes to the device type the codec
// needs. Wrappers that manage their own device (v4l2m2m, amf, mediacodec)
// count as software.
var hardwareSuffixes = map[string]string{
	"_vaapi":        "vaapi",
	"_nvenc":        "cuda",
	"_cuvid":        "cuda",
	"_qsv":          "qsv",
	"_videotoolbox": "videotoolbox",
	"_vulkan":       "vulkan",
	"_d3d12va":      "d3d12va",
}

// softwareEncoders names the preferred software encoder per bitstream.
var softwareEncoders = map[string]string{
	"h264":  "libx264",
	"hevc":  "libx265",
	"av1":   "libsvtav1",
	"vp8":   "libvpx",
	"vp9":   "libvpx-vp9",
	"mjpeg": "mjpeg",
}

// HardwareDevice returns the device type a codec name needs, or "" for a
// software codec.
func HardwareDevice(name string) string {
	for suffix, dev := range hardwareSuffixes {
		if strings.HasSuffix(name, suffix) {
			return dev
		}
	}
	return ""
}

// Bitstream strips a hardware suffix, mapping e.g. "hevc_vaapi" to "hevc".
func Bitstream(name string) string {
	for suffix := range hardwareSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// SoftwareEncoder returns the software encoder producing the same
// bitstream as a hardware encoder.
func SoftwareEncoder(name string) string {
	base := Bitstream(name)
	if sw, ok := softwareEncoders[base]; ok {
		return sw
	}
	return base
}

// SoftwareDecoder returns FFmpeg's native decoder for the bitstream of a
// hardware decoder.
func SoftwareDecoder(name string) string {
	return Bitstream(name)
}
