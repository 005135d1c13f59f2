package decoder

import "strings"

// defaultDecoders maps encoder names, as carried in encoded packets, to the
// decoder that reads their bitstream.
var defaultDecoders = map[string]string{
	"libx264":     "h264",
	"h264_nvenc":  "h264",
	"h264_vaapi":  "h264",
	"h264_qsv":    "h264",
	"libx265":     "hevc",
	"hevc_nvenc":  "hevc",
	"hevc_vaapi":  "hevc",
	"hevc_qsv":    "hevc",
	"libvpx":      "vp8",
	"libvpx-vp9":  "vp9",
	"libsvtav1":   "av1",
	"libaom-av1":  "av1",
	"mjpeg":       "mjpeg",
	"rawvideo":    "rawvideo",
	"delta":       "delta",
	"delta_vaapi": "delta",
}

// DefaultEncoderToDecoderMap returns a copy of the built-in encoding to
// decoder table.
func DefaultEncoderToDecoderMap() map[string]string {
	m := make(map[string]string, len(defaultDecoders))
	for k, v := range defaultDecoders {
		m[k] = v
	}
	return m
}

// normalizeEncoding lowercases an encoding and strips a "video/" media type
// prefix, so "video/H264" and "h264" resolve alike.
func normalizeEncoding(encoding string) string {
	e := strings.ToLower(strings.TrimSpace(encoding))
	return strings.TrimPrefix(e, "video/")
}
