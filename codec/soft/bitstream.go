package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/framecodec/codec"
	"github.com/opd-ai/framecodec/media"
)

// Packet header layout (12 bytes, little-endian):
//
//	[0:2]   magic ("RV" rawvideo, "DV" delta)
//	[2]     version
//	[3]     frame type
//	[4]     pixel format id
//	[5]     reorder depth
//	[6]     quantizer shift
//	[7]     reserved
//	[8:10]  width
//	[10:12] height
const (
	headerSize     = 12
	bitstreamVer   = 1
	maxDimension   = 16383
	frameTypeIntra = 0
	frameTypeP     = 1
	frameTypeB     = 2
)

var (
	magicRaw   = [2]byte{'R', 'V'}
	magicDelta = [2]byte{'D', 'V'}
)

type packetHeader struct {
	magic        [2]byte
	frameType    byte
	format       media.PixelFormat
	reorderDepth int
	quantShift   uint
	width        int
	height       int
}

func (h *packetHeader) marshal(dst []byte) []byte {
	var b [headerSize]byte
	b[0], b[1] = h.magic[0], h.magic[1]
	b[2] = bitstreamVer
	b[3] = h.frameType
	b[4] = formatIDs[h.format]
	b[5] = byte(h.reorderDepth)
	b[6] = byte(h.quantShift)
	binary.LittleEndian.PutUint16(b[8:10], uint16(h.width))
	binary.LittleEndian.PutUint16(b[10:12], uint16(h.height))
	return append(dst, b[:]...)
}

func parseHeader(data []byte, magic [2]byte) (packetHeader, error) {
	if len(data) < headerSize {
		return packetHeader{}, fmt.Errorf("%w: packet too short: %d bytes", codec.ErrInvalidData, len(data))
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return packetHeader{}, fmt.Errorf("%w: bad magic %q", codec.ErrInvalidData, data[0:2])
	}
	if data[2] != bitstreamVer {
		return packetHeader{}, fmt.Errorf("%w: unsupported version %d", codec.ErrInvalidData, data[2])
	}
	format, ok := formatFromID(data[4])
	if !ok {
		return packetHeader{}, fmt.Errorf("%w: unknown pixel format id %d", codec.ErrInvalidData, data[4])
	}
	h := packetHeader{
		magic:        magic,
		frameType:    data[3],
		format:       format,
		reorderDepth: int(data[5]),
		quantShift:   uint(data[6]),
		width:        int(binary.LittleEndian.Uint16(data[8:10])),
		height:       int(binary.LittleEndian.Uint16(data[10:12])),
	}
	if h.frameType > frameTypeB {
		return packetHeader{}, fmt.Errorf("%w: unknown frame type %d", codec.ErrInvalidData, h.frameType)
	}
	if err := checkDimensions(h.width, h.height, h.format); err != nil {
		return packetHeader{}, fmt.Errorf("%w: %v", codec.ErrInvalidData, err)
	}
	return h, nil
}

func checkDimensions(width, height int, format media.PixelFormat) error {
	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension {
		return fmt.Errorf("%w: frame size %dx%d out of range", codec.ErrFrameMismatch, width, height)
	}
	if format.IsPlanarYUV() && (width%2 != 0 || height%2 != 0) {
		return fmt.Errorf("%w: %dx%d must be even for %s", codec.ErrFrameMismatch, width, height, format)
	}
	return nil
}
