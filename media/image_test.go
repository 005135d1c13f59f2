package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePixelFormat(t *testing.T) {
	tests := []struct {
		in        string
		expected  PixelFormat
		expectErr bool
	}{
		{"bgr8", PixelFormatBGR24, false},
		{"BGR24", PixelFormatBGR24, false},
		{"mono8", PixelFormatGray, false},
		{"yuv420p", PixelFormatYUV420P, false},
		{" nv12 ", PixelFormatNV12, false},
		{"", PixelFormatNone, false},
		{"bayer_rggb8", PixelFormatBayerRGGB8, false},
		{"BAYER_GRBG8", PixelFormatBayerGRBG8, false},
		{"yuv444p", PixelFormatNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, err := ParsePixelFormat(tt.in)
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrUnknownPixelFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, f)
		})
	}
}

func TestPixelFormatFrameSize(t *testing.T) {
	assert.Equal(t, 640*480*3/2, PixelFormatYUV420P.FrameSize(640, 480))
	assert.Equal(t, 640*480*3/2, PixelFormatNV12.FrameSize(640, 480))
	assert.Equal(t, 640*480*3, PixelFormatBGR24.FrameSize(640, 480))
	assert.Equal(t, 640*480, PixelFormatGray.FrameSize(640, 480))
	assert.Equal(t, 640*480, PixelFormatBayerBGGR8.FrameSize(640, 480))
	assert.Equal(t, 0, PixelFormat("bogus").FrameSize(640, 480))
	assert.True(t, PixelFormatBayerGBRG8.Known())
	assert.True(t, PixelFormatBayerGBRG8.IsBayer())
	assert.False(t, PixelFormatBayerGBRG8.IsPlanarYUV())
	assert.Zero(t, PixelFormatBayerGBRG8.BytesPerPixel())
}

func TestImageValidate(t *testing.T) {
	tests := []struct {
		name    string
		img     *Image
		wantErr error
	}{
		{"nil", nil, ErrNilImage},
		{"zero_width", &Image{Width: 0, Height: 2, Format: PixelFormatGray}, ErrInvalidDimensions},
		{"odd_yuv", &Image{Width: 3, Height: 2, Format: PixelFormatYUV420P, Data: make([]byte, 64)}, ErrInvalidDimensions},
		{"short_yuv", &Image{Width: 4, Height: 2, Format: PixelFormatYUV420P, Data: make([]byte, 9)}, ErrShortBuffer},
		{"short_packed", &Image{Width: 4, Height: 2, Format: PixelFormatBGR24, Data: make([]byte, 23)}, ErrShortBuffer},
		{"small_step", &Image{Width: 4, Height: 2, Step: 8, Format: PixelFormatBGR24, Data: make([]byte, 64)}, ErrShortBuffer},
		{"unknown_format", &Image{Width: 4, Height: 2, Format: "p010"}, ErrUnknownPixelFormat},
		{"valid_padded", &Image{Width: 4, Height: 2, Step: 16, Format: PixelFormatBGR24, Data: make([]byte, 28)}, nil},
		{"odd_bayer", &Image{Width: 3, Height: 2, Format: PixelFormatBayerRGGB8, Data: make([]byte, 64)}, ErrInvalidDimensions},
		{"short_bayer", &Image{Width: 4, Height: 2, Format: PixelFormatBayerRGGB8, Data: make([]byte, 7)}, ErrShortBuffer},
		{"valid_bayer", &Image{Width: 4, Height: 2, Format: PixelFormatBayerRGGB8, Data: make([]byte, 8)}, nil},
		{"valid_yuv", &Image{Width: 4, Height: 2, Format: PixelFormatYUV420P, Data: make([]byte, 12)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.img.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestImagePlanes(t *testing.T) {
	img, err := NewImage(4, 2, PixelFormatYUV420P)
	require.NoError(t, err)

	planes, strides := img.Planes()
	require.Len(t, planes, 3)
	assert.Len(t, planes[0], 8)
	assert.Len(t, planes[1], 2)
	assert.Len(t, planes[2], 2)
	assert.Equal(t, []int{4, 2, 2}, strides)

	// Planes alias the image buffer.
	planes[1][0] = 0x7f
	assert.Equal(t, byte(0x7f), img.Data[8])

	nv, err := NewImage(4, 2, PixelFormatNV12)
	require.NoError(t, err)
	planes, strides = nv.Planes()
	require.Len(t, planes, 2)
	assert.Len(t, planes[1], 4)
	assert.Equal(t, []int{4, 4}, strides)
}

func TestRational(t *testing.T) {
	r := Rational{Num: 100, Den: 1}
	assert.True(t, r.Valid())
	assert.Equal(t, 100.0, r.Float64())
	assert.Equal(t, Rational{Num: 1, Den: 100}, r.Invert())
	assert.Equal(t, "100/1", r.String())
	assert.False(t, Rational{}.Valid())
	assert.Equal(t, 0.0, Rational{}.Float64())
}
