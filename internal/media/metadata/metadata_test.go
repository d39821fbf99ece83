package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicphoto/internal/media/mediatest"
	"civicphoto/internal/media/sniffer"
)

func TestInspectJPEG(t *testing.T) {
	data := mediatest.JPEG(t, mediatest.Gradient(40, 30), mediatest.JPEGOptions{
		EXIF:    &mediatest.EXIF{Orientation: 6, GPS: true},
		XMP:     []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"/>`),
		Comment: "shot on a phone",
	})

	report, err := Inspect(data, sniffer.MIMEJPEG)
	require.NoError(t, err)
	assert.True(t, report.EXIF)
	assert.True(t, report.GPS)
	assert.True(t, report.XMP)
	assert.True(t, report.Comment)
	assert.Equal(t, 6, report.Orientation)
	assert.True(t, report.HasCaptureMetadata())
}

func TestInspectCleanJPEG(t *testing.T) {
	data := mediatest.JPEG(t, mediatest.Gradient(40, 30), mediatest.JPEGOptions{})

	report, err := Inspect(data, sniffer.MIMEJPEG)
	require.NoError(t, err)
	assert.False(t, report.HasCaptureMetadata())
	assert.Equal(t, OrientationNormal, report.Orientation)
}

func TestInspectPNG(t *testing.T) {
	data := mediatest.PNG(t, mediatest.Gradient(20, 20), mediatest.PNGOptions{
		EXIF: &mediatest.EXIF{Orientation: 3},
		Text: "hello",
	})

	report, err := Inspect(data, sniffer.MIMEPNG)
	require.NoError(t, err)
	assert.True(t, report.EXIF)
	assert.False(t, report.GPS)
	assert.True(t, report.Comment)
	assert.Equal(t, 3, report.Orientation)
}

func TestInspectGIF(t *testing.T) {
	data := mediatest.GIF(t, mediatest.GIFOptions{
		Width: 16, Height: 16, Delays: []int{10, 10}, Comment: "made by", XMP: true,
	})

	report, err := Inspect(data, sniffer.MIMEGIF)
	require.NoError(t, err)
	assert.True(t, report.Comment)
	assert.True(t, report.XMP)
	assert.Equal(t, 2, report.Frames)
	assert.Equal(t, int64(2*16*16), report.FramePixels)

	clean := mediatest.GIF(t, mediatest.GIFOptions{Width: 16, Height: 16, Delays: []int{10}})
	report, err = Inspect(clean, sniffer.MIMEGIF)
	require.NoError(t, err)
	assert.False(t, report.HasCaptureMetadata())
}

func TestInspectGIFCountsEveryDescriptor(t *testing.T) {
	report, err := Inspect(mediatest.SparseGIF(4000, 4000, 12), sniffer.MIMEGIF)
	require.NoError(t, err)
	assert.Equal(t, 12, report.Frames)
	assert.Equal(t, int64(12*4000*4000), report.FramePixels)
}

func TestInspectWEBP(t *testing.T) {
	img := mediatest.Gradient(40, 30)
	data := mediatest.WebP(t, img, mediatest.WebPOptions{
		EXIF: &mediatest.EXIF{Orientation: 8, GPS: true},
		XMP:  []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"/>`),
	})

	report, err := Inspect(data, sniffer.MIMEWEBP)
	require.NoError(t, err)
	assert.True(t, report.EXIF)
	assert.True(t, report.GPS)
	assert.True(t, report.XMP)
	assert.Equal(t, 8, report.Orientation)

	report, err = Inspect(mediatest.WebP(t, img, mediatest.WebPOptions{}), sniffer.MIMEWEBP)
	require.NoError(t, err)
	assert.False(t, report.HasCaptureMetadata())
	assert.Equal(t, OrientationNormal, report.Orientation)
}

func TestInspectTruncated(t *testing.T) {
	data := mediatest.JPEG(t, mediatest.Gradient(40, 30), mediatest.JPEGOptions{
		EXIF: &mediatest.EXIF{Orientation: 1},
	})

	_, err := Inspect(data[:10], sniffer.MIMEJPEG)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Inspect(data, "application/pdf")
	assert.ErrorIs(t, err, sniffer.ErrUnknownType)
}
