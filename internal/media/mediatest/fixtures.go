// Package mediatest builds in-memory image fixtures with hand-made metadata
// segments for tests across the media and pipeline packages.
package mediatest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/gen2brain/webp"
)

// EXIF describes the tags written into a fixture's EXIF block.
type EXIF struct {
	Orientation int
	GPS         bool
}

type JPEGOptions struct {
	Quality int
	EXIF    *EXIF
	XMP     []byte
	Comment string
}

type PNGOptions struct {
	EXIF *EXIF
	Text string
}

type GIFOptions struct {
	Width   int
	Height  int
	Delays  []int
	Comment string
	XMP     bool
}

type WebPOptions struct {
	Quality int
	EXIF    *EXIF
	XMP     []byte
}

// Gradient returns a smooth image that compresses well.
func Gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// Noise returns a deterministic high-entropy image.
func Noise(w, h int, seed uint32) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	state := seed | 1
	for i := 0; i < len(img.Pix); i += 4 {
		state = state*1664525 + 1013904223
		img.Pix[i] = uint8(state >> 24)
		img.Pix[i+1] = uint8(state >> 16)
		img.Pix[i+2] = uint8(state >> 8)
		img.Pix[i+3] = 255
	}
	return img
}

// TIFF returns a little-endian TIFF structure with IFD0 holding the
// orientation tag and, optionally, a GPS sub-IFD.
func TIFF(e EXIF) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	entries := 1
	if e.GPS {
		entries++
	}
	ifd0Size := 2 + 12*entries + 4
	gpsOffset := uint32(8 + ifd0Size)

	buf.WriteString("II")
	_ = binary.Write(&buf, le, uint16(42))
	_ = binary.Write(&buf, le, uint32(8))

	_ = binary.Write(&buf, le, uint16(entries))
	// Orientation, SHORT, count 1, value inline
	_ = binary.Write(&buf, le, uint16(0x0112))
	_ = binary.Write(&buf, le, uint16(3))
	_ = binary.Write(&buf, le, uint32(1))
	_ = binary.Write(&buf, le, uint16(e.Orientation))
	_ = binary.Write(&buf, le, uint16(0))
	if e.GPS {
		// GPSInfoIFDPointer, LONG
		_ = binary.Write(&buf, le, uint16(0x8825))
		_ = binary.Write(&buf, le, uint16(4))
		_ = binary.Write(&buf, le, uint32(1))
		_ = binary.Write(&buf, le, gpsOffset)
	}
	_ = binary.Write(&buf, le, uint32(0))

	if e.GPS {
		_ = binary.Write(&buf, le, uint16(1))
		// GPSLatitudeRef, ASCII, count 2, "N\0" inline
		_ = binary.Write(&buf, le, uint16(0x0001))
		_ = binary.Write(&buf, le, uint16(2))
		_ = binary.Write(&buf, le, uint32(2))
		buf.Write([]byte{'N', 0, 0, 0})
		_ = binary.Write(&buf, le, uint32(0))
	}
	return buf.Bytes()
}

func JPEG(tb testing.TB, img image.Image, opts JPEGOptions) []byte {
	tb.Helper()
	quality := opts.Quality
	if quality == 0 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		tb.Fatalf("encode jpeg: %v", err)
	}
	encoded := buf.Bytes()

	var segments bytes.Buffer
	if opts.EXIF != nil {
		writeJPEGSegment(&segments, 0xe1, append([]byte("Exif\x00\x00"), TIFF(*opts.EXIF)...))
	}
	if opts.XMP != nil {
		writeJPEGSegment(&segments, 0xe1, append([]byte("http://ns.adobe.com/xap/1.0/\x00"), opts.XMP...))
	}
	if opts.Comment != "" {
		writeJPEGSegment(&segments, 0xfe, []byte(opts.Comment))
	}

	out := make([]byte, 0, len(encoded)+segments.Len())
	out = append(out, encoded[:2]...)
	out = append(out, segments.Bytes()...)
	out = append(out, encoded[2:]...)
	return out
}

func writeJPEGSegment(buf *bytes.Buffer, marker byte, payload []byte) {
	buf.WriteByte(0xff)
	buf.WriteByte(marker)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(payload)+2))
	buf.Write(payload)
}

func PNG(tb testing.TB, img image.Image, opts PNGOptions) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	encoded := buf.Bytes()

	// signature (8) + IHDR chunk (4 len + 4 type + 13 data + 4 crc)
	const afterIHDR = 33
	var chunks bytes.Buffer
	if opts.EXIF != nil {
		writePNGChunk(&chunks, "eXIf", TIFF(*opts.EXIF))
	}
	if opts.Text != "" {
		writePNGChunk(&chunks, "tEXt", append([]byte("Comment\x00"), opts.Text...))
	}

	out := make([]byte, 0, len(encoded)+chunks.Len())
	out = append(out, encoded[:afterIHDR]...)
	out = append(out, chunks.Bytes()...)
	out = append(out, encoded[afterIHDR:]...)
	return out
}

func writePNGChunk(buf *bytes.Buffer, kind string, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	body := append([]byte(kind), data...)
	buf.Write(body)
	_ = binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(body))
}

// GIF builds an animation with one frame per entry in opts.Delays
// (hundredths of a second).
func GIF(tb testing.TB, opts GIFOptions) []byte {
	tb.Helper()
	anim := &gif.GIF{LoopCount: 0}
	for i, delay := range opts.Delays {
		frame := image.NewPaletted(image.Rect(0, 0, opts.Width, opts.Height), palette.Plan9)
		state := uint32(i*7919 + 1)
		for p := range frame.Pix {
			state = state*1664525 + 1013904223
			frame.Pix[p] = uint8(state >> 24)
		}
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, delay)
		anim.Disposal = append(anim.Disposal, gif.DisposalNone)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		tb.Fatalf("encode gif: %v", err)
	}
	encoded := buf.Bytes()
	body := encoded[:len(encoded)-1] // drop trailer

	var ext bytes.Buffer
	if opts.Comment != "" {
		ext.Write([]byte{0x21, 0xfe})
		writeSubBlocks(&ext, []byte(opts.Comment))
	}
	if opts.XMP {
		ext.Write([]byte{0x21, 0xff, 11})
		ext.WriteString("XMP DataXMP")
		writeSubBlocks(&ext, []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"/>`))
	}

	out := make([]byte, 0, len(encoded)+ext.Len())
	out = append(out, body...)
	out = append(out, ext.Bytes()...)
	out = append(out, 0x3b)
	return out
}

func writeSubBlocks(buf *bytes.Buffer, data []byte) {
	for len(data) > 0 {
		n := min(len(data), 255)
		buf.WriteByte(byte(n))
		buf.Write(data[:n])
		data = data[n:]
	}
	buf.WriteByte(0)
}

// WebP encodes img and, when metadata is requested, rewrites the container
// into the extended layout with EXIF and XMP chunks after the bitstream.
func WebP(tb testing.TB, img image.Image, opts WebPOptions) []byte {
	tb.Helper()
	quality := opts.Quality
	if quality == 0 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: quality}); err != nil {
		tb.Fatalf("encode webp: %v", err)
	}
	encoded := buf.Bytes()
	if opts.EXIF == nil && opts.XMP == nil {
		return encoded
	}
	if len(encoded) < 12 || string(encoded[0:4]) != "RIFF" || string(encoded[8:12]) != "WEBP" {
		tb.Fatalf("encoder produced an unexpected container")
	}

	var (
		flags     byte
		bitstream bytes.Buffer
	)
	for i := 12; i+8 <= len(encoded); {
		size := int(binary.LittleEndian.Uint32(encoded[i+4 : i+8]))
		end := min(i+8+size+size%2, len(encoded))
		if string(encoded[i:i+4]) == "VP8X" {
			flags = encoded[i+8]
		} else {
			bitstream.Write(encoded[i:end])
		}
		i = end
	}
	if opts.EXIF != nil {
		flags |= 0x08
	}
	if opts.XMP != nil {
		flags |= 0x04
	}

	b := img.Bounds()
	vp8x := make([]byte, 10)
	vp8x[0] = flags
	putUint24(vp8x[4:7], b.Dx()-1)
	putUint24(vp8x[7:10], b.Dy()-1)

	var body bytes.Buffer
	body.WriteString("WEBP")
	writeRIFFChunk(&body, "VP8X", vp8x)
	body.Write(bitstream.Bytes())
	if opts.EXIF != nil {
		writeRIFFChunk(&body, "EXIF", TIFF(*opts.EXIF))
	}
	if opts.XMP != nil {
		writeRIFFChunk(&body, "XMP ", opts.XMP)
	}

	var out bytes.Buffer
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeRIFFChunk(buf *bytes.Buffer, kind string, data []byte) {
	buf.WriteString(kind)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	if len(data)%2 == 1 {
		buf.WriteByte(0)
	}
}

func putUint24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// SparseGIF writes a GIF whose frames each cover the whole width x height
// screen but carry an empty pixel stream. Headers and descriptors are valid,
// so it is tiny on disk while claiming frames*width*height pixels.
func SparseGIF(width, height, frames int) []byte {
	var buf bytes.Buffer
	buf.WriteString("GIF89a")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(width))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(height))
	// global colour table of two entries
	buf.Write([]byte{0x80, 0, 0})
	buf.Write([]byte{0, 0, 0, 0xff, 0xff, 0xff})

	for i := 0; i < frames; i++ {
		buf.WriteByte(0x2c)
		_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
		_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
		_ = binary.Write(&buf, binary.LittleEndian, uint16(width))
		_ = binary.Write(&buf, binary.LittleEndian, uint16(height))
		buf.WriteByte(0)
		// LZW minimum code size 2, then clear and end-of-information codes
		buf.WriteByte(2)
		writeSubBlocks(&buf, []byte{0x2c})
	}
	buf.WriteByte(0x3b)
	return buf.Bytes()
}
