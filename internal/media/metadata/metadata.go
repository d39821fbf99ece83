// Package metadata inspects image containers for embedded capture metadata
// without decoding pixel data.
package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/rwcarlsen/goexif/exif"

	"civicphoto/internal/media/sniffer"
)

var ErrTruncated = errors.New("metadata: truncated container")

const (
	OrientationNormal = 1
)

var (
	exifHeader     = []byte("Exif\x00\x00")
	xmpJPEGHeader  = []byte("http://ns.adobe.com/xap/1.0/\x00")
	iccJPEGHeader  = []byte("ICC_PROFILE\x00")
	iptcJPEGHeader = []byte("Photoshop 3.0\x00")
	xmpPNGKeyword  = []byte("XML:com.adobe.xmp")
)

// Report lists what ancillary data a container carries.
type Report struct {
	EXIF    bool
	XMP     bool
	ICC     bool
	IPTC    bool
	Comment bool
	GPS     bool
	// Orientation is the EXIF orientation (1..8); 1 when absent or unreadable.
	Orientation int
	// Frames and FramePixels count the image descriptors of a GIF and the sum
	// of their areas. Decoding every frame costs about one byte per pixel.
	Frames      int
	FramePixels int64
}

// HasCaptureMetadata reports whether anything that can identify the device,
// location or capture time is present. Colour profiles do not count.
func (r Report) HasCaptureMetadata() bool {
	return r.EXIF || r.XMP || r.IPTC || r.Comment || r.GPS
}

// Inspect walks the container identified by mime. A partially readable
// container yields the findings so far together with ErrTruncated.
func Inspect(data []byte, mime string) (Report, error) {
	report := Report{Orientation: OrientationNormal}

	var (
		rawEXIF []byte
		err     error
	)
	switch sniffer.NormalizeMIME(mime) {
	case sniffer.MIMEJPEG:
		rawEXIF, err = inspectJPEG(data, &report)
	case sniffer.MIMEPNG:
		rawEXIF, err = inspectPNG(data, &report)
	case sniffer.MIMEWEBP:
		rawEXIF, err = inspectWEBP(data, &report)
	case sniffer.MIMEGIF:
		err = inspectGIF(data, &report)
	default:
		return report, sniffer.ErrUnknownType
	}

	if len(rawEXIF) > 0 {
		report.EXIF = true
		readEXIF(rawEXIF, &report)
	}
	return report, err
}

func readEXIF(raw []byte, report *Report) {
	raw = bytes.TrimPrefix(raw, exifHeader)
	x, err := exif.Decode(bytes.NewReader(raw))
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return
	}
	if _, err := x.Get(exif.GPSInfoIFDPointer); err == nil {
		report.GPS = true
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		report.Orientation = v
	}
}

func inspectJPEG(data []byte, report *Report) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
		return nil, ErrTruncated
	}

	var rawEXIF []byte
	i := 2
	for i < len(data) {
		if data[i] != 0xff {
			return rawEXIF, ErrTruncated
		}
		// fill bytes
		for i < len(data) && data[i] == 0xff {
			i++
		}
		if i >= len(data) {
			return rawEXIF, ErrTruncated
		}
		marker := data[i]
		i++

		switch {
		case marker == 0xd9 || marker == 0xda:
			// EOI or start of scan: no more metadata segments.
			return rawEXIF, nil
		case marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			continue
		}

		if i+2 > len(data) {
			return rawEXIF, ErrTruncated
		}
		length := int(binary.BigEndian.Uint16(data[i : i+2]))
		if length < 2 || i+length > len(data) {
			return rawEXIF, ErrTruncated
		}
		payload := data[i+2 : i+length]
		i += length

		switch marker {
		case 0xe1:
			switch {
			case bytes.HasPrefix(payload, exifHeader):
				if rawEXIF == nil {
					rawEXIF = payload
				}
			case bytes.HasPrefix(payload, xmpJPEGHeader):
				report.XMP = true
			}
		case 0xe2:
			if bytes.HasPrefix(payload, iccJPEGHeader) {
				report.ICC = true
			}
		case 0xed:
			if bytes.HasPrefix(payload, iptcJPEGHeader) {
				report.IPTC = true
			}
		case 0xfe:
			report.Comment = true
		}
	}
	return rawEXIF, nil
}

func inspectPNG(data []byte, report *Report) ([]byte, error) {
	if !sniffer.Matches(data, sniffer.TypePNG) {
		return nil, ErrTruncated
	}

	var rawEXIF []byte
	i := 8
	for i+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		kind := string(data[i+4 : i+8])
		start := i + 8
		end := start + length
		if length < 0 || end+4 > len(data) {
			return rawEXIF, ErrTruncated
		}
		chunk := data[start:end]
		i = end + 4 // crc

		switch kind {
		case "eXIf":
			rawEXIF = chunk
		case "iCCP":
			report.ICC = true
		case "iTXt":
			if bytes.HasPrefix(chunk, xmpPNGKeyword) {
				report.XMP = true
			} else {
				report.Comment = true
			}
		case "tEXt", "zTXt":
			report.Comment = true
		case "IEND":
			return rawEXIF, nil
		}
	}
	return rawEXIF, ErrTruncated
}

func inspectWEBP(data []byte, report *Report) ([]byte, error) {
	if !sniffer.Matches(data, sniffer.TypeWEBP) {
		return nil, ErrTruncated
	}

	var rawEXIF []byte
	i := 12
	for i+8 <= len(data) {
		kind := string(data[i : i+4])
		size := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		start := i + 8
		end := start + size
		if size < 0 || end > len(data) {
			return rawEXIF, ErrTruncated
		}
		switch kind {
		case "EXIF":
			rawEXIF = data[start:end]
		case "XMP ":
			report.XMP = true
		case "ICCP":
			report.ICC = true
		}
		i = end + size%2
	}
	return rawEXIF, nil
}

func inspectGIF(data []byte, report *Report) error {
	if !sniffer.Matches(data, sniffer.TypeGIF) || len(data) < 13 {
		return ErrTruncated
	}

	i := 13
	if packed := data[10]; packed&0x80 != 0 {
		i += 3 * (1 << ((packed & 0x07) + 1))
	}

	for i < len(data) {
		switch data[i] {
		case 0x3b:
			return nil
		case 0x21:
			if i+2 > len(data) {
				return ErrTruncated
			}
			label := data[i+1]
			i += 2
			if label == 0xff && i < len(data) && data[i] == 11 && i+12 <= len(data) {
				if string(data[i+1:i+12]) == "XMP DataXMP" {
					report.XMP = true
				}
			}
			if label == 0xfe {
				report.Comment = true
			}
			next, err := skipSubBlocks(data, i)
			if err != nil {
				return err
			}
			i = next
		case 0x2c:
			if i+10 > len(data) {
				return ErrTruncated
			}
			w := binary.LittleEndian.Uint16(data[i+5 : i+7])
			h := binary.LittleEndian.Uint16(data[i+7 : i+9])
			report.Frames++
			report.FramePixels += int64(w) * int64(h)
			packed := data[i+9]
			i += 10
			if packed&0x80 != 0 {
				i += 3 * (1 << ((packed & 0x07) + 1))
			}
			i++ // LZW minimum code size
			next, err := skipSubBlocks(data, i)
			if err != nil {
				return err
			}
			i = next
		default:
			return ErrTruncated
		}
	}
	return ErrTruncated
}

func skipSubBlocks(data []byte, i int) (int, error) {
	for {
		if i >= len(data) {
			return i, ErrTruncated
		}
		n := int(data[i])
		i++
		if n == 0 {
			return i, nil
		}
		i += n
	}
}
