package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp"

	"civicphoto/internal/media/metadata"
	"civicphoto/internal/media/sniffer"
)

const (
	DefaultQuality = 85
	// DefaultMaxPixels bounds the summed frame area a GIF may decode to.
	DefaultMaxPixels = 64_000_000
)

var (
	ErrDecode = errors.New("decode image")
	ErrEncode = errors.New("encode image")
	ErrEmpty  = errors.New("image has no frames")
	ErrTooBig = errors.New("image frames exceed the pixel budget")
)

type Error struct {
	MIME string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s: %v", e.MIME, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProcessedImage is the sanitized output of Transform. Data never carries the
// source container's capture metadata.
type ProcessedImage struct {
	Data     []byte
	MIME     string
	Width    int
	Height   int
	Frames   int
	Duration time.Duration
}

func (p ProcessedImage) Size() int64 {
	return int64(len(p.Data))
}

type Options struct {
	// MaxEdge downscales static images whose longer side exceeds it. Zero
	// disables resizing.
	MaxEdge int
}

type Transformer struct {
	quality   int
	maxPixels int64
}

// New returns a Transformer encoding at quality. maxPixels caps the summed
// frame area of an animated GIF; zero selects DefaultMaxPixels.
func New(quality int, maxPixels int64) *Transformer {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Transformer{quality: quality, maxPixels: maxPixels}
}

func (t *Transformer) Transform(data []byte, mime string, opts Options) (ProcessedImage, error) {
	mime = sniffer.NormalizeMIME(mime)
	if mime == sniffer.MIMEGIF {
		return t.transformGIF(data)
	}
	return t.transformStatic(data, mime, opts)
}

func (t *Transformer) transformStatic(data []byte, mime string, opts Options) (ProcessedImage, error) {
	// Orientation has to be read before the metadata is thrown away with
	// the source container.
	report, _ := metadata.Inspect(data, mime)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ProcessedImage{}, &Error{MIME: mime, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}

	img = orient(img, report.Orientation)

	if opts.MaxEdge > 0 {
		b := img.Bounds()
		if b.Dx() > opts.MaxEdge || b.Dy() > opts.MaxEdge {
			img = imaging.Fit(img, opts.MaxEdge, opts.MaxEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: t.quality, Method: 4}); err != nil {
		return ProcessedImage{}, &Error{MIME: mime, Err: fmt.Errorf("%w: %v", ErrEncode, err)}
	}

	b := img.Bounds()
	return ProcessedImage{
		Data:   buf.Bytes(),
		MIME:   sniffer.MIMEWEBP,
		Width:  b.Dx(),
		Height: b.Dy(),
		Frames: 1,
	}, nil
}

// transformGIF re-encodes every frame with its timing and disposal. Comment
// and application extensions other than the loop count are not carried over.
func (t *Transformer) transformGIF(data []byte) (ProcessedImage, error) {
	// DecodeAll allocates every frame up front, so the descriptors are
	// counted first.
	report, err := metadata.Inspect(data, sniffer.MIMEGIF)
	if err != nil {
		return ProcessedImage{}, &Error{MIME: sniffer.MIMEGIF, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	if report.FramePixels > t.maxPixels {
		return ProcessedImage{}, &Error{MIME: sniffer.MIMEGIF, Err: fmt.Errorf("%w: %d frames, %d px",
			ErrTooBig, report.Frames, report.FramePixels)}
	}

	src, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return ProcessedImage{}, &Error{MIME: sniffer.MIMEGIF, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	if len(src.Image) == 0 {
		return ProcessedImage{}, &Error{MIME: sniffer.MIMEGIF, Err: ErrEmpty}
	}

	out := &gif.GIF{
		Image:           src.Image,
		Delay:           src.Delay,
		Disposal:        src.Disposal,
		LoopCount:       src.LoopCount,
		Config:          src.Config,
		BackgroundIndex: src.BackgroundIndex,
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, out); err != nil {
		return ProcessedImage{}, &Error{MIME: sniffer.MIMEGIF, Err: fmt.Errorf("%w: %v", ErrEncode, err)}
	}

	width, height := src.Config.Width, src.Config.Height
	if width == 0 || height == 0 {
		b := src.Image[0].Bounds()
		width, height = b.Dx(), b.Dy()
	}

	return ProcessedImage{
		Data:     buf.Bytes(),
		MIME:     sniffer.MIMEGIF,
		Width:    width,
		Height:   height,
		Frames:   len(src.Image),
		Duration: Duration(src.Delay),
	}, nil
}

// Duration sums GIF frame delays given in hundredths of a second.
func Duration(delays []int) time.Duration {
	var total time.Duration
	for _, d := range delays {
		total += time.Duration(d) * 10 * time.Millisecond
	}
	return total
}

// orient maps an EXIF orientation onto upright pixels.
func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
