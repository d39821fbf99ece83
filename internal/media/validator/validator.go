package validator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"civicphoto/internal/media/metadata"
	"civicphoto/internal/media/sniffer"
)

type ErrorKind string

const (
	SizeError              ErrorKind = "SIZE_ERROR"
	UnsupportedTypeError   ErrorKind = "UNSUPPORTED_TYPE_ERROR"
	ExtensionMismatchError ErrorKind = "EXTENSION_MISMATCH_ERROR"
	SignatureMismatchError ErrorKind = "SIGNATURE_MISMATCH_ERROR"
	DimensionError         ErrorKind = "DIMENSION_ERROR"
)

type Limits struct {
	MinBytes     int64
	MaxBytes     int64
	MinDimension int
	MaxDimension int
	// MaxFrames and MaxTotalPixels bound what an animation may decode to.
	// MaxTotalPixels is the summed area of every frame. Zero disables a check.
	MaxFrames      int
	MaxTotalPixels int64
}

func DefaultLimits() Limits {
	return Limits{
		MinBytes:       100,
		MaxBytes:       5 * 1024 * 1024,
		MinDimension:   10,
		MaxDimension:   8000,
		MaxFrames:      500,
		MaxTotalPixels: 64_000_000,
	}
}

// Outcome is the immutable result of validating one upload. On failure Kind
// names the first check that failed and the later checks were not run.
type Outcome struct {
	OK      bool
	Kind    ErrorKind
	Message string
	// DetectedMIME comes from the content signature, never from the client.
	DetectedMIME string
	Width        int
	Height       int
}

func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	return &Error{Kind: o.Kind, Message: o.Message, DetectedMIME: o.DetectedMIME}
}

type Error struct {
	Kind         ErrorKind
	Message      string
	DetectedMIME string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Validator struct {
	limits Limits
}

func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate runs the structural checks in order and stops at the first failure.
// It only reads data.
func (v *Validator) Validate(data []byte, declaredMIME, declaredFilename string) Outcome {
	size := int64(len(data))
	if size < v.limits.MinBytes || size > v.limits.MaxBytes {
		return fail(SizeError, "", "file size %d bytes is outside the allowed range %d-%d bytes",
			size, v.limits.MinBytes, v.limits.MaxBytes)
	}

	declared, ok := sniffer.FromMIME(declaredMIME)
	if !ok {
		return fail(UnsupportedTypeError, "", "content type %q is not supported; use JPEG, PNG, GIF or WebP",
			sniffer.NormalizeMIME(declaredMIME))
	}

	if ext := filepath.Ext(declaredFilename); ext != "" {
		extType, known := sniffer.FromExtension(ext)
		if !known || extType != declared.Type {
			return fail(ExtensionMismatchError, "", "file extension %q does not match content type %s", ext, declared.MIME)
		}
	}

	if !sniffer.Matches(data, declared.Type) {
		actual := mimetype.Detect(data).String()
		return fail(SignatureMismatchError, actual, "file content does not match declared type %s", declared.MIME)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fail(DimensionError, declared.MIME, "image header is unreadable")
	}
	if !v.withinDimensions(cfg.Width) || !v.withinDimensions(cfg.Height) {
		return fail(DimensionError, declared.MIME, "image dimensions %dx%d are outside the allowed range %d-%d px",
			cfg.Width, cfg.Height, v.limits.MinDimension, v.limits.MaxDimension)
	}

	frames, pixels := 1, int64(cfg.Width)*int64(cfg.Height)
	if declared.Type == sniffer.TypeGIF {
		report, err := metadata.Inspect(data, declared.MIME)
		if err != nil {
			return fail(DimensionError, declared.MIME, "animation structure is unreadable")
		}
		frames, pixels = report.Frames, report.FramePixels
	}
	if v.limits.MaxFrames > 0 && frames > v.limits.MaxFrames {
		return fail(DimensionError, declared.MIME, "image has %d frames, the limit is %d", frames, v.limits.MaxFrames)
	}
	if v.limits.MaxTotalPixels > 0 && pixels > v.limits.MaxTotalPixels {
		return fail(DimensionError, declared.MIME, "image decodes to %d px across %d frames, the limit is %d px",
			pixels, frames, v.limits.MaxTotalPixels)
	}

	return Outcome{
		OK:           true,
		DetectedMIME: declared.MIME,
		Width:        cfg.Width,
		Height:       cfg.Height,
	}
}

func (v *Validator) withinDimensions(px int) bool {
	return px >= v.limits.MinDimension && px <= v.limits.MaxDimension
}

func fail(kind ErrorKind, detected string, format string, args ...any) Outcome {
	return Outcome{
		Kind:         kind,
		Message:      fmt.Sprintf(format, args...),
		DetectedMIME: detected,
	}
}
