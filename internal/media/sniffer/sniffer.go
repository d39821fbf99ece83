package sniffer

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeGIF  MediaType = "gif"
	TypeWEBP MediaType = "webp"
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEGIF  = "image/gif"
	MIMEWEBP = "image/webp"
)

var ErrUnknownType = errors.New("unknown media type")

type Result struct {
	Type MediaType
	MIME string
}

var byMIME = map[string]Result{
	MIMEJPEG: {Type: TypeJPEG, MIME: MIMEJPEG},
	MIMEPNG:  {Type: TypePNG, MIME: MIMEPNG},
	MIMEGIF:  {Type: TypeGIF, MIME: MIMEGIF},
	MIMEWEBP: {Type: TypeWEBP, MIME: MIMEWEBP},
}

var byExtension = map[string]MediaType{
	"jpg":  TypeJPEG,
	"jpeg": TypeJPEG,
	"jpe":  TypeJPEG,
	"jfif": TypeJPEG,
	"png":  TypePNG,
	"gif":  TypeGIF,
	"webp": TypeWEBP,
}

// DetectHead identifies an allowlisted image format from its leading bytes.
func DetectHead(head []byte) (Result, error) {
	if len(head) == 0 {
		return Result{}, ErrUnknownType
	}

	if isJPEG(head) {
		return byMIME[MIMEJPEG], nil
	}
	if isPNG(head) {
		return byMIME[MIMEPNG], nil
	}
	if isGIF(head) {
		return byMIME[MIMEGIF], nil
	}
	if isWEBP(head) {
		return byMIME[MIMEWEBP], nil
	}

	return Result{}, ErrUnknownType
}

// FromMIME resolves a normalized MIME string to an allowlisted type.
func FromMIME(mime string) (Result, bool) {
	r, ok := byMIME[NormalizeMIME(mime)]
	return r, ok
}

// FromExtension maps a file extension, with or without the dot, to a type.
func FromExtension(ext string) (MediaType, bool) {
	t, ok := byExtension[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return t, ok
}

// Matches reports whether head carries the magic number for t.
func Matches(head []byte, t MediaType) bool {
	switch t {
	case TypeJPEG:
		return isJPEG(head)
	case TypePNG:
		return isPNG(head)
	case TypeGIF:
		return isGIF(head)
	case TypeWEBP:
		return isWEBP(head)
	}
	return false
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

func isPNG(head []byte) bool {
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return len(head) >= len(pngMagic) && bytes.Equal(head[:len(pngMagic)], pngMagic)
}

func isGIF(head []byte) bool {
	return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}

// NormalizeMIME lowercases, drops parameters and folds common aliases.
func NormalizeMIME(mime string) string {
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "image/jpg", "image/pjpeg":
		return MIMEJPEG
	case "image/x-png":
		return MIMEPNG
	}
	return mime
}

func MimeTypeFromHTTP(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	return NormalizeMIME(contentType)
}
