package storage

import (
	"fmt"
	"path"
	"strings"
	"time"

	"civicphoto/internal/ids"
	"civicphoto/internal/media/sniffer"
	"civicphoto/internal/models"
)

// NewObjectKey builds a storage key from a generated id. Client-supplied file
// names never reach the key.
func NewObjectKey(intent models.PhotoIntent, mime string, now time.Time) string {
	return path.Join(string(intent), now.UTC().Format("2006/01/02"), fmt.Sprintf("%s.%s", ids.New(), extensionFor(mime)))
}

// ThumbnailKey derives the variant key for a photo object.
func ThumbnailKey(objectKey string) string {
	base := strings.TrimSuffix(objectKey, path.Ext(objectKey))
	return "thumbs/" + base + ".webp"
}

func extensionFor(mime string) string {
	if r, ok := sniffer.FromMIME(mime); ok {
		return string(r.Type)
	}
	return "bin"
}
