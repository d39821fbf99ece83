package models

import "time"

// ModerationSnapshot is the verdict copied onto the photo row at insert time.
type ModerationSnapshot struct {
	Decision   string
	Category   string
	Confidence float64
	LatencyMS  int64
}

type Photo struct {
	ID            string
	OwnerID       string
	Intent        PhotoIntent
	Bucket        string
	ObjectKey     string
	BlobURL       string
	ThumbnailURL  *string
	Caption       *string
	MIME          string
	Width         int
	Height        int
	Frames        int
	OriginalSize  int64
	ProcessedSize int64
	Moderation    ModerationSnapshot
	CorrelationID string
	CreatedAt     time.Time
	DeletedAt     *time.Time
}

func (p Photo) IsDeleted() bool {
	return p.DeletedAt != nil
}
