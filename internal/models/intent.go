package models

import (
	"fmt"
	"strings"
)

type PhotoIntent string

const (
	IntentAvatar  PhotoIntent = "avatar"
	IntentPost    PhotoIntent = "post"
	IntentGallery PhotoIntent = "gallery"
	IntentBanner  PhotoIntent = "banner"
)

var knownIntents = []PhotoIntent{IntentAvatar, IntentPost, IntentGallery, IntentBanner}

func KnownIntents() []PhotoIntent {
	out := make([]PhotoIntent, len(knownIntents))
	copy(out, knownIntents)
	return out
}

func ParseIntent(raw string) (PhotoIntent, error) {
	candidate := PhotoIntent(strings.ToLower(strings.TrimSpace(raw)))
	for _, intent := range knownIntents {
		if intent == candidate {
			return intent, nil
		}
	}
	return "", fmt.Errorf("unknown photo intent %q", raw)
}

// IntentProfile is the per-intent configuration consumed by the pipeline and
// the thumbnail task.
type IntentProfile struct {
	Intent        PhotoIntent
	MaxEdge       int
	ThumbnailEdge int
	// QuotaBytes bounds the processed bytes a user may hold for this intent.
	// Zero means the intent is not quota-limited.
	QuotaBytes int64
}

func (p IntentProfile) CountsTowardQuota() bool {
	return p.QuotaBytes > 0
}

type IntentProfiles map[PhotoIntent]IntentProfile

func (p IntentProfiles) Lookup(intent PhotoIntent) (IntentProfile, bool) {
	profile, ok := p[intent]
	return profile, ok
}
