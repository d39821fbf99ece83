package moderation

import (
	"errors"
	"strings"
	"time"

	"civicphoto/internal/models"
)

type Decision string

const (
	Approve Decision = "APPROVE"
	Warn    Decision = "WARN"
	Block   Decision = "BLOCK"
)

const (
	CategoryClean           = "CLEAN"
	CategoryExplicit        = "EXPLICIT"
	CategoryExtremeViolence = "EXTREME_VIOLENCE"
	CategorySuggestive      = "SUGGESTIVE"
	CategoryMedical         = "MEDICAL"
	CategoryGraphicNews     = "GRAPHIC_NEWS"
	CategoryUnverified      = "UNVERIFIED"
)

type Verdict struct {
	Decision   Decision
	Category   string
	Confidence float64
	Latency    time.Duration
	// Degraded is set when the failure policy produced the verdict because
	// the classification service could not be consulted.
	Degraded bool
}

func (v Verdict) Allowed() bool {
	return v.Decision == Approve || v.Decision == Warn
}

func (v Verdict) Snapshot() models.ModerationSnapshot {
	return models.ModerationSnapshot{
		Decision:   string(v.Decision),
		Category:   v.Category,
		Confidence: v.Confidence,
		LatencyMS:  v.Latency.Milliseconds(),
	}
}

// Context travels with the image to the classification service.
type Context struct {
	OwnerID       string
	Intent        models.PhotoIntent
	CorrelationID string
}

type Label struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type Thresholds struct {
	Block  float64
	Review float64
}

// ErrNoRecognisedLabels means the service answered without scoring any
// category this package knows. The answer says nothing about the image.
var ErrNoRecognisedLabels = errors.New("no recognised moderation labels")

var aliases = map[string]string{
	"CLEAN":            CategoryClean,
	"SAFE":             CategoryClean,
	"EXPLICIT":         CategoryExplicit,
	"SEXUAL":           CategoryExplicit,
	"PORN":             CategoryExplicit,
	"NUDITY":           CategoryExplicit,
	"EXTREME_VIOLENCE": CategoryExtremeViolence,
	"VIOLENCE":         CategoryExtremeViolence,
	"GORE":             CategoryExtremeViolence,
	"SUGGESTIVE":       CategorySuggestive,
	"RACY":             CategorySuggestive,
	"MEDICAL":          CategoryMedical,
	"GRAPHIC_NEWS":     CategoryGraphicNews,
	"NEWSWORTHY":       CategoryGraphicNews,
}

var blockCategories = map[string]bool{
	CategoryExplicit:        true,
	CategoryExtremeViolence: true,
}

func canonicalCategory(name string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	c, ok := aliases[key]
	return c, ok
}

// MapLabels turns raw classifier scores into a decision. Only block
// categories can block; any risk category at or above the review threshold
// warns. Unknown labels are ignored, but at least one label has to be
// recognised or ErrNoRecognisedLabels is returned.
func MapLabels(labels []Label, th Thresholds) (Decision, string, float64, error) {
	var (
		recognised bool
		blockCat   string
		blockScore float64
		warnCat    string
		warnScore  float64
		maxRisk    float64
	)
	for _, l := range labels {
		category, ok := canonicalCategory(l.Name)
		if !ok {
			continue
		}
		recognised = true
		if category == CategoryClean {
			continue
		}
		if l.Score > maxRisk {
			maxRisk = l.Score
		}
		if blockCategories[category] && l.Score >= th.Block && l.Score > blockScore {
			blockCat, blockScore = category, l.Score
		}
		if l.Score >= th.Review && l.Score > warnScore {
			warnCat, warnScore = category, l.Score
		}
	}

	switch {
	case !recognised:
		return "", "", 0, ErrNoRecognisedLabels
	case blockCat != "":
		return Block, blockCat, blockScore, nil
	case warnCat != "":
		return Warn, warnCat, warnScore, nil
	}
	return Approve, CategoryClean, 1 - maxRisk, nil
}
