package pipeline

import (
	"fmt"

	"civicphoto/internal/config"
	"civicphoto/internal/models"
)

func ProfilesFromConfig(intents map[string]config.IntentConfig) (models.IntentProfiles, error) {
	profiles := make(models.IntentProfiles, len(intents))
	for name, ic := range intents {
		intent, err := models.ParseIntent(name)
		if err != nil {
			return nil, fmt.Errorf("intent profiles: %w", err)
		}
		if ic.MaxEdge < 0 || ic.ThumbnailEdge < 0 || ic.QuotaBytes < 0 {
			return nil, fmt.Errorf("intent profiles: negative limits for %s", intent)
		}
		profiles[intent] = models.IntentProfile{
			Intent:        intent,
			MaxEdge:       ic.MaxEdge,
			ThumbnailEdge: ic.ThumbnailEdge,
			QuotaBytes:    ic.QuotaBytes,
		}
	}
	return profiles, nil
}
