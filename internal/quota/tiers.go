package quota

import "github.com/zoomjudge/eval-engine/pkg/models"

// Tier vocabulary and feature gates. Both are pure functions of their
// inputs; nothing here touches storage.

// Unbounded marks a tier with no monthly cap.
const Unbounded = -1

var tierCaps = map[models.SubscriptionTier]int{
	models.TierFree:       4,
	models.TierStarter:    5,
	models.TierPro:        6,
	models.TierEnterprise: Unbounded,
}

// TierCap returns the monthly evaluation cap for a tier. Unknown tiers get
// the free cap: an unrecognized label must never grant unlimited usage.
func TierCap(t models.SubscriptionTier) int {
	if cap, ok := tierCaps[t]; ok {
		return cap
	}
	return tierCaps[models.TierFree]
}

// featureTiers maps a feature to the tiers allowed to use it.
var featureTiers = map[string][]models.SubscriptionTier{
	"evaluations":      {models.TierFree, models.TierStarter, models.TierPro, models.TierEnterprise},
	"cache-stats":      {models.TierPro, models.TierEnterprise},
	"priority-grading": {models.TierEnterprise},
	"live-stream":      {models.TierStarter, models.TierPro, models.TierEnterprise},
}

// FeatureAllowed reports whether a tier may use a feature. Unknown features
// are denied.
func FeatureAllowed(feature string, t models.SubscriptionTier) bool {
	for _, allowed := range featureTiers[feature] {
		if allowed == t {
			return true
		}
	}
	return false
}
