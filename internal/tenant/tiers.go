package tenant

import "github.com/attendra/attendra/pkg/models"

// Feature names gated by tier.
const (
	FeatureVoiceSessions    = "voice_sessions"
	FeatureTextSessions     = "text_sessions"
	FeatureAmbientAbilities = "ambient_abilities"
	FeatureDedicatedHosting = "dedicated_hosting"
	FeaturePriorityDispatch = "priority_dispatch"
)

// Limit names gated by tier. A max of 0 means unlimited.
const (
	LimitMaxAgents    = "max_agents"
	LimitMaxAbilities = "max_abilities"
	LimitMaxRoomPeers = "max_room_peers"
)

type tierConfig struct {
	features map[string]bool
	limits   map[string]int
}

// tierTable is the static plan matrix. It is deliberately code, not
// configuration: changing an entitlement is a deploy, which keeps the
// gates auditable.
var tierTable = map[models.Tier]tierConfig{
	models.TierBase: {
		features: map[string]bool{
			FeatureTextSessions: true,
		},
		limits: map[string]int{
			LimitMaxAgents:    2,
			LimitMaxAbilities: 3,
			LimitMaxRoomPeers: 2,
		},
	},
	models.TierMid: {
		features: map[string]bool{
			FeatureTextSessions:     true,
			FeatureVoiceSessions:    true,
			FeatureAmbientAbilities: true,
		},
		limits: map[string]int{
			LimitMaxAgents:    10,
			LimitMaxAbilities: 20,
			LimitMaxRoomPeers: 4,
		},
	},
	models.TierEnterprise: {
		features: map[string]bool{
			FeatureTextSessions:     true,
			FeatureVoiceSessions:    true,
			FeatureAmbientAbilities: true,
			FeatureDedicatedHosting: true,
			FeaturePriorityDispatch: true,
		},
		limits: map[string]int{
			LimitMaxAgents:    0,
			LimitMaxAbilities: 0,
			LimitMaxRoomPeers: 8,
		},
	},
}

// HasFeature reports whether a tier includes a feature. Unknown tiers are
// treated as base.
func HasFeature(tier models.Tier, feature string) bool {
	cfg, ok := tierTable[tier]
	if !ok {
		cfg = tierTable[models.TierBase]
	}
	return cfg.features[feature]
}

// WithinLimit reports whether current is below the tier's cap for a named
// limit, and returns the cap. A cap of 0 means unlimited. Unknown limit
// names are unlimited.
func WithinLimit(tier models.Tier, limitName string, current int) (bool, int) {
	cfg, ok := tierTable[tier]
	if !ok {
		cfg = tierTable[models.TierBase]
	}
	max, ok := cfg.limits[limitName]
	if !ok || max == 0 {
		return true, max
	}
	return current < max, max
}
