package registry

// kiroTierAllowedModels maps a Kiro subscription tier to the model ids it
// may use. Grounded directly in spec's literal wording ("subscription-tier
// -> allowed-model-ids table, empty table = allow all"); no corpus example
// carries real tier data, so the table ships empty and every tier falls
// through to the legacy allow-all behavior until populated.
var kiroTierAllowedModels = map[string][]string{}

// KiroTierAllowsModel reports whether tier may use model. An unconfigured
// tier (or an empty table altogether) allows every model.
func KiroTierAllowsModel(tier, model string) bool {
	allowed, ok := kiroTierAllowedModels[tier]
	if !ok || len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}
