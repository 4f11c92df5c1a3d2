package rules

// LegacyPropertyMap maps a component DB property name to the output field
// key it should populate when the property name is not itself a rule key.
// sensor_year -> sensor_date is carried forward from the richer of the two
// divergent ComponentResolver shapes described in the design notes.
var LegacyPropertyMap = map[string]string{
	"max_dpi":     "dpi",
	"max_ips":     "ips",
	"max_accel":   "acceleration",
	"sensor_year": "sensor_date",
}

// ResolvePropertyField returns the field key a component property should be
// emitted under: the property name itself if it is a rule key, otherwise its
// legacy mapping. ok is false if neither applies (unmapped property).
func (cr CategoryRules) ResolvePropertyField(property string) (string, bool) {
	if _, isRuleKey := cr.Fields[property]; isRuleKey {
		return property, true
	}
	if mapped, ok := LegacyPropertyMap[property]; ok {
		if _, isRuleKey := cr.Fields[mapped]; isRuleKey {
			return mapped, true
		}
	}
	return "", false
}
