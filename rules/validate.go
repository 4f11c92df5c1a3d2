package rules

import "fmt"

// Validate checks referential integrity across a category's compiled rules:
// every enum alias targets a real field key, and every field with a
// component_db_ref has a positive fuzzy threshold. A legacy property mapping
// whose target field the category lacks is inert and not reported. Run once
// per category load, mirroring the "validate everything after merge" idiom
// applied to config in the ambient config loader.
func (cr CategoryRules) Validate() error {
	for field := range cr.EnumAliases {
		if _, ok := cr.Fields[field]; !ok {
			return fmt.Errorf("rules: category %q: enum_aliases references unknown field %q", cr.Category, field)
		}
	}
	for property, target := range LegacyPropertyMap {
		if _, ok := cr.Fields[property]; ok {
			continue // property is itself a rule key, legacy mapping unused for it
		}
		if _, ok := cr.Fields[target]; !ok {
			// Not an error: this category simply has no field for that
			// legacy property, so the mapping is inert here.
			continue
		}
	}
	for key, fr := range cr.Fields {
		if fr.ComponentDBRef != "" && fr.EffectiveFuzzyThreshold() <= 0 {
			return fmt.Errorf("rules: category %q: field %q has component_db_ref but non-positive fuzzy threshold", cr.Category, key)
		}
	}
	return nil
}

// ValidateAll validates every loaded category.
func (e *Engine) ValidateAll() error {
	for _, cr := range e.categories {
		if err := cr.Validate(); err != nil {
			return err
		}
	}
	return nil
}
