// Package component is the ComponentResolver: when a field that references
// a component database (sensors, switches, encoders) has a candidate, the
// matched entity's known properties are emitted as inferred candidates for
// the sibling fields, weighted by the entity's variance policies and damped
// by any violated constraints.
package component

import (
	"context"
	"fmt"
	"sort"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/rules/componentdb"
)

// Variance-policy base confidences. Exact matches scale these up by the
// 0.85 + 0.15*score factor.
var policyConfidence = map[string]float64{
	"authoritative":    0.85,
	"upper_bound":      0.80,
	"lower_bound":      0.80,
	"range":            0.75,
	"override_allowed": 0.60,
}

// methodRank orders trigger-candidate preference when several candidates
// exist for the component field.
func methodRank(method string) int {
	switch method {
	case "spec_table_match":
		return 3
	case "parse_template":
		return 2
	case "json_ld":
		return 1
	default:
		return 0
	}
}

// Resolver performs component DB cross-lookup and property inference.
type Resolver struct {
	db *componentdb.Store
}

// New builds a Resolver over the component database.
func New(db *componentdb.Store) *Resolver {
	return &Resolver{db: db}
}

// Resolve emits component_db_inference candidates for every field rule with
// a component_db_ref that has a matching candidate. current holds the
// product's already-chosen field values, used in constraint evaluation.
func (r *Resolver) Resolve(ctx context.Context, cr rules.CategoryRules, cands []model.Candidate, current map[string]string) ([]model.Candidate, error) {
	byField := make(map[string][]model.Candidate)
	for _, c := range cands {
		byField[c.Field] = append(byField[c.Field], c)
	}

	var out []model.Candidate
	for _, field := range sortedRefFields(cr) {
		rule := cr.Fields[field]
		trigger, ok := bestTrigger(byField[field])
		if !ok {
			continue
		}
		match, found, err := r.db.FuzzyMatchComponent(ctx, rule.ComponentDBRef, trigger.Value, rule.EffectiveFuzzyThreshold())
		if err != nil {
			return nil, fmt.Errorf("component: fuzzy match %s %q: %w", rule.ComponentDBRef, trigger.Value, err)
		}
		if !found {
			continue
		}
		inferred := r.infer(cr, trigger, match, byField)
		inferred = applyConstraints(match.Entity, inferred, current)
		out = append(out, inferred...)
	}
	return out, nil
}

func sortedRefFields(cr rules.CategoryRules) []string {
	var keys []string
	for k, fr := range cr.Fields {
		if fr.ComponentDBRef != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// bestTrigger picks the candidate to look up in the component DB, preferring
// spec_table_match > parse_template > json_ld > other, then confidence.
func bestTrigger(cands []model.Candidate) (model.Candidate, bool) {
	if len(cands) == 0 {
		return model.Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if methodRank(c.Method) > methodRank(best.Method) ||
			(methodRank(c.Method) == methodRank(best.Method) && c.Confidence > best.Confidence) {
			best = c
		}
	}
	return best, true
}

// infer emits one candidate per mapped entity property not already covered
// by a better-scored candidate.
func (r *Resolver) infer(cr rules.CategoryRules, trigger model.Candidate, match componentdb.Match, byField map[string][]model.Candidate) []model.Candidate {
	scale := 0.85 + 0.15*match.Score

	props := make([]string, 0, len(match.Entity.Properties))
	for name := range match.Entity.Properties {
		props = append(props, name)
	}
	sort.Strings(props)

	var out []model.Candidate
	for _, prop := range props {
		target, ok := cr.ResolvePropertyField(prop)
		if !ok {
			// Unmapped properties are never emitted.
			continue
		}
		entry := match.Entity.Properties[prop]
		base, ok := policyConfidence[entry.VariancePolicy]
		if !ok {
			base = policyConfidence["override_allowed"]
		}
		confidence := base * scale
		if betterExists(byField[target], confidence) {
			continue
		}
		out = append(out, model.Candidate{
			Field:        target,
			Value:        entry.Value,
			Method:       "component_db_inference",
			EvidenceRefs: trigger.EvidenceRefs,
			SnippetID:    trigger.SnippetID,
			Quote:        trigger.Quote,
			Confidence:   confidence,
			SourceHost:   trigger.SourceHost,
			SourceTier:   trigger.SourceTier,
			InferredFrom: &model.InferredFrom{Field: trigger.Field, Value: trigger.Value},
		})
	}
	return out
}

func betterExists(existing []model.Candidate, confidence float64) bool {
	for _, c := range existing {
		if c.Confidence >= confidence {
			return true
		}
	}
	return false
}

// applyConstraints evaluates the entity's constraint expressions over its
// properties plus the product's current values, damping the confidence of
// inferred candidates touched by a violation.
func applyConstraints(entity componentdb.Entity, inferred []model.Candidate, current map[string]string) []model.Candidate {
	if len(entity.Constraints) == 0 {
		return inferred
	}

	env := make(map[string]string, len(entity.Properties)+len(current))
	for name, prop := range entity.Properties {
		env[name] = prop.Value
	}
	for field, value := range current {
		env[field] = value
	}

	for _, expr := range entity.Constraints {
		satisfied, subject, ok := evalConstraint(expr, env)
		if !ok || satisfied {
			continue
		}
		for i := range inferred {
			c := &inferred[i]
			sourceProp := c.Field
			if c.InferredFrom != nil {
				// The emitted field may be a legacy-mapped name; the subject
				// comparison runs against the entity's own property name.
				if mapped, ok := reverseLegacy(c.Field); ok {
					sourceProp = mapped
				}
			}
			if subject == sourceProp || subject == c.Field {
				c.Confidence = clampFloor(c.Confidence*0.5, 0.1)
				c.ConstraintViolations = append(c.ConstraintViolations, expr)
			} else {
				c.Confidence = clampFloor(c.Confidence*0.85, 0.3)
				c.ConstraintWarnings = append(c.ConstraintWarnings, expr)
			}
		}
	}
	return inferred
}

func reverseLegacy(field string) (string, bool) {
	for prop, mapped := range rules.LegacyPropertyMap {
		if mapped == field {
			return prop, true
		}
	}
	return "", false
}

func clampFloor(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}
