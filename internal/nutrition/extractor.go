/**
 * Extraction Engine - Free-form label text to structured nutrition data
 *
 * Pure function over text: no I/O, no knowledge of which OCR engine produced
 * the input. For each field the ordered rules in extractionRules are tried and
 * the first match wins.
 */

package nutrition

import (
	"strconv"
	"strings"
)

// Extract parses calories, macros, weight, brand and product name out of label text.
// Fields with no matching rule are left nil.
func Extract(text string) ExtractedNutritionData {
	var data ExtractedNutritionData
	if strings.TrimSpace(text) == "" {
		return data
	}

	for _, fr := range extractionRules {
		if slot := data.numeric(fr.field); slot != nil {
			value, unit, ok := matchNumber(text, fr.rules)
			if !ok {
				continue
			}
			*slot = &value
			if unit != UnitNone {
				if data.Units == nil {
					data.Units = make(map[Field]Unit)
				}
				data.Units[fr.field] = unit
			}
			continue
		}

		if slot := data.text(fr.field); slot != nil {
			if value, ok := matchText(text, fr.rules); ok {
				*slot = &value
			}
		}
	}

	return data
}

// matchNumber returns the value and unit of the first rule that matches and parses
func matchNumber(text string, rules []fieldRule) (float64, Unit, bool) {
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil || len(m) < 2 {
			continue
		}

		value, err := ParseNumber(m[1])
		if err != nil {
			continue
		}

		unit := r.unitHint
		if idx := r.pattern.SubexpIndex("unit"); idx > 0 && idx < len(m) && m[idx] != "" {
			if u, ok := unitTokens[strings.ToLower(m[idx])]; ok {
				unit = u
			}
		}
		return value, unit, true
	}
	return 0, UnitNone, false
}

// matchText returns the trimmed capture of the first rule that matches with non-empty text
func matchText(text string, rules []fieldRule) (string, bool) {
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil || len(m) < 2 {
			continue
		}
		value := strings.Trim(strings.TrimSpace(m[1]), `"«».`)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		return value, true
	}
	return "", false
}

// ParseNumber parses a label number, accepting a decimal comma
func ParseNumber(token string) (float64, error) {
	token = strings.TrimSpace(token)
	token = strings.ReplaceAll(token, ",", ".")
	return strconv.ParseFloat(token, 64)
}
