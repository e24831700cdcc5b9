/**
 * Unit Normalizer - Converts alternate label units to canonical ones
 *
 * Canonical units: kcal for energy, grams for macros and weight.
 * Normalization is an explicit step. Extract never calls it.
 */

package nutrition

import (
	"math"
	"sort"
)

const (
	kilojoulesPerKilocalorie = 4.184
	milligramsPerGram        = 1000.0
	gramsPerKilogram         = 1000.0
)

// Conversion describes one unit conversion applied by Normalize
type Conversion struct {
	Field Field   `json:"field"`
	From  Unit    `json:"from"`
	To    Unit    `json:"to"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
}

// KilojoulesToKilocalories converts energy from kJ to kcal
func KilojoulesToKilocalories(kj float64) float64 {
	return round2(kj / kilojoulesPerKilocalorie)
}

// MilligramsToGrams converts mass from mg to g
func MilligramsToGrams(mg float64) float64 {
	return round2(mg / milligramsPerGram)
}

// KilogramsToGrams converts mass from kg to g
func KilogramsToGrams(kg float64) float64 {
	return round2(kg * gramsPerKilogram)
}

// Normalize returns a copy of data with every value carrying an explicit
// alternate unit converted to the canonical unit, plus the conversions applied.
// Values without a recorded unit are left untouched.
func Normalize(data ExtractedNutritionData) (ExtractedNutritionData, []Conversion) {
	out := data.Clone()
	var applied []Conversion

	for field, unit := range data.Units {
		slot := out.numeric(field)
		if slot == nil || *slot == nil {
			continue
		}
		old := **slot

		var (
			converted float64
			target    Unit
		)
		switch {
		case field == FieldCalories && unit == UnitKilojoule:
			converted, target = KilojoulesToKilocalories(old), UnitKilocalory
		case field != FieldCalories && unit == UnitMilligram:
			converted, target = MilligramsToGrams(old), UnitGram
		case field == FieldWeight && unit == UnitKilogram:
			converted, target = KilogramsToGrams(old), UnitGram
		default:
			continue
		}

		v := converted
		*slot = &v
		out.Units[field] = target
		applied = append(applied, Conversion{Field: field, From: unit, To: target, Old: old, New: converted})
	}

	sortConversions(applied)
	return out, applied
}

// sortConversions orders conversions by field so output is stable across map iteration
func sortConversions(cs []Conversion) {
	order := map[Field]int{}
	for i, fr := range extractionRules {
		order[fr.field] = i
	}
	sort.SliceStable(cs, func(i, j int) bool { return order[cs[i].Field] < order[cs[j].Field] })
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
