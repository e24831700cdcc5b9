package nutrition

import (
	"fmt"
	"math"
)

// Range is an inclusive bound for a numeric field
type Range struct {
	Min float64
	Max float64
}

// rangeCheck binds a field to its allowed range and the message shown to the user
type rangeCheck struct {
	field Field
	label string
	bound Range
}

// Ranges are per serving/100 g as shown on a label; weight is grams.
var rangeChecks = []rangeCheck{
	{field: FieldCalories, label: "Калории должны", bound: Range{Min: 0, Max: 10000}},
	{field: FieldProtein, label: "Белки должны", bound: Range{Min: 0, Max: 1000}},
	{field: FieldFats, label: "Жиры должны", bound: Range{Min: 0, Max: 1000}},
	{field: FieldCarbs, label: "Углеводы должны", bound: Range{Min: 0, Max: 1000}},
	{field: FieldWeight, label: "Вес должен", bound: Range{Min: 0, Max: 10000}},
}

// Validate range-checks every populated numeric field. The record is never modified;
// out-of-range values are reported, not clamped.
func Validate(data ExtractedNutritionData) ValidationReport {
	report := ValidationReport{Valid: true, Errors: []string{}}

	for _, c := range rangeChecks {
		slot := data.numeric(c.field)
		if slot == nil || *slot == nil {
			continue
		}
		v := **slot
		if v < c.bound.Min || v > c.bound.Max || math.IsNaN(v) {
			report.Errors = append(report.Errors, fmt.Sprintf("%s быть в диапазоне %s-%s",
				c.label, formatBound(c.bound.Min), formatBound(c.bound.Max)))
		}
	}

	report.Valid = len(report.Errors) == 0
	return report
}

func formatBound(v float64) string {
	return fmt.Sprintf("%g", v)
}
