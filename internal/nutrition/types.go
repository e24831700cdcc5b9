/**
 * Nutrition Types - Structured data parsed out of a transcribed label
 *
 * Every field is optional and populated independently. A nil pointer means
 * "not found on the label", never zero.
 */

package nutrition

// Field names a single target of extraction
type Field string

const (
	FieldProductName Field = "productName"
	FieldBrand       Field = "brand"
	FieldCalories    Field = "calories"
	FieldProtein     Field = "protein"
	FieldFats        Field = "fats"
	FieldCarbs       Field = "carbs"
	FieldWeight      Field = "weight"
)

// Unit is the measurement unit a numeric value was expressed in on the label
type Unit string

const (
	UnitNone       Unit = ""
	UnitKilocalory Unit = "kcal"
	UnitKilojoule  Unit = "kJ"
	UnitGram       Unit = "g"
	UnitMilligram  Unit = "mg"
	UnitKilogram   Unit = "kg"
	UnitMilliliter Unit = "ml"
)

// ExtractedNutritionData is the partially populated nutrition record
type ExtractedNutritionData struct {
	ProductName *string  `json:"productName,omitempty"`
	Brand       *string  `json:"brand,omitempty"`
	Calories    *float64 `json:"calories,omitempty"`
	Protein     *float64 `json:"protein,omitempty"`
	Fats        *float64 `json:"fats,omitempty"`
	Carbs       *float64 `json:"carbs,omitempty"`
	Weight      *float64 `json:"weight,omitempty"`

	// Units records the unit token detected next to each numeric value.
	Units map[Field]Unit `json:"units,omitempty"`
}

// IsEmpty reports whether no field was extracted
func (d ExtractedNutritionData) IsEmpty() bool {
	return d.ProductName == nil && d.Brand == nil && d.Calories == nil &&
		d.Protein == nil && d.Fats == nil && d.Carbs == nil && d.Weight == nil
}

// FieldCount returns how many fields are populated
func (d ExtractedNutritionData) FieldCount() int {
	n := 0
	for _, set := range []bool{
		d.ProductName != nil, d.Brand != nil, d.Calories != nil,
		d.Protein != nil, d.Fats != nil, d.Carbs != nil, d.Weight != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate without aliasing
func (d ExtractedNutritionData) Clone() ExtractedNutritionData {
	out := ExtractedNutritionData{
		ProductName: cloneString(d.ProductName),
		Brand:       cloneString(d.Brand),
		Calories:    cloneFloat(d.Calories),
		Protein:     cloneFloat(d.Protein),
		Fats:        cloneFloat(d.Fats),
		Carbs:       cloneFloat(d.Carbs),
		Weight:      cloneFloat(d.Weight),
	}
	if d.Units != nil {
		out.Units = make(map[Field]Unit, len(d.Units))
		for k, v := range d.Units {
			out.Units[k] = v
		}
	}
	return out
}

// numeric returns a pointer to the numeric slot for a field, or nil for string fields
func (d *ExtractedNutritionData) numeric(f Field) **float64 {
	switch f {
	case FieldCalories:
		return &d.Calories
	case FieldProtein:
		return &d.Protein
	case FieldFats:
		return &d.Fats
	case FieldCarbs:
		return &d.Carbs
	case FieldWeight:
		return &d.Weight
	}
	return nil
}

// text returns a pointer to the string slot for a field, or nil for numeric fields
func (d *ExtractedNutritionData) text(f Field) **string {
	switch f {
	case FieldProductName:
		return &d.ProductName
	case FieldBrand:
		return &d.Brand
	}
	return nil
}

// ValidationReport lists range violations found in an extracted record
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Float returns a pointer to v; handy for building records in callers and tests
func Float(v float64) *float64 { return &v }

// String returns a pointer to s
func String(s string) *string { return &s }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
