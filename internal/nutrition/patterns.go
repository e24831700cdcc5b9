package nutrition

import "regexp"

// fieldRule pairs a pattern with the unit assumed when the pattern has no "unit" group
// or the group did not participate in the match.
type fieldRule struct {
	pattern  *regexp.Regexp
	unitHint Unit
}

// fieldRules is evaluated in order for every field; the first matching rule wins.
type fieldRules struct {
	field Field
	rules []fieldRule
}

// Building blocks. RE2 has no Unicode-aware \b, so keyword rules open with
// an explicit "start or non-letter" guard instead.
const (
	lead   = `(?:^|[^\p{L}])`
	number = `(\d+(?:[.,]\d+)?)`
	gap    = `[^\d\n]{0,20}?`
	mass   = `(?P<unit>мг|mg|кг|kg|гр|г|g)`

	// a bare number must not be a percentage or the head of a longer decimal
	bare = `[ \t]*(?:[^%\d.,\s]|[.,](?:\D|$)|$)`
)

func rule(expr string, hint Unit) fieldRule {
	return fieldRule{pattern: regexp.MustCompile(expr), unitHint: hint}
}

// extractionRules is the locale table. Adding a synonym or a locale means adding a row here.
var extractionRules = []fieldRules{
	{
		field: FieldCalories,
		rules: []fieldRule{
			rule(`(?i)`+number+`\s*(?:ккал|kcal)`, UnitKilocalory),
			rule(`(?i)`+number+`\s*(?:кдж|kj)`, UnitKilojoule),
			rule(`(?i)`+lead+`(?:калорийность|калории|энергетическая\s+ценность|энерг\.\s*ценность|energy\s+value|energy|calories)`+gap+number, UnitKilocalory),
		},
	},
	{
		field: FieldProtein,
		rules: []fieldRule{
			rule(`(?i)`+lead+`(?:белк[а-яё]*|белок|протеин[а-яё]*|proteins?)`+gap+number+`\s*`+mass, UnitGram),
			rule(`(?i)`+number+`\s*`+mass+`\s*(?:белк[а-яё]*|proteins?)`, UnitGram),
			rule(`(?im)`+lead+`(?:белк[а-яё]*|белок|протеин[а-яё]*|proteins?)`+gap+number+bare, UnitGram),
		},
	},
	{
		field: FieldFats,
		rules: []fieldRule{
			rule(`(?i)`+lead+`(?:жир[а-яё]*|total\s+fat|fats?)`+gap+number+`\s*`+mass, UnitGram),
			rule(`(?i)`+number+`\s*`+mass+`\s*(?:жир[а-яё]*|fats?)`, UnitGram),
			rule(`(?im)`+lead+`(?:жир[а-яё]*|total\s+fat|fats?)`+gap+number+bare, UnitGram),
		},
	},
	{
		field: FieldCarbs,
		rules: []fieldRule{
			rule(`(?i)`+lead+`(?:углевод[а-яё]*|total\s+carbohydrates?|carbohydrates?|carbs?)`+gap+number+`\s*`+mass, UnitGram),
			rule(`(?i)`+number+`\s*`+mass+`\s*(?:углевод[а-яё]*|carbohydrates?|carbs?)`, UnitGram),
			rule(`(?im)`+lead+`(?:углевод[а-яё]*|total\s+carbohydrates?|carbohydrates?|carbs?)`+gap+number+bare, UnitGram),
		},
	},
	{
		field: FieldWeight,
		rules: []fieldRule{
			rule(`(?i)`+lead+`(?:масса\s+нетто|вес\s+нетто|нетто|масса|вес|объ[её]м|net\s*wt\.?|net\s+weight|weight)`+gap+number+`\s*(?P<unit>кг|kg|мл|ml|гр|г|g)?`, UnitGram),
			rule(`(?i)`+number+`\s*(?P<unit>кг|kg|гр|г|g)\s*℮`, UnitGram),
		},
	},
	{
		field: FieldBrand,
		rules: []fieldRule{
			rule(`(?im)`+lead+`(?:торговая\s+марка|бренд|тм|brand)\s*[:\-–—]\s*([^\n,;]+)`, UnitNone),
			rule(`«([^»\n]{2,60})»`, UnitNone),
			rule(`"([^"\n]{2,60})"`, UnitNone),
		},
	},
	{
		field: FieldProductName,
		rules: []fieldRule{
			rule(`(?im)`+lead+`(?:наименование(?:\s+продукта)?|название|продукт|product\s+name|product)\s*[:\-–—]\s*([^\n;]+)`, UnitNone),
		},
	},
}

// unitTokens maps the raw unit spelling captured on a label to a canonical Unit
var unitTokens = map[string]Unit{
	"ккал": UnitKilocalory,
	"kcal": UnitKilocalory,
	"кдж":  UnitKilojoule,
	"kj":   UnitKilojoule,
	"г":    UnitGram,
	"гр":   UnitGram,
	"g":    UnitGram,
	"мг":   UnitMilligram,
	"mg":   UnitMilligram,
	"кг":   UnitKilogram,
	"kg":   UnitKilogram,
	"мл":   UnitMilliliter,
	"ml":   UnitMilliliter,
}
