package extract

import (
	"fmt"
	"strings"
)

// Prompt templates are versioned; the active version participates in the
// cache key so changing a template invalidates prior extractions without
// any explicit cache flush.
var promptTemplates = map[string]string{
	"v1": `Extract property facts from the listing text below. Respond with a single JSON object using these keys: street, city, state, zipcode, price, bedrooms, bathrooms, square_feet, lot_size_sqft, year_built, property_type. Omit keys you cannot determine. Output JSON only, no prose.

Listing text:
%s`,
	"v2": `You are a real-estate data extractor for %s listings in the Phoenix, Arizona metro. Read the listing text and return exactly one JSON object with these keys:
  street (string), city (string), state (two-letter string), zipcode (string),
  price (number, US dollars), bedrooms (integer), bathrooms (number, half steps allowed),
  square_feet (integer), lot_size_sqft (integer), year_built (integer),
  property_type (one of: single_family, townhouse, condo, multi_family, manufactured, lot, commercial).
Omit any key you cannot determine from the text. Do not invent values. Output the JSON object only.

Listing text:
%s`,
}

// BuildPrompt renders the versioned extraction prompt. Unknown versions
// fall back to the newest template.
func BuildPrompt(version, sourceTag, text string) string {
	tmpl, ok := promptTemplates[version]
	if !ok {
		tmpl = promptTemplates["v2"]
	}
	if strings.Count(tmpl, "%s") == 2 {
		return fmt.Sprintf(tmpl, sourceTag, text)
	}
	return fmt.Sprintf(tmpl, text)
}
