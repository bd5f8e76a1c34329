package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Deterministic regex extraction used when the LLM output cannot be parsed
// or the LLM is unavailable. Patterns target the MLS listing copy the
// Phoenix sites render; they are intentionally conservative and leave a
// field zero rather than guess.
var (
	streetRE = regexp.MustCompile(`(?i)\b(\d{1,6}\s+(?:[NSEW]\.?\s+)?[A-Za-z0-9.' ]+?\s(?:Street|St|Avenue|Ave|Road|Rd|Drive|Dr|Lane|Ln|Boulevard|Blvd|Way|Court|Ct|Place|Pl|Circle|Cir|Trail|Trl|Parkway|Pkwy|Loop))\.?\b`)
	cityRE   = regexp.MustCompile(`(?i),\s*([A-Za-z .]+?),\s*(AZ|Arizona)\.?\s+(\d{5}(?:-\d{4})?)`)
	priceRE  = regexp.MustCompile(`\$\s?([\d,]+)(?:\.\d{2})?`)
	bedsRE   = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:bed(?:room)?s?|bd|br)\b`)
	bathsRE  = regexp.MustCompile(`(?i)\b(\d{1,2}(?:\.\d)?)\s*(?:bath(?:room)?s?|ba)\b`)
	sqftRE   = regexp.MustCompile(`(?i)\b([\d,]+)\s*(?:sq\.?\s?ft\.?|sqft|square\s+feet)\b`)
	lotRE    = regexp.MustCompile(`(?i)\b([\d,]+)\s*(?:sq\.?\s?ft\.?|sqft)\s+lot\b`)
	builtRE  = regexp.MustCompile(`(?i)\b(?:built(?:\s+in)?|year\s+built)[:\s]+(\d{4})\b`)
)

// FallbackExtract derives structured fields from free text with regular
// expressions. The confidence is the fraction of target fields found,
// capped at the fallback ceiling. Returns ok=false when nothing matched.
func FallbackExtract(text string) (*Result, bool) {
	res := &Result{Method: MethodFallback}
	found := 0
	const targets = 7

	if m := streetRE.FindStringSubmatch(text); m != nil {
		res.Street = strings.TrimSpace(m[1])
		found++
	}
	if m := cityRE.FindStringSubmatch(text); m != nil {
		res.City = strings.TrimSpace(m[1])
		res.State = "AZ"
		res.Zipcode = m[3]
		found++
	}
	if m := priceRE.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(stripCommas(m[1]), 64); err == nil && v > 0 {
			res.Price = v
			found++
		}
	}
	if m := bedsRE.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			res.Bedrooms = v
			found++
		}
	}
	if m := bathsRE.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			res.Bathrooms = v
			found++
		}
	}
	if m := sqftRE.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(stripCommas(m[1])); err == nil {
			res.SquareFeet = v
			found++
		}
	}
	if m := lotRE.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(stripCommas(m[1])); err == nil {
			res.LotSizeSqft = v
		}
	}
	if m := builtRE.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			res.YearBuilt = v
			found++
		}
	}

	if found == 0 {
		return nil, false
	}
	res.Confidence = fallbackMaxConfidence * float64(found) / float64(targets)
	if res.Confidence > fallbackMaxConfidence {
		res.Confidence = fallbackMaxConfidence
	}
	return res, true
}

func stripCommas(s string) string {
	return strings.ReplaceAll(s, ",", "")
}
