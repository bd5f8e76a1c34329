// Package extract turns unstructured source text into structured property
// fields, preferring a local LLM and falling back to deterministic regex
// extraction when the model output cannot be parsed. Every extraction is
// fronted by a content-addressed cache with single-flight miss coalescing.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Method records how a result was produced.
type Method string

const (
	MethodLLM      Method = "llm"
	MethodFallback Method = "fallback"
)

// fallbackMaxConfidence caps the confidence of regex-derived results.
const fallbackMaxConfidence = 0.5

// Result is the structured output of one extraction.
type Result struct {
	Street       string  `json:"street,omitempty"`
	City         string  `json:"city,omitempty"`
	State        string  `json:"state,omitempty"`
	Zipcode      string  `json:"zipcode,omitempty"`
	Price        float64 `json:"price,omitempty"`
	Bedrooms     int     `json:"bedrooms,omitempty"`
	Bathrooms    float64 `json:"bathrooms,omitempty"`
	SquareFeet   int     `json:"square_feet,omitempty"`
	LotSizeSqft  int     `json:"lot_size_sqft,omitempty"`
	YearBuilt    int     `json:"year_built,omitempty"`
	PropertyType string  `json:"property_type,omitempty"`
	Method       Method  `json:"method"`
	Confidence   float64 `json:"confidence"`
}

// Empty reports whether the extraction produced nothing usable.
func (r *Result) Empty() bool {
	return r == nil || (r.Street == "" && r.Price == 0 && r.Bedrooms == 0 &&
		r.Bathrooms == 0 && r.SquareFeet == 0 && r.YearBuilt == 0)
}

// CacheKey derives the content address for one extraction:
// SHA-256(source-tag ‖ 0x1f ‖ prompt-version ‖ 0x1f ‖ text). The prompt
// version is part of the key so a prompt change never serves stale output.
func CacheKey(sourceTag, promptVersion, text string) string {
	h := sha256.New()
	h.Write([]byte(sourceTag))
	h.Write([]byte{0x1f})
	h.Write([]byte(promptVersion))
	h.Write([]byte{0x1f})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// approxSize estimates the cache footprint of a result in bytes.
func (r *Result) approxSize() int64 {
	b, err := json.Marshal(r)
	if err != nil {
		return 256
	}
	return int64(len(b))
}
