package domain

import (
	"strings"
	"testing"
)

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"beds": 3, "address": {"zip": "85048", "street": "123 E Main St"}}`)
	b := []byte(`{"address": {"street": "123 E Main St", "zip": "85048"}, "beds": 3}`)

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON(a): %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON(b): %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if strings.Contains(string(ca), " ") {
		t.Errorf("canonical form contains whitespace: %s", ca)
	}
}

func TestCanonicalJSON_NumberForm(t *testing.T) {
	got, err := CanonicalJSON([]byte(`{"price": 425000.0, "ratio": 1.50, "big": 1e3}`))
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"big":1000,"price":425000,"ratio":1.5}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	got, err := CanonicalJSON([]byte(`{"html": "<div class=\"x\">a & b</div>"}`))
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if strings.Contains(string(got), `<`) {
		t.Errorf("canonical form HTML-escaped: %s", got)
	}
}

func TestRawDataHash_Stable(t *testing.T) {
	raw := []byte(`{"apn": "123-45-678", "sqft": 1850}`)
	reordered := []byte(`{ "sqft": 1850, "apn": "123-45-678" }`)

	h1, err := RawDataHash(raw)
	if err != nil {
		t.Fatalf("RawDataHash: %v", err)
	}
	h2, err := RawDataHash(raw)
	if err != nil {
		t.Fatalf("RawDataHash: %v", err)
	}
	h3, err := RawDataHash(reordered)
	if err != nil {
		t.Fatalf("RawDataHash: %v", err)
	}

	if h1 != h2 {
		t.Error("byte-identical inputs produced different hashes")
	}
	if h1 != h3 {
		t.Error("equivalent inputs with different key order produced different hashes")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	other, err := RawDataHash([]byte(`{"apn": "999-99-999", "sqft": 1850}`))
	if err != nil {
		t.Fatalf("RawDataHash: %v", err)
	}
	if other == h1 {
		t.Error("different payloads produced the same hash")
	}
}

func TestRawDataHashValue_MatchesBytes(t *testing.T) {
	raw := []byte(`{"beds": 3, "pool": true}`)
	fromBytes, err := RawDataHash(raw)
	if err != nil {
		t.Fatalf("RawDataHash: %v", err)
	}
	fromValue, err := RawDataHashValue(map[string]interface{}{
		"pool": true,
		"beds": float64(3),
	})
	if err != nil {
		t.Fatalf("RawDataHashValue: %v", err)
	}
	if fromBytes != fromValue {
		t.Errorf("value hash %s != bytes hash %s", fromValue, fromBytes)
	}
}
