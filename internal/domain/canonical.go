package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON re-encodes a JSON document into its canonical form: object
// keys sorted lexicographically, no insignificant whitespace, numbers in
// shortest round-trip form, no HTML escaping. Byte-identical documents and
// documents that differ only in key order or formatting canonicalize to the
// same bytes.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return CanonicalJSONValue(v)
}

// CanonicalJSONValue canonicalizes an already-decoded JSON value
// (map[string]interface{}, []interface{}, string, float64, bool, nil).
func CanonicalJSONValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	// Encode appends a newline the canonical form does not include.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// RawDataHash returns the SHA-256 hex digest of the canonical-JSON encoding
// of raw. Identical payloads always yield identical hashes regardless of
// key order or whitespace in the input.
func RawDataHash(raw []byte) (string, error) {
	c, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// RawDataHashValue hashes a decoded JSON value the same way RawDataHash
// hashes bytes.
func RawDataHashValue(v interface{}) (string, error) {
	c, err := CanonicalJSONValue(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}
