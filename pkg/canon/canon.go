// Copyright 2025 Certen Protocol
//
// Canonical Codec: deterministic binary encoding for the attestation data
// model. Every hash computed anywhere in the system flows through this
// codec — any encoder that violates bijectivity breaks every signature.
//
// Built on fxamacker/cbor/v2's core-deterministic encoding mode (RFC 8949
// §4.2.1): smallest-form integers, shortest-form lengths, map keys sorted
// by their own encoding, and a decoder that rejects indefinite-length
// items and CBOR tags outright.

package canon

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrNonCanonical is returned by RejectExplicitNulls when a top-level map
// value is an explicit null. Decode never returns it: decoder rejections
// (indefinite-length items, tags, duplicate map keys) are wrapped in
// ErrDecode, and round-trip mismatches and floats are reported only as a
// false result from IsCanonical.
var ErrNonCanonical = errors.New("canon: non-canonical encoding")

// ErrDecode wraps any malformed-bytes failure surfaced by the underlying
// CBOR decoder (truncated input, invalid major type, and so on).
var ErrDecode = errors.New("canon: decode error")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCoreDeterministic,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}
	m, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canon: building encode mode: %v", err))
	}
	encMode = m

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}
	d, err := decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canon: building decode mode: %v", err))
	}
	decMode = d
}

// Encode produces the canonical encoding of v. v is expected to be one of
// the data-model record types in pkg/checkpoint, pkg/merklelog, or a slice
// / map composed of them; nothing in the schema carries a floating-point
// field, so the encoder never needs to reject one explicitly — there is
// simply nothing in any Go struct that could produce one.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return b, nil
}

// Decode parses canonical bytes into v, a pointer to a data-model record.
// Decode alone does not guarantee the input was itself canonical and runs
// no round-trip check of its own — call IsCanonical first where integrity
// matters (the checkpoint verifier does so before decoding).
func Decode(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// IsCanonical reports whether b is a byte-for-byte fixed point of
// decode-then-encode: decoding it generically and re-encoding with the
// same canonical options must reproduce b exactly, and b must contain no
// float. This is the schema-agnostic half of the contract. Schema-specific
// invariants (explicit null on an optional field, out-of-range enums) are
// not checked here, and checkpoint.Decode does not check them either;
// RejectExplicitNulls covers nulls in a top-level map only and is not
// called by pkg/checkpoint.
func IsCanonical(b []byte) bool {
	var generic any
	if err := decMode.Unmarshal(b, &generic); err != nil {
		return false
	}
	if hasForbiddenValue(generic) {
		return false
	}
	reencoded, err := encMode.Marshal(generic)
	if err != nil {
		return false
	}
	return bytesEqual(reencoded, b)
}

// hasForbiddenValue walks a generically-decoded CBOR tree looking for a
// float — the schema has no floating-point fields, and the generic
// decode path (unlike a typed Decode into an all-integer struct) has no
// other way to reject one structurally.
func hasForbiddenValue(v any) bool {
	switch val := v.(type) {
	case float32, float64:
		return true
	case []any:
		for _, item := range val {
			if hasForbiddenValue(item) {
				return true
			}
		}
	case map[any]any:
		for k, item := range val {
			if hasForbiddenValue(k) || hasForbiddenValue(item) {
				return true
			}
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RejectExplicitNulls decodes b as a generic CBOR map and returns
// ErrNonCanonical if any value is an explicit null — the schema requires
// optional fields to be omitted entirely, never present-as-null. Callers
// that decode schema types with optional (pointer) map fields should run
// this before or after the typed Decode, since a typed *T field cannot by
// itself distinguish "absent" from "present and null".
func RejectExplicitNulls(b []byte) error {
	var generic map[any]any
	if err := decMode.Unmarshal(b, &generic); err != nil {
		// Not a map at the top level: nothing to check here.
		return nil
	}
	for k, v := range generic {
		if v == nil {
			return fmt.Errorf("%w: explicit null for key %v", ErrNonCanonical, k)
		}
	}
	return nil
}
