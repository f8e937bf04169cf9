// Copyright 2025 Certen Protocol
//
// SGX's report_data is 64 arbitrary bytes the enclave sets at quote time;
// the spec leaves open how a caller-supplied nonce binds into it, so a
// binding scheme has to be fixed here. HKDF-Expand keyed on the nonce
// (RFC 5869, same function used for enclave session-key derivation) is
// the standard way to turn a short, possibly low-entropy nonce into a
// fixed-width value without inventing an ad hoc construction.

package attestation

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

// nonceBindingInfo domain-separates this expansion from any other HKDF
// use of the same nonce elsewhere in the system.
var nonceBindingInfo = []byte("veribot-attestation-report-data-binding-v1")

// ReportDataBinding derives the 32-byte value an SGX quote's report_data
// must be prefixed with to prove it was produced in response to nonce.
func ReportDataBinding(nonce []byte) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, nonce, nil, nonceBindingInfo)
	_, _ = io.ReadFull(r, out)
	return out
}

// CheckReportDataBinding reports whether reportData begins with the
// expected HKDF binding for nonce, in constant time.
func CheckReportDataBinding(reportData, nonce []byte) bool {
	expected := ReportDataBinding(nonce)
	if len(reportData) < len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(reportData[:len(expected)], expected) == 1
}
