// Copyright 2025 Certen Protocol
//
// Attestation Adapter Layer (spec §4.5). Each TEE vendor's quote format is
// hidden behind a common Adapter interface, keyed by a vendor_tag string —
// the same "polymorphism over inheritance" shape the validator uses for
// pkg/attestation/strategy.AttestationStrategy, re-keyed from signature
// scheme to hardware vendor.

package attestation

import (
	"context"
	"errors"
	"fmt"
)

// PEMCert is a single PEM-encoded certificate, as returned by
// Adapter.RootCACerts.
type PEMCert []byte

// ErrUnsupportedVendor is returned by Registry.Lookup for an unregistered
// vendor_tag.
var ErrUnsupportedVendor = errors.New("attestation: unsupported vendor tag")

// ErrNonceMismatch is returned by VerifyQuote when a caller-supplied
// nonce does not match the quote's report-data binding.
var ErrNonceMismatch = errors.New("attestation: quote report data does not bind the supplied nonce")

// RevocationVerdict is the tri-state answer a revocation check can give
// when the authoritative source (PCS, a CRL, a registry) cannot currently
// be reached: Unknown lets the caller apply its own stale-data policy
// instead of silently treating "can't tell" as "not revoked".
type RevocationVerdict int

const (
	RevocationOK RevocationVerdict = iota
	RevocationRevoked
	RevocationUnknown
)

func (v RevocationVerdict) String() string {
	switch v {
	case RevocationOK:
		return "ok"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// QuoteResult is what a vendor Adapter hands back after parsing and
// cryptographically verifying a raw hardware quote.
type QuoteResult struct {
	EnclaveMeasurement []byte // MRENCLAVE / PCR digest, vendor-specific length
	SignerMeasurement  []byte // MRSIGNER, empty where the vendor has no equivalent
	Debug              bool   // true if the quote was produced by a debug-mode enclave
	ReportData         []byte // the 64 (or vendor-specific) bytes bound into the quote
	Revocation         RevocationVerdict
}

// Adapter verifies one TEE vendor's attestation quote format and answers
// revocation queries against that vendor's authoritative source (spec
// §4.5). Implementations must not share mutable state across calls in a
// way that would let one robot's verification affect another's.
type Adapter interface {
	// VendorTag identifies this adapter in the registry, e.g. "intel-sgx".
	VendorTag() string

	// VerifyQuote cryptographically verifies the raw quote bytes and
	// returns the measurements it attests to. It does not consult the
	// application-level enclave/model registry — only the hardware root
	// of trust (PCK chain, vendor signing key, CRLs). nonce is optional
	// (nil/empty skips freshness binding); when present, the adapter
	// checks the quote's report data was bound to exactly this nonce and
	// returns ErrNonceMismatch otherwise.
	VerifyQuote(ctx context.Context, quote []byte, nonce []byte) (QuoteResult, error)

	// CheckRevocation reports whether the given measurement is revoked
	// according to the vendor's own collateral (e.g. Intel's TCB info /
	// FMSPC-keyed status), independent of the application registry.
	CheckRevocation(ctx context.Context, measurement []byte) (RevocationVerdict, error)

	// RootCACerts returns the PEM-encoded root CA certificates this
	// adapter trusts, so a caller can audit or pin them independently of
	// VerifyQuote's internal chain validation.
	RootCACerts() []PEMCert

	// RefreshTrustAnchors re-fetches root CA certs / collateral. Safe to
	// call concurrently with VerifyQuote/CheckRevocation; at most one
	// refresh is in flight at a time.
	RefreshTrustAnchors(ctx context.Context) error
}

// Registry maps vendor_tag to Adapter. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds adapter under its own VendorTag, replacing any existing
// adapter with the same tag.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.VendorTag()] = a
}

// Lookup returns the adapter registered for vendorTag, or
// ErrUnsupportedVendor.
func (r *Registry) Lookup(vendorTag string) (Adapter, error) {
	a, ok := r.adapters[vendorTag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVendor, vendorTag)
	}
	return a, nil
}

// Tags returns the currently registered vendor tags, for diagnostics.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		tags = append(tags, t)
	}
	return tags
}
