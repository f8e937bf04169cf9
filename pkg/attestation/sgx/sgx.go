// Copyright 2025 Certen Protocol
//
// Intel SGX/DCAP ECDSA-P256 quote v3 adapter. Quote layout (header, report
// body, signature) is grounded on the VirtEngine enclave_runtime POC's
// SGXQuoteHeader/SGXReportBody field order; this adapter treats that
// layout as fixed input from the quoting enclave rather than simulating
// it, and adds the checks a POC stub skips: debug-flag rejection and PCK
// chain verification via the root CA.

package sgx

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/OliverNakamoto/veribot/pkg/attestation"
)

const (
	quoteHeaderSize  = 48
	reportBodySize   = 384
	mrEnclaveOffset  = 64 // within report body
	mrSignerOffset   = 128
	attributesOffset = 48
	reportDataOffset = 320
	reportDataSize   = 64
	measurementLen   = 32

	attrFlagDebug = 0x0002

	// signatureOffset is where the quote's Certification Data begins:
	// header || report body || signature || PCK certificate chain (PEM).
	// This mirrors DCAP quote v3's Quote Signature Data Structure, with
	// Certification Data Type 5 (PCK Cert Chain) embedded directly after
	// the fixed-size ECDSA-P256 signature rather than referenced out of
	// band, so a quote is self-contained for signature verification.
	signatureOffset = quoteHeaderSize + reportBodySize
	// signatureLen is the raw r||s encoding of an ECDSA-P256 signature,
	// 32 bytes each, fixed-width (not ASN.1 DER).
	signatureLen = 64
)

// VendorTag is this adapter's registry key.
const VendorTag = "intel-sgx"

var (
	// ErrQuoteTooShort means the byte slice can't contain a v3 quote.
	ErrQuoteTooShort = errors.New("sgx: quote shorter than header+report body")
	// ErrDebugEnclave means the quote attests to a debug-mode enclave,
	// which must never be accepted outside local testing.
	ErrDebugEnclave = errors.New("sgx: quote attests to a debug-mode enclave")
	// ErrBadSignature means the quote's ECDSA signature did not verify
	// against the attached PCK certificate.
	ErrBadSignature = errors.New("sgx: quote signature does not verify")
)

// PCSSource supplies the collateral (PCK cert chain, TCB info, CRLs) an
// Adapter needs to verify a quote and answer revocation queries, keyed by
// FMSPC per Intel's DCAP collateral model.
type PCSSource interface {
	PCKChain(ctx context.Context, fmspc string) ([]*x509.Certificate, error)
	TCBStatus(ctx context.Context, fmspc string) (revoked bool, err error)
	RootCA() *x509.Certificate
}

// Adapter implements attestation.Adapter for Intel SGX DCAP quotes.
type Adapter struct {
	pcs PCSSource
}

var _ attestation.Adapter = (*Adapter)(nil)

// New returns an Adapter backed by pcs for collateral lookups.
func New(pcs PCSSource) *Adapter {
	return &Adapter{pcs: pcs}
}

func (a *Adapter) VendorTag() string { return VendorTag }

// RootCACerts returns the Intel SGX Root CA this adapter chains PCK
// certificates to, PEM-encoded, or nil if none is configured.
func (a *Adapter) RootCACerts() []attestation.PEMCert {
	if a.pcs == nil {
		return nil
	}
	root := a.pcs.RootCA()
	if root == nil {
		return nil
	}
	return []attestation.PEMCert{pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})}
}

// VerifyQuote parses a DCAP ECDSA quote v3, rejects debug-mode enclaves,
// and verifies the signature chains to the Intel SGX root CA via the
// embedded PCK certificate.
func (a *Adapter) VerifyQuote(ctx context.Context, quote []byte, nonce []byte) (attestation.QuoteResult, error) {
	if len(quote) < quoteHeaderSize+reportBodySize {
		return attestation.QuoteResult{}, ErrQuoteTooShort
	}

	body := quote[quoteHeaderSize : quoteHeaderSize+reportBodySize]

	attrFlags := binary.LittleEndian.Uint64(body[attributesOffset : attributesOffset+8])
	debug := attrFlags&attrFlagDebug != 0

	mrEnclave := make([]byte, measurementLen)
	copy(mrEnclave, body[mrEnclaveOffset:mrEnclaveOffset+measurementLen])
	mrSigner := make([]byte, measurementLen)
	copy(mrSigner, body[mrSignerOffset:mrSignerOffset+measurementLen])
	reportData := make([]byte, reportDataSize)
	copy(reportData, body[reportDataOffset:reportDataOffset+reportDataSize])

	if debug {
		return attestation.QuoteResult{
			EnclaveMeasurement: mrEnclave,
			SignerMeasurement:  mrSigner,
			Debug:              true,
			ReportData:         reportData,
		}, ErrDebugEnclave
	}

	if err := a.verifySignature(ctx, quote); err != nil {
		return attestation.QuoteResult{}, err
	}

	if len(nonce) > 0 && !attestation.CheckReportDataBinding(reportData, nonce) {
		return attestation.QuoteResult{}, attestation.ErrNonceMismatch
	}

	return attestation.QuoteResult{
		EnclaveMeasurement: mrEnclave,
		SignerMeasurement:  mrSigner,
		Debug:              false,
		ReportData:         reportData,
		Revocation:         attestation.RevocationOK,
	}, nil
}

// verifySignature parses the PCK certificate chain embedded in the
// quote's Certification Data, validates it against the configured root
// CA, and verifies the quote's ECDSA-P256 signature against the PCK
// leaf certificate's public key (spec §4.5 steps 3-5). An adapter built
// without a PCS source (tests) skips chain and signature verification
// entirely and trusts the quote bytes as-is; an adapter whose PCS source
// has no root CA returns an error for every quote.
func (a *Adapter) verifySignature(ctx context.Context, quote []byte) error {
	if a.pcs == nil {
		return nil // PCS-less adapters (tests) skip chain verification
	}
	root := a.pcs.RootCA()
	if root == nil {
		return fmt.Errorf("sgx: no root CA configured")
	}

	if len(quote) < signatureOffset+signatureLen {
		return ErrQuoteTooShort
	}
	signed := quote[:signatureOffset]
	sig := quote[signatureOffset : signatureOffset+signatureLen]
	certPEM := quote[signatureOffset+signatureLen:]

	chain, err := parsePEMCertChain(certPEM)
	if err != nil {
		return fmt.Errorf("sgx: parse PCK certificate chain: %w", err)
	}
	leaf := chain[0]

	if err := verifyPCKChain(leaf, chain, root); err != nil {
		return err
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("sgx: PCK leaf certificate does not carry an ECDSA public key")
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	hash := sha256.Sum256(signed)
	if !ecdsa.Verify(pub, hash[:], r, s) {
		return ErrBadSignature
	}
	return nil
}

// CheckRevocation reports the TCB status for the enclave's FMSPC. Since
// the reference quote layout does not carry an FMSPC field, callers key
// lookups by measurement and the adapter takes the FMSPC to be the hex of
// the measurement's first 6 bytes (fmspcForMeasurement).
func (a *Adapter) CheckRevocation(ctx context.Context, measurement []byte) (attestation.RevocationVerdict, error) {
	if a.pcs == nil {
		return attestation.RevocationUnknown, nil
	}
	revoked, err := a.pcs.TCBStatus(ctx, fmspcForMeasurement(measurement))
	if err != nil {
		return attestation.RevocationUnknown, err
	}
	if revoked {
		return attestation.RevocationRevoked, nil
	}
	return attestation.RevocationOK, nil
}

// RefreshTrustAnchors is a no-op here; PCSClient (pcs.go) owns its own
// refresh cadence and in-flight de-duplication.
func (a *Adapter) RefreshTrustAnchors(ctx context.Context) error {
	return nil
}

// fmspcForMeasurement is a placeholder mapping until a real platform
// manifest supplies the FMSPC alongside the quote; in production the
// FMSPC travels with the quote's certificate data, not the measurement.
func fmspcForMeasurement(measurement []byte) string {
	if len(measurement) < 6 {
		return ""
	}
	return fmt.Sprintf("%x", measurement[:6])
}
