// Copyright 2025 Certen Protocol
//
// AWS Nitro Enclave adapter (expansion — exercises vendor polymorphism
// with a second, structurally different TEE). A Nitro attestation
// document is a COSE_Sign1 message whose payload is a CBOR map of PCRs,
// a module ID, and the enclave's public key; reusing veraison/go-cose
// here is the same library pkg/checkpoint/cose.go uses for the
// checkpoint transport envelope.

package nitro

import (
	"bytes"
	"context"
	"crypto/ecdsa"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/OliverNakamoto/veribot/pkg/attestation"
)

// VendorTag is this adapter's registry key.
const VendorTag = "aws-nitro"

// PCRIndex is the platform configuration register Nitro measures the
// enclave image into; PCR0 is the enclave image file measurement, the
// closest analogue to SGX's MRENCLAVE.
const PCRIndex = 0

type attestationDoc struct {
	ModuleID    string            `cbor:"module_id"`
	PCRs        map[int][]byte    `cbor:"pcrs"`
	PublicKey   []byte            `cbor:"public_key"`
	UserData    []byte            `cbor:"user_data"`
	Nonce       []byte            `cbor:"nonce"`
}

// RootSource supplies the AWS Nitro root public key that the COSE_Sign1
// signature is verified against directly (no certificate chain is
// walked), plus the root certificate reported by RootCACerts.
type RootSource interface {
	NitroRootPublicKey(ctx context.Context) (*ecdsa.PublicKey, error)
	// NitroRootCertPEM returns the fixed AWS Nitro root certificate,
	// PEM-encoded, for RootCACerts; it never changes across refreshes.
	NitroRootCertPEM() []byte
}

// Adapter implements attestation.Adapter for AWS Nitro Enclave
// attestation documents.
type Adapter struct {
	root RootSource
}

var _ attestation.Adapter = (*Adapter)(nil)

// New returns an Adapter backed by root for COSE signature verification;
// with a nil root, VerifyQuote skips signature verification.
func New(root RootSource) *Adapter {
	return &Adapter{root: root}
}

func (a *Adapter) VendorTag() string { return VendorTag }

// RootCACerts returns the fixed AWS Nitro root certificate, PEM-encoded,
// or nil if this adapter has no RootSource configured.
func (a *Adapter) RootCACerts() []attestation.PEMCert {
	if a.root == nil {
		return nil
	}
	if pemBytes := a.root.NitroRootCertPEM(); len(pemBytes) > 0 {
		return []attestation.PEMCert{pemBytes}
	}
	return nil
}

// VerifyQuote parses the COSE_Sign1 envelope around a Nitro attestation
// document, verifies its signature when a RootSource is configured, and
// returns PCR0 as the enclave measurement.
func (a *Adapter) VerifyQuote(ctx context.Context, quote []byte, nonce []byte) (attestation.QuoteResult, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(quote); err != nil {
		return attestation.QuoteResult{}, err
	}

	if a.root != nil {
		pub, err := a.root.NitroRootPublicKey(ctx)
		if err != nil {
			return attestation.QuoteResult{}, err
		}
		verifier, err := cose.NewVerifier(cose.AlgorithmES384, pub)
		if err != nil {
			return attestation.QuoteResult{}, err
		}
		if err := msg.Verify(nil, verifier); err != nil {
			return attestation.QuoteResult{}, err
		}
	}

	var doc attestationDoc
	if err := cbor.Unmarshal(msg.Payload, &doc); err != nil {
		return attestation.QuoteResult{}, err
	}

	// Nitro attestation documents carry an explicit nonce field for
	// exactly this challenge-response binding, unlike SGX's free-form
	// report_data — no derivation needed, just a direct comparison.
	if len(nonce) > 0 && !bytes.Equal(doc.Nonce, nonce) {
		return attestation.QuoteResult{}, attestation.ErrNonceMismatch
	}

	return attestation.QuoteResult{
		EnclaveMeasurement: doc.PCRs[PCRIndex],
		Debug:              false,
		ReportData:         doc.UserData,
		Revocation:         attestation.RevocationOK,
	}, nil
}

// CheckRevocation has no vendor-side revocation source for Nitro today;
// it defers to the application registry entirely.
func (a *Adapter) CheckRevocation(ctx context.Context, measurement []byte) (attestation.RevocationVerdict, error) {
	return attestation.RevocationUnknown, nil
}

// RefreshTrustAnchors is a no-op: the Nitro root certificate is a fixed,
// long-lived AWS-published value, not a rotating collateral feed.
func (a *Adapter) RefreshTrustAnchors(ctx context.Context) error {
	return nil
}
