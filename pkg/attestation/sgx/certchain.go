// Copyright 2025 Certen Protocol
//
// PCK certificate chain parsing and validation, split out of sgx.go since
// both the quote's embedded Certification Data (sgx.go) and the PCS TCB
// issuer chain (pcs.go) need the same PEM-chain-to-root check.

package sgx

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrCertChainInvalid means the PCK certificate chain embedded in a quote
// did not parse or did not validate against the configured root CA.
var ErrCertChainInvalid = errors.New("sgx: PCK certificate chain did not validate against the configured root")

// parsePEMCertChain decodes a sequence of PEM-encoded CERTIFICATE blocks.
// The first certificate is the leaf (the PCK certificate); any remaining
// are intermediates, per Intel's PCK cert chain model.
func parsePEMCertChain(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("sgx: parse PEM certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("sgx: no PEM certificates found")
	}
	return certs, nil
}

// verifyPCKChain checks that leaf chains to root, through any
// intermediates present in chain.
func verifyPCKChain(leaf *x509.Certificate, chain []*x509.Certificate, root *x509.Certificate) error {
	rootPool := x509.NewCertPool()
	rootPool.AddCert(root)

	intermediates := x509.NewCertPool()
	for _, c := range chain {
		if c.Equal(leaf) {
			continue
		}
		intermediates.AddCert(c)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         rootPool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrCertChainInvalid, err)
	}
	return nil
}
