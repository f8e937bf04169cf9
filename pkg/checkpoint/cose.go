// Copyright 2025 Certen Protocol
//
// Transport envelope: wraps the canonical checkpoint wire bytes in a
// COSE_Sign1 message (RFC 8152) for off-ledger transport and storage.
// This does not replace the checkpoint's own EdDSA signature in field 15
// — the COSE envelope signs the already-signed wire bytes a second time,
// giving the archive/transport layer (out of core scope) a standard,
// self-describing container. Grounded on the same veraison/go-cose
// dependency forestrie-go-merklelog uses for Merkle root receipts.

package checkpoint

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/veraison/go-cose"
)

// enclaveMeasurementHeaderLabel is a private-use COSE protected header
// label carrying the enclave measurement, so a transport/archive reader
// can filter on it without decoding the checkpoint payload itself.
const enclaveMeasurementHeaderLabel int64 = -70001

// WrapCOSE signs the checkpoint's complete wire bytes into a COSE_Sign1
// envelope under signer, a raw Ed25519 private key capable of acting as
// a crypto.Signer.
func WrapCOSE(ck *Checkpoint, signer ed25519.PrivateKey) ([]byte, error) {
	payload, err := ck.EncodeWire()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode wire bytes for cose envelope: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmEd25519)
	msg.Headers.Protected[enclaveMeasurementHeaderLabel] = ck.EnclaveMeasurement
	msg.Payload = payload

	coseSigner, err := cose.NewSigner(cose.AlgorithmEd25519, crypto.Signer(signer))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: construct cose signer: %w", err)
	}

	if err := msg.Sign(rand.Reader, nil, coseSigner); err != nil {
		return nil, fmt.Errorf("checkpoint: sign cose envelope: %w", err)
	}

	return msg.MarshalCBOR()
}

// UnwrapCOSE verifies a COSE_Sign1 envelope produced by WrapCOSE and
// returns the checkpoint's wire bytes, unverified at the checkpoint
// layer — callers must still run those bytes through Verifier.Verify.
func UnwrapCOSE(envelope []byte, pub ed25519.PublicKey) ([]byte, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal cose envelope: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmEd25519, pub)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: construct cose verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("checkpoint: cose signature invalid: %w", err)
	}

	return msg.Payload, nil
}
