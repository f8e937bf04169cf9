// Copyright 2025 Certen Protocol
//
// checkpoint-verify is the minimal CLI surface named in spec §6: verify
// one checkpoint's signature, sequence, and chain link against a
// registry snapshot, and optionally that a log entry is included in the
// checkpoint's entries_root. It deliberately does not anchor, register
// models, or mutate the registry — those are operator actions that
// belong to the out-of-scope gateway/ledger plumbing, not a read-only
// auditor tool.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/OliverNakamoto/veribot/pkg/checkpoint"
	"github.com/OliverNakamoto/veribot/pkg/merklelog"
	"github.com/OliverNakamoto/veribot/pkg/registry"
	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

// Exit codes are a stable kind-to-code mapping (spec §6, §7): 0 is the
// only success code, everything else names one failure kind so scripts
// can branch on it without parsing stderr.
const (
	exitOK                  = 0
	exitUsage               = 64
	exitDecodeError         = 10
	exitNonCanonical        = 11
	exitInvariantViolation  = 20
	exitRollbackDetected    = 21
	exitChainBroken         = 22
	exitTrustedModeUnsigned = 23
	exitSignatureInvalid    = 30
	exitEnclaveRevoked      = 40
	exitModelRevoked        = 41
	exitUnknownRobot        = 50
	exitLedgerUnavailable   = 60 // Deferred, safe to retry
	exitProofInvalid        = 70
	exitInternal            = 1
)

func exitCodeForKind(k checkpoint.Kind) int {
	switch k {
	case checkpoint.KindDecodeError:
		return exitDecodeError
	case checkpoint.KindNonCanonical:
		return exitNonCanonical
	case checkpoint.KindRollbackDetected:
		return exitRollbackDetected
	case checkpoint.KindChainBroken:
		return exitChainBroken
	case checkpoint.KindTrustedModeUnsigned:
		return exitTrustedModeUnsigned
	case checkpoint.KindInvariantViolation:
		return exitInvariantViolation
	case checkpoint.KindSignatureInvalid:
		return exitSignatureInvalid
	case checkpoint.KindEnclaveRevoked:
		return exitEnclaveRevoked
	case checkpoint.KindModelRevoked:
		return exitModelRevoked
	case checkpoint.KindUnknownRobot:
		return exitUnknownRobot
	case checkpoint.KindLedgerUnavailable:
		return exitLedgerUnavailable
	default:
		return exitInternal
	}
}

// proofFile is the on-disk JSON shape for the --proof flag: an inclusion
// proof for one log entry plus the entry itself, so the CLI can replay
// merklelog.Verify against the checkpoint's entries_root without needing
// the rest of the window.
type proofFile struct {
	Entry struct {
		Timestamp   uint64 `json:"timestamp"`
		Nonce       uint64 `json:"nonce"`
		Payload     []byte `json:"payload"`
		PayloadHash string `json:"payload_hash"` // hex
	} `json:"entry"`
	LeafIndex int `json:"leaf_index"`
	LeafCount int `json:"leaf_count"`
	Path      []struct {
		Sibling  string `json:"sibling"` // hex
		Position string `json:"position"`
	} `json:"path"`
}

// registrySnapshot is the on-disk JSON shape for the --registry flag: a
// point-in-time dump of the revocation lists a gateway-side registry
// read-model would serve. It is not the registry's own storage format
// (pkg/registry.Registry owns that); it is the narrow slice this
// read-only CLI needs.
type registrySnapshot struct {
	RevokedEnclaves []string `json:"revoked_enclaves"` // hex
	RevokedModels   []string `json:"revoked_models"`   // hex
}

type snapshotReader struct {
	enclaves map[string]bool
	models   map[string]bool
}

func (s *snapshotReader) IsEnclaveRevoked(_ context.Context, measurement []byte) (bool, error) {
	return s.enclaves[hex.EncodeToString(measurement)], nil
}

func (s *snapshotReader) IsModelRevoked(_ context.Context, modelHash xhash.Hash256) (bool, error) {
	return s.models[hex.EncodeToString(modelHash[:])], nil
}

func loadSnapshot(path string) (*snapshotReader, error) {
	sr := &snapshotReader{enclaves: map[string]bool{}, models: map[string]bool{}}
	if path == "" || path == "memory" {
		return sr, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry snapshot: %w", err)
	}
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse registry snapshot: %w", err)
	}
	for _, e := range snap.RevokedEnclaves {
		sr.enclaves[e] = true
	}
	for _, m := range snap.RevokedModels {
		sr.models[m] = true
	}
	return sr, nil
}

var _ checkpoint.RegistryReader = (*snapshotReader)(nil)
var _ checkpoint.RegistryReader = (*registry.Registry)(nil)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("checkpoint-verify", flag.ContinueOnError)
	checkpointPath := fs.String("checkpoint", "", "path to the canonical checkpoint wire bytes")
	proofPath := fs.String("proof", "", "optional path to a MerkleProof JSON file to check against entries_root")
	registryPath := fs.String("registry", "memory", "path to a registry revocation snapshot JSON, or \"memory\" for none")
	pubkeyHex := fs.String("pubkey", "", "hex-encoded Ed25519 public key bound to the checkpoint's enclave_measurement")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *checkpointPath == "" || *pubkeyHex == "" {
		fmt.Fprintln(os.Stderr, "usage: checkpoint-verify --checkpoint FILE --pubkey HEX [--proof FILE] [--registry ADDR]")
		return exitUsage
	}

	raw, err := os.ReadFile(*checkpointPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint-verify: %v\n", err)
		return exitInternal
	}

	pubBytes, err := hex.DecodeString(*pubkeyHex)
	if err != nil || len(pubBytes) != xhash.PublicKeySize {
		fmt.Fprintln(os.Stderr, "checkpoint-verify: --pubkey must be a 32-byte hex-encoded Ed25519 public key")
		return exitUsage
	}
	var pub xhash.PublicKey
	copy(pub[:], pubBytes)

	reg, err := loadSnapshot(*registryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint-verify: %v\n", err)
		return exitInternal
	}

	v := checkpoint.NewVerifier()
	decision := v.Verify(context.Background(), raw, pub, reg)

	switch decision.Outcome {
	case checkpoint.Accepted:
		// fall through to optional proof check below
	case checkpoint.Deferred:
		fmt.Fprintf(os.Stderr, "checkpoint-verify: deferred: %s: %s\n", decision.Kind, decision.Detail)
		return exitCodeForKind(decision.Kind)
	default:
		fmt.Fprintf(os.Stderr, "checkpoint-verify: rejected: %s: %s\n", decision.Kind, decision.Detail)
		return exitCodeForKind(decision.Kind)
	}

	if *proofPath != "" {
		ck, err := checkpoint.Decode(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "checkpoint-verify: %v\n", err)
			return exitDecodeError
		}
		if err := verifyProofFile(*proofPath, ck.EntriesRoot); err != nil {
			fmt.Fprintf(os.Stderr, "checkpoint-verify: proof invalid: %v\n", err)
			return exitProofInvalid
		}
	}

	fmt.Println("accepted")
	return exitOK
}

func verifyProofFile(path string, entriesRoot xhash.Hash256) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pf proofFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return err
	}

	payloadHash, err := hex.DecodeString(pf.Entry.PayloadHash)
	if err != nil || len(payloadHash) != 32 {
		return errors.New("entry.payload_hash must be 32 bytes hex")
	}
	var entry merklelog.Entry
	entry.Timestamp = pf.Entry.Timestamp
	entry.Nonce = pf.Entry.Nonce
	entry.Payload = pf.Entry.Payload
	copy(entry.PayloadHash[:], payloadHash)

	proof := merklelog.Proof{LeafIndex: pf.LeafIndex, LeafCount: pf.LeafCount}
	for _, step := range pf.Path {
		sib, err := hex.DecodeString(step.Sibling)
		if err != nil || len(sib) != 32 {
			return errors.New("path sibling must be 32 bytes hex")
		}
		var pos merklelog.Position
		switch step.Position {
		case "left":
			pos = merklelog.Left
		case "right":
			pos = merklelog.Right
		default:
			return fmt.Errorf("path position must be left or right, got %q", step.Position)
		}
		var sibHash xhash.Hash256
		copy(sibHash[:], sib)
		proof.Path = append(proof.Path, merklelog.ProofStep{Sibling: sibHash, Position: pos})
	}

	if !merklelog.Verify(entriesRoot, entry, proof) {
		return errors.New("proof does not verify against entries_root")
	}
	return nil
}
