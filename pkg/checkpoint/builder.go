// Copyright 2025 Certen Protocol
//
// Builder constructs a fully-populated, signed Checkpoint inside the TEE
// (spec §4.4). It is deliberately single-threaded and cooperative — the
// spec's concurrency model (§5) puts all builder-side concurrency control
// on the caller, which must hold the TEE's own lock across Build.

package checkpoint

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

const (
	maxRobotIDLen        = 64
	maxMissionIDLen      = 128
	maxModelNameLen      = 128
	maxContainerDigestLen = 256
)

// BuildInput is every value the builder needs to assemble and sign a
// checkpoint. PrevRoot is zero for genesis.
type BuildInput struct {
	RobotID            string
	MissionID          string
	Sequence           uint64
	PrevRoot           xhash.Hash256
	EntriesRoot        xhash.Hash256
	EnclaveMeasurement []byte
	FirmwareHash       xhash.Hash256
	ModelProvenance    ModelProvenance
	InferenceConfig    DeterminismConfig
	TrustMode          TrustMode
	AttestationQuote   []byte
	CreatedAt          uint64
}

// Builder constructs signed checkpoints against a durable CounterStore.
type Builder struct {
	counters CounterStore
	signer   xhash.PrivateKey
}

// NewBuilder wires a CounterStore and signing key into a Builder.
func NewBuilder(counters CounterStore, signer xhash.PrivateKey) *Builder {
	return &Builder{counters: counters, signer: signer}
}

// Build runs every precondition in spec §4.4 and, if they all pass,
// durably advances the monotonic counter before computing and attaching
// the signature — so a crash between counter commit and signature
// release can never yield two distinct signed checkpoints sharing a
// counter value.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Checkpoint, error) {
	if err := checkPreconditions(in); err != nil {
		return nil, err
	}

	lastCounter, err := b.counters.ReadCounter(ctx, in.RobotID)
	if err != nil {
		return nil, newErr(KindLedgerUnavailable, "read counter", err)
	}
	nextCounter := lastCounter + 1
	if nextCounter <= lastCounter {
		return nil, newErr(KindInvariantViolation, "monotonic counter overflow", nil)
	}

	// Durable commit MUST precede signature release.
	if err := b.counters.SetCounter(ctx, in.RobotID, nextCounter); err != nil {
		return nil, newErr(KindLedgerUnavailable, "commit counter", err)
	}

	ck := &Checkpoint{
		Version:            CheckpointSchemaV1,
		RobotID:            in.RobotID,
		MissionID:          in.MissionID,
		Sequence:           in.Sequence,
		MonotonicCounter:   nextCounter,
		PrevRoot:           in.PrevRoot,
		EntriesRoot:        in.EntriesRoot,
		EnclaveMeasurement: in.EnclaveMeasurement,
		FirmwareHash:       in.FirmwareHash,
		ModelProvenance:    in.ModelProvenance,
		InferenceConfig:    in.InferenceConfig,
		TrustMode:          in.TrustMode,
		AttestationQuote:   in.AttestationQuote,
		CreatedAt:          in.CreatedAt,
	}

	signingBytes, err := ck.SigningBytes()
	if err != nil {
		return nil, newErr(KindInvariantViolation, "encode signing bytes", err)
	}
	ck.Signature = xhash.Sign(b.signer, signingBytes)

	return ck, nil
}

func checkPreconditions(in BuildInput) error {
	// 1. sequence >= 1, and if prev_root != 0 then sequence > 1.
	if in.Sequence < 1 {
		return newErr(KindInvariantViolation, "sequence must be >= 1", nil)
	}
	if !in.PrevRoot.IsZero() && in.Sequence <= 1 {
		return newErr(KindInvariantViolation, "non-genesis checkpoint must have sequence > 1", nil)
	}

	// 3. trust_mode = Trusted => signature_bundle present.
	if in.TrustMode == Trusted && len(in.ModelProvenance.SignatureBundle) == 0 {
		return newErr(KindTrustedModeUnsigned, "trusted mode requires a model signature bundle", nil)
	}

	// 4. string fields well-formed UTF-8 and within length bounds.
	if err := checkString("robot_id", in.RobotID, maxRobotIDLen); err != nil {
		return err
	}
	if err := checkString("mission_id", in.MissionID, maxMissionIDLen); err != nil {
		return err
	}
	if err := checkString("model_provenance.name", in.ModelProvenance.Name, maxModelNameLen); err != nil {
		return err
	}
	if in.ModelProvenance.ContainerDigest != nil {
		if err := checkString("model_provenance.container_digest", *in.ModelProvenance.ContainerDigest, maxContainerDigestLen); err != nil {
			return err
		}
	}

	// 5. enclave_measurement length matches the declared vendor shape.
	switch n := len(in.EnclaveMeasurement); n {
	case SGXMeasurementLen, TDXMeasurementLen, NitroMeasurementLen:
		// ok
	default:
		return newErr(KindInvariantViolation,
			fmt.Sprintf("enclave_measurement length %d matches no known vendor shape", n), nil)
	}

	return nil
}

func checkString(field, value string, maxLen int) error {
	if !utf8.ValidString(value) {
		return newErr(KindInvariantViolation, fmt.Sprintf("%s is not valid UTF-8", field), nil)
	}
	if len(value) > maxLen {
		return newErr(KindInvariantViolation, fmt.Sprintf("%s exceeds %d bytes", field, maxLen), nil)
	}
	return nil
}
