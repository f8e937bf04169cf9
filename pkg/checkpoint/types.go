// Copyright 2025 Certen Protocol
//
// Data model for the central signed record of the attestation data plane.
// Field numbering in Checkpoint is part of the wire contract (spec §3,
// §6) — it is preserved by encoding the struct as a CBOR array via the
// "toarray" tag, so field order in Go source IS field order on the wire.

package checkpoint

import (
	"github.com/OliverNakamoto/veribot/pkg/canon"
	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

// CheckpointSchemaV1 is the only schema version this module understands.
const CheckpointSchemaV1 = 1

// TrustMode controls whether an unsigned model is rejected or merely
// flagged at verification time.
type TrustMode int

const (
	// Permissive accepts checkpoints referencing unsigned models.
	Permissive TrustMode = iota
	// Trusted rejects any checkpoint whose model provenance lacks a
	// signature bundle.
	Trusted
)

func (m TrustMode) String() string {
	switch m {
	case Trusted:
		return "trusted"
	case Permissive:
		return "permissive"
	default:
		return "unknown"
	}
}

// ModelProvenance identifies the exact AI model and its supply chain.
type ModelProvenance struct {
	Name             string         `cbor:"name"`
	ModelHash        xhash.Hash256  `cbor:"model_hash"`
	DatasetHash      *xhash.Hash256 `cbor:"dataset_hash,omitempty"`
	ContainerDigest  *string        `cbor:"container_digest,omitempty"`
	SignatureBundle  []byte         `cbor:"signature_bundle,omitempty"`
}

// DeterminismFlag is one ordered key/value pair in a DeterminismConfig's
// Flags list. Flags are encoded as an ordered array of pairs, not a CBOR
// map, because the schema requires insertion order to survive encoding —
// a canonically sorted map would destroy it.
type DeterminismFlag struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

// DeterminismConfig captures the implementation-specific knobs that must
// match bit-for-bit between two checkpoints claiming identical inference.
type DeterminismConfig struct {
	RNGSeed   *uint64            `cbor:"rng_seed,omitempty"`
	BatchSize uint64             `cbor:"batch_size"`
	Flags     []DeterminismFlag  `cbor:"flags,omitempty"`
}

// Entry/vendor measurement length requirements (spec §4.4 precondition 5).
const (
	SGXMeasurementLen   = 32
	TDXMeasurementLen   = 48
	NitroMeasurementLen = 48
)

// wireFields is the canonical, positional encoding of Checkpoint fields
// 1..14 — everything the signature in field 15 is computed over. It is a
// distinct type (rather than Checkpoint itself, minus Signature) so that
// the "toarray" tag drives a fixed 14-slot array with no ambiguity about
// whether Signature participates.
type wireFields struct {
	_                 struct{} `cbor:",toarray"`
	Version           uint8
	RobotID           string
	MissionID         string
	Sequence          uint64
	MonotonicCounter  uint64
	PrevRoot          xhash.Hash256
	EntriesRoot       xhash.Hash256
	EnclaveMeasurement []byte
	FirmwareHash      xhash.Hash256
	ModelProvenance   ModelProvenance
	InferenceConfig   DeterminismConfig
	TrustMode         uint8
	AttestationQuote  []byte // zero-length when absent; see field 13 note below
	CreatedAt         uint64
}

// Checkpoint is the central signed record (spec §3). Field numbers below
// are contractual; see wireFields for the exact 1..14 wire encoding that
// Signature is computed over.
type Checkpoint struct {
	Version           uint8              // 1
	RobotID           string             // 2
	MissionID         string             // 3
	Sequence          uint64             // 4
	MonotonicCounter  uint64             // 5
	PrevRoot          xhash.Hash256      // 6, zero for genesis
	EntriesRoot       xhash.Hash256      // 7, zero iff window is empty
	EnclaveMeasurement []byte            // 8
	FirmwareHash      xhash.Hash256      // 9
	ModelProvenance   ModelProvenance    // 10
	InferenceConfig   DeterminismConfig  // 11
	TrustMode         TrustMode          // 12
	// AttestationQuote is the raw hardware quote. A nil/empty slice means
	// "absent": field 13 is optional, but wireFields encodes it as a
	// zero-length byte string rather than CBOR null, since the schema's
	// "optional fields omitted, not null" rule was designed for map
	// encodings and Checkpoint's field numbering is positional.
	AttestationQuote []byte            // 13
	CreatedAt        uint64             // 14, wall-clock microseconds
	Signature        xhash.Signature    // 15, EdDSA over canonical(1..14)
}

// fullWire is the complete 15-field on-the-wire record (spec §6): fields
// 1..14 plus the trailing signature.
type fullWire struct {
	_          struct{} `cbor:",toarray"`
	Fields     wireFields
	Signature  xhash.Signature
}

// EncodeWire returns the complete 15-field canonical wire encoding,
// suitable for transport, storage, or feeding back into Decode.
func (c *Checkpoint) EncodeWire() ([]byte, error) {
	return canon.Encode(fullWire{Fields: c.wire(), Signature: c.Signature})
}

// Decode parses a complete 15-field wire record back into a Checkpoint.
// Callers that need to verify canonicality or the signature should use
// pkg/checkpoint.Verifier rather than calling Decode directly.
func Decode(raw []byte) (*Checkpoint, error) {
	var fw fullWire
	if err := canon.Decode(raw, &fw); err != nil {
		return nil, err
	}
	ck := fromWire(fw.Fields)
	ck.Signature = fw.Signature
	return ck, nil
}

func (c *Checkpoint) wire() wireFields {
	quote := c.AttestationQuote
	if quote == nil {
		quote = []byte{}
	}
	return wireFields{
		Version:            c.Version,
		RobotID:            c.RobotID,
		MissionID:          c.MissionID,
		Sequence:           c.Sequence,
		MonotonicCounter:   c.MonotonicCounter,
		PrevRoot:           c.PrevRoot,
		EntriesRoot:        c.EntriesRoot,
		EnclaveMeasurement: c.EnclaveMeasurement,
		FirmwareHash:       c.FirmwareHash,
		ModelProvenance:    c.ModelProvenance,
		InferenceConfig:    c.InferenceConfig,
		TrustMode:          uint8(c.TrustMode),
		AttestationQuote:   quote,
		CreatedAt:          c.CreatedAt,
	}
}

// SigningBytes returns the canonical encoding of fields 1..14 — exactly
// what the EdDSA signature in field 15 is computed over.
func (c *Checkpoint) SigningBytes() ([]byte, error) {
	return canon.Encode(c.wire())
}
