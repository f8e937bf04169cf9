// Copyright 2025 Certen Protocol
//
// Verifier runs in the gateway/auditor (spec §4.4). It recomputes and
// compares — it never mutates a checkpoint and never silently upgrades
// one error kind into another, mirroring the validator's
// pkg/verification.UnifiedVerifier recompute-and-compare shape.

package checkpoint

import (
	"context"
	"hash/fnv"

	"github.com/OliverNakamoto/veribot/pkg/canon"
	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

// RobotStatus is the per-robot acceptance state machine (spec §4.4).
type RobotStatus int

const (
	Fresh RobotStatus = iota
	Active
	Halted
)

func (s RobotStatus) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Active:
		return "Active"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// Outcome is the ternary acceptance decision (spec §7).
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Deferred
)

// Decision is the verifier's full answer for one checkpoint.
type Decision struct {
	Outcome Outcome
	Kind    Kind // meaningful when Outcome != Accepted
	Detail  string
}

// RegistryReader is the read-only slice of the Registry Contract the
// verifier needs: revocation lookups. pkg/registry.Registry satisfies it.
type RegistryReader interface {
	IsEnclaveRevoked(ctx context.Context, measurement []byte) (bool, error)
	IsModelRevoked(ctx context.Context, modelHash xhash.Hash256) (bool, error)
}

// robotState is the mutable per-robot acceptance state: last accepted
// sequence/counter/hash and the Fresh/Active/Halted status.
type robotState struct {
	status       RobotStatus
	lastSequence uint64
	lastCounter  uint64
	lastHash     xhash.Hash256 // content_hash(canonical(fields 1..14)) of last accepted checkpoint
}

const shardCount = 32

// Verifier holds per-robot state partitioned across shardCount shards by
// a hash of robot_id, so two different robots never contend and a single
// robot is always serialized (spec §5, §9).
type Verifier struct {
	shards [shardCount]*shard
}

type shard struct {
	mu     chanMutex
	states map[string]*robotState
}

// chanMutex is a trivial channel-based mutex; kept as a distinct type
// (rather than sync.Mutex directly) so shard locking reads the same way
// the spec describes it: "owned by exactly one task at a time."
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) Lock()   { <-c }
func (c chanMutex) Unlock() { c <- struct{}{} }

// NewVerifier returns a Verifier with empty per-robot state.
func NewVerifier() *Verifier {
	v := &Verifier{}
	for i := range v.shards {
		v.shards[i] = &shard{mu: newChanMutex(), states: make(map[string]*robotState)}
	}
	return v
}

func (v *Verifier) shardFor(robotID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(robotID))
	return v.shards[h.Sum32()%shardCount]
}

// Verify runs the full decode -> signature -> sequence -> chain ->
// revocation pipeline from spec §4.4 against raw canonical checkpoint
// bytes, signed under pub.
func (v *Verifier) Verify(ctx context.Context, raw []byte, pub xhash.PublicKey, reg RegistryReader) Decision {
	if !canon.IsCanonical(raw) {
		return Decision{Outcome: Rejected, Kind: KindNonCanonical, Detail: "checkpoint bytes are not canonical"}
	}

	ck, err := Decode(raw)
	if err != nil {
		return Decision{Outcome: Rejected, Kind: KindDecodeError, Detail: err.Error()}
	}

	// Step 2: recompute signing bytes and verify signature.
	signingBytes, err := ck.SigningBytes()
	if err != nil {
		return Decision{Outcome: Rejected, Kind: KindDecodeError, Detail: "re-encode signing bytes: " + err.Error()}
	}
	if !xhash.Verify(pub, signingBytes, ck.Signature) {
		return v.fail(ck.RobotID, Decision{Outcome: Rejected, Kind: KindSignatureInvalid, Detail: "EdDSA verification failed"})
	}
	thisHash := xhash.ContentHash(signingBytes)

	// Step 7 (defensive re-check; builder already enforces this).
	if ck.TrustMode == Trusted && len(ck.ModelProvenance.SignatureBundle) == 0 {
		return v.fail(ck.RobotID, Decision{Outcome: Rejected, Kind: KindTrustedModeUnsigned, Detail: "trusted mode requires a signed model"})
	}

	sh := v.shardFor(ck.RobotID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, known := sh.states[ck.RobotID]
	if !known {
		st = &robotState{status: Fresh}
		sh.states[ck.RobotID] = st
	}

	if st.status == Halted {
		return Decision{Outcome: Rejected, Kind: KindRollbackDetected, Detail: "robot is halted pending operator reset"}
	}

	// Step 3: sequence/counter monotonicity.
	if st.status == Fresh {
		if ck.Sequence != 1 || !ck.PrevRoot.IsZero() {
			// A non-genesis checkpoint for a never-seen robot is not a
			// rollback in the strict sense, but it cannot be chained —
			// surface it as UnknownRobot so a bootstrap path can decide.
			return Decision{Outcome: Deferred, Kind: KindUnknownRobot, Detail: "no acceptance state and checkpoint is not genesis"}
		}
	} else {
		if ck.Sequence != st.lastSequence+1 || ck.MonotonicCounter <= st.lastCounter {
			st.status = Halted
			return Decision{Outcome: Rejected, Kind: KindRollbackDetected, Detail: "sequence is not the exact successor or counter did not strictly increase"}
		}
		// Step 4: chain integrity.
		if ck.PrevRoot != st.lastHash {
			st.status = Halted
			return Decision{Outcome: Rejected, Kind: KindChainBroken, Detail: "prev_root does not match last accepted checkpoint"}
		}
	}

	// Steps 5-6: registry revocation lookups.
	if reg != nil {
		revokedEnclave, err := reg.IsEnclaveRevoked(ctx, ck.EnclaveMeasurement)
		if err != nil {
			return Decision{Outcome: Deferred, Kind: KindLedgerUnavailable, Detail: err.Error()}
		}
		if revokedEnclave {
			st.status = Halted
			return Decision{Outcome: Rejected, Kind: KindEnclaveRevoked, Detail: "enclave measurement is revoked"}
		}

		revokedModel, err := reg.IsModelRevoked(ctx, ck.ModelProvenance.ModelHash)
		if err != nil {
			return Decision{Outcome: Deferred, Kind: KindLedgerUnavailable, Detail: err.Error()}
		}
		if revokedModel {
			st.status = Halted
			return Decision{Outcome: Rejected, Kind: KindModelRevoked, Detail: "model is revoked"}
		}
	}

	st.status = Active
	st.lastSequence = ck.Sequence
	st.lastCounter = ck.MonotonicCounter
	st.lastHash = thisHash

	return Decision{Outcome: Accepted}
}

// fail halts the robot's state machine on any fatal verification error
// that occurs before the robot's shard is locked for the main pipeline
// (e.g. a bad signature on the very first checkpoint seen).
func (v *Verifier) fail(robotID string, d Decision) Decision {
	sh := v.shardFor(robotID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[robotID]
	if !ok {
		st = &robotState{status: Fresh}
		sh.states[robotID] = st
	}
	st.status = Halted
	return d
}

// Status returns the current per-robot acceptance state, for tests and
// operator tooling.
func (v *Verifier) Status(robotID string) RobotStatus {
	sh := v.shardFor(robotID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[robotID]
	if !ok {
		return Fresh
	}
	return st.status
}

func fromWire(wf wireFields) *Checkpoint {
	return &Checkpoint{
		Version:            wf.Version,
		RobotID:            wf.RobotID,
		MissionID:          wf.MissionID,
		Sequence:           wf.Sequence,
		MonotonicCounter:   wf.MonotonicCounter,
		PrevRoot:           wf.PrevRoot,
		EntriesRoot:        wf.EntriesRoot,
		EnclaveMeasurement: wf.EnclaveMeasurement,
		FirmwareHash:       wf.FirmwareHash,
		ModelProvenance:    wf.ModelProvenance,
		InferenceConfig:    wf.InferenceConfig,
		TrustMode:          TrustMode(wf.TrustMode),
		AttestationQuote:   wf.AttestationQuote,
		CreatedAt:          wf.CreatedAt,
	}
}
