package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

type fakeRegistry struct {
	revokedEnclaves map[string]bool
	revokedModels   map[xhash.Hash256]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		revokedEnclaves: make(map[string]bool),
		revokedModels:   make(map[xhash.Hash256]bool),
	}
}

func (f *fakeRegistry) IsEnclaveRevoked(_ context.Context, measurement []byte) (bool, error) {
	return f.revokedEnclaves[string(measurement)], nil
}

func (f *fakeRegistry) IsModelRevoked(_ context.Context, modelHash xhash.Hash256) (bool, error) {
	return f.revokedModels[modelHash], nil
}

func buildTestCheckpoint(t *testing.T, builder *Builder, in BuildInput) []byte {
	t.Helper()
	ck, err := builder.Build(context.Background(), in)
	require.NoError(t, err)
	raw, err := ck.EncodeWire()
	require.NoError(t, err)
	return raw
}

// Scenario 1: genesis acceptance.
func TestScenarioGenesisAcceptance(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	builder := NewBuilder(NewMemCounterStore(), priv)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	raw := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", MissionID: "M-1", Sequence: 1,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})

	require.Equal(t, Fresh, verifier.Status("R-001"))
	dec := verifier.Verify(context.Background(), raw, pub, reg)
	require.Equal(t, Accepted, dec.Outcome)
	require.Equal(t, Active, verifier.Status("R-001"))
}

// Scenario 2: happy path chain.
func TestScenarioHappyPathChain(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	builder := NewBuilder(NewMemCounterStore(), priv)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	raw1 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 1,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	dec1 := verifier.Verify(context.Background(), raw1, pub, reg)
	require.Equal(t, Accepted, dec1.Outcome)

	ck1, err := Decode(raw1)
	require.NoError(t, err)
	signingBytes, err := ck1.SigningBytes()
	require.NoError(t, err)
	prevRoot := xhash.ContentHash(signingBytes)

	raw2 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 2, PrevRoot: prevRoot,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	dec2 := verifier.Verify(context.Background(), raw2, pub, reg)
	require.Equal(t, Accepted, dec2.Outcome)
}

// Scenario 3: rollback rejection.
func TestScenarioRollbackRejection(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	builder := NewBuilder(NewMemCounterStore(), priv)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	raw1 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 1,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	require.Equal(t, Accepted, verifier.Verify(context.Background(), raw1, pub, reg).Outcome)

	ck1, err := Decode(raw1)
	require.NoError(t, err)
	signingBytes, err := ck1.SigningBytes()
	require.NoError(t, err)
	prevRoot := xhash.ContentHash(signingBytes)

	raw2 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 2, PrevRoot: prevRoot,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	require.Equal(t, Accepted, verifier.Verify(context.Background(), raw2, pub, reg).Outcome)

	// Replay ck1 after ck2 was accepted.
	dec := verifier.Verify(context.Background(), raw1, pub, reg)
	require.Equal(t, Rejected, dec.Outcome)
	require.Equal(t, KindRollbackDetected, dec.Kind)
	require.Equal(t, Halted, verifier.Status("R-001"))

	// Halted robot rejects everything further.
	dec = verifier.Verify(context.Background(), raw2, pub, reg)
	require.Equal(t, Rejected, dec.Outcome)
}

// A checkpoint whose sequence jumps ahead (rather than merely increasing)
// must be rejected as a rollback/chain violation even though it is
// strictly greater than the last accepted sequence and its counter is
// correctly incremented.
func TestScenarioSequenceGapRejected(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	builder := NewBuilder(NewMemCounterStore(), priv)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	raw1 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 1,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	require.Equal(t, Accepted, verifier.Verify(context.Background(), raw1, pub, reg).Outcome)

	ck1, err := Decode(raw1)
	require.NoError(t, err)
	signingBytes, err := ck1.SigningBytes()
	require.NoError(t, err)
	prevRoot := xhash.ContentHash(signingBytes)

	raw2 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 100, PrevRoot: prevRoot,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	dec := verifier.Verify(context.Background(), raw2, pub, reg)
	require.Equal(t, Rejected, dec.Outcome)
	require.Equal(t, KindRollbackDetected, dec.Kind)
	require.Equal(t, Halted, verifier.Status("R-001"))
}

// Scenario 4: tampered entries root, signature untouched.
func TestScenarioTamperedEntriesRoot(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	builder := NewBuilder(NewMemCounterStore(), priv)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	raw := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 1,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})

	ck, err := Decode(raw)
	require.NoError(t, err)
	ck.EntriesRoot[0] ^= 0x01 // flip one byte, leave Signature untouched
	tampered, err := ck.EncodeWire()
	require.NoError(t, err)

	dec := verifier.Verify(context.Background(), tampered, pub, reg)
	require.Equal(t, Rejected, dec.Outcome)
	require.Equal(t, KindSignatureInvalid, dec.Kind)
}

// Scenario 5: revoked enclave.
func TestScenarioRevokedEnclave(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	builder := NewBuilder(NewMemCounterStore(), priv)
	verifier := NewVerifier()
	reg := newFakeRegistry()
	measurement := sgxMeasurement()

	raw1 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 1,
		EnclaveMeasurement: measurement,
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	require.Equal(t, Accepted, verifier.Verify(context.Background(), raw1, pub, reg).Outcome)

	ck1, err := Decode(raw1)
	require.NoError(t, err)
	signingBytes, err := ck1.SigningBytes()
	require.NoError(t, err)
	prevRoot := xhash.ContentHash(signingBytes)

	reg.revokedEnclaves[string(measurement)] = true

	raw2 := buildTestCheckpoint(t, builder, BuildInput{
		RobotID: "R-001", Sequence: 2, PrevRoot: prevRoot,
		EnclaveMeasurement: measurement,
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	})
	dec := verifier.Verify(context.Background(), raw2, pub, reg)
	require.Equal(t, Rejected, dec.Outcome)
	require.Equal(t, KindEnclaveRevoked, dec.Kind)
}

// Scenario 6: trusted-mode unsigned model smuggled past the builder.
func TestScenarioTrustedModeUnsignedSmuggledBytes(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	ck := &Checkpoint{
		Version:            CheckpointSchemaV1,
		RobotID:            "R-001",
		Sequence:           1,
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false), // unsigned
		TrustMode:          Trusted,
	}
	signingBytes, err := ck.SigningBytes()
	require.NoError(t, err)
	ck.Signature = xhash.Sign(priv, signingBytes)
	raw, err := ck.EncodeWire()
	require.NoError(t, err)

	dec := verifier.Verify(context.Background(), raw, pub, reg)
	require.Equal(t, Rejected, dec.Outcome)
	require.Equal(t, KindTrustedModeUnsigned, dec.Kind)
}

func TestUnknownRobotNonGenesisDeferred(t *testing.T) {
	pub, priv, err := xhash.GenerateKey()
	require.NoError(t, err)
	verifier := NewVerifier()
	reg := newFakeRegistry()

	// The builder itself would reject sequence=1 with a nonzero prev_root
	// (precondition 1); construct the bytes directly to exercise the
	// verifier's bootstrap path for a robot it has never seen.
	ck := &Checkpoint{
		Version:            CheckpointSchemaV1,
		RobotID:            "R-999",
		Sequence:           1,
		PrevRoot:           xhash.ContentHash([]byte("nonzero")),
		EnclaveMeasurement: sgxMeasurement(),
		ModelProvenance:    testModelProvenance(false),
		TrustMode:          Permissive,
	}
	signingBytes, err := ck.SigningBytes()
	require.NoError(t, err)
	ck.Signature = xhash.Sign(priv, signingBytes)
	raw, err := ck.EncodeWire()
	require.NoError(t, err)

	dec := verifier.Verify(context.Background(), raw, pub, reg)
	require.Equal(t, Deferred, dec.Outcome)
	require.Equal(t, KindUnknownRobot, dec.Kind)
}
