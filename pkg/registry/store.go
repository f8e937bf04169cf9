// Copyright 2025 Certen Protocol
//
// Registry is a ledger-resident state machine (spec §4.6) backed by a
// CometBFT-style KV store. Grounded directly on the validator's
// pkg/ledger.LedgerStore: same KV interface shape, same
// encoding/json-over-byte-key storage, same single-writer assumption —
// re-keyed from Accumulate anchor bookkeeping to the model/checkpoint/
// enclave-revocation state this spec needs.

package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

// KV is the minimal key-value contract Registry needs; *KVAdapter
// (kvadapter.go, wrapping github.com/cometbft/cometbft-db) and an in-memory map both
// satisfy it.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

var (
	keyModelPrefix      = []byte("model:")
	keyCheckpointPrefix = []byte("checkpoint:")
	keyRevokedPrefix    = []byte("revoked_enclave:")
	keyGatewayPrefix    = []byte("gateway:")
	keyCheckpointCounter = []byte("checkpoint_counter")
)

func modelKey(h xhash.Hash256) []byte      { return append(append([]byte{}, keyModelPrefix...), h[:]...) }
func checkpointKey(id xhash.Hash256) []byte {
	return append(append([]byte{}, keyCheckpointPrefix...), id[:]...)
}
func revokedKey(measurement []byte) []byte {
	return append(append([]byte{}, keyRevokedPrefix...), measurement...)
}
func gatewayKey(addr string) []byte { return append(append([]byte{}, keyGatewayPrefix...), addr...) }

// Registry implements the ledger-resident contract from spec §4.6. All
// state-changing operations follow check-preconditions -> update-state ->
// emit-event, with no external calls in between (spec's re-entrancy
// rule); Registry enforces this by construction since every method body
// is synchronous and holds mu for its entire critical section.
type Registry struct {
	mu     sync.RWMutex
	kv     KV
	events chan Event
}

// New returns a Registry over kv, buffering up to eventBuffer unconsumed
// events; once the buffer is full, emit drops further events instead of
// blocking. This matches the teacher's LedgerStore's
// documented single-writer assumption, extended here with an event sink
// since the spec requires one.
func New(kv KV, eventBuffer int) *Registry {
	return &Registry{kv: kv, events: make(chan Event, eventBuffer)}
}

// Events returns the channel indexers should drain; it is never closed
// by Registry.
func (r *Registry) Events() <-chan Event { return r.events }

func (r *Registry) emit(e Event) {
	e.At = time.Now()
	select {
	case r.events <- e:
	default:
		// Backpressure: an indexer that falls behind must not stall
		// ledger writes. Dropping here is a last resort; callers sizing
		// eventBuffer generously avoid it in practice.
	}
}

func (r *Registry) getJSON(key []byte, v any) (bool, error) {
	b, err := r.kv.Get(key)
	if err != nil {
		return false, err
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("registry: unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *Registry) setJSON(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("registry: marshal %s: %w", key, err)
	}
	return r.kv.Set(key, b)
}

// RegisterModel registers a new model under model_hash, which must be
// unique (spec §4.6). Any caller may invoke it.
func (r *Registry) RegisterModel(ctx context.Context, rec ModelRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing ModelRecord
	found, err := r.getJSON(modelKey(rec.ModelHash), &existing)
	if err != nil {
		return err
	}
	if found {
		return ErrModelExists
	}

	rec.RegisteredAt = time.Now()
	rec.Revoked = false
	if err := r.setJSON(modelKey(rec.ModelHash), rec); err != nil {
		return err
	}
	r.emit(Event{Kind: EventModelRegistered, ModelHash: &rec.ModelHash, Payload: rec})
	return nil
}

// RevokeModel marks model_hash revoked. Requires RoleGovernance.
func (r *Registry) RevokeModel(ctx context.Context, caller Caller, modelHash xhash.Hash256) error {
	return r.setModelRevoked(caller, modelHash, true, EventModelRevoked)
}

// ReinstateModel clears a prior RevokeModel. Requires RoleGovernance.
func (r *Registry) ReinstateModel(ctx context.Context, caller Caller, modelHash xhash.Hash256) error {
	return r.setModelRevoked(caller, modelHash, false, EventModelReinstated)
}

func (r *Registry) setModelRevoked(caller Caller, modelHash xhash.Hash256, revoked bool, kind EventKind) error {
	if caller.Role != RoleGovernance {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var rec ModelRecord
	found, err := r.getJSON(modelKey(modelHash), &rec)
	if err != nil {
		return err
	}
	if !found {
		return ErrModelNotFound
	}
	rec.Revoked = revoked
	if err := r.setJSON(modelKey(modelHash), rec); err != nil {
		return err
	}
	r.emit(Event{Kind: kind, ModelHash: &modelHash, Payload: rec})
	return nil
}

// IsModelRevoked satisfies pkg/checkpoint.RegistryReader.
func (r *Registry) IsModelRevoked(ctx context.Context, modelHash xhash.Hash256) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rec ModelRecord
	found, err := r.getJSON(modelKey(modelHash), &rec)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return rec.Revoked, nil
}

// AnchorCheckpoint records a checkpoint summary. Requires RoleGateway and
// caller.Addr to be a registered gateway. Rejects a zero merkle_root, a
// zero enclave_measurement, or a currently revoked enclave_measurement.
func (r *Registry) AnchorCheckpoint(ctx context.Context, caller Caller, merkleRoot xhash.Hash256, enclaveMeasurement []byte, vendorTag string, gatewaySignature []byte) (xhash.Hash256, error) {
	if caller.Role != RoleGateway {
		return xhash.Hash256{}, ErrUnauthorized
	}
	if merkleRoot.IsZero() {
		return xhash.Hash256{}, ErrZeroMerkleRoot
	}
	if isZero(enclaveMeasurement) {
		return xhash.Hash256{}, ErrZeroMeasurement
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	isGateway, err := r.hasGatewayLocked(caller.Addr)
	if err != nil {
		return xhash.Hash256{}, err
	}
	if !isGateway {
		return xhash.Hash256{}, ErrGatewayNotAllowed
	}

	revoked, err := r.isEnclaveRevokedLocked(enclaveMeasurement)
	if err != nil {
		return xhash.Hash256{}, err
	}
	if revoked {
		return xhash.Hash256{}, ErrEnclaveIsRevoked
	}

	counter, err := r.nextCheckpointCounterLocked()
	if err != nil {
		return xhash.Hash256{}, err
	}

	blockTime := time.Now()
	id := checkpointID(merkleRoot, enclaveMeasurement, caller.Addr, blockTime, counter)

	rec := CheckpointRecord{
		CheckpointID:       id,
		MerkleRoot:         merkleRoot,
		EnclaveMeasurement: enclaveMeasurement,
		VendorTag:          vendorTag,
		Gateway:            caller.Addr,
		BlockTime:          blockTime,
		Counter:            counter,
	}
	if err := r.setJSON(checkpointKey(id), rec); err != nil {
		return xhash.Hash256{}, err
	}
	r.emit(Event{Kind: EventCheckpointAnchored, CheckpointID: &id, EnclaveMeasurement: enclaveMeasurement, Payload: rec})
	return id, nil
}

// checkpointID implements spec §4.6's deterministic ID derivation:
// content_hash(merkle_root || enclave_measurement || gateway || block_time || checkpoint_counter).
func checkpointID(merkleRoot xhash.Hash256, measurement []byte, gateway string, blockTime time.Time, counter uint64) xhash.Hash256 {
	buf := make([]byte, 0, 32+len(measurement)+len(gateway)+8+8)
	buf = append(buf, merkleRoot[:]...)
	buf = append(buf, measurement...)
	buf = append(buf, []byte(gateway)...)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], uint64(blockTime.UnixNano()))
	buf = append(buf, tb[:]...)
	var cb [8]byte
	binary.BigEndian.PutUint64(cb[:], counter)
	buf = append(buf, cb[:]...)
	return xhash.ContentHash(buf)
}

func (r *Registry) nextCheckpointCounterLocked() (uint64, error) {
	b, err := r.kv.Get(keyCheckpointCounter)
	if err != nil {
		return 0, err
	}
	var n uint64
	if len(b) == 8 {
		n = binary.BigEndian.Uint64(b)
	}
	n++
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], n)
	if err := r.kv.Set(keyCheckpointCounter, nb[:]); err != nil {
		return 0, err
	}
	return n, nil
}

// EmergencyRevokeEnclave marks measurement revoked. Requires RoleGovernance.
func (r *Registry) EmergencyRevokeEnclave(ctx context.Context, caller Caller, measurement []byte, reason string) error {
	return r.setEnclaveRevoked(caller, measurement, true, reason, EventEnclaveRevoked)
}

// ReinstateEnclave clears a prior EmergencyRevokeEnclave. Requires
// RoleGovernance.
func (r *Registry) ReinstateEnclave(ctx context.Context, caller Caller, measurement []byte) error {
	return r.setEnclaveRevoked(caller, measurement, false, "", EventEnclaveReinstated)
}

func (r *Registry) setEnclaveRevoked(caller Caller, measurement []byte, revoked bool, reason string, kind EventKind) error {
	if caller.Role != RoleGovernance {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var val []byte
	if revoked {
		val = []byte(reason)
		if len(val) == 0 {
			val = []byte("revoked")
		}
	}
	if err := r.kv.Set(revokedKey(measurement), val); err != nil {
		return err
	}
	r.emit(Event{Kind: kind, EnclaveMeasurement: measurement, Payload: reason})
	return nil
}

func (r *Registry) isEnclaveRevokedLocked(measurement []byte) (bool, error) {
	b, err := r.kv.Get(revokedKey(measurement))
	if err != nil {
		return false, err
	}
	return len(b) > 0, nil
}

// IsEnclaveRevoked satisfies pkg/checkpoint.RegistryReader. Revocation is
// monotone per measurement (spec §8): once revoked, every checkpoint
// anchored under that measurement — past or future — reads as revoked,
// because the revocation key is keyed by measurement, not by checkpoint.
func (r *Registry) IsEnclaveRevoked(ctx context.Context, measurement []byte) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isEnclaveRevokedLocked(measurement)
}

// VerifyCheckpoint is a pure read: true iff the record exists and its
// enclave is not currently revoked (spec §4.6).
func (r *Registry) VerifyCheckpoint(ctx context.Context, checkpointID xhash.Hash256) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rec CheckpointRecord
	found, err := r.getJSON(checkpointKey(checkpointID), &rec)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	revoked, err := r.isEnclaveRevokedLocked(rec.EnclaveMeasurement)
	if err != nil {
		return false, err
	}
	return !revoked, nil
}

// AddGateway authorizes addr to call AnchorCheckpoint. Admin-only.
func (r *Registry) AddGateway(ctx context.Context, caller Caller, addr string) error {
	if caller.Role != RoleAdmin {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Set(gatewayKey(addr), []byte{1}); err != nil {
		return err
	}
	r.emit(Event{Kind: EventGatewayAdded, Payload: addr})
	return nil
}

// RemoveGateway revokes addr's gateway authorization. Admin-only.
func (r *Registry) RemoveGateway(ctx context.Context, caller Caller, addr string) error {
	if caller.Role != RoleAdmin {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Set(gatewayKey(addr), nil); err != nil {
		return err
	}
	r.emit(Event{Kind: EventGatewayRemoved, Payload: addr})
	return nil
}

func (r *Registry) hasGatewayLocked(addr string) (bool, error) {
	b, err := r.kv.Get(gatewayKey(addr))
	if err != nil {
		return false, err
	}
	return len(b) > 0, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
