// Copyright 2025 Certen Protocol
//
// Data model for the registry contract (spec §4.6): model registrations,
// anchored checkpoints, and the enclave revocation list, all addressed
// by content hash rather than sequential ID.

package registry

import (
	"time"

	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

// Role is a registry caller's authorization level.
type Role int

const (
	RoleNone Role = iota
	RoleGateway
	RoleGovernance
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleGateway:
		return "GATEWAY"
	case RoleGovernance:
		return "GOVERNANCE"
	case RoleAdmin:
		return "ADMIN"
	default:
		return "NONE"
	}
}

// Caller identifies who is invoking a state-changing operation and under
// what role, analogous to msg.sender in the ledger's original
// account-based model.
type Caller struct {
	Addr string
	Role Role
}

// ModelRecord is the registered state of one AI model.
type ModelRecord struct {
	Name            string
	ModelHash       xhash.Hash256
	DatasetHash     *xhash.Hash256
	ContainerDigest *string
	SignatureBundle []byte
	Revoked         bool
	RegisteredAt    time.Time
}

// CheckpointRecord is the registry's anchored summary of one checkpoint —
// not the full signed checkpoint itself, just enough to answer
// verify_checkpoint and to bind an enclave measurement to a checkpoint_id
// for revocation-monotonicity checks.
type CheckpointRecord struct {
	CheckpointID       xhash.Hash256
	MerkleRoot         xhash.Hash256
	EnclaveMeasurement []byte
	VendorTag          string
	Gateway            string
	BlockTime          time.Time
	Counter            uint64
}

// EventKind names the single event every state-changing operation emits.
type EventKind int

const (
	EventModelRegistered EventKind = iota
	EventModelRevoked
	EventModelReinstated
	EventCheckpointAnchored
	EventEnclaveRevoked
	EventEnclaveReinstated
	EventGatewayAdded
	EventGatewayRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventModelRegistered:
		return "ModelRegistered"
	case EventModelRevoked:
		return "ModelRevoked"
	case EventModelReinstated:
		return "ModelReinstated"
	case EventCheckpointAnchored:
		return "CheckpointAnchored"
	case EventEnclaveRevoked:
		return "EnclaveRevoked"
	case EventEnclaveReinstated:
		return "EnclaveReinstated"
	case EventGatewayAdded:
		return "GatewayAdded"
	case EventGatewayRemoved:
		return "GatewayRemoved"
	default:
		return "Unknown"
	}
}

// Event is the sole integration surface for indexers (spec §4.6): every
// transition emits exactly one event carrying its full semantic payload,
// not just an ID.
type Event struct {
	Kind               EventKind
	At                 time.Time
	ModelHash          *xhash.Hash256
	CheckpointID       *xhash.Hash256
	EnclaveMeasurement []byte
	Payload            any // the concrete ModelRecord/CheckpointRecord/etc this event reports
}
