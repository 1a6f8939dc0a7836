// pkg/types/entry.go
package types

import (
	"encoding/binary"
	"time"
)

// PublicInputs are the values a membership proof exposes publicly.
type PublicInputs struct {
	Root            Hash    `json:"merkleTreeRoot"`
	NullifierHash   Hash    `json:"nullifierHash"`
	BoundHash       Hash    `json:"signal"`
	ExternalContext GroupID `json:"externalNullifier"`
}

// PublicInputsSize is the length of PublicInputs.Bytes.
const PublicInputsSize = 3*HashSize + 8

// Bytes returns the canonical transcript root || nullifier || signal ||
// context, the order a circuit exposes them in.
func (p PublicInputs) Bytes() []byte {
	out := make([]byte, 0, PublicInputsSize)
	out = append(out, p.Root[:]...)
	out = append(out, p.NullifierHash[:]...)
	out = append(out, p.BoundHash[:]...)
	return binary.BigEndian.AppendUint64(out, uint64(p.ExternalContext))
}

// Proof is an opaque proving artifact plus its public inputs.
type Proof struct {
	Artifact     []byte       `json:"artifact"`
	PublicInputs PublicInputs `json:"publicInputs"`
}

// MemberRecord is one entry of a group's append-only member log.
type MemberRecord struct {
	GroupID      GroupID    `json:"groupId"`
	Index        uint64     `json:"index"`
	Commitment   Commitment `json:"commitment"`
	Root         Hash       `json:"root"`
	RegisteredAt time.Time  `json:"registeredAt"`
}

// NullifierRecord marks a nullifier accepted for a (group, context) pair.
// Its existence is the sole gate against double-signaling.
type NullifierRecord struct {
	GroupID        GroupID   `json:"groupId"`
	Context        string    `json:"context"`
	NullifierHash  Hash      `json:"nullifierHash"`
	AcceptedAtRoot Hash      `json:"acceptedAtRoot"`
	AcceptedAt     time.Time `json:"acceptedAt"`
}

// RegistrationRequest asks for a commitment to be admitted to a group.
type RegistrationRequest struct {
	Username     string     `json:"username"`
	GroupID      GroupID    `json:"groupId"`
	Commitment   Commitment `json:"commitment"`
	AdmissionRef string     `json:"admissionRef"`
}
