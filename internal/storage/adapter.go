// Package storage defines the persistence contract for group state. Every
// table it describes is append-only: members, roots, nullifiers and consumed
// admission references are inserted and never updated or deleted.
package storage

import (
	"context"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/types"
)

// GroupStateStore abstracts the durable state of one group.
type GroupStateStore interface {
	// Group metadata
	CreateGroupRecord(ctx context.Context, rec accumulator.GroupRecord) error
	GetGroupRecord(ctx context.Context) (*accumulator.GroupRecord, error)

	// Member log. AppendMember writes the member and the root after it in
	// one transaction and rejects any index other than the next one.
	AppendMember(ctx context.Context, rec types.MemberRecord) error
	Members(ctx context.Context) ([]types.MemberRecord, error)
	LastRoot(ctx context.Context) (size uint64, root types.Hash, err error)

	// Nullifiers
	RecordNullifier(ctx context.Context, rec types.NullifierRecord) (bool, error)
	HasNullifier(ctx context.Context, scope string, n types.Hash) (bool, error)
	CountNullifiers(ctx context.Context) (int, error)

	// Admission references
	ConsumeRef(ctx context.Context, ref string) (bool, error)

	Close() error
}
