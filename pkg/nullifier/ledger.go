// Package nullifier records accepted nullifiers so each (group, context,
// nullifier) triple is accepted at most once.
package nullifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/relves/anonsignal/pkg/types"
)

// Ledger is the append-only set of accepted nullifiers.
type Ledger interface {
	// Record inserts rec unless its (group, context, nullifier) triple is
	// already present. The test and the insert are one atomic step; the
	// boolean reports whether this call inserted.
	Record(ctx context.Context, rec types.NullifierRecord) (bool, error)
	Has(ctx context.Context, group types.GroupID, scope string, n types.Hash) (bool, error)
	Count(ctx context.Context, group types.GroupID) (int, error)
}

// Scope selects what a nullifier is unique within.
type Scope string

const (
	// ScopeGroup allows one signal per member per group.
	ScopeGroup Scope = "group"
	// ScopeSignal allows one signal per member per distinct message.
	ScopeSignal Scope = "signal"
)

// ParseScope accepts "group", "signal" or "" (group).
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGroup, "":
		return ScopeGroup, nil
	case ScopeSignal:
		return ScopeSignal, nil
	}
	return "", fmt.Errorf("unknown nullifier scope %q", s)
}

// ContextFor returns the ledger context a proof's nullifier is recorded under.
func ContextFor(scope Scope, group types.GroupID, bound types.Hash) string {
	if scope == ScopeSignal {
		return bound.Hex()
	}
	return group.String()
}

type key struct {
	group   types.GroupID
	context string
	n       types.Hash
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[key]types.NullifierRecord
	counts  map[types.GroupID]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[key]types.NullifierRecord),
		counts:  make(map[types.GroupID]int),
	}
}

func (l *MemoryLedger) Record(ctx context.Context, rec types.NullifierRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.Wrap(types.KindCancelled, err, "record nullifier")
	}
	k := key{rec.GroupID, rec.Context, rec.NullifierHash}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[k]; ok {
		return false, nil
	}
	l.records[k] = rec
	l.counts[rec.GroupID]++
	return true, nil
}

func (l *MemoryLedger) Has(_ context.Context, group types.GroupID, scope string, n types.Hash) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[key{group, scope, n}]
	return ok, nil
}

func (l *MemoryLedger) Count(_ context.Context, group types.GroupID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[group], nil
}
