// Package registration admits new members into groups.
package registration

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/types"
)

// Authority is the external issuer of admission references.
type Authority interface {
	IsValidRef(ctx context.Context, ref string) (bool, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, ref string) (bool, error)

func (f AuthorityFunc) IsValidRef(ctx context.Context, ref string) (bool, error) {
	return f(ctx, ref)
}

// RefLedger remembers consumed admission references.
type RefLedger interface {
	// Consume marks ref used within group. It reports false if it was
	// already used. Test and insert are one atomic step.
	Consume(ctx context.Context, group types.GroupID, ref string) (bool, error)
}

// Groups is the part of the accumulator registration needs.
type Groups interface {
	Hasher() accumulator.Hasher
	Info(id types.GroupID) (accumulator.Info, error)
	Contains(id types.GroupID, c types.Commitment) (bool, error)
	AddMember(ctx context.Context, id types.GroupID, c types.Commitment) (uint64, error)
	CurrentRoot(id types.GroupID) (types.Hash, error)
}

type Config struct {
	Groups    Groups
	Authority Authority
	Refs      RefLedger
	Logger    *slog.Logger
}

type Coordinator struct {
	groups    Groups
	authority Authority
	refs      RefLedger
	logger    *slog.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Groups == nil {
		return nil, errors.New("registration: no group accumulator")
	}
	if cfg.Authority == nil {
		return nil, errors.New("registration: no admission authority")
	}
	if cfg.Refs == nil {
		cfg.Refs = NewMemoryRefLedger()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		groups:    cfg.Groups,
		authority: cfg.Authority,
		refs:      cfg.Refs,
		logger:    cfg.Logger,
	}, nil
}

// Result acknowledges a registration. Root is the group root observed right
// after the insert.
type Result struct {
	Index uint64     `json:"index"`
	Root  types.Hash `json:"root"`
}

// Register validates req and appends its commitment to the group.
//
// Duplicate and capacity checks run before the admission reference is
// consumed so a doomed request does not burn it. A concurrent registration
// of the same commitment can still win between the check and the insert, in
// which case the reference is spent and DuplicateCommitment is returned.
func (c *Coordinator) Register(ctx context.Context, req types.RegistrationRequest) (Result, error) {
	if err := req.Commitment.Validate(); err != nil {
		return Result{}, err
	}
	if err := c.groups.Hasher().ValidLeaf(req.Commitment); err != nil {
		return Result{}, err
	}
	ref := strings.TrimSpace(req.AdmissionRef)
	if ref == "" {
		return Result{}, types.Errorf(types.KindRegistrationRefused, "missing admission reference")
	}

	info, err := c.groups.Info(req.GroupID)
	if err != nil {
		return Result{}, err
	}
	dup, err := c.groups.Contains(req.GroupID, req.Commitment)
	if err != nil {
		return Result{}, err
	}
	if dup {
		return Result{}, types.Errorf(types.KindDuplicateCommitment, "commitment %s already registered in group %s", req.Commitment, req.GroupID)
	}
	if uint64(info.Size) >= info.Capacity {
		return Result{}, types.Errorf(types.KindGroupFull, "group %s holds %d members", req.GroupID, info.Capacity)
	}

	valid, err := c.authority.IsValidRef(ctx, ref)
	if err != nil {
		if types.KindOf(err) == "" {
			err = types.Wrap(types.KindNetworkFailure, err, "admission check")
		}
		return Result{}, err
	}
	if !valid {
		c.logger.Info("admission refused", "groupId", req.GroupID, "reason", "invalid reference")
		return Result{}, types.Errorf(types.KindRegistrationRefused, "admission reference is not valid")
	}

	fresh, err := c.refs.Consume(ctx, req.GroupID, ref)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		c.logger.Info("admission refused", "groupId", req.GroupID, "reason", "reference already used")
		return Result{}, types.Errorf(types.KindRegistrationRefused, "admission reference already used")
	}

	idx, err := c.groups.AddMember(ctx, req.GroupID, req.Commitment)
	if err != nil {
		return Result{}, err
	}
	root, err := c.groups.CurrentRoot(req.GroupID)
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("member registered", "groupId", req.GroupID, "index", idx)
	return Result{Index: idx, Root: root}, nil
}

type refKey struct {
	group types.GroupID
	ref   string
}

// MemoryRefLedger is a process-local RefLedger.
type MemoryRefLedger struct {
	mu   sync.Mutex
	used map[refKey]struct{}
}

func NewMemoryRefLedger() *MemoryRefLedger {
	return &MemoryRefLedger{used: make(map[refKey]struct{})}
}

func (l *MemoryRefLedger) Consume(_ context.Context, group types.GroupID, ref string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := refKey{group, ref}
	if _, ok := l.used[k]; ok {
		return false, nil
	}
	l.used[k] = struct{}{}
	return true, nil
}
