// Package accumulator maintains the per-group membership trees: an ordered,
// insert-only fixed-depth Merkle accumulator over member commitments, plus a
// bounded history of recent roots that proofs may still be checked against.
//
// Writes to one group are serialized by that group's lock; writes to
// different groups proceed in parallel. Readers always observe committed
// state: a new root becomes visible only after the member it covers has been
// persisted.
package accumulator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/anonsignal/pkg/types"
)

// DefaultHistorySize is the number of superseded roots kept per group.
const DefaultHistorySize = 16

// MaxHistorySize bounds the configurable history.
const MaxHistorySize = 1024

// GroupRecord describes a group as persisted.
type GroupRecord struct {
	ID        types.GroupID
	Depth     int
	Hasher    string
	CreatedAt time.Time
}

// GroupState is a persisted group with its member log, used for restore.
type GroupState struct {
	Group   GroupRecord
	Members []types.MemberRecord
}

// Store persists the append-only member log. Implementations must write a
// member and its resulting root atomically.
type Store interface {
	CreateGroup(ctx context.Context, rec GroupRecord) error
	AppendMember(ctx context.Context, rec types.MemberRecord) error
}

// Checkpoint is the RFC 6962 log root over a group's ordered commitments.
type Checkpoint struct {
	Size uint64     `json:"size"`
	Root types.Hash `json:"root"`
}

// Info summarises a group.
type Info struct {
	ID         types.GroupID `json:"groupId"`
	Depth      int           `json:"depth"`
	Size       int           `json:"size"`
	Capacity   uint64        `json:"capacity"`
	Hasher     string        `json:"hasher"`
	Root       types.Hash    `json:"root"`
	Checkpoint Checkpoint    `json:"checkpoint"`
}

// Config configures an Accumulator.
type Config struct {
	// HistorySize is how many superseded roots stay acceptable. A proof built
	// against a root survives HistorySize later registrations.
	HistorySize int
	Hasher      Hasher
	// Store is optional; without it state lives only in memory.
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Accumulator owns the authoritative member list and root history of every
// group.
type Accumulator struct {
	historySize int
	hasher      Hasher
	store       Store
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.RWMutex
	groups map[types.GroupID]*group
}

type group struct {
	mu        sync.RWMutex
	id        types.GroupID
	createdAt time.Time
	tree      *tree
	members   []types.Commitment
	index     map[types.Commitment]uint64
	history   *rootHistory
	log       *compact.Range
}

// New creates an Accumulator.
func New(cfg Config) (*Accumulator, error) {
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.HistorySize < 1 || cfg.HistorySize > MaxHistorySize {
		return nil, fmt.Errorf("history size %d out of range [1, %d]", cfg.HistorySize, MaxHistorySize)
	}
	if cfg.Hasher == nil {
		cfg.Hasher = MiMCHasher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Accumulator{
		historySize: cfg.HistorySize,
		hasher:      cfg.Hasher,
		store:       cfg.Store,
		logger:      cfg.Logger,
		now:         cfg.Now,
		groups:      make(map[types.GroupID]*group),
	}, nil
}

// Hasher returns the hash function used for every group.
func (a *Accumulator) Hasher() Hasher {
	return a.hasher
}

// HistorySize returns the number of superseded roots kept per group.
func (a *Accumulator) HistorySize() int {
	return a.historySize
}

func (a *Accumulator) newGroup(id types.GroupID, depth int, createdAt time.Time) *group {
	t := newTree(a.hasher, depth)
	g := &group{
		id:        id,
		createdAt: createdAt,
		tree:      t,
		index:     make(map[types.Commitment]uint64),
		history:   newRootHistory(a.historySize + 1),
		log:       (&compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}).NewEmptyRange(0),
	}
	g.history.push(t.root)
	return g
}

// CreateGroup creates an empty group. Creating an existing group with the
// same depth is a no-op; a different depth is rejected since a group's shape
// is immutable.
func (a *Accumulator) CreateGroup(ctx context.Context, id types.GroupID, depth int) error {
	if err := ValidateDepth(depth); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.groups[id]; ok {
		if existing.tree.depth != depth {
			return types.Errorf(types.KindMalformedInput, "group %s exists with depth %d", id, existing.tree.depth)
		}
		return nil
	}

	g := a.newGroup(id, depth, a.now().UTC())
	if a.store != nil {
		rec := GroupRecord{ID: id, Depth: depth, Hasher: a.hasher.Name(), CreatedAt: g.createdAt}
		if err := a.store.CreateGroup(ctx, rec); err != nil {
			return fmt.Errorf("persist group %s: %w", id, err)
		}
	}
	a.groups[id] = g
	a.logger.Info("group created", "groupId", id, "depth", depth, "hasher", a.hasher.Name())
	return nil
}

func (a *Accumulator) group(id types.GroupID) (*group, error) {
	a.mu.RLock()
	g, ok := a.groups[id]
	a.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.KindGroupNotFound, "group %s", id)
	}
	return g, nil
}

// AddMember appends c to the group and returns its index.
func (a *Accumulator) AddMember(ctx context.Context, id types.GroupID, c types.Commitment) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if err := a.hasher.ValidLeaf(c); err != nil {
		return 0, err
	}
	g, err := a.group(id)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if idx, dup := g.index[c]; dup {
		return 0, types.Errorf(types.KindDuplicateCommitment, "commitment %s already at index %d in group %s", c, idx, id)
	}
	ins, err := g.tree.prepare(types.Hash(c))
	if err != nil {
		return 0, err
	}

	if a.store != nil {
		rec := types.MemberRecord{
			GroupID:      id,
			Index:        ins.index,
			Commitment:   c,
			Root:         ins.root,
			RegisteredAt: a.now().UTC(),
		}
		if err := a.store.AppendMember(ctx, rec); err != nil {
			return 0, fmt.Errorf("persist member of group %s: %w", id, err)
		}
	}

	g.commit(c, ins)
	a.logger.Debug("member added", "groupId", id, "index", ins.index, "root", ins.root)
	return ins.index, nil
}

func (g *group) commit(c types.Commitment, ins insertion) {
	g.tree.apply(ins)
	g.members = append(g.members, c)
	g.index[c] = ins.index
	g.history.push(ins.root)
	// Leaf hashes are 32 bytes, Append only fails on malformed ranges.
	if err := g.log.Append(rfc6962.DefaultHasher.HashLeaf(c[:]), nil); err != nil {
		panic(fmt.Sprintf("append to member log of group %s: %v", g.id, err))
	}
}

// CurrentRoot returns the group's current root.
func (a *Accumulator) CurrentRoot(id types.GroupID) (types.Hash, error) {
	g, err := a.group(id)
	if err != nil {
		return types.ZeroHash, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tree.root, nil
}

// Size returns the number of members.
func (a *Accumulator) Size(id types.GroupID) (int, error) {
	g, err := a.group(id)
	if err != nil {
		return 0, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members), nil
}

// RecentRoots returns up to window roots, newest first. The current root is
// always first.
func (a *Accumulator) RecentRoots(id types.GroupID, window int) ([]types.Hash, error) {
	g, err := a.group(id)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.history.recent(window), nil
}

// AcceptsRoot reports whether root is the current root or one of the
// retained superseded roots.
func (a *Accumulator) AcceptsRoot(id types.GroupID, root types.Hash) (bool, error) {
	g, err := a.group(id)
	if err != nil {
		return false, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tree.root == root || g.history.contains(root), nil
}

// Contains reports whether c is a member.
func (a *Accumulator) Contains(id types.GroupID, c types.Commitment) (bool, error) {
	g, err := a.group(id)
	if err != nil {
		return false, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[c]
	return ok, nil
}

// Snapshot returns an immutable copy of the group.
func (a *Accumulator) Snapshot(id types.GroupID) (Snapshot, error) {
	g, err := a.group(id)
	if err != nil {
		return Snapshot{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Snapshot{
		GroupID: id,
		Depth:   g.tree.depth,
		Members: append([]types.Commitment(nil), g.members...),
		Root:    g.tree.root,
		hasher:  a.hasher,
	}, nil
}

// Info summarises a group.
func (a *Accumulator) Info(id types.GroupID) (Info, error) {
	g, err := a.group(id)
	if err != nil {
		return Info{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp, err := g.checkpoint()
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:         id,
		Depth:      g.tree.depth,
		Size:       len(g.members),
		Capacity:   Capacity(g.tree.depth),
		Hasher:     a.hasher.Name(),
		Root:       g.tree.root,
		Checkpoint: cp,
	}, nil
}

// Checkpoint returns the RFC 6962 root of the group's member log.
func (a *Accumulator) Checkpoint(id types.GroupID) (Checkpoint, error) {
	g, err := a.group(id)
	if err != nil {
		return Checkpoint{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkpoint()
}

func (g *group) checkpoint() (Checkpoint, error) {
	size := g.log.End()
	var root []byte
	if size == 0 {
		root = rfc6962.DefaultHasher.EmptyRoot()
	} else {
		var err error
		root, err = g.log.GetRootHash(nil)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("member log root of group %s: %w", g.id, err)
		}
	}
	cp := Checkpoint{Size: size}
	copy(cp.Root[:], root)
	return cp, nil
}

// Groups lists group ids in ascending order.
func (a *Accumulator) Groups() []types.GroupID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]types.GroupID, 0, len(a.groups))
	for id := range a.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Restore rebuilds groups from persisted state by replaying each member log.
// Every persisted root is checked against the recomputed one, so a corrupted
// or reordered log fails loudly instead of serving a wrong root.
func (a *Accumulator) Restore(states []GroupState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, st := range states {
		rec := st.Group
		if _, exists := a.groups[rec.ID]; exists {
			return fmt.Errorf("restore group %s: already loaded", rec.ID)
		}
		if rec.Hasher != a.hasher.Name() {
			return fmt.Errorf("restore group %s: persisted with hasher %q, configured %q", rec.ID, rec.Hasher, a.hasher.Name())
		}
		if err := ValidateDepth(rec.Depth); err != nil {
			return fmt.Errorf("restore group %s: %w", rec.ID, err)
		}

		g := a.newGroup(rec.ID, rec.Depth, rec.CreatedAt)
		for i, m := range st.Members {
			if m.Index != uint64(i) {
				return fmt.Errorf("restore group %s: member %d has index %d", rec.ID, i, m.Index)
			}
			if _, dup := g.index[m.Commitment]; dup {
				return fmt.Errorf("restore group %s: duplicate commitment at index %d", rec.ID, i)
			}
			ins, err := g.tree.prepare(types.Hash(m.Commitment))
			if err != nil {
				return fmt.Errorf("restore group %s: %w", rec.ID, err)
			}
			if ins.root != m.Root {
				return fmt.Errorf("restore group %s: root mismatch at index %d: persisted %s, computed %s", rec.ID, i, m.Root, ins.root)
			}
			g.commit(m.Commitment, ins)
		}
		a.groups[rec.ID] = g
		a.logger.Info("group restored", "groupId", rec.ID, "depth", rec.Depth, "size", len(g.members), "root", g.tree.root)
	}
	return nil
}
