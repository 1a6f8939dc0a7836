package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relves/anonsignal/internal/storage"
	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/nullifier"
	"github.com/relves/anonsignal/pkg/registration"
	"github.com/relves/anonsignal/pkg/types"
)

// Ensure GroupStore implements GroupStateStore at compile time.
var _ storage.GroupStateStore = (*GroupStore)(nil)

var (
	_ accumulator.Store      = (*Backend)(nil)
	_ nullifier.Ledger       = (*Backend)(nil)
	_ registration.RefLedger = (*Backend)(nil)
)

// loadConcurrency bounds how many group databases are read at once on
// startup.
const loadConcurrency = 4

// Backend routes group-scoped operations to each group's database.
type Backend struct {
	m *StoreManager
}

func NewBackend(m *StoreManager) *Backend {
	return &Backend{m: m}
}

func (b *Backend) Manager() *StoreManager {
	return b.m
}

func (b *Backend) CreateGroup(ctx context.Context, rec accumulator.GroupRecord) error {
	s, err := b.m.GetStore(rec.ID)
	if err != nil {
		return err
	}
	return s.CreateGroupRecord(ctx, rec)
}

func (b *Backend) AppendMember(ctx context.Context, rec types.MemberRecord) error {
	s, err := b.m.GetStore(rec.GroupID)
	if err != nil {
		return err
	}
	return s.AppendMember(ctx, rec)
}

func (b *Backend) Record(ctx context.Context, rec types.NullifierRecord) (bool, error) {
	s, err := b.m.GetStore(rec.GroupID)
	if err != nil {
		return false, err
	}
	return s.RecordNullifier(ctx, rec)
}

func (b *Backend) Has(ctx context.Context, group types.GroupID, scope string, n types.Hash) (bool, error) {
	s, err := b.m.GetStore(group)
	if err != nil {
		return false, err
	}
	return s.HasNullifier(ctx, scope, n)
}

func (b *Backend) Count(ctx context.Context, group types.GroupID) (int, error) {
	s, err := b.m.GetStore(group)
	if err != nil {
		return 0, err
	}
	return s.CountNullifiers(ctx)
}

func (b *Backend) Consume(ctx context.Context, group types.GroupID, ref string) (bool, error) {
	s, err := b.m.GetStore(group)
	if err != nil {
		return false, err
	}
	return s.ConsumeRef(ctx, ref)
}

// LoadGroups reads every persisted group and its member log. Group
// directories without a group record are skipped.
func (b *Backend) LoadGroups(ctx context.Context) ([]accumulator.GroupState, error) {
	ids, err := b.m.GroupIDs()
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	var mu sync.Mutex
	var states []accumulator.GroupState

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			s, err := b.m.GetStore(id)
			if err != nil {
				return fmt.Errorf("open group %s: %w", id, err)
			}
			rec, err := s.GetGroupRecord(ctx)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read group %s: %w", id, err)
			}
			members, err := s.Members(ctx)
			if err != nil {
				return fmt.Errorf("read members of group %s: %w", id, err)
			}
			size, root, err := s.LastRoot(ctx)
			if err != nil {
				return fmt.Errorf("read root of group %s: %w", id, err)
			}
			if size != uint64(len(members)) {
				return fmt.Errorf("group %s: %d members but last root covers %d", id, len(members), size)
			}
			if size > 0 && members[size-1].Root != root {
				return fmt.Errorf("group %s: last root does not match member log", id)
			}

			mu.Lock()
			states = append(states, accumulator.GroupState{Group: *rec, Members: members})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Group.ID < states[j].Group.ID })
	return states, nil
}

func (b *Backend) Close() error {
	return b.m.CloseAll()
}
