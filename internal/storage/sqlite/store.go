package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

type GroupStore struct {
	db      *sql.DB
	groupID types.GroupID
	dbPath  string
}

// GroupDir returns the directory holding a group's database.
func GroupDir(basePath string, id types.GroupID) string {
	return filepath.Join(basePath, "groups", id.String())
}

func OpenGroupStore(basePath string, id types.GroupID) (*GroupStore, error) {
	groupDir := GroupDir(basePath, id)
	if err := os.MkdirAll(groupDir, 0755); err != nil {
		return nil, fmt.Errorf("create group directory: %w", err)
	}

	dbPath := filepath.Join(groupDir, "group.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &GroupStore{
		db:      db,
		groupID: id,
		dbPath:  dbPath,
	}, nil
}

func (s *GroupStore) Close() error {
	return s.db.Close()
}

func (s *GroupStore) GroupID() types.GroupID {
	return s.groupID
}

func (s *GroupStore) DBPath() string {
	return s.dbPath
}

var (
	ErrNotFound      = errors.New("not found")
	ErrIndexMismatch = errors.New("member index mismatch")
	ErrGroupMismatch = errors.New("group record mismatch")
)

const timeLayout = time.RFC3339Nano

// CreateGroupRecord stores the group's shape. Re-creating with the same
// depth and hasher is a no-op; anything else is ErrGroupMismatch.
func (s *GroupStore) CreateGroupRecord(ctx context.Context, rec accumulator.GroupRecord) error {
	if rec.ID != s.groupID {
		return fmt.Errorf("%w: record for group %s in store of group %s", ErrGroupMismatch, rec.ID, s.groupID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, depth, hasher, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID.String(), rec.Depth, rec.Hasher, rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return err
	}

	existing, err := s.GetGroupRecord(ctx)
	if err != nil {
		return err
	}
	if existing.Depth != rec.Depth || existing.Hasher != rec.Hasher {
		return fmt.Errorf("%w: group %s persisted with depth %d hasher %q", ErrGroupMismatch, rec.ID, existing.Depth, existing.Hasher)
	}
	return nil
}

func (s *GroupStore) GetGroupRecord(ctx context.Context) (*accumulator.GroupRecord, error) {
	var id, hasher, createdAt string
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, depth, hasher, created_at FROM groups WHERE id = ?`,
		s.groupID.String()).Scan(&id, &depth, &hasher, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &accumulator.GroupRecord{ID: s.groupID, Depth: depth, Hasher: hasher}
	var parseErr error
	rec.CreatedAt, parseErr = time.Parse(timeLayout, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "groupId", s.groupID, "value", createdAt, "error", parseErr)
	}
	return rec, nil
}

// AppendMember inserts the member at rec.Index together with the root that
// results, failing with ErrIndexMismatch unless rec.Index is the next index.
func (s *GroupStore) AppendMember(ctx context.Context, rec types.MemberRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count uint64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&count); err != nil {
		return err
	}
	if count != rec.Index {
		return fmt.Errorf("%w: have %d members, got index %d", ErrIndexMismatch, count, rec.Index)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO members (idx, commitment, registered_at) VALUES (?, ?, ?)`,
		int64(rec.Index), rec.Commitment[:], rec.RegisteredAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roots (size, root) VALUES (?, ?)`,
		int64(rec.Index+1), rec.Root[:]); err != nil {
		return fmt.Errorf("insert root: %w", err)
	}

	return tx.Commit()
}

// Members returns the member log in index order, each with the root after it.
func (s *GroupStore) Members(ctx context.Context) ([]types.MemberRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.idx, m.commitment, m.registered_at, r.root
		 FROM members m JOIN roots r ON r.size = m.idx + 1
		 ORDER BY m.idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MemberRecord
	for rows.Next() {
		var idx int64
		var commitment, root []byte
		var registeredAt string
		if err := rows.Scan(&idx, &commitment, &registeredAt, &root); err != nil {
			return nil, err
		}
		c, err := types.HashFromBytes(commitment)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", idx, err)
		}
		r, err := types.HashFromBytes(root)
		if err != nil {
			return nil, fmt.Errorf("root after member %d: %w", idx, err)
		}
		at, _ := time.Parse(timeLayout, registeredAt)
		out = append(out, types.MemberRecord{
			GroupID:      s.groupID,
			Index:        uint64(idx),
			Commitment:   types.Commitment(c),
			Root:         r,
			RegisteredAt: at,
		})
	}
	return out, rows.Err()
}

// LastRoot returns the newest persisted root. Returns (0, zero, nil) for an
// empty group.
func (s *GroupStore) LastRoot(ctx context.Context) (uint64, types.Hash, error) {
	var size int64
	var root []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT size, root FROM roots ORDER BY size DESC LIMIT 1`).Scan(&size, &root)
	if err == sql.ErrNoRows {
		return 0, types.Hash{}, nil
	}
	if err != nil {
		return 0, types.Hash{}, err
	}
	h, err := types.HashFromBytes(root)
	if err != nil {
		return 0, types.Hash{}, err
	}
	return uint64(size), h, nil
}

// RecordNullifier inserts rec unless (context, nullifier) is already present.
// A single INSERT decides, so concurrent callers cannot both win.
func (s *GroupStore) RecordNullifier(ctx context.Context, rec types.NullifierRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nullifiers (context, nullifier, accepted_at_root, accepted_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(context, nullifier) DO NOTHING`,
		rec.Context, rec.NullifierHash[:], rec.AcceptedAtRoot[:], rec.AcceptedAt.UTC().Format(timeLayout))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *GroupStore) HasNullifier(ctx context.Context, scope string, n types.Hash) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nullifiers WHERE context = ? AND nullifier = ?`,
		scope, n[:]).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GroupStore) CountNullifiers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nullifiers`).Scan(&count)
	return count, err
}

// ConsumeRef marks an admission reference used. It reports false if the
// reference was already consumed.
func (s *GroupStore) ConsumeRef(ctx context.Context, ref string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO admission_refs (ref, consumed_at) VALUES (?, ?)
		 ON CONFLICT(ref) DO NOTHING`,
		ref, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
