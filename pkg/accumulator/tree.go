package accumulator

import (
	"fmt"

	"github.com/relves/anonsignal/pkg/types"
)

const (
	MinDepth = 1
	MaxDepth = 32
)

// ValidateDepth checks depth is within the supported range.
func ValidateDepth(depth int) error {
	if depth < MinDepth || depth > MaxDepth {
		return types.Errorf(types.KindMalformedInput, "depth %d out of range [%d, %d]", depth, MinDepth, MaxDepth)
	}
	return nil
}

// Capacity returns 2^depth.
func Capacity(depth int) uint64 {
	return uint64(1) << uint(depth)
}

// tree is a fixed-depth incremental Merkle tree that keeps only the
// rightmost filled subtree per level.
type tree struct {
	hasher Hasher
	depth  int
	zeros  []types.Hash
	filled []types.Hash
	size   uint64
	root   types.Hash
}

func newTree(h Hasher, depth int) *tree {
	zeros := zeroHashes(h, depth)
	return &tree{
		hasher: h,
		depth:  depth,
		zeros:  zeros,
		filled: make([]types.Hash, depth),
		root:   zeros[depth],
	}
}

// insertion is the outcome of placing one leaf, computed without touching
// the tree so callers can persist before applying.
type insertion struct {
	index  uint64
	filled []types.Hash
	root   types.Hash
}

func (t *tree) prepare(leaf types.Hash) (insertion, error) {
	if t.size >= Capacity(t.depth) {
		return insertion{}, types.Errorf(types.KindGroupFull, "tree of depth %d holds %d members", t.depth, Capacity(t.depth))
	}

	filled := make([]types.Hash, t.depth)
	copy(filled, t.filled)

	idx := t.size
	cur := leaf
	for level := 0; level < t.depth; level++ {
		if idx&1 == 0 {
			filled[level] = cur
			cur = t.hasher.HashChildren(cur, t.zeros[level])
		} else {
			cur = t.hasher.HashChildren(filled[level], cur)
		}
		idx >>= 1
	}

	return insertion{index: t.size, filled: filled, root: cur}, nil
}

func (t *tree) apply(ins insertion) {
	t.filled = ins.filled
	t.root = ins.root
	t.size = ins.index + 1
}

// Snapshot is an immutable view of a group used to build proofs.
type Snapshot struct {
	GroupID types.GroupID
	Depth   int
	Members []types.Commitment
	Root    types.Hash

	hasher Hasher
}

// Size returns the number of members in the snapshot.
func (s Snapshot) Size() int {
	return len(s.Members)
}

// IndexOf returns the position of c, or -1.
func (s Snapshot) IndexOf(c types.Commitment) int {
	for i, m := range s.Members {
		if m == c {
			return i
		}
	}
	return -1
}

// Hasher returns the hash function the snapshot's root was computed with.
func (s Snapshot) Hasher() Hasher {
	return s.hasher
}

// BuildSnapshot reconstructs a group from an ordered member list, as a client
// does after fetching members from the server.
func BuildSnapshot(id types.GroupID, depth int, h Hasher, members []types.Commitment) (Snapshot, error) {
	if err := ValidateDepth(depth); err != nil {
		return Snapshot{}, err
	}
	t := newTree(h, depth)
	seen := make(map[types.Commitment]struct{}, len(members))
	for i, c := range members {
		if err := c.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("member %d: %w", i, err)
		}
		if err := h.ValidLeaf(c); err != nil {
			return Snapshot{}, fmt.Errorf("member %d: %w", i, err)
		}
		if _, dup := seen[c]; dup {
			return Snapshot{}, types.Errorf(types.KindDuplicateCommitment, "member %d: %s already present", i, c)
		}
		seen[c] = struct{}{}
		ins, err := t.prepare(types.Hash(c))
		if err != nil {
			return Snapshot{}, err
		}
		t.apply(ins)
	}
	return Snapshot{
		GroupID: id,
		Depth:   depth,
		Members: append([]types.Commitment(nil), members...),
		Root:    t.root,
		hasher:  h,
	}, nil
}

// MerkleProof is an authentication path from one leaf to the root.
type MerkleProof struct {
	Leaf      types.Commitment `json:"leaf"`
	Index     uint64           `json:"index"`
	Siblings  []types.Hash     `json:"siblings"`
	PathIndex []uint8          `json:"pathIndices"`
	Root      types.Hash       `json:"root"`
}

// MerkleProof computes the path of the member at index. It rebuilds the
// populated part of every level, so it costs O(size).
func (s Snapshot) MerkleProof(index uint64) (*MerkleProof, error) {
	if index >= uint64(len(s.Members)) {
		return nil, types.Errorf(types.KindMalformedInput, "index %d out of bounds for %d members", index, len(s.Members))
	}
	zeros := zeroHashes(s.hasher, s.Depth)

	layer := make([]types.Hash, len(s.Members))
	for i, m := range s.Members {
		layer[i] = types.Hash(m)
	}

	proof := &MerkleProof{
		Leaf:      s.Members[index],
		Index:     index,
		Siblings:  make([]types.Hash, s.Depth),
		PathIndex: make([]uint8, s.Depth),
	}

	idx := index
	for level := 0; level < s.Depth; level++ {
		sib := idx ^ 1
		if sib < uint64(len(layer)) {
			proof.Siblings[level] = layer[sib]
		} else {
			proof.Siblings[level] = zeros[level]
		}
		proof.PathIndex[level] = uint8(idx & 1)

		next := make([]types.Hash, (len(layer)+1)/2)
		for i := range next {
			right := zeros[level]
			if 2*i+1 < len(layer) {
				right = layer[2*i+1]
			}
			next[i] = s.hasher.HashChildren(layer[2*i], right)
		}
		layer = next
		idx >>= 1
	}
	proof.Root = layer[0]
	return proof, nil
}

// VerifyMerkleProof recomputes the root along the path.
func VerifyMerkleProof(h Hasher, p *MerkleProof) bool {
	if p == nil || len(p.Siblings) != len(p.PathIndex) {
		return false
	}
	cur := types.Hash(p.Leaf)
	for level, sib := range p.Siblings {
		if p.PathIndex[level] == 0 {
			cur = h.HashChildren(cur, sib)
		} else {
			cur = h.HashChildren(sib, cur)
		}
	}
	return cur == p.Root
}
