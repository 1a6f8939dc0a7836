package accumulator

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/anonsignal/pkg/types"
)

// Hasher combines two child nodes into their parent.
type Hasher interface {
	// Name identifies the hash function in config and persisted group records.
	Name() string
	HashChildren(left, right types.Hash) types.Hash
	// ValidLeaf rejects commitments the hash function cannot absorb.
	ValidLeaf(c types.Commitment) error
}

const (
	HasherMiMC   = "mimc"
	HasherSHA256 = "sha256"
)

// HasherByName returns the named Hasher.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case HasherMiMC, "":
		return MiMCHasher{}, nil
	case HasherSHA256:
		return SHA256Hasher{}, nil
	}
	return nil, fmt.Errorf("unknown hasher %q", name)
}

// MiMCHasher hashes over the BN254 scalar field, so trees can be opened inside
// a SNARK circuit. Every node and leaf must be a canonical field element.
type MiMCHasher struct{}

func (MiMCHasher) Name() string { return HasherMiMC }

func (MiMCHasher) HashChildren(left, right types.Hash) types.Hash {
	h := mimc.NewMiMC()
	// Inputs are leaves checked by ValidLeaf or previous MiMC outputs, both
	// canonical, so Write cannot fail.
	if _, err := h.Write(left[:]); err != nil {
		panic(fmt.Sprintf("mimc: non-canonical left node %s: %v", left, err))
	}
	if _, err := h.Write(right[:]); err != nil {
		panic(fmt.Sprintf("mimc: non-canonical right node %s: %v", right, err))
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (MiMCHasher) ValidLeaf(c types.Commitment) error {
	if types.Hash(c).Big().Cmp(fr.Modulus()) >= 0 {
		return types.Errorf(types.KindMalformedInput, "commitment %s is not a BN254 scalar", c)
	}
	return nil
}

// SHA256Hasher uses RFC 6962 interior node hashing.
type SHA256Hasher struct{}

func (SHA256Hasher) Name() string { return HasherSHA256 }

func (SHA256Hasher) HashChildren(left, right types.Hash) types.Hash {
	var out types.Hash
	copy(out[:], rfc6962.DefaultHasher.HashChildren(left[:], right[:]))
	return out
}

func (SHA256Hasher) ValidLeaf(types.Commitment) error { return nil }

// zeroHashes returns the empty-subtree hash for every level up to depth.
// zeros[0] is the empty leaf.
func zeroHashes(h Hasher, depth int) []types.Hash {
	zeros := make([]types.Hash, depth+1)
	for i := 1; i <= depth; i++ {
		zeros[i] = h.HashChildren(zeros[i-1], zeros[i-1])
	}
	return zeros
}
