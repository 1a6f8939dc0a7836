package accumulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/pkg/types"
)

func TestMerkleProof_VerifiesEveryMember(t *testing.T) {
	for _, h := range []Hasher{SHA256Hasher{}, MiMCHasher{}} {
		t.Run(h.Name(), func(t *testing.T) {
			var members []types.Commitment
			for i := 1; i <= 5; i++ {
				members = append(members, commitment(i))
			}
			snap, err := BuildSnapshot(3, 4, h, members)
			require.NoError(t, err)

			for i := range members {
				p, err := snap.MerkleProof(uint64(i))
				require.NoError(t, err)
				assert.Len(t, p.Siblings, 4)
				assert.Equal(t, snap.Root, p.Root)
				assert.True(t, VerifyMerkleProof(h, p), "member %d", i)
			}
		})
	}
}

func TestMerkleProof_TamperedPathFails(t *testing.T) {
	snap, err := BuildSnapshot(1, 4, SHA256Hasher{}, []types.Commitment{commitment(1), commitment(2), commitment(3)})
	require.NoError(t, err)

	p, err := snap.MerkleProof(2)
	require.NoError(t, err)
	p.Siblings[1][5] ^= 0x01
	assert.False(t, VerifyMerkleProof(SHA256Hasher{}, p))

	assert.False(t, VerifyMerkleProof(SHA256Hasher{}, nil))

	_, err = snap.MerkleProof(3)
	assert.ErrorIs(t, err, types.ErrMalformedInput)
}

func TestBuildSnapshot_Validation(t *testing.T) {
	_, err := BuildSnapshot(1, 2, SHA256Hasher{}, []types.Commitment{commitment(1), commitment(1)})
	assert.ErrorIs(t, err, types.ErrDuplicateCommitment)

	_, err = BuildSnapshot(1, 1, SHA256Hasher{}, []types.Commitment{commitment(1), commitment(2), commitment(3)})
	assert.ErrorIs(t, err, types.ErrGroupFull)

	_, err = BuildSnapshot(1, 0, SHA256Hasher{}, nil)
	assert.ErrorIs(t, err, types.ErrMalformedInput)

	snap, err := BuildSnapshot(1, 2, SHA256Hasher{}, []types.Commitment{commitment(4), commitment(9)})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.IndexOf(commitment(9)))
	assert.Equal(t, -1, snap.IndexOf(commitment(5)))
	assert.Equal(t, 2, snap.Size())
}

func TestRootHistory_Ring(t *testing.T) {
	h := newRootHistory(3)
	assert.Nil(t, h.recent(2))

	var roots []types.Hash
	for i := 0; i < 5; i++ {
		var r types.Hash
		r[0] = byte(i + 1)
		roots = append(roots, r)
		h.push(r)
	}

	assert.Equal(t, []types.Hash{roots[4], roots[3], roots[2]}, h.recent(10))
	assert.True(t, h.contains(roots[2]))
	assert.False(t, h.contains(roots[1]))
}

func TestHasherByName(t *testing.T) {
	h, err := HasherByName("")
	require.NoError(t, err)
	assert.Equal(t, HasherMiMC, h.Name())

	h, err = HasherByName("sha256")
	require.NoError(t, err)
	assert.Equal(t, HasherSHA256, h.Name())

	_, err = HasherByName("md5")
	assert.Error(t, err)
}
