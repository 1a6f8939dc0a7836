package registration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/types"
)

func commitment(i int) types.Commitment {
	var c types.Commitment
	c[30] = 0x7f
	c[31] = byte(i + 1)
	return c
}

type countingAuthority struct {
	valid map[string]bool
	err   error
	calls atomic.Int32
}

func (a *countingAuthority) IsValidRef(_ context.Context, ref string) (bool, error) {
	a.calls.Add(1)
	if a.err != nil {
		return false, a.err
	}
	return a.valid[ref], nil
}

func setup(t *testing.T, depth int, refs ...string) (*Coordinator, *accumulator.Accumulator, *countingAuthority) {
	t.Helper()
	acc, err := accumulator.New(accumulator.Config{})
	require.NoError(t, err)
	require.NoError(t, acc.CreateGroup(context.Background(), 1, depth))

	auth := &countingAuthority{valid: map[string]bool{}}
	for _, r := range refs {
		auth.valid[r] = true
	}
	c, err := New(Config{Groups: acc, Authority: auth})
	require.NoError(t, err)
	return c, acc, auth
}

func req(i int, ref string) types.RegistrationRequest {
	return types.RegistrationRequest{Username: "user", GroupID: 1, Commitment: commitment(i), AdmissionRef: ref}
}

func TestRegister_Success(t *testing.T) {
	c, acc, _ := setup(t, 4, "ref-a", "ref-b")
	ctx := context.Background()

	res, err := c.Register(ctx, req(0, "ref-a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Index)

	res, err = c.Register(ctx, req(1, "ref-b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Index)

	root, _ := acc.CurrentRoot(1)
	assert.Equal(t, root, res.Root)
}

func TestRegister_InvalidRefLeavesGroupUnchanged(t *testing.T) {
	c, acc, _ := setup(t, 4, "good")
	ctx := context.Background()
	_, err := c.Register(ctx, req(0, "good"))
	require.NoError(t, err)
	before, _ := acc.CurrentRoot(1)

	_, err = c.Register(ctx, req(1, "forged"))
	assert.ErrorIs(t, err, types.ErrRegistrationRefused)

	size, _ := acc.Size(1)
	assert.Equal(t, 1, size)
	after, _ := acc.CurrentRoot(1)
	assert.Equal(t, before, after)
}

func TestRegister_RefSingleUse(t *testing.T) {
	c, acc, _ := setup(t, 4, "once")
	ctx := context.Background()

	_, err := c.Register(ctx, req(0, "once"))
	require.NoError(t, err)
	_, err = c.Register(ctx, req(1, "once"))
	assert.ErrorIs(t, err, types.ErrRegistrationRefused)

	size, _ := acc.Size(1)
	assert.Equal(t, 1, size)
}

func TestRegister_DuplicateDoesNotBurnRef(t *testing.T) {
	c, _, auth := setup(t, 4, "a", "b")
	ctx := context.Background()

	_, err := c.Register(ctx, req(0, "a"))
	require.NoError(t, err)

	_, err = c.Register(ctx, req(0, "b"))
	assert.ErrorIs(t, err, types.ErrDuplicateCommitment)
	assert.Equal(t, int32(1), auth.calls.Load())

	// "b" is still usable.
	_, err = c.Register(ctx, req(1, "b"))
	assert.NoError(t, err)
}

func TestRegister_GroupFull(t *testing.T) {
	c, _, _ := setup(t, 1, "a", "b", "c")
	ctx := context.Background()

	_, err := c.Register(ctx, req(0, "a"))
	require.NoError(t, err)
	_, err = c.Register(ctx, req(1, "b"))
	require.NoError(t, err)
	_, err = c.Register(ctx, req(2, "c"))
	assert.ErrorIs(t, err, types.ErrGroupFull)
}

func TestRegister_MalformedAndMissing(t *testing.T) {
	c, _, auth := setup(t, 4, "a")
	ctx := context.Background()

	_, err := c.Register(ctx, types.RegistrationRequest{GroupID: 1, AdmissionRef: "a"})
	assert.ErrorIs(t, err, types.ErrMalformedInput)

	_, err = c.Register(ctx, types.RegistrationRequest{GroupID: 1, Commitment: commitment(0)})
	assert.ErrorIs(t, err, types.ErrRegistrationRefused)

	r := req(0, "a")
	r.GroupID = 99
	_, err = c.Register(ctx, r)
	assert.ErrorIs(t, err, types.ErrGroupNotFound)

	assert.Zero(t, auth.calls.Load())
}

func TestRegister_AuthorityFailureIsNetworkFailure(t *testing.T) {
	c, acc, auth := setup(t, 4)
	auth.err = errors.New("dial tcp: connection refused")

	_, err := c.Register(context.Background(), req(0, "a"))
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.True(t, types.Retryable(err))
	size, _ := acc.Size(1)
	assert.Zero(t, size)
}

func TestMemoryRefLedger_ScopedPerGroup(t *testing.T) {
	l := NewMemoryRefLedger()
	ctx := context.Background()

	ok, _ := l.Consume(ctx, 1, "r")
	assert.True(t, ok)
	ok, _ = l.Consume(ctx, 1, "r")
	assert.False(t, ok)
	ok, _ = l.Consume(ctx, 2, "r")
	assert.True(t, ok)
}
