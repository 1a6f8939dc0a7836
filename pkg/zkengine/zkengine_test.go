package zkengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/internal/retry"
	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/identity"
	"github.com/relves/anonsignal/pkg/prover"
	"github.com/relves/anonsignal/pkg/types"
)

func devSetup(t *testing.T, n int) (*DevEngine, []identity.Secret, accumulator.Snapshot) {
	t.Helper()
	e, err := NewDevEngine([]byte("test key"))
	require.NoError(t, err)

	secrets := make([]identity.Secret, n)
	members := make([]types.Commitment, n)
	for i := range secrets {
		secrets[i] = identity.Secret{byte(i + 1), 0xee}
		members[i] = e.Commitment(secrets[i])
	}
	snap, err := accumulator.BuildSnapshot(3, 10, accumulator.MiMCHasher{}, members)
	require.NoError(t, err)
	return e, secrets, snap
}

func proveReq(e *DevEngine, s identity.Secret, snap accumulator.Snapshot) prover.ProveRequest {
	var bound types.Hash
	bound[31] = 1
	return prover.ProveRequest{
		Secret:          s,
		Commitment:      e.Commitment(s),
		Snapshot:        snap,
		ExternalContext: snap.GroupID,
		BoundSignal:     bound,
	}
}

func TestDevEngine_ProveVerify(t *testing.T) {
	ctx := context.Background()
	e, secrets, snap := devSetup(t, 5)

	res, err := e.Prove(ctx, proveReq(e, secrets[2], snap))
	require.NoError(t, err)
	assert.Equal(t, e.Nullifier(secrets[2], 3), res.NullifierHash)

	pi := types.PublicInputs{Root: snap.Root, NullifierHash: res.NullifierHash, BoundHash: proveReq(e, secrets[2], snap).BoundSignal, ExternalContext: 3}
	ok, err := e.Verify(ctx, res.Artifact, pi)
	require.NoError(t, err)
	assert.True(t, ok)

	// Any change to the public inputs invalidates the artifact.
	tampered := pi
	tampered.BoundHash[31] = 2
	ok, err = e.Verify(ctx, res.Artifact, tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	other, _ := NewDevEngine([]byte("other key"))
	ok, _ = other.Verify(ctx, res.Artifact, pi)
	assert.False(t, ok)
}

func TestDevEngine_NullifierStablePerContext(t *testing.T) {
	e, _ := NewDevEngine([]byte("k"))
	s := identity.Secret("member")

	assert.Equal(t, e.Nullifier(s, 1), e.Nullifier(s, 1))
	assert.NotEqual(t, e.Nullifier(s, 1), e.Nullifier(s, 2))
	assert.NotEqual(t, e.Nullifier(s, 1), e.Nullifier(identity.Secret("other"), 1))
	assert.NotEqual(t, types.Hash(e.Commitment(s)), e.Nullifier(s, 1))
}

func TestDevEngine_RejectsNonMember(t *testing.T) {
	e, _, snap := devSetup(t, 5)
	_, err := e.Prove(context.Background(), proveReq(e, identity.Secret("stranger"), snap))
	assert.Error(t, err)
}

func TestDevEngine_RejectsWrongSecret(t *testing.T) {
	e, secrets, snap := devSetup(t, 5)
	req := proveReq(e, secrets[0], snap)
	req.Secret = secrets[1]
	req.Commitment = e.Commitment(secrets[0])
	_, err := e.Prove(context.Background(), req)
	assert.Error(t, err)
}

func TestNewDevEngine_RequiresKey(t *testing.T) {
	_, err := NewDevEngine(nil)
	assert.Error(t, err)
}

func TestRemoteEngine_Verify(t *testing.T) {
	var got remoteVerifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(remoteVerifyResponse{Valid: string(got.Artifact) == "good"})
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL + "/")
	pi := types.PublicInputs{ExternalContext: 9}
	pi.Root[31] = 5

	ok, err := e.Verify(context.Background(), []byte("good"), pi)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pi, got.PublicInputs)

	ok, err = e.Verify(context.Background(), []byte("bad"), pi)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteEngine_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(remoteVerifyResponse{Valid: true})
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL, WithRetryPolicy(retry.Policy{MaxTries: 5, InitialInterval: time.Millisecond}))
	ok, err := e.Verify(context.Background(), []byte("x"), types.PublicInputs{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRemoteEngine_UnreachableIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := NewRemoteEngine(url, WithRetryPolicy(retry.Policy{MaxTries: 2, InitialInterval: time.Millisecond}))
	_, err := e.Verify(context.Background(), []byte("x"), types.PublicInputs{})
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
}

func TestRemoteEngine_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL, WithRetryPolicy(retry.Policy{MaxTries: 5, InitialInterval: time.Millisecond}))
	_, err := e.Verify(context.Background(), []byte("x"), types.PublicInputs{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
