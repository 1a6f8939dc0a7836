package prover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/identity"
	"github.com/relves/anonsignal/pkg/policy"
	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

// countingProver returns a fixed artifact and counts calls.
type countingProver struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (p *countingProver) Prove(ctx context.Context, req ProveRequest) (ProveResult, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ProveResult{}, ctx.Err()
		}
	}
	if p.err != nil {
		return ProveResult{}, p.err
	}
	return ProveResult{
		Artifact:      []byte("artifact"),
		NullifierHash: signal.Bind(append(req.Secret, byte(req.ExternalContext))),
	}, nil
}

func member(i int) identity.Identity {
	secret := identity.Secret{byte(i), 0x42}
	c := types.Commitment(signal.Bind(secret))
	id, err := identity.New(secret, c)
	if err != nil {
		panic(err)
	}
	return id
}

func newAccumulator(t *testing.T, id types.GroupID, depth int, members int) *accumulator.Accumulator {
	t.Helper()
	acc, err := accumulator.New(accumulator.Config{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, acc.CreateGroup(ctx, id, depth))
	for i := 0; i < members; i++ {
		_, err := acc.AddMember(ctx, id, member(i).Commitment())
		require.NoError(t, err)
	}
	return acc
}

func newCoordinator(t *testing.T, p Prover, threshold int, opts ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{Prover: p, Policy: policy.New(threshold)}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestProduceSignal_BelowThresholdNeverCallsProver(t *testing.T) {
	for size := 1; size < 5; size++ {
		acc := newAccumulator(t, 1, 4, size)
		snap, err := acc.Snapshot(1)
		require.NoError(t, err)

		stub := &countingProver{}
		c := newCoordinator(t, stub, 5)

		_, err = c.ProduceSignal(context.Background(), member(0), snap, signal.Context{GroupID: 1, RawMessage: []byte("hi")})
		assert.ErrorIs(t, err, types.ErrInsufficientAnonymitySet, "size %d", size)
		assert.Zero(t, stub.calls.Load(), "size %d", size)
	}
}

func TestProduceSignal_Depth20Threshold5(t *testing.T) {
	ctx := context.Background()
	const gid types.GroupID = 7
	acc := newAccumulator(t, gid, 20, 4)
	stub := &countingProver{}
	c := newCoordinator(t, stub, 5)
	sc := signal.Context{GroupID: gid, RawMessage: []byte("hello group")}

	snap, err := acc.Snapshot(gid)
	require.NoError(t, err)
	_, err = c.ProduceSignal(ctx, member(0), snap, sc)
	require.ErrorIs(t, err, types.ErrInsufficientAnonymitySet)
	assert.Zero(t, stub.calls.Load())

	_, err = acc.AddMember(ctx, gid, member(4).Commitment())
	require.NoError(t, err)

	snap, err = acc.Snapshot(gid)
	require.NoError(t, err)
	proof, err := c.ProduceSignal(ctx, member(0), snap, sc)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.calls.Load())

	root, err := acc.CurrentRoot(gid)
	require.NoError(t, err)
	assert.Equal(t, root, proof.PublicInputs.Root)
	assert.Equal(t, gid, proof.PublicInputs.ExternalContext)
	assert.Equal(t, signal.BindString("hello group"), proof.PublicInputs.BoundHash)
	assert.Equal(t, []byte("artifact"), proof.Artifact)
	assert.False(t, proof.PublicInputs.NullifierHash.IsZero())
}

func TestProduceSignal_NonMember(t *testing.T) {
	acc := newAccumulator(t, 1, 4, 5)
	snap, _ := acc.Snapshot(1)
	stub := &countingProver{}
	c := newCoordinator(t, stub, 5)

	_, err := c.ProduceSignal(context.Background(), member(99), snap, signal.Context{GroupID: 1})
	assert.ErrorIs(t, err, types.ErrMalformedInput)
	assert.Contains(t, err.Error(), "not a member")
	assert.Zero(t, stub.calls.Load())
}

func TestProduceSignal_ContextGroupMismatch(t *testing.T) {
	acc := newAccumulator(t, 1, 4, 5)
	snap, _ := acc.Snapshot(1)
	c := newCoordinator(t, &countingProver{}, 5)

	_, err := c.ProduceSignal(context.Background(), member(0), snap, signal.Context{GroupID: 2})
	assert.ErrorIs(t, err, types.ErrMalformedInput)
}

func TestProduceSignal_TimeoutIsCancelled(t *testing.T) {
	acc := newAccumulator(t, 1, 4, 5)
	snap, _ := acc.Snapshot(1)
	stub := &countingProver{delay: time.Second}
	c := newCoordinator(t, stub, 5, func(cfg *Config) { cfg.Timeout = 20 * time.Millisecond })

	_, err := c.ProduceSignal(context.Background(), member(0), snap, signal.Context{GroupID: 1})
	assert.ErrorIs(t, err, types.ErrCancelled)

	// Proving never touches the accumulator.
	size, _ := acc.Size(1)
	assert.Equal(t, 5, size)
}

func TestProduceSignal_CallerCancel(t *testing.T) {
	acc := newAccumulator(t, 1, 4, 5)
	snap, _ := acc.Snapshot(1)
	c := newCoordinator(t, &countingProver{delay: time.Second}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.ProduceSignal(ctx, member(0), snap, signal.Context{GroupID: 1})
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestProduceSignal_ProverErrorPropagates(t *testing.T) {
	acc := newAccumulator(t, 1, 4, 5)
	snap, _ := acc.Snapshot(1)
	boom := errors.New("witness generation failed")
	c := newCoordinator(t, &countingProver{err: boom}, 5)

	_, err := c.ProduceSignal(context.Background(), member(0), snap, signal.Context{GroupID: 1})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, types.ErrCancelled)
}

func TestProduceSignal_WorkersBoundConcurrency(t *testing.T) {
	acc := newAccumulator(t, 1, 4, 5)
	snap, _ := acc.Snapshot(1)

	var inFlight, peak atomic.Int32
	p := ProverFunc(func(ctx context.Context, req ProveRequest) (ProveResult, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return ProveResult{Artifact: []byte{1}}, nil
	})
	c := newCoordinator(t, p, 5, func(cfg *Config) { cfg.Workers = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ProduceSignal(context.Background(), member(0), snap, signal.Context{GroupID: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNew_RequiresProver(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
