// Package prover produces membership proofs for a signal.
//
// The Coordinator performs no cryptography. It applies the anonymity-set gate,
// checks the identity belongs to the snapshot, and hands the inputs to an
// external Prover on a bounded worker pool.
package prover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/identity"
	"github.com/relves/anonsignal/pkg/policy"
	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

const (
	DefaultWorkers = 2
	DefaultTimeout = 30 * time.Second
)

// ProveRequest carries everything the proving capability needs.
type ProveRequest struct {
	Secret          identity.Secret
	Commitment      types.Commitment
	Snapshot        accumulator.Snapshot
	ExternalContext types.GroupID
	BoundSignal     types.Hash
}

// ProveResult is the proving capability's output. The nullifier is derived
// from the secret, so the prover returns it alongside the artifact.
type ProveResult struct {
	Artifact      []byte
	NullifierHash types.Hash
}

// Prover is the external zero-knowledge proving capability.
type Prover interface {
	Prove(ctx context.Context, req ProveRequest) (ProveResult, error)
}

// ProverFunc adapts a function to Prover.
type ProverFunc func(ctx context.Context, req ProveRequest) (ProveResult, error)

func (f ProverFunc) Prove(ctx context.Context, req ProveRequest) (ProveResult, error) {
	return f(ctx, req)
}

type Config struct {
	Prover Prover
	Policy *policy.Policy
	// Workers bounds concurrent proof generation.
	Workers int
	// Timeout bounds a single proving call.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Coordinator struct {
	prover  Prover
	policy  *policy.Policy
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Prover == nil {
		return nil, errors.New("prover: no proving capability configured")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.New(policy.DefaultThreshold)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		prover:  cfg.Prover,
		policy:  cfg.Policy,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		logger:  cfg.Logger,
	}, nil
}

// ProduceSignal builds a proof that id is a member of snap, bound to the
// message in sc. The prover is never called when the snapshot is below the
// anonymity threshold.
func (c *Coordinator) ProduceSignal(ctx context.Context, id identity.Identity, snap accumulator.Snapshot, sc signal.Context) (types.Proof, error) {
	if err := c.policy.Check(snap.GroupID, snap.Size()); err != nil {
		return types.Proof{}, err
	}
	if sc.GroupID != snap.GroupID {
		return types.Proof{}, types.Errorf(types.KindMalformedInput,
			"signal context group %s does not match snapshot group %s", sc.GroupID, snap.GroupID)
	}
	if snap.IndexOf(id.Commitment()) < 0 {
		return types.Proof{}, types.Errorf(types.KindMalformedInput, "identity is not a member of the snapshot")
	}

	bound := sc.BoundHash()
	req := ProveRequest{
		Secret:          id.Secret(),
		Commitment:      id.Commitment(),
		Snapshot:        snap,
		ExternalContext: snap.GroupID,
		BoundSignal:     bound,
	}

	res, err := c.prove(ctx, req)
	if err != nil {
		return types.Proof{}, err
	}
	if len(res.Artifact) == 0 {
		return types.Proof{}, fmt.Errorf("prover returned an empty artifact")
	}

	return types.Proof{
		Artifact: res.Artifact,
		PublicInputs: types.PublicInputs{
			Root:            snap.Root,
			NullifierHash:   res.NullifierHash,
			BoundHash:       bound,
			ExternalContext: snap.GroupID,
		},
	}, nil
}

type outcome struct {
	res ProveResult
	err error
}

// prove runs the prover on a worker slot. The slot is held until the prover
// returns, even if the caller has already given up, so abandoned proofs still
// count against Workers.
func (c *Coordinator) prove(ctx context.Context, req ProveRequest) (ProveResult, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return ProveResult{}, types.Wrap(types.KindCancelled, err, "waiting for a prover slot")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer c.sem.Release(1)
		defer cancel()
		res, err := c.prover.Prove(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return ProveResult{}, types.Wrap(types.KindCancelled, out.err, "prove")
			}
			return ProveResult{}, fmt.Errorf("prove: %w", out.err)
		}
		c.logger.Debug("proof produced", "groupId", req.ExternalContext, "duration", time.Since(start))
		return out.res, nil
	case <-ctx.Done():
		c.logger.Warn("proof abandoned", "groupId", req.ExternalContext, "error", ctx.Err())
		return ProveResult{}, types.Wrap(types.KindCancelled, ctx.Err(), "prove")
	}
}
