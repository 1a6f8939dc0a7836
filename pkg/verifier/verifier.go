// Package verifier is the authoritative gate for submitted signals.
//
// A submission passes through a fixed sequence of checks: root freshness,
// anonymity set, message binding, the cryptographic check, and finally the
// atomic nullifier insert. Only a submission that clears every gate reaches
// the ledger or the hook.
package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/relves/anonsignal/pkg/nullifier"
	"github.com/relves/anonsignal/pkg/policy"
	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

// DefaultBadProofCacheSize bounds the known-bad artifact cache.
const DefaultBadProofCacheSize = 4096

// Engine is the external zero-knowledge verifying capability.
type Engine interface {
	Verify(ctx context.Context, artifact []byte, pi types.PublicInputs) (bool, error)
}

// Groups is the read side of the accumulator.
type Groups interface {
	AcceptsRoot(id types.GroupID, root types.Hash) (bool, error)
	Size(id types.GroupID) (int, error)
}

// Submission is one proof presented for acceptance.
type Submission struct {
	GroupID types.GroupID
	Proof   types.Proof
	Message []byte
	// Commitment is forwarded to the hook only. It plays no part in
	// verification.
	Commitment types.Commitment
	// ClaimedSize is the group size the client saw. It is logged and
	// otherwise ignored.
	ClaimedSize int
}

// Acceptance describes a verified, recorded signal.
type Acceptance struct {
	GroupID       types.GroupID    `json:"groupId"`
	Context       string           `json:"context"`
	NullifierHash types.Hash       `json:"nullifierHash"`
	Root          types.Hash       `json:"root"`
	Message       []byte           `json:"message"`
	Commitment    types.Commitment `json:"commitment,omitempty"`
	AcceptedAt    time.Time        `json:"acceptedAt"`
}

type Config struct {
	Groups Groups
	Policy *policy.Policy
	Engine Engine
	Ledger nullifier.Ledger
	Scope  nullifier.Scope
	Hook   Hook
	// BadProofCacheSize bounds the cache of artifacts the engine rejected.
	// Negative disables the cache.
	BadProofCacheSize int
	Logger            *slog.Logger
	Now               func() time.Time
}

type Verifier struct {
	groups Groups
	policy *policy.Policy
	engine Engine
	ledger nullifier.Ledger
	scope  nullifier.Scope
	hook   Hook
	bad    *lru.Cache[cid.Cid, struct{}]
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) (*Verifier, error) {
	if cfg.Groups == nil {
		return nil, errors.New("verifier: no group accumulator")
	}
	if cfg.Engine == nil {
		return nil, errors.New("verifier: no verifying engine")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("verifier: no nullifier ledger")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.New(policy.DefaultThreshold)
	}
	if cfg.Scope == "" {
		cfg.Scope = nullifier.ScopeGroup
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := &Verifier{
		groups: cfg.Groups,
		policy: cfg.Policy,
		engine: cfg.Engine,
		ledger: cfg.Ledger,
		scope:  cfg.Scope,
		hook:   cfg.Hook,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if cfg.BadProofCacheSize == 0 {
		cfg.BadProofCacheSize = DefaultBadProofCacheSize
	}
	if cfg.BadProofCacheSize > 0 {
		cache, err := lru.New[cid.Cid, struct{}](cfg.BadProofCacheSize)
		if err != nil {
			return nil, fmt.Errorf("verifier: bad proof cache: %w", err)
		}
		v.bad = cache
	}
	return v, nil
}

// Verify runs sub through every gate and records its nullifier on success.
func (v *Verifier) Verify(ctx context.Context, sub Submission) (*Acceptance, error) {
	pi := sub.Proof.PublicInputs
	if len(sub.Proof.Artifact) == 0 {
		return nil, types.Errorf(types.KindMalformedInput, "empty proof artifact")
	}
	if pi.NullifierHash.IsZero() {
		return nil, types.Errorf(types.KindMalformedInput, "missing nullifier hash")
	}

	// Root: current or recent.
	ok, err := v.groups.AcceptsRoot(sub.GroupID, pi.Root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.KindStaleRoot, "root %s is not among the last accepted roots of group %s", pi.Root, sub.GroupID)
	}

	// Anonymity set, against the size now.
	size, err := v.groups.Size(sub.GroupID)
	if err != nil {
		return nil, err
	}
	if sub.ClaimedSize != 0 && sub.ClaimedSize != size {
		v.logger.Debug("ignoring client group size", "groupId", sub.GroupID, "claimed", sub.ClaimedSize, "actual", size)
	}
	if err := v.policy.Check(sub.GroupID, size); err != nil {
		return nil, err
	}

	if err := v.checkProof(ctx, sub); err != nil {
		return nil, err
	}

	// Replay.
	rec := types.NullifierRecord{
		GroupID:        sub.GroupID,
		Context:        nullifier.ContextFor(v.scope, sub.GroupID, pi.BoundHash),
		NullifierHash:  pi.NullifierHash,
		AcceptedAtRoot: pi.Root,
		AcceptedAt:     v.now().UTC(),
	}
	fresh, err := v.ledger.Record(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record nullifier: %w", err)
	}
	if !fresh {
		return nil, types.Errorf(types.KindNullifierReused, "nullifier %s already used in group %s", pi.NullifierHash, sub.GroupID)
	}

	acc := &Acceptance{
		GroupID:       sub.GroupID,
		Context:       rec.Context,
		NullifierHash: rec.NullifierHash,
		Root:          rec.AcceptedAtRoot,
		Message:       bytes.Clone(sub.Message),
		Commitment:    sub.Commitment,
		AcceptedAt:    rec.AcceptedAt,
	}
	v.logger.Info("signal accepted", "groupId", acc.GroupID, "nullifierHash", acc.NullifierHash, "root", acc.Root)

	if v.hook != nil {
		if err := v.hook.OnAccepted(ctx, *acc); err != nil {
			v.logger.Error("acceptance hook failed", "groupId", acc.GroupID, "nullifierHash", acc.NullifierHash, "error", err)
		}
	}
	return acc, nil
}

// checkProof verifies the message binding and then the artifact itself.
func (v *Verifier) checkProof(ctx context.Context, sub Submission) error {
	pi := sub.Proof.PublicInputs
	if pi.ExternalContext != sub.GroupID {
		return types.Errorf(types.KindInvalidProof, "proof is scoped to group %s, submitted to %s", pi.ExternalContext, sub.GroupID)
	}
	if pi.BoundHash != signal.Bind(sub.Message) {
		return types.Errorf(types.KindInvalidProof, "proof is not bound to the submitted message")
	}

	id, err := proofID(sub.Proof)
	if err != nil {
		return fmt.Errorf("proof id: %w", err)
	}
	if v.bad != nil && v.bad.Contains(id) {
		return types.Errorf(types.KindInvalidProof, "proof %s was already rejected", id)
	}

	valid, err := v.engine.Verify(ctx, sub.Proof.Artifact, pi)
	if err != nil {
		if ctx.Err() != nil {
			return types.Wrap(types.KindCancelled, err, "verify proof")
		}
		if types.KindOf(err) != "" {
			return err
		}
		return fmt.Errorf("verify proof: %w", err)
	}
	if !valid {
		if v.bad != nil {
			v.bad.Add(id, struct{}{})
		}
		return types.Errorf(types.KindInvalidProof, "proof %s failed verification", id)
	}
	return nil
}

var proofPrefix = cid.NewPrefixV1(cid.Raw, mh.SHA2_256)

// proofID content-addresses an artifact together with the inputs it was
// checked against.
func proofID(p types.Proof) (cid.Cid, error) {
	data := make([]byte, 0, len(p.Artifact)+types.PublicInputsSize)
	data = append(data, p.Artifact...)
	data = append(data, p.PublicInputs.Bytes()...)
	return proofPrefix.Sum(data)
}
