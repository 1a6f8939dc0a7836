// Package zkengine adapts zero-knowledge proving engines to the prover and
// verifier ports. No circuit lives here.
package zkengine

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/identity"
	"github.com/relves/anonsignal/pkg/prover"
	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

var (
	commitmentDomain = []byte("anonsignal/dev/commitment")
	nullifierDomain  = []byte("anonsignal/dev/nullifier")
)

// DevEngine is a deterministic stand-in for a SNARK. Artifacts are MACs over
// the public inputs under a shared key, so anyone holding the key can forge
// them. Use it for local runs and tests only.
type DevEngine struct {
	key []byte
}

func NewDevEngine(key []byte) (*DevEngine, error) {
	if len(key) == 0 {
		return nil, errors.New("zkengine: dev engine needs a key")
	}
	return &DevEngine{key: append([]byte(nil), key...)}, nil
}

// Commitment is the public commitment of secret under this engine.
func (e *DevEngine) Commitment(secret identity.Secret) types.Commitment {
	buf := make([]byte, 0, len(commitmentDomain)+len(secret))
	buf = append(buf, commitmentDomain...)
	buf = append(buf, secret...)
	return types.Commitment(signal.Bind(buf))
}

// Nullifier is bind(secret || context): stable per member and context,
// unlinkable to the commitment.
func (e *DevEngine) Nullifier(secret identity.Secret, external types.GroupID) types.Hash {
	buf := make([]byte, 0, len(nullifierDomain)+len(secret)+8)
	buf = append(buf, nullifierDomain...)
	buf = append(buf, secret...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(external))
	return signal.Bind(buf)
}

func (e *DevEngine) mac(pi types.PublicInputs) []byte {
	m := hmac.New(sha3.New256, e.key)
	m.Write(pi.Bytes())
	return m.Sum(nil)
}

// Prove checks the statements a membership circuit would enforce and emits
// a MAC artifact.
func (e *DevEngine) Prove(ctx context.Context, req prover.ProveRequest) (prover.ProveResult, error) {
	if err := ctx.Err(); err != nil {
		return prover.ProveResult{}, err
	}
	if e.Commitment(req.Secret) != req.Commitment {
		return prover.ProveResult{}, errors.New("secret does not open the commitment")
	}
	snap := req.Snapshot
	idx := snap.IndexOf(req.Commitment)
	if idx < 0 {
		return prover.ProveResult{}, errors.New("commitment is not in the snapshot")
	}
	if h := snap.Hasher(); h != nil {
		path, err := snap.MerkleProof(uint64(idx))
		if err != nil {
			return prover.ProveResult{}, fmt.Errorf("membership path: %w", err)
		}
		if !accumulator.VerifyMerkleProof(h, path) || path.Root != snap.Root {
			return prover.ProveResult{}, errors.New("membership path does not reach the snapshot root")
		}
	}

	pi := types.PublicInputs{
		Root:            snap.Root,
		NullifierHash:   e.Nullifier(req.Secret, req.ExternalContext),
		BoundHash:       req.BoundSignal,
		ExternalContext: req.ExternalContext,
	}
	return prover.ProveResult{
		Artifact:      e.mac(pi),
		NullifierHash: pi.NullifierHash,
	}, nil
}

// Verify reports whether artifact was produced for pi under this key.
func (e *DevEngine) Verify(ctx context.Context, artifact []byte, pi types.PublicInputs) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return hmac.Equal(artifact, e.mac(pi)), nil
}
