// Package identity adapts externally obtained secret identity material.
//
// The secret is produced by a platform ceremony (a passkey, a hardware
// authenticator) outside this module. Nothing here derives cryptographic
// material on its own except SeedDeriver, which exists for local runs.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

const redacted = "[redacted]"

// Secret is opaque identity material. It never prints, marshals or logs.
type Secret []byte

func (Secret) String() string { return redacted }

func (Secret) GoString() string { return redacted }

func (Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

func (Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

// Identity pairs a member's secret with its public commitment.
type Identity struct {
	secret     Secret
	commitment types.Commitment
}

// New wraps a secret and the commitment the ceremony produced for it.
func New(secret Secret, commitment types.Commitment) (Identity, error) {
	if len(secret) == 0 {
		return Identity{}, types.Errorf(types.KindMalformedInput, "empty identity secret")
	}
	if err := commitment.Validate(); err != nil {
		return Identity{}, err
	}
	return Identity{
		secret:     append(Secret(nil), secret...),
		commitment: commitment,
	}, nil
}

// Secret returns a copy of the secret for handing to a prover.
func (i Identity) Secret() Secret {
	return append(Secret(nil), i.secret...)
}

func (i Identity) Commitment() types.Commitment {
	return i.commitment
}

func (i Identity) LogValue() slog.Value {
	return slog.GroupValue(slog.String("commitment", i.commitment.Hex()))
}

// Deriver runs the authentication ceremony that yields an identity.
type Deriver interface {
	DeriveIdentity(ctx context.Context, challenge []byte) (Identity, error)
}

// DeriverFunc adapts a function to Deriver.
type DeriverFunc func(ctx context.Context, challenge []byte) (Identity, error)

func (f DeriverFunc) DeriveIdentity(ctx context.Context, challenge []byte) (Identity, error) {
	return f(ctx, challenge)
}

// CommitFunc maps a secret to its public commitment.
type CommitFunc func(Secret) types.Commitment

// SeedDeriver derives identities deterministically from a fixed seed.
// It is not a security boundary.
type SeedDeriver struct {
	Seed   []byte
	Commit CommitFunc
}

func (d SeedDeriver) DeriveIdentity(ctx context.Context, challenge []byte) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, types.Wrap(types.KindCancelled, err, "derive identity")
	}
	if len(d.Seed) == 0 {
		return Identity{}, errors.New("seed deriver has no seed")
	}
	if d.Commit == nil {
		return Identity{}, errors.New("seed deriver has no commitment function")
	}

	material := make([]byte, 0, len(d.Seed)+len(challenge))
	material = append(material, d.Seed...)
	material = append(material, challenge...)
	h := signal.Bind(material)
	secret := Secret(h[:])

	return New(secret, d.Commit(secret))
}
