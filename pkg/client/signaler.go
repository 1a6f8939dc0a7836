package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/identity"
	"github.com/relves/anonsignal/pkg/prover"
	"github.com/relves/anonsignal/pkg/server"
	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

// DefaultChallenge is signed by the member's key to derive their identity.
const DefaultChallenge = "Sign this message to generate your anonymous signaling identity."

// Signaler runs the member side of registration and signaling. The group is
// always an argument; a Signaler holds no per-group state.
type Signaler struct {
	client    *Client
	deriver   identity.Deriver
	prover    *prover.Coordinator
	challenge []byte
	vkey      string
	log       *slog.Logger
}

type SignalerConfig struct {
	Client  *Client
	Deriver identity.Deriver
	Prover  *prover.Coordinator
	// Challenge defaults to DefaultChallenge.
	Challenge []byte
	// VerifierKey, when set, makes Signal check the member list against the
	// server's signed checkpoint before proving.
	VerifierKey string
	Logger      *slog.Logger
}

func NewSignaler(cfg SignalerConfig) (*Signaler, error) {
	if cfg.Client == nil {
		return nil, errors.New("signaler: client is required")
	}
	if cfg.Deriver == nil {
		return nil, errors.New("signaler: identity deriver is required")
	}
	if cfg.Prover == nil {
		return nil, errors.New("signaler: prover is required")
	}
	if len(cfg.Challenge) == 0 {
		cfg.Challenge = []byte(DefaultChallenge)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Signaler{
		client:    cfg.Client,
		deriver:   cfg.Deriver,
		prover:    cfg.Prover,
		challenge: cfg.Challenge,
		vkey:      cfg.VerifierKey,
		log:       cfg.Logger,
	}, nil
}

// Identity derives the member's identity.
func (s *Signaler) Identity(ctx context.Context) (identity.Identity, error) {
	return s.deriver.DeriveIdentity(ctx, s.challenge)
}

// Register derives the member's identity and registers its commitment.
func (s *Signaler) Register(ctx context.Context, username string, group types.GroupID, ref string) (*server.RegisterResponse, error) {
	id, err := s.Identity(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Register(ctx, types.RegistrationRequest{
		Username:     username,
		GroupID:      group,
		Commitment:   id.Commitment(),
		AdmissionRef: ref,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("registered", "group", group, "index", res.Index, "member", id)
	return res, nil
}

// Signal publishes message anonymously in group. depth is the tree depth the
// caller expects; zero accepts the server's.
func (s *Signaler) Signal(ctx context.Context, group types.GroupID, depth int, message string) (*server.VerifyResponse, error) {
	id, err := s.Identity(ctx)
	if err != nil {
		return nil, err
	}

	list, err := s.client.Members(ctx, group)
	if err != nil {
		return nil, err
	}
	if s.vkey != "" {
		// A registration landing between the two fetches also fails here;
		// the caller retries.
		cp, err := s.client.Checkpoint(ctx, group, s.vkey)
		if err != nil {
			return nil, err
		}
		if cp.TreeRoot != list.Root || cp.Size != uint64(len(list.Members)) {
			return nil, types.Errorf(types.KindMalformedInput, "signed checkpoint (size %d, root %s) does not match member list (size %d, root %s)",
				cp.Size, cp.TreeRoot, len(list.Members), list.Root)
		}
	}
	if depth == 0 {
		depth = list.Depth
	} else if depth != list.Depth {
		return nil, types.Errorf(types.KindMalformedInput, "group %s has depth %d, expected %d", group, list.Depth, depth)
	}
	hasher, err := accumulator.HasherByName(list.Hasher)
	if err != nil {
		return nil, types.Wrap(types.KindMalformedInput, err, "member list")
	}

	snap, err := accumulator.BuildSnapshot(group, depth, hasher, list.Members)
	if err != nil {
		return nil, err
	}
	if snap.Root != list.Root {
		return nil, types.Errorf(types.KindMalformedInput, "rebuilt root %s does not match server root %s", snap.Root, list.Root)
	}

	proof, err := s.prover.ProduceSignal(ctx, id, snap, signal.Context{GroupID: group, RawMessage: []byte(message)})
	if err != nil {
		return nil, err
	}

	res, err := s.client.Verify(ctx, server.VerifyRequest{
		GroupID:   &group,
		Proof:     proof,
		GroupSize: snap.Size(),
		Message:   message,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("signal accepted", "group", group, "groupSize", snap.Size(), "nullifier", res.NullifierHash)
	return res, nil
}
