// Package checkpoint publishes a group's state as a signed note
// (c2sp.org/tlog-checkpoint) so witnesses can detect a server showing
// different member lists to different clients.
package checkpoint

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/types"
)

// Signer signs checkpoints with an Ed25519 key. It implements note.Signer.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	name       string
}

// NewSigner creates a signer. An empty name defaults to anonsignal-<key prefix>.
func NewSigner(privateKey ed25519.PrivateKey, name string) (*Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: got %d, want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)
	if name == "" {
		name = fmt.Sprintf("anonsignal-%x", publicKey[:4])
	}
	return &Signer{privateKey: privateKey, publicKey: publicKey, name: name}, nil
}

// ParseKey accepts a base64 Ed25519 seed or full private key.
func ParseKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("checkpoint key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
}

// GenerateSigner creates a signer with an ephemeral key.
func GenerateSigner(name string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv, name)
}

func (s *Signer) Name() string {
	return s.name
}

// KeyHash is SHA256(name + "\n" + 0x01 || public key)[:4].
func (s *Signer) KeyHash() uint32 {
	encoded := append([]byte{0x01}, s.publicKey...)
	h := sha256.Sum256([]byte(s.name + "\n" + string(encoded)))
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, msg), nil
}

// VerifierKey returns the note verifier key witnesses configure.
func (s *Signer) VerifierKey() (string, error) {
	return note.NewEd25519VerifierKey(s.name, s.publicKey)
}

// Origin is the checkpoint origin line for a group.
func Origin(prefix string, id types.GroupID) string {
	return prefix + "/groups/" + id.String()
}

// Body is a parsed checkpoint. LogRoot commits to the ordered member list;
// TreeRoot is the membership tree root proofs are built against.
type Body struct {
	Origin   string
	Size     uint64
	LogRoot  types.Hash
	TreeRoot types.Hash
}

// Format renders the checkpoint text: origin, size, base64 log root, then a
// "tree" extension line carrying the membership root.
func Format(origin string, info accumulator.Info) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n%d\n%s\n", origin, info.Checkpoint.Size, base64.StdEncoding.EncodeToString(info.Checkpoint.Root[:]))
	fmt.Fprintf(&b, "tree %s\n", info.Root.Hex())
	return b.Bytes()
}

// Sign formats and signs a checkpoint for info.
func Sign(s note.Signer, origin string, info accumulator.Info) ([]byte, error) {
	return note.Sign(&note.Note{Text: string(Format(origin, info))}, s)
}

// Open verifies a signed checkpoint against verifierKey and parses it.
func Open(signed []byte, verifierKey string) (*Body, error) {
	v, err := note.NewVerifier(verifierKey)
	if err != nil {
		return nil, fmt.Errorf("parsing verifier key: %w", err)
	}
	n, err := note.Open(signed, note.VerifierList(v))
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	return Parse(n.Text)
}

// Parse parses checkpoint text produced by Format.
func Parse(text string) (*Body, error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 3 {
		return nil, fmt.Errorf("checkpoint has %d lines, want at least 3", len(lines))
	}

	body := &Body{Origin: lines[0]}
	size, err := strconv.ParseUint(lines[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("checkpoint size: %w", err)
	}
	body.Size = size

	root, err := base64.StdEncoding.DecodeString(lines[2])
	if err != nil {
		return nil, fmt.Errorf("checkpoint root: %w", err)
	}
	if body.LogRoot, err = types.HashFromBytes(root); err != nil {
		return nil, err
	}

	for _, ext := range lines[3:] {
		if v, ok := strings.CutPrefix(ext, "tree "); ok {
			if body.TreeRoot, err = types.ParseHash(v); err != nil {
				return nil, fmt.Errorf("checkpoint tree root: %w", err)
			}
		}
	}
	return body, nil
}
