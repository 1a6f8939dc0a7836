// pkg/types/group.go
package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// HashSize is the width in bytes of every hash-like value in the protocol.
const HashSize = 32

// GroupID identifies a group. It doubles as the external nullifier a proof is
// scoped to.
type GroupID uint64

func (g GroupID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// ParseGroupID parses a decimal group id.
func ParseGroupID(s string) (GroupID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, Wrap(KindMalformedInput, err, "invalid group id")
	}
	return GroupID(v), nil
}

// UnmarshalJSON accepts a JSON number or a decimal string; browser clients
// send either.
func (g *GroupID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := ParseGroupID(s)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// Hash is a fixed-width big-endian digest or field element.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash.
var ZeroHash Hash

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Hex returns the 0x-prefixed lowercase hex encoding.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// Big returns the hash interpreted as a big-endian unsigned integer.
func (h Hash) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	v, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// HashFromBytes copies b into a Hash, left-padding short input.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) > HashSize {
		return h, Errorf(KindMalformedInput, "value is %d bytes, max %d", len(b), HashSize)
	}
	copy(h[HashSize-len(b):], b)
	return h, nil
}

// ParseHash accepts 0x-prefixed hex or a decimal integer, the two encodings
// browser proof libraries emit.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroHash, Errorf(KindMalformedInput, "empty value")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw := s[2:]
		if len(raw)%2 == 1 {
			raw = "0" + raw
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			return ZeroHash, Wrap(KindMalformedInput, err, "invalid hex value")
		}
		return HashFromBytes(b)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return ZeroHash, Errorf(KindMalformedInput, "invalid decimal value %q", s)
	}
	return HashFromBytes(v.Bytes())
}

// Commitment is the public one-way binding of a member's secret identity.
// The core never inspects its structure.
type Commitment Hash

func (c Commitment) IsZero() bool {
	return Hash(c).IsZero()
}

func (c Commitment) Hex() string {
	return Hash(c).Hex()
}

func (c Commitment) String() string {
	return Hash(c).Hex()
}

// Decimal returns the base-10 form used by the browser client.
func (c Commitment) Decimal() string {
	return Hash(c).Big().String()
}

func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

func (c *Commitment) UnmarshalText(text []byte) error {
	v, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCommitment parses and validates a commitment: fixed width, non-zero.
func ParseCommitment(s string) (Commitment, error) {
	h, err := ParseHash(s)
	if err != nil {
		return Commitment{}, err
	}
	c := Commitment(h)
	if err := c.Validate(); err != nil {
		return Commitment{}, err
	}
	return c, nil
}

// Validate checks the structural well-formedness the core relies on.
func (c Commitment) Validate() error {
	if c.IsZero() {
		return Errorf(KindMalformedInput, "commitment must be non-zero")
	}
	return nil
}

// MemberJSON is the wire shape of one entry in a member list.
type MemberJSON struct {
	Commitment string `json:"commitment"`
}

// ParseMembers turns a fetched member list into validated commitments,
// preserving order. The first bad entry aborts the parse.
func ParseMembers(raw []MemberJSON) ([]Commitment, error) {
	out := make([]Commitment, 0, len(raw))
	seen := make(map[Commitment]int, len(raw))
	for i, m := range raw {
		c, err := ParseCommitment(m.Commitment)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		if j, dup := seen[c]; dup {
			return nil, Errorf(KindMalformedInput, "member %d duplicates member %d", i, j)
		}
		seen[c] = i
		out = append(out, c)
	}
	return out, nil
}
