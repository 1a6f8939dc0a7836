// Package signal binds proofs to the exact message they authorize.
package signal

import (
	"golang.org/x/crypto/sha3"

	"github.com/relves/anonsignal/pkg/types"
)

// Bind derives the bound signal hash for raw message bytes: keccak256 shifted
// right by 8 bits so the value is always a valid BN254 scalar.
func Bind(raw []byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	digest := h.Sum(nil)

	var out types.Hash
	copy(out[1:], digest[:types.HashSize-1])
	return out
}

// BindString is Bind over the UTF-8 bytes of msg.
func BindString(msg string) types.Hash {
	return Bind([]byte(msg))
}

// Context pairs a message with the group it is signaled in.
type Context struct {
	GroupID    types.GroupID
	RawMessage []byte
}

// BoundHash returns Bind(c.RawMessage).
func (c Context) BoundHash() types.Hash {
	return Bind(c.RawMessage)
}
