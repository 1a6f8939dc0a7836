// pkg/types/entry_test.go
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommitment_Decimal(t *testing.T) {
	c, err := ParseCommitment("255")
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), c[HashSize-1])
	assert.Equal(t, "255", c.Decimal())
}

func TestParseCommitment_Hex(t *testing.T) {
	c, err := ParseCommitment("0x0abc")
	require.NoError(t, err)
	assert.Equal(t, byte(0x0a), c[HashSize-2])
	assert.Equal(t, byte(0xbc), c[HashSize-1])

	odd, err := ParseCommitment("0xabc")
	require.NoError(t, err)
	assert.Equal(t, c, odd)
}

func TestParseCommitment_Rejects(t *testing.T) {
	cases := map[string]string{
		"zero":     "0",
		"zerohex":  "0x00",
		"empty":    "",
		"negative": "-5",
		"garbage":  "hello",
		"badhex":   "0xzz",
		"toowide":  "0x01" + fmt.Sprintf("%064x", 0),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommitment(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedInput))
		})
	}
}

func TestParseMembers(t *testing.T) {
	members, err := ParseMembers([]MemberJSON{{Commitment: "1"}, {Commitment: "0x02"}, {Commitment: "3"}})
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "2", members[1].Decimal())

	_, err = ParseMembers([]MemberJSON{{Commitment: "1"}, {Commitment: "0x01"}})
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = ParseMembers([]MemberJSON{{Commitment: "1"}, {Commitment: "nope"}})
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Contains(t, err.Error(), "member 1")
}

func TestHash_JSONRoundTrip(t *testing.T) {
	in := PublicInputs{ExternalContext: 7}
	in.Root[31] = 1
	in.NullifierHash[0] = 0xaa

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"externalNullifier":7`)
	assert.Contains(t, string(data), `"nullifierHash":"0xaa00`)

	var out PublicInputs
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestError_KindMatching(t *testing.T) {
	err := fmt.Errorf("verify: %w", Errorf(KindStaleRoot, "root %s unknown", ZeroHash))

	assert.ErrorIs(t, err, ErrStaleRoot)
	assert.NotErrorIs(t, err, ErrInvalidProof)
	assert.Equal(t, KindStaleRoot, KindOf(err))
	assert.False(t, Retryable(err))

	netErr := Wrap(KindNetworkFailure, errors.New("connection reset"), "fetch members")
	assert.True(t, Retryable(netErr))
	assert.Equal(t, "NetworkFailure: fetch members: connection reset", netErr.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestParseGroupID(t *testing.T) {
	id, err := ParseGroupID(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, GroupID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParseGroupID("x")
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestGroupID_UnmarshalJSON(t *testing.T) {
	var body struct {
		A GroupID `json:"a"`
		B GroupID `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 7, "b": "8"}`), &body))
	assert.Equal(t, GroupID(7), body.A)
	assert.Equal(t, GroupID(8), body.B)

	err := json.Unmarshal([]byte(`{"a": -1}`), &body)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestPublicInputs_Bytes(t *testing.T) {
	pi := PublicInputs{ExternalContext: 0x0102}
	pi.Root[0] = 0xaa
	pi.NullifierHash[0] = 0xbb
	pi.BoundHash[0] = 0xcc

	b := pi.Bytes()
	require.Len(t, b, PublicInputsSize)
	assert.Equal(t, byte(0xaa), b[0])
	assert.Equal(t, byte(0xbb), b[HashSize])
	assert.Equal(t, byte(0xcc), b[2*HashSize])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, b[3*HashSize:])
}
