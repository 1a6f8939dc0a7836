package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/pkg/signal"
	"github.com/relves/anonsignal/pkg/types"
)

func testCommit(s Secret) types.Commitment {
	return types.Commitment(signal.Bind(append([]byte("commit:"), s...)))
}

func TestSecretNeverLeaks(t *testing.T) {
	s := Secret("super secret material")

	assert.Equal(t, "[redacted]", s.String())
	assert.Equal(t, "[redacted]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[redacted]", fmt.Sprintf("%#v", s))

	b, err := json.Marshal(struct{ S Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "super")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	id, err := New(s, testCommit(s))
	require.NoError(t, err)
	logger.Info("derived", "secret", s, "identity", id)
	assert.NotContains(t, buf.String(), "super")
	assert.Contains(t, buf.String(), id.Commitment().Hex())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testCommit(Secret("x")))
	assert.ErrorIs(t, err, types.ErrMalformedInput)

	_, err = New(Secret("x"), types.Commitment{})
	assert.ErrorIs(t, err, types.ErrMalformedInput)
}

func TestIdentity_SecretIsCopied(t *testing.T) {
	raw := Secret("abc")
	id, err := New(raw, testCommit(raw))
	require.NoError(t, err)

	raw[0] = 'z'
	got := id.Secret()
	assert.Equal(t, "abc", string(got))

	got[0] = 'q'
	assert.Equal(t, "abc", string(id.Secret()))
}

func TestSeedDeriver(t *testing.T) {
	d := SeedDeriver{Seed: []byte("seed"), Commit: testCommit}
	ctx := context.Background()

	a, err := d.DeriveIdentity(ctx, []byte("alice"))
	require.NoError(t, err)
	again, err := d.DeriveIdentity(ctx, []byte("alice"))
	require.NoError(t, err)
	b, err := d.DeriveIdentity(ctx, []byte("bob"))
	require.NoError(t, err)

	assert.Equal(t, a.Commitment(), again.Commitment())
	assert.Equal(t, a.Secret(), again.Secret())
	assert.NotEqual(t, a.Commitment(), b.Commitment())
}

func TestSeedDeriver_Errors(t *testing.T) {
	_, err := SeedDeriver{Commit: testCommit}.DeriveIdentity(context.Background(), nil)
	assert.Error(t, err)

	_, err = SeedDeriver{Seed: []byte("s")}.DeriveIdentity(context.Background(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SeedDeriver{Seed: []byte("s"), Commit: testCommit}.DeriveIdentity(ctx, nil)
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestDeriverFunc(t *testing.T) {
	var d Deriver = DeriverFunc(func(ctx context.Context, c []byte) (Identity, error) {
		return New(Secret(c), testCommit(Secret(c)))
	})
	id, err := d.DeriveIdentity(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, testCommit(Secret("x")), id.Commitment())
}
