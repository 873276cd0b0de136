package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *AESVault {
	t.Helper()
	v, err := New(Config{MasterKey: "test-master-key", Salt: []byte("0123456789abcdef")})
	require.NoError(t, err)
	return v
}

func TestNew_RequiresMasterKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Seal([]byte("1BVtsOK4Bu..session-string"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "session-string")

	opened, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "1BVtsOK4Bu..session-string", string(opened))

	t.Run("different key cannot open", func(t *testing.T) {
		other, err := New(Config{MasterKey: "another-key", Salt: []byte("0123456789abcdef")})
		require.NoError(t, err)
		_, err = other.Open(sealed)
		assert.Error(t, err)
	})

	t.Run("garbage input", func(t *testing.T) {
		_, err := v.Open("!!not base64!!")
		assert.Error(t, err)

		_, err = v.Open("AAAA")
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})
}
