package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_SetGetDelete(t *testing.T) {
	r := NewRingFrom(keyring.NewArrayKeyring(nil))

	_, err := r.Get(GoogleClientSecretKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Set(GoogleClientSecretKey, "s3cret"))

	v, err := r.Get(GoogleClientSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	require.NoError(t, r.Delete(GoogleClientSecretKey))
	_, err = r.Get(GoogleClientSecretKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRing_Resolve(t *testing.T) {
	r := NewRingFrom(keyring.NewArrayKeyring([]keyring.Item{{Key: GoogleClientSecretKey, Data: []byte("from-ring")}}))

	v, err := r.Resolve("from-config", GoogleClientSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "from-config", v)

	v, err = r.Resolve("", GoogleClientSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "from-ring", v)

	v, err = r.Resolve("", "missing")
	require.NoError(t, err)
	assert.Empty(t, v)
}
