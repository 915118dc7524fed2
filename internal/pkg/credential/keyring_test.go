package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	opts := Options{Backend: "file", FileDir: t.TempDir(), FilePassword: "test-key"}

	store, err := Open(opts)
	require.NoError(t, err)

	_, err = store.Get("imap")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	require.NoError(t, store.Set("imap", "app-password"))

	reopened, err := Open(opts)
	require.NoError(t, err)

	value, err := reopened.Get("imap")
	require.NoError(t, err)
	assert.Equal(t, "app-password", value)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "floppy"})
	assert.EqualError(t, err, `unknown keyring backend "floppy"`)
}
