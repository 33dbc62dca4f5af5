package sessionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	dir := t.TempDir()
	return New(
		filepath.Join(dir, ".session_key"),
		filepath.Join(dir, ".instapaper_session"),
	)
}

func testSession() Session {
	return Session{
		Cookies: []Cookie{
			{Name: "pfu", Value: "12345", Domain: ".instapaper.com"},
			{Name: "pfp", Value: "abcdef", Domain: ".instapaper.com"},
			{Name: "pfh", Value: "deadbeef", Domain: ".instapaper.com"},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	session := testSession()

	err := store.Save(session)
	require.NoError(t, err)

	loaded, ok := store.Load()
	require.True(t, ok)
	diff := cmp.Diff(session, loaded)
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	session := testSession()

	require.NoError(t, store.Save(session))
	firstKey, err := os.ReadFile(store.KeyFile)
	require.NoError(t, err)

	require.NoError(t, store.Save(session))
	secondKey, err := os.ReadFile(store.KeyFile)
	require.NoError(t, err)

	// the key is generated once and reused
	require.Equal(t, firstKey, secondKey)

	loaded, ok := store.Load()
	require.True(t, ok)
	require.Equal(t, session, loaded)
}

func TestLoadMissingFilesIsNotAnError(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.Load()
	require.False(t, ok)
}

func TestLoadCorruptBlobDiscardsIt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testSession()))

	err := os.WriteFile(store.SessionFile, []byte("not a fernet token"), 0o600)
	require.NoError(t, err)

	_, ok := store.Load()
	require.False(t, ok)

	_, err = os.Stat(store.SessionFile)
	require.True(t, os.IsNotExist(err))
}

func TestLoadWithWrongKeyFails(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testSession()))

	// regenerate the key under the blob
	require.NoError(t, os.Remove(store.KeyFile))
	_, err := store.loadOrCreateKey()
	require.NoError(t, err)

	_, ok := store.Load()
	require.False(t, ok)
}

func TestFilesAreOwnerOnly(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(testSession()))

	for _, path := range []string{store.KeyFile, store.SessionFile} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.EqualValues(t, 0, info.Mode().Perm()&0o077, "%s is group/world accessible", path)
	}
}
