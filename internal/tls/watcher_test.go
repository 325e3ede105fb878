package tls

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	keystore := filepath.Join(dir, "node.pem")
	other := filepath.Join(dir, "unrelated.txt")
	require.NoError(t, os.WriteFile(keystore, []byte("v1"), 0o600))

	changed := make(chan string, 8)
	w, err := NewStoreWatcher([]string{keystore, ""}, quietLogger(), func(path string) { changed <- path })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(other, []byte("noise"), 0o600))
	require.NoError(t, os.WriteFile(keystore, []byte("v2"), 0o600))
	require.NoError(t, os.WriteFile(keystore, []byte("v3"), 0o600))

	select {
	case path := <-changed:
		want, _ := filepath.Abs(keystore)
		assert.Equal(t, want, path)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	// Both writes fall in one debounce window.
	select {
	case path := <-changed:
		t.Fatalf("unexpected second notification for %s", path)
	case <-time.After(300 * time.Millisecond):
	}

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestStoreWatcherMissingDirectory(t *testing.T) {
	_, err := NewStoreWatcher([]string{filepath.Join(t.TempDir(), "missing", "node.pem")}, quietLogger(), nil)
	assert.Error(t, err)
}
