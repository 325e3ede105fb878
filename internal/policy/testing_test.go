package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anupis/elasticsearch/internal/pki"
)

// writePKI writes a CA and a PEM keystore for one node into a temp dir.
func writePKI(t *testing.T) (caFile, keystore string) {
	t.Helper()
	bundle, err := pki.WriteNodeBundle(t.TempDir(), []string{"node-1"}, pki.Options{})
	require.NoError(t, err)
	return bundle.CAFile, bundle.Keystores["node-1"]
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
