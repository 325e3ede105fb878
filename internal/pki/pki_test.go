package pki

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerifiesAgainstAuthority(t *testing.T) {
	for _, keyType := range []KeyType{KeyECDSA, KeyRSA} {
		t.Run(string(keyType), func(t *testing.T) {
			ca, err := NewAuthority(Options{KeyType: keyType})
			require.NoError(t, err)
			assert.True(t, ca.Cert.IsCA)

			leaf, err := ca.Issue(Options{KeyType: keyType})
			require.NoError(t, err)

			roots := x509.NewCertPool()
			roots.AddCert(ca.Cert)
			_, err = leaf.Cert.Verify(x509.VerifyOptions{
				Roots:     roots,
				DNSName:   "localhost",
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			})
			assert.NoError(t, err)
		})
	}
}

func TestClientOnlyCertificate(t *testing.T) {
	ca, err := NewAuthority(Options{})
	require.NoError(t, err)

	leaf, err := ca.Issue(Options{CommonName: "client", ClientOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.Cert.ExtKeyUsage)
	assert.Empty(t, leaf.Cert.DNSNames)
}

func TestWriteNodeBundleAndInspect(t *testing.T) {
	dir := t.TempDir()

	bundle, err := WriteNodeBundle(dir, []string{"node-1", "node-2"}, Options{})
	require.NoError(t, err)
	require.Len(t, bundle.Keystores, 2)

	info, err := os.Stat(bundle.Keystores["node-1"])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	infos, err := Inspect(bundle.Keystores["node-2"])
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "CN=node-2", infos[0].Subject)
	assert.Contains(t, infos[0].DNSNames, "node-2")
	assert.False(t, infos[0].Expired(time.Now()))

	caInfos, err := Inspect(filepath.Join(dir, "ca.pem"))
	require.NoError(t, err)
	assert.True(t, caInfos[0].IsCA)
}

func TestInspectRejectsNonCertificates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not pem"), 0o600))

	_, err := Inspect(path)
	assert.Error(t, err)
}

func TestWriteBundleClients(t *testing.T) {
	bundle, err := WriteBundle(t.TempDir(), []string{"node-1"}, []string{"kibana"}, Options{})
	require.NoError(t, err)
	require.Contains(t, bundle.Clients, "kibana")

	infos, err := Inspect(bundle.Clients["kibana"])
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "CN=kibana", infos[0].Subject)
	assert.Empty(t, infos[0].DNSNames)
	assert.Empty(t, infos[0].IPAddresses)
}
