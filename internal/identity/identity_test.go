package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir, name, cn string, serial int64) string {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}))

	return path
}

func parseCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestTable_ResolveKnownPrincipal(t *testing.T) {
	dir := t.TempDir()
	path := writeSelfSignedCert(t, dir, "sae1.pem", "sae-1", 42)

	tbl := NewTable()
	require.NoError(t, tbl.Add(KindSAE, "sae-1", path))

	cert := parseCert(t, path)
	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	p, err := tbl.Resolve(state)
	require.NoError(t, err)
	assert.Equal(t, "sae-1", p.ID)
	assert.Equal(t, KindSAE, p.Kind)
}

func TestTable_Resolve_UnknownCN(t *testing.T) {
	dir := t.TempDir()
	known := writeSelfSignedCert(t, dir, "known.pem", "known-sae", 1)
	unknown := writeSelfSignedCert(t, dir, "unknown.pem", "rogue-sae", 2)

	tbl := NewTable()
	require.NoError(t, tbl.Add(KindSAE, "known-sae", known))

	cert := parseCert(t, unknown)
	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	_, err := tbl.Resolve(state)
	assert.Error(t, err)
}

func TestTable_Resolve_SerialMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeSelfSignedCert(t, dir, "sae1.pem", "sae-1", 42)

	tbl := NewTable()
	require.NoError(t, tbl.Add(KindSAE, "sae-1", path))

	// Same CN, different serial: simulates a reissued/forged cert.
	forged := writeSelfSignedCert(t, dir, "forged.pem", "sae-1", 99)
	cert := parseCert(t, forged)
	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	_, err := tbl.Resolve(state)
	assert.Error(t, err)
}

func TestTable_Resolve_NoCertificate(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Resolve(&tls.ConnectionState{})
	assert.Error(t, err)

	_, err = tbl.Resolve(nil)
	assert.Error(t, err)
}
