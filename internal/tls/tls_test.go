package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Equal(t, []string{"deployr"}, leaf.Subject.Organization)

	ca, err := os.ReadFile(CACertPath(dir))
	require.NoError(t, err)
	block, _ := pem.Decode(ca)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second Setup reuses the existing pair.
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "deploy.internal", Organization: "ops",
		DNSNames: []string{"deploy.internal"}, IPAddresses: []string{"10.0.0.1", "bogus"},
		NotAfter: timeIn(30), CertPath: certPath, KeyPath: keyPath,
	}))

	c, err := Setup(Config{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	cert, err := c.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy.internal"}, leaf.DNSNames)
	assert.Len(t, leaf.IPAddresses, 1)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{MinVersion: "nonsense"}, true},
		{"dir", Config{Enabled: true, Dir: "/x"}, true},
		{"files", Config{Enabled: true, CertFile: "a", KeyFile: "b"}, true},
		{"no source", Config{Enabled: true}, false},
		{"half pair", Config{Enabled: true, CertFile: "a"}, false},
		{"bad version", Config{Enabled: true, Dir: "/x", MinVersion: "1.1"}, false},
		{"inverted", Config{Enabled: true, Dir: "/x", MinVersion: "1.3", MaxVersion: "1.2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSetupMissingCertificates(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(Config{Enabled: true, Dir: dir})
	assert.Error(t, err)
	_, err = Setup(Config{Enabled: true, CertFile: filepath.Join(dir, "a"), KeyFile: filepath.Join(dir, "b")})
	assert.Error(t, err)
}

func TestSafeReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := safeReadFile(dir, filepath.Join(dir, "..", "etc", "passwd"))
	assert.Error(t, err)
}

func timeIn(days int) time.Time { return time.Now().AddDate(0, 0, days) }
