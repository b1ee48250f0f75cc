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

func TestSetupTLS_Disabled(t *testing.T) {
	cfg, err := SetupTLS(Settings{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupTLS_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg, err := SetupTLS(Settings{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)

	for _, f := range []string{CertFile, KeyFile, CACertFile} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	info, err := os.Stat(filepath.Join(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "localhost")
	require.NotEmpty(t, leaf.IPAddresses)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	// a second setup reuses the generated pair
	before, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)
	_, err = SetupTLS(Settings{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupTLS_CertFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName:   "sim.local",
		Organization: "test",
		DNSNames:     []string{"sim.local"},
		NotAfter:     time.Now().Add(time.Hour),
		CertPath:     filepath.Join(dir, "a.crt"),
		KeyPath:      filepath.Join(dir, "a.key"),
	}))
	b, err := os.ReadFile(filepath.Join(dir, "a.crt"))
	require.NoError(t, err)
	block, _ := pem.Decode(b)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	cfg, err := SetupTLS(Settings{Enabled: true, CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")})
	require.NoError(t, err)
	_, err = cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{name: "disabled", s: Settings{CertFile: "x"}},
		{name: "dir", s: Settings{Enabled: true, Dir: "/tmp/x"}},
		{name: "files", s: Settings{Enabled: true, CertFile: "a", KeyFile: "b"}},
		{name: "nothing", s: Settings{Enabled: true}, wantErr: true},
		{name: "cert without key", s: Settings{Enabled: true, CertFile: "a"}, wantErr: true},
		{name: "bad version", s: Settings{Enabled: true, Dir: "d", MinVersion: "1.1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetupTLS_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := SetupTLS(Settings{Enabled: true, Dir: dir})
	assert.Error(t, err)
	_, err = SetupTLS(Settings{Enabled: true, CertFile: filepath.Join(dir, "a"), KeyFile: filepath.Join(dir, "b")})
	assert.Error(t, err)
}
